package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestHandlerExposesCollectors(t *testing.T) {
	SecurityDecisions.WithLabelValues(OutcomeAllowed).Inc()
	Turns.WithLabelValues("coaching").Inc()
	AgentLatency.Observe(0.2)

	rr := httptest.NewRecorder()
	Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d", rr.Code)
	}
	body, _ := io.ReadAll(rr.Body)
	for _, name := range []string{
		"gatecoach_security_decisions_total",
		"gatecoach_turns_total",
		"gatecoach_agent_latency_seconds",
	} {
		if !strings.Contains(string(body), name) {
			t.Errorf("metrics output missing %s", name)
		}
	}
}
