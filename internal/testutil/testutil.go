// Package testutil provides shared fakes and assertions for GateCoach tests
// that wire several packages together.
package testutil

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"

	"github.com/BTreeMap/GateCoach/internal/flow"
	"github.com/BTreeMap/GateCoach/internal/models"
	"github.com/BTreeMap/GateCoach/internal/security"
	"github.com/BTreeMap/GateCoach/internal/store"
)

// TB is the subset of testing.TB the helpers need.
type TB interface {
	Helper()
	Errorf(format string, args ...any)
	Fatalf(format string, args ...any)
}

// ScriptedAgent replies with Replies in order, repeating the last one. It
// records every history it was given.
type ScriptedAgent struct {
	mu        sync.Mutex
	Replies   []string
	Err       error
	histories [][]models.ChatTurn
}

// NewScriptedAgent creates an agent that answers with replies in order.
func NewScriptedAgent(replies ...string) *ScriptedAgent {
	return &ScriptedAgent{Replies: replies}
}

func (a *ScriptedAgent) Generate(ctx context.Context, history []models.ChatTurn, ac models.AgentContext) (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.histories = append(a.histories, history)
	if a.Err != nil {
		return "", a.Err
	}
	if len(a.Replies) == 0 {
		return "ok", nil
	}
	i := min(len(a.histories), len(a.Replies)) - 1
	return a.Replies[i], nil
}

// Calls returns how many times Generate ran.
func (a *ScriptedAgent) Calls() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.histories)
}

// LastHistory returns the history passed to the latest call.
func (a *ScriptedAgent) LastHistory() []models.ChatTurn {
	a.mu.Lock()
	defer a.mu.Unlock()
	if len(a.histories) == 0 {
		return nil
	}
	return a.histories[len(a.histories)-1]
}

// NewCoachFlow wires a CoachFlow over an in-memory store and a fresh
// RateStore.
func NewCoachFlow(agent flow.Agent, secOpts ...security.Option) (*flow.CoachFlow, *store.InMemoryStore) {
	st := store.NewInMemoryStore()
	pipeline := security.NewPipeline(security.NewRateStore(), secOpts...)
	return flow.NewCoachFlow(pipeline, st, agent), st
}

// SeedAwaitingStep stores a user who has been assigned step and not yet
// reported it done.
func SeedAwaitingStep(t TB, st store.Store, userID, step string) {
	t.Helper()
	state := models.NewUserState(userID)
	state.Coaching.AssignStep(step)
	if err := st.SaveUserState(context.Background(), state); err != nil {
		t.Fatalf("failed to seed user state: %v", err)
	}
}

// AssertHTTPStatus checks the HTTP status code.
func AssertHTTPStatus(t TB, expected, actual int, context string) {
	t.Helper()
	if actual != expected {
		t.Errorf("%s: expected status %d, got %d", context, expected, actual)
	}
}

// AssertJSONResponse decodes the APIResponse envelope and checks its status.
func AssertJSONResponse(t TB, rr *httptest.ResponseRecorder, expectedStatus string) models.APIResponse {
	t.Helper()
	var resp models.APIResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to decode JSON response %q: %v", rr.Body.String(), err)
		return resp
	}
	if resp.Status != expectedStatus {
		t.Errorf("expected status %q, got %q (message %q)", expectedStatus, resp.Status, resp.Message)
	}
	return resp
}

// CreateJSONRequest builds a request with body marshaled as JSON.
func CreateJSONRequest(t TB, method, url string, body any) *http.Request {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("failed to marshal request body: %v", err)
		}
	}
	req := httptest.NewRequest(method, url, &buf)
	req.Header.Set("Content-Type", "application/json")
	return req
}

// ResultAs re-decodes an envelope's Result into target.
func ResultAs(t TB, resp models.APIResponse, target any) {
	t.Helper()
	data, err := json.Marshal(resp.Result)
	if err != nil {
		t.Fatalf("failed to marshal result: %v", err)
		return
	}
	if err := json.Unmarshal(data, target); err != nil {
		t.Fatalf("failed to decode result: %v", err)
	}
}
