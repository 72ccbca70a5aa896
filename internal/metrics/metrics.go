// Package metrics defines the Prometheus collectors exported by GateCoach.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Security decision outcomes recorded by the input pipeline.
const (
	OutcomeAllowed     = "allowed"
	OutcomeRateLimited = "rate_limited"
	OutcomeBlocked     = "blocked"
	OutcomeTruncated   = "truncated"
	OutcomeSuspicious  = "suspicious"
	OutcomeEscalation  = "escalation"
	OutcomeRedacted    = "redacted"
)

// Registry holds every GateCoach collector. A dedicated registry keeps tests
// and embedding programs free of global registration conflicts.
var Registry = prometheus.NewRegistry()

var (
	SecurityDecisions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gatecoach_security_decisions_total",
			Help: "Input pipeline decisions by outcome",
		},
		[]string{"outcome"},
	)

	OutputFiltered = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "gatecoach_output_filtered_total",
			Help: "Agent replies replaced by the leak filter",
		},
	)

	Turns = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gatecoach_turns_total",
			Help: "Completed turns by phase",
		},
		[]string{"phase"},
	)

	AgentFailures = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "gatecoach_agent_failures_total",
			Help: "Agent calls that failed or timed out",
		},
	)

	AgentLatency = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "gatecoach_agent_latency_seconds",
			Help:    "Latency of agent generate calls",
			Buckets: prometheus.DefBuckets,
		},
	)

	StepTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gatecoach_step_transitions_total",
			Help: "Coaching step transitions by kind",
		},
		[]string{"kind"},
	)
)

func init() {
	Registry.MustRegister(SecurityDecisions)
	Registry.MustRegister(OutputFiltered)
	Registry.MustRegister(Turns)
	Registry.MustRegister(AgentFailures)
	Registry.MustRegister(AgentLatency)
	Registry.MustRegister(StepTransitions)
}

// Handler serves the registry in the Prometheus text format.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}
