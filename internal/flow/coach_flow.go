package flow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/BTreeMap/GateCoach/internal/keylock"
	"github.com/BTreeMap/GateCoach/internal/metrics"
	"github.com/BTreeMap/GateCoach/internal/models"
	"github.com/BTreeMap/GateCoach/internal/security"
	"github.com/BTreeMap/GateCoach/internal/store"
	"github.com/google/uuid"
)

const (
	// FallbackReply is sent when the agent fails or times out.
	FallbackReply = "what are you trying to do?"

	// DefaultHistoryLimit is how many messages, including the current one,
	// the agent sees.
	DefaultHistoryLimit = 20
	// DefaultAgentTimeout bounds a single agent call.
	DefaultAgentTimeout = 30 * time.Second

	// escalationLookback is the minimum history fetched for the security check.
	escalationLookback = 10
)

// Agent generates the coach's reply. history is oldest first and ends with
// the current user message.
type Agent interface {
	Generate(ctx context.Context, history []models.ChatTurn, user models.AgentContext) (string, error)
}

// Opts configures a CoachFlow.
type Opts struct {
	HistoryLimit int
	AgentTimeout time.Duration
	Policy       *Policy
}

// Option configures a CoachFlow.
type Option func(*Opts)

// WithHistoryLimit sets how many messages the agent sees.
func WithHistoryLimit(n int) Option {
	return func(o *Opts) { o.HistoryLimit = n }
}

// WithAgentTimeout bounds each agent call.
func WithAgentTimeout(d time.Duration) Option {
	return func(o *Opts) { o.AgentTimeout = d }
}

// WithPolicy replaces the built-in detection tables.
func WithPolicy(p *Policy) Option {
	return func(o *Opts) { o.Policy = p }
}

// CoachFlow runs one coaching turn per inbound message. Turns for the same
// user are serialized; different users run concurrently.
type CoachFlow struct {
	pipeline     *security.Pipeline
	store        store.Store
	agent        Agent
	states       *StoreBasedStateManager
	locks        *keylock.KeyedMutex
	policy       *Policy
	historyLimit int
	agentTimeout time.Duration
}

// NewCoachFlow wires the orchestrator around its collaborators.
func NewCoachFlow(pipeline *security.Pipeline, st store.Store, agent Agent, opts ...Option) *CoachFlow {
	cfg := Opts{HistoryLimit: DefaultHistoryLimit, AgentTimeout: DefaultAgentTimeout}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.Policy == nil {
		cfg.Policy = DefaultPolicy()
	}
	if cfg.HistoryLimit < 1 {
		cfg.HistoryLimit = 1
	}
	return &CoachFlow{
		pipeline:     pipeline,
		store:        st,
		agent:        agent,
		states:       NewStoreBasedStateManager(st),
		locks:        keylock.New(),
		policy:       cfg.Policy,
		historyLimit: cfg.HistoryLimit,
		agentTimeout: cfg.AgentTimeout,
	}
}

// Pipeline exposes the security pipeline, mainly for operator tooling.
func (f *CoachFlow) Pipeline() *security.Pipeline {
	return f.pipeline
}

// ProcessMessage runs a full turn and never fails: every error path resolves
// to a reply and a phase.
func (f *CoachFlow) ProcessMessage(ctx context.Context, userID, text, displayName string) models.TurnResult {
	turnID := uuid.NewString()
	log := slog.With("turnID", turnID, "userID", userID)

	unlock := f.locks.Lock(userID)
	defer unlock()

	recent, err := f.store.GetRecentMessages(ctx, userID, max(f.historyLimit, escalationLookback))
	if err != nil {
		log.Error("CoachFlow.ProcessMessage: history read failed, continuing without history", "error", err)
		recent = nil
	}

	sec := f.pipeline.ProcessInput(userID, text, models.Turns(recent))
	if !sec.Allowed {
		log.Info("CoachFlow.ProcessMessage: turn rejected", "reason", sec.Reason)
		metrics.Turns.WithLabelValues(string(models.PhaseBlocked)).Inc()
		return models.TurnResult{Reply: sec.Reason, Phase: models.PhaseBlocked}
	}
	if sec.Escalating {
		log.Warn("CoachFlow.ProcessMessage: conversation escalating", "flags", sec.FlagCount)
	}
	message := sec.Text

	state, err := f.states.LoadOrInit(ctx, userID)
	if err != nil {
		log.Error("CoachFlow.ProcessMessage: state load failed", "error", err)
		return f.fallback()
	}
	if displayName != "" {
		state.Username = displayName
	}

	if state.Coaching.AwaitingCompletion && f.policy.IsCompletion(message) {
		if state.Coaching.CompleteCurrentStep() {
			metrics.StepTransitions.WithLabelValues("completed").Inc()
		}
		log.Info("CoachFlow.ProcessMessage: step completed", "stepNumber", state.Coaching.StepNumber)
	}

	userMsg := models.Message{
		Role:      models.RoleUser,
		Content:   message,
		Timestamp: time.Now(),
		Metadata:  turnMetadata(turnID, sec),
	}

	prior := recent
	if keep := f.historyLimit - 1; len(prior) > keep {
		prior = prior[len(prior)-keep:]
	}
	history := append(models.Turns(prior), models.ChatTurn{Role: models.RoleUser, Content: message})

	agentCtx, cancel := context.WithTimeout(ctx, f.agentTimeout)
	reply, err := f.agent.Generate(agentCtx, history, state.AgentContext())
	cancel()
	if err != nil {
		metrics.AgentFailures.Inc()
		if errors.Is(err, context.DeadlineExceeded) {
			log.Error("CoachFlow.ProcessMessage: agent timed out", "timeout", f.agentTimeout)
		} else {
			log.Error("CoachFlow.ProcessMessage: agent failed", "error", err)
		}
		return f.fallback()
	}

	if name, ok := f.policy.ExtractName(message); ok {
		state.Profile.Name = &name
		log.Debug("CoachFlow.ProcessMessage: name extracted")
	}

	if step, ok := f.policy.DetectStepAssignment(reply); ok {
		state.Coaching.AssignStep(step)
		metrics.StepTransitions.WithLabelValues("assigned").Inc()
		log.Info("CoachFlow.ProcessMessage: step assigned", "stepLength", len(step))
	}

	turn := models.TurnRecord{
		UserMessage: userMsg,
		AssistantMessage: models.Message{
			Role:      models.RoleAssistant,
			Content:   reply,
			Timestamp: time.Now(),
			Metadata:  map[string]string{"turn_id": turnID},
		},
		State: *state,
	}
	if _, err := f.store.CommitTurn(ctx, userID, turn); err != nil {
		log.Error("CoachFlow.ProcessMessage: commit failed, turn not persisted", "error", err)
	}

	metrics.Turns.WithLabelValues(string(models.PhaseCoaching)).Inc()
	return models.TurnResult{Reply: f.pipeline.ProcessOutput(reply), Phase: models.PhaseCoaching}
}

func (f *CoachFlow) fallback() models.TurnResult {
	metrics.Turns.WithLabelValues(string(models.PhaseCoaching)).Inc()
	return models.TurnResult{Reply: f.pipeline.ProcessOutput(FallbackReply), Phase: models.PhaseCoaching}
}

func turnMetadata(turnID string, sec security.PipelineResult) map[string]string {
	meta := map[string]string{"turn_id": turnID}
	if sec.Truncated {
		meta["truncated"] = "true"
	}
	if sec.Suspicious {
		meta["suspicious"] = "true"
	}
	if len(sec.Redactions) > 0 {
		meta["redactions"] = strings.Join(sec.Redactions, ",")
	}
	return meta
}

// ClearUser deletes the user's history and state and resets their rate
// record. Limit overrides are kept.
func (f *CoachFlow) ClearUser(ctx context.Context, userID string) error {
	unlock := f.locks.Lock(userID)
	defer unlock()

	if err := f.store.ClearUserData(ctx, userID); err != nil {
		return fmt.Errorf("failed to clear user %s: %w", userID, err)
	}
	f.pipeline.Limiter().Reset(userID)
	slog.Info("CoachFlow.ClearUser: user data cleared", "userID", userID)
	return nil
}

// UserStats summarizes what is stored about a user.
type UserStats struct {
	UserID       string   `json:"user_id"`
	Username     string   `json:"username,omitempty"`
	Name         string   `json:"name,omitempty"`
	Commitment   string   `json:"commitment,omitempty"`
	Deadline     string   `json:"deadline,omitempty"`
	StepNumber   int      `json:"step_number"`
	CurrentStep  string   `json:"current_step,omitempty"`
	Completed    []string `json:"completed_steps"`
	MessageCount int      `json:"message_count"`
}

// Stats returns the user's summary. Unknown users get zero values.
func (f *CoachFlow) Stats(ctx context.Context, userID string) (UserStats, error) {
	state, err := f.states.LoadOrInit(ctx, userID)
	if err != nil {
		return UserStats{}, err
	}
	count, err := f.store.CountMessages(ctx, userID)
	if err != nil {
		return UserStats{}, err
	}
	ac := state.AgentContext()
	stats := UserStats{
		UserID:       userID,
		Username:     state.Username,
		Name:         ac.Name,
		Commitment:   ac.Commitment,
		Deadline:     ac.Deadline,
		StepNumber:   state.Coaching.StepNumber,
		Completed:    state.Coaching.CompletedSteps,
		MessageCount: count,
	}
	if state.Coaching.CurrentStep != nil {
		stats.CurrentStep = *state.Coaching.CurrentStep
	}
	return stats, nil
}

// State returns the stored state or store.ErrNotFound.
func (f *CoachFlow) State(ctx context.Context, userID string) (*models.UserState, error) {
	return f.states.Get(ctx, userID)
}

// History returns the user's last count messages, oldest first.
func (f *CoachFlow) History(ctx context.Context, userID string, count int) ([]models.Message, error) {
	return f.store.GetRecentMessages(ctx, userID, count)
}
