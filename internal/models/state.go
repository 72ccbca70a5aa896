package models

import "time"

// CoachingState tracks the step the coach has assigned and the steps the user
// has reported done. AwaitingCompletion is true exactly when CurrentStep is set.
type CoachingState struct {
	CurrentStep        *string  `json:"current_step"`
	StepNumber         int      `json:"step_number"`
	AwaitingCompletion bool     `json:"awaiting_completion"`
	CompletedSteps     []string `json:"completed_steps"`
	TrueConstraint     *string  `json:"true_constraint"`
	Goal               *string  `json:"goal"`
}

// CompleteCurrentStep moves the current step into CompletedSteps, advances
// StepNumber and clears the awaiting flag. It reports whether a step was
// actually recorded.
func (c *CoachingState) CompleteCurrentStep() bool {
	recorded := false
	if c.CurrentStep != nil && *c.CurrentStep != "" {
		c.CompletedSteps = append(c.CompletedSteps, *c.CurrentStep)
		c.StepNumber++
		recorded = true
	}
	c.CurrentStep = nil
	c.AwaitingCompletion = false
	return recorded
}

// AssignStep records a newly assigned step and starts waiting for it.
func (c *CoachingState) AssignStep(step string) {
	c.CurrentStep = &step
	c.AwaitingCompletion = true
}

// UserProfile holds what the coach knows about the person.
type UserProfile struct {
	Name       *string `json:"name"`
	Commitment *string `json:"commitment"`
	Deadline   *string `json:"deadline"`
}

// UserState is the persisted per-user record.
type UserState struct {
	UserID    string        `json:"user_id"`
	Username  string        `json:"username,omitempty"`
	Profile   UserProfile   `json:"user"`
	Coaching  CoachingState `json:"coaching"`
	CreatedAt time.Time     `json:"created_at"`
	UpdatedAt time.Time     `json:"updated_at"`
}

// NewUserState returns the default state for a user seen for the first time.
func NewUserState(userID string) *UserState {
	now := time.Now()
	return &UserState{
		UserID: userID,
		Coaching: CoachingState{
			CompletedSteps: []string{},
		},
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// AgentContext is the slice of user state the agent sees on every turn.
type AgentContext struct {
	Name       string        `json:"name,omitempty"`
	Commitment string        `json:"commitment,omitempty"`
	Deadline   string        `json:"deadline,omitempty"`
	Coaching   CoachingState `json:"coaching"`
}

// AgentContext builds the agent's view of this state.
func (s *UserState) AgentContext() AgentContext {
	return AgentContext{
		Name:       deref(s.Profile.Name),
		Commitment: deref(s.Profile.Commitment),
		Deadline:   deref(s.Profile.Deadline),
		Coaching:   s.Coaching,
	}
}

// TurnRecord is everything a successful turn writes, committed atomically.
type TurnRecord struct {
	UserMessage      Message
	AssistantMessage Message
	State            UserState
}

// LimitOverride is an operator-set per-user rate limit. Nil fields fall back
// to the defaults.
type LimitOverride struct {
	PerMinute *int `json:"per_minute,omitempty"`
	PerHour   *int `json:"per_hour,omitempty"`
}

// EffectiveLimits are the caps applied to a user on the next check.
type EffectiveLimits struct {
	PerMinute int  `json:"per_minute"`
	PerHour   int  `json:"per_hour"`
	Unlimited bool `json:"unlimited"`
	Custom    bool `json:"custom"`
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
