// Package models defines the core data structures for GateCoach.
//
// It includes the conversation, coaching-state and rate-limit types shared
// across the security pipeline, the coaching flow, storage and the API.
package models

import (
	"errors"
	"time"
)

// Role identifies the author of a conversation message.
type Role string

const (
	// RoleUser marks a message written by the coached user.
	RoleUser Role = "user"
	// RoleAssistant marks a message written by the coaching agent.
	RoleAssistant Role = "assistant"
)

// IsValid reports whether the role is one of the known roles.
func (r Role) IsValid() bool {
	return r == RoleUser || r == RoleAssistant
}

// Phase tells the transport how a turn ended.
type Phase string

const (
	// PhaseBlocked means the turn was rejected by the security pipeline.
	PhaseBlocked Phase = "blocked"
	// PhaseCoaching means the turn reached the coaching agent (or its fallback).
	PhaseCoaching Phase = "coaching"
)

var (
	ErrEmptyUserID  = errors.New("user id cannot be empty")
	ErrInvalidRole  = errors.New("invalid message role")
	ErrInvalidLimit = errors.New("rate limit values must not be negative")
)

// Message is one entry of a user's append-only conversation log.
// ID is the 1-based position in the log and is never reused.
type Message struct {
	ID        int64             `json:"id"`
	Role      Role              `json:"role"`
	Content   string            `json:"content"`
	Timestamp time.Time         `json:"timestamp"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// ChatTurn is the role/content view of a message handed to the agent and the
// conversation monitor.
type ChatTurn struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// Turns converts stored messages into chat turns, preserving order.
func Turns(msgs []Message) []ChatTurn {
	turns := make([]ChatTurn, 0, len(msgs))
	for _, m := range msgs {
		turns = append(turns, ChatTurn{Role: m.Role, Content: m.Content})
	}
	return turns
}

// InboundMessage is a decoded text message delivered by a messaging transport.
// ID is the provider's message id when it has one and is used to drop
// redeliveries.
type InboundMessage struct {
	ID   string `json:"id,omitempty"`
	From string `json:"from"`
	Name string `json:"name,omitempty"`
	Body string `json:"body"`
	Time int64  `json:"time"`
}

// TurnResult is what the coaching flow hands back to the transport.
type TurnResult struct {
	Reply string `json:"reply"`
	Phase Phase  `json:"phase"`
}

// API Response types for consistent JSON responses

// APIStatus represents the status of an API response.
type APIStatus string

const (
	// APIStatusOK indicates an API request completed successfully.
	APIStatusOK APIStatus = "ok"
	// APIStatusError indicates an API request failed with an error.
	APIStatusError APIStatus = "error"
)

// APIResponse represents a standard API response with a status and optional data.
type APIResponse struct {
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
	Result  any    `json:"result,omitempty"`
}

// APIResponseBuilder provides a fluent interface for building API responses.
type APIResponseBuilder struct {
	response APIResponse
}

// NewAPIResponseBuilder creates a new APIResponseBuilder instance.
func NewAPIResponseBuilder() *APIResponseBuilder {
	return &APIResponseBuilder{}
}

// WithStatus sets the status of the API response.
func (b *APIResponseBuilder) WithStatus(status APIStatus) *APIResponseBuilder {
	b.response.Status = string(status)
	return b
}

// WithMessage sets the message of the API response.
func (b *APIResponseBuilder) WithMessage(message string) *APIResponseBuilder {
	b.response.Message = message
	return b
}

// WithResult sets the result data of the API response.
func (b *APIResponseBuilder) WithResult(result any) *APIResponseBuilder {
	b.response.Result = result
	return b
}

// Build constructs and returns the final APIResponse.
func (b *APIResponseBuilder) Build() APIResponse {
	return b.response
}

// Success creates a successful API response with optional result data.
func Success(result any) APIResponse {
	return NewAPIResponseBuilder().WithStatus(APIStatusOK).WithResult(result).Build()
}

// SuccessWithMessage creates a successful API response with a message and optional result data.
func SuccessWithMessage(message string, result any) APIResponse {
	return NewAPIResponseBuilder().WithStatus(APIStatusOK).WithMessage(message).WithResult(result).Build()
}

// Error creates an error API response with a message.
func Error(message string) APIResponse {
	return NewAPIResponseBuilder().WithStatus(APIStatusError).WithMessage(message).Build()
}
