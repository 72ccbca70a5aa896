// Package messaging connects chat transports to the coaching flow: it reads
// inbound messages, drops redeliveries, serializes work per user and sends
// the replies back.
package messaging

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/BTreeMap/GateCoach/internal/flow"
	"github.com/BTreeMap/GateCoach/internal/models"
	"github.com/BTreeMap/GateCoach/internal/security"
	"github.com/BTreeMap/GateCoach/internal/store"
)

// Coach is the part of flow.CoachFlow the handler drives.
type Coach interface {
	ProcessMessage(ctx context.Context, userID, text, displayName string) models.TurnResult
	ClearUser(ctx context.Context, userID string) error
	Stats(ctx context.Context, userID string) (flow.UserStats, error)
}

// Opts configures a ResponseHandler.
type Opts struct {
	AdminUserID string
	Dedup       store.DedupRepo
}

// Option configures a ResponseHandler.
type Option func(*Opts)

// WithAdminUserID enables the admin chat commands for this canonical user id.
func WithAdminUserID(id string) Option {
	return func(o *Opts) { o.AdminUserID = id }
}

// WithDedup drops inbound messages whose transport id was already seen.
func WithDedup(repo store.DedupRepo) Option {
	return func(o *Opts) { o.Dedup = repo }
}

// ResponseHandler routes inbound messages to chat commands or to a coaching
// turn. Messages from one user are handled in arrival order; different users
// are handled concurrently.
type ResponseHandler struct {
	msgService Service
	coach      Coach
	limiter    *security.RateLimiter
	opts       Opts

	mu     sync.Mutex
	queues map[string][]models.InboundMessage
	wg     sync.WaitGroup
}

// NewResponseHandler creates a handler. limiter backs the admin commands and
// may be nil when they are not wanted.
func NewResponseHandler(msgService Service, coach Coach, limiter *security.RateLimiter, opts ...Option) *ResponseHandler {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	return &ResponseHandler{
		msgService: msgService,
		coach:      coach,
		limiter:    limiter,
		opts:       cfg,
		queues:     make(map[string][]models.InboundMessage),
	}
}

// Start reads the service's inbound channel until it closes or ctx ends.
func (rh *ResponseHandler) Start(ctx context.Context) {
	slog.Info("ResponseHandler.Start: processing inbound messages")
	rh.wg.Add(1)
	go func() {
		defer rh.wg.Done()
		defer slog.Info("ResponseHandler.Start: stopped")
		for {
			select {
			case msg, ok := <-rh.msgService.Responses():
				if !ok {
					return
				}
				if err := rh.Dispatch(ctx, msg); err != nil {
					slog.Warn("ResponseHandler.Start: message not dispatched", "error", err)
				}
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Wait blocks until the read loop and every per-user worker have finished.
func (rh *ResponseHandler) Wait() {
	rh.wg.Wait()
}

// Dispatch canonicalizes the sender, drops redeliveries and queues msg on
// the sender's worker.
func (rh *ResponseHandler) Dispatch(ctx context.Context, msg models.InboundMessage) error {
	userID, err := rh.msgService.ValidateAndCanonicalizeRecipient(msg.From)
	if err != nil {
		return fmt.Errorf("invalid sender: %w", err)
	}
	msg.From = userID

	if rh.opts.Dedup != nil && msg.ID != "" {
		fresh, err := rh.opts.Dedup.RecordInbound(ctx, msg.ID, userID)
		if err != nil {
			slog.Error("ResponseHandler.Dispatch: dedup check failed, processing anyway", "error", err, "userID", userID)
		} else if !fresh {
			slog.Info("ResponseHandler.Dispatch: duplicate delivery dropped", "userID", userID, "messageID", msg.ID)
			return nil
		}
	}

	rh.mu.Lock()
	q, running := rh.queues[userID]
	rh.queues[userID] = append(q, msg)
	if !running {
		rh.wg.Add(1)
		go rh.drain(ctx, userID)
	}
	rh.mu.Unlock()
	return nil
}

// drain handles the user's queue until it is empty. The queue key stays in
// the map while the worker runs so Dispatch does not start a second one.
func (rh *ResponseHandler) drain(ctx context.Context, userID string) {
	defer rh.wg.Done()
	for {
		rh.mu.Lock()
		q := rh.queues[userID]
		if len(q) == 0 {
			delete(rh.queues, userID)
			rh.mu.Unlock()
			return
		}
		msg := q[0]
		rh.queues[userID] = q[1:]
		rh.mu.Unlock()

		if err := rh.ProcessResponse(ctx, msg); err != nil {
			slog.Error("ResponseHandler.drain: message failed", "error", err, "userID", userID)
		}
	}
}

// ProcessResponse handles one message from an already canonical sender and
// sends the reply.
func (rh *ResponseHandler) ProcessResponse(ctx context.Context, msg models.InboundMessage) error {
	reply := rh.reply(ctx, msg)
	if reply == "" {
		return nil
	}
	if err := rh.msgService.SendMessage(ctx, msg.From, reply); err != nil {
		return fmt.Errorf("failed to send reply: %w", err)
	}
	return nil
}

func (rh *ResponseHandler) reply(ctx context.Context, msg models.InboundMessage) string {
	text := strings.TrimSpace(msg.Body)
	if strings.HasPrefix(text, "/") {
		name, args := parseCommand(text)
		if cmd, ok := rh.commands()[name]; ok {
			slog.Info("ResponseHandler.reply: command", "userID", msg.From, "command", name)
			return cmd(ctx, msg, args)
		}
	}

	result := rh.coach.ProcessMessage(ctx, msg.From, msg.Body, msg.Name)
	slog.Debug("ResponseHandler.reply: turn finished", "userID", msg.From, "phase", result.Phase)
	return result.Reply
}
