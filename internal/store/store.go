// Package store provides storage backends for GateCoach.
//
// A Store holds each user's append-only conversation log and coaching state.
// Three backends implement it: an in-memory store for tests and ephemeral
// runs, SQLite for single-node deployments and PostgreSQL.
package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"strings"
	"sync"
	"time"

	"github.com/BTreeMap/GateCoach/internal/models"
)

// ErrNotFound is returned when a user has no stored state.
var ErrNotFound = errors.New("store: not found")

// Store is the persistence collaborator of the coaching flow. Every method is
// keyed by user id; callers serialize writes for the same user.
type Store interface {
	// LoadUserState returns ErrNotFound when the user has never been saved.
	LoadUserState(ctx context.Context, userID string) (*models.UserState, error)
	SaveUserState(ctx context.Context, state *models.UserState) error

	// AppendMessage assigns the next position id and a timestamp.
	AppendMessage(ctx context.Context, userID string, role models.Role, content string, metadata map[string]string) (models.Message, error)
	// GetRecentMessages returns at most count messages, oldest first.
	GetRecentMessages(ctx context.Context, userID string, count int) ([]models.Message, error)
	CountMessages(ctx context.Context, userID string) (int, error)

	// CommitTurn appends both messages and saves the state as one unit: either
	// everything is written or nothing is.
	CommitTurn(ctx context.Context, userID string, turn models.TurnRecord) (models.TurnRecord, error)

	// ClearUserData removes the user's messages, state and dedup records.
	ClearUserData(ctx context.Context, userID string) error

	DedupRepo

	Close() error
}

// DedupRepo drops transport redeliveries of the same inbound message.
type DedupRepo interface {
	// RecordInbound returns false when messageID was already recorded.
	RecordInbound(ctx context.Context, messageID, userID string) (bool, error)
}

// Opts holds configuration options for store backends.
type Opts struct {
	DSN string
}

// Option configures a store backend.
type Option func(*Opts)

// WithPostgresDSN sets the PostgreSQL connection string.
func WithPostgresDSN(dsn string) Option {
	return func(o *Opts) { o.DSN = dsn }
}

// WithSQLiteDSN sets the SQLite database file path.
func WithSQLiteDSN(dsn string) Option {
	return func(o *Opts) { o.DSN = dsn }
}

// DetectDSNType returns "postgres" for PostgreSQL URLs and key/value DSNs,
// "sqlite3" for everything else.
func DetectDSNType(dsn string) string {
	lower := strings.ToLower(strings.TrimSpace(dsn))
	if strings.HasPrefix(lower, "postgres://") || strings.HasPrefix(lower, "postgresql://") {
		return "postgres"
	}
	if strings.Contains(lower, "host=") || strings.Contains(lower, "dbname=") {
		return "postgres"
	}
	return "sqlite3"
}

// New opens the backend matching dsn. An empty dsn yields an in-memory store.
func New(dsn string) (Store, error) {
	if dsn == "" {
		slog.Debug("store.New: no DSN, using in-memory store")
		return NewInMemoryStore(), nil
	}
	switch DetectDSNType(dsn) {
	case "postgres":
		return NewPostgresStore(WithPostgresDSN(dsn))
	default:
		return NewSQLiteStore(WithSQLiteDSN(dsn))
	}
}

func validateTurn(userID string, turn models.TurnRecord) error {
	if userID == "" {
		return models.ErrEmptyUserID
	}
	if turn.UserMessage.Role != models.RoleUser || turn.AssistantMessage.Role != models.RoleAssistant {
		return fmt.Errorf("commit turn: %w", models.ErrInvalidRole)
	}
	if turn.State.UserID != userID {
		return fmt.Errorf("commit turn: state belongs to %q, not %q", turn.State.UserID, userID)
	}
	return nil
}

// userLog is the in-memory record of one user.
type userLog struct {
	messages []models.Message
	nextID   int64
	state    *models.UserState
}

// InMemoryStore keeps everything in process memory.
type InMemoryStore struct {
	mu    sync.RWMutex
	users map[string]*userLog
	seen  map[string]string
}

// NewInMemoryStore creates an empty in-memory store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		users: make(map[string]*userLog),
		seen:  make(map[string]string),
	}
}

// userLocked returns the user's log, creating it. Caller holds s.mu for writing.
func (s *InMemoryStore) userLocked(userID string) *userLog {
	u, ok := s.users[userID]
	if !ok {
		u = &userLog{nextID: 1}
		s.users[userID] = u
	}
	return u
}

func copyState(st *models.UserState) *models.UserState {
	out := *st
	out.Coaching.CompletedSteps = append([]string{}, st.Coaching.CompletedSteps...)
	return &out
}

func copyMessage(m models.Message) models.Message {
	m.Metadata = maps.Clone(m.Metadata)
	return m
}

func (s *InMemoryStore) LoadUserState(ctx context.Context, userID string) (*models.UserState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	u, ok := s.users[userID]
	if !ok || u.state == nil {
		return nil, ErrNotFound
	}
	return copyState(u.state), nil
}

func (s *InMemoryStore) SaveUserState(ctx context.Context, state *models.UserState) error {
	if state == nil || state.UserID == "" {
		return models.ErrEmptyUserID
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	state.UpdatedAt = time.Now()
	s.userLocked(state.UserID).state = copyState(state)
	return nil
}

func (s *InMemoryStore) appendLocked(userID string, m models.Message) models.Message {
	u := s.userLocked(userID)
	m.ID = u.nextID
	u.nextID++
	if m.Timestamp.IsZero() {
		m.Timestamp = time.Now()
	}
	m = copyMessage(m)
	u.messages = append(u.messages, m)
	return copyMessage(m)
}

func (s *InMemoryStore) AppendMessage(ctx context.Context, userID string, role models.Role, content string, metadata map[string]string) (models.Message, error) {
	if userID == "" {
		return models.Message{}, models.ErrEmptyUserID
	}
	if !role.IsValid() {
		return models.Message{}, models.ErrInvalidRole
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.appendLocked(userID, models.Message{Role: role, Content: content, Metadata: metadata}), nil
}

func (s *InMemoryStore) GetRecentMessages(ctx context.Context, userID string, count int) ([]models.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	u, ok := s.users[userID]
	if !ok || count <= 0 {
		return []models.Message{}, nil
	}
	msgs := u.messages
	if len(msgs) > count {
		msgs = msgs[len(msgs)-count:]
	}
	out := make([]models.Message, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, copyMessage(m))
	}
	return out, nil
}

func (s *InMemoryStore) CountMessages(ctx context.Context, userID string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if u, ok := s.users[userID]; ok {
		return len(u.messages), nil
	}
	return 0, nil
}

func (s *InMemoryStore) CommitTurn(ctx context.Context, userID string, turn models.TurnRecord) (models.TurnRecord, error) {
	if err := validateTurn(userID, turn); err != nil {
		return models.TurnRecord{}, err
	}
	if err := ctx.Err(); err != nil {
		return models.TurnRecord{}, fmt.Errorf("commit turn: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	turn.UserMessage = s.appendLocked(userID, turn.UserMessage)
	turn.AssistantMessage = s.appendLocked(userID, turn.AssistantMessage)
	turn.State.UpdatedAt = time.Now()
	s.userLocked(userID).state = copyState(&turn.State)
	return turn, nil
}

func (s *InMemoryStore) ClearUserData(ctx context.Context, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.users, userID)
	for id, owner := range s.seen {
		if owner == userID {
			delete(s.seen, id)
		}
	}
	return nil
}

func (s *InMemoryStore) RecordInbound(ctx context.Context, messageID, userID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, dup := s.seen[messageID]; dup {
		return false, nil
	}
	s.seen[messageID] = userID
	return true, nil
}

// Close is a no-op for the in-memory store.
func (s *InMemoryStore) Close() error {
	return nil
}
