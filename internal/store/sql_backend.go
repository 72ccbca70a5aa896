package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/BTreeMap/GateCoach/internal/models"
)

// queries holds the dialect-specific SQL of one backend.
type queries struct {
	loadState      string
	upsertState    string
	maxSeq         string
	insertMessage  string
	recentMessages string // newest first; reversed after scanning
	countMessages  string
	deleteMessages string
	deleteState    string
	deleteDedup    string
	insertDedup    string
}

// sqlBackend implements Store on top of database/sql. SQLiteStore and
// PostgresStore embed it with their own queries.
type sqlBackend struct {
	db   *sql.DB
	name string
	q    queries
}

// querier is satisfied by *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (b *sqlBackend) LoadUserState(ctx context.Context, userID string) (*models.UserState, error) {
	var st models.UserState
	var profileJSON, coachingJSON []byte
	err := b.db.QueryRowContext(ctx, b.q.loadState, userID).Scan(
		&st.UserID, &st.Username, &profileJSON, &coachingJSON, &st.CreatedAt, &st.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		slog.Error(b.name+".LoadUserState: query failed", "error", err, "userID", userID)
		return nil, fmt.Errorf("failed to load state for %s: %w", userID, err)
	}
	if err := json.Unmarshal(profileJSON, &st.Profile); err != nil {
		return nil, fmt.Errorf("failed to decode profile for %s: %w", userID, err)
	}
	if err := json.Unmarshal(coachingJSON, &st.Coaching); err != nil {
		return nil, fmt.Errorf("failed to decode coaching state for %s: %w", userID, err)
	}
	if st.Coaching.CompletedSteps == nil {
		st.Coaching.CompletedSteps = []string{}
	}
	return &st, nil
}

func (b *sqlBackend) saveState(ctx context.Context, q querier, st *models.UserState) error {
	profileJSON, err := json.Marshal(st.Profile)
	if err != nil {
		return fmt.Errorf("failed to encode profile: %w", err)
	}
	coachingJSON, err := json.Marshal(st.Coaching)
	if err != nil {
		return fmt.Errorf("failed to encode coaching state: %w", err)
	}
	if st.CreatedAt.IsZero() {
		st.CreatedAt = time.Now()
	}
	st.UpdatedAt = time.Now()
	_, err = q.ExecContext(ctx, b.q.upsertState,
		st.UserID, st.Username, string(profileJSON), string(coachingJSON), st.CreatedAt, st.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to save state for %s: %w", st.UserID, err)
	}
	return nil
}

func (b *sqlBackend) SaveUserState(ctx context.Context, st *models.UserState) error {
	if st == nil || st.UserID == "" {
		return models.ErrEmptyUserID
	}
	if err := b.saveState(ctx, b.db, st); err != nil {
		slog.Error(b.name+".SaveUserState: failed", "error", err, "userID", st.UserID)
		return err
	}
	slog.Debug(b.name+".SaveUserState: saved", "userID", st.UserID, "step", st.Coaching.StepNumber)
	return nil
}

// appendMessage assigns the next position id inside q. Callers that need
// atomicity pass a transaction.
func (b *sqlBackend) appendMessage(ctx context.Context, q querier, userID string, m models.Message) (models.Message, error) {
	var maxSeq int64
	if err := q.QueryRowContext(ctx, b.q.maxSeq, userID).Scan(&maxSeq); err != nil {
		return m, fmt.Errorf("failed to read message position for %s: %w", userID, err)
	}
	m.ID = maxSeq + 1
	if m.Timestamp.IsZero() {
		m.Timestamp = time.Now()
	}
	var metadata sql.NullString
	if len(m.Metadata) > 0 {
		raw, err := json.Marshal(m.Metadata)
		if err != nil {
			return m, fmt.Errorf("failed to encode message metadata: %w", err)
		}
		metadata = sql.NullString{String: string(raw), Valid: true}
	}
	_, err := q.ExecContext(ctx, b.q.insertMessage, userID, m.ID, string(m.Role), m.Content, metadata, m.Timestamp)
	if err != nil {
		return m, fmt.Errorf("failed to insert message for %s: %w", userID, err)
	}
	return m, nil
}

func (b *sqlBackend) AppendMessage(ctx context.Context, userID string, role models.Role, content string, metadata map[string]string) (models.Message, error) {
	if userID == "" {
		return models.Message{}, models.ErrEmptyUserID
	}
	if !role.IsValid() {
		return models.Message{}, models.ErrInvalidRole
	}
	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return models.Message{}, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	m, err := b.appendMessage(ctx, tx, userID, models.Message{Role: role, Content: content, Metadata: metadata})
	if err != nil {
		slog.Error(b.name+".AppendMessage: failed", "error", err, "userID", userID)
		return models.Message{}, err
	}
	if err := tx.Commit(); err != nil {
		return models.Message{}, fmt.Errorf("failed to commit message for %s: %w", userID, err)
	}
	return m, nil
}

func (b *sqlBackend) GetRecentMessages(ctx context.Context, userID string, count int) ([]models.Message, error) {
	msgs := []models.Message{}
	if count <= 0 {
		return msgs, nil
	}
	rows, err := b.db.QueryContext(ctx, b.q.recentMessages, userID, count)
	if err != nil {
		slog.Error(b.name+".GetRecentMessages: query failed", "error", err, "userID", userID)
		return nil, fmt.Errorf("failed to query messages for %s: %w", userID, err)
	}
	defer rows.Close()

	for rows.Next() {
		var m models.Message
		var role string
		var metadata sql.NullString
		if err := rows.Scan(&m.ID, &role, &m.Content, &metadata, &m.Timestamp); err != nil {
			return nil, fmt.Errorf("failed to scan message row: %w", err)
		}
		m.Role = models.Role(role)
		if metadata.Valid && metadata.String != "" {
			if err := json.Unmarshal([]byte(metadata.String), &m.Metadata); err != nil {
				slog.Warn(b.name+".GetRecentMessages: bad metadata, ignoring", "error", err, "userID", userID, "id", m.ID)
				m.Metadata = nil
			}
		}
		msgs = append(msgs, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate message rows: %w", err)
	}
	slices.Reverse(msgs)
	return msgs, nil
}

func (b *sqlBackend) CountMessages(ctx context.Context, userID string) (int, error) {
	var n int
	if err := b.db.QueryRowContext(ctx, b.q.countMessages, userID).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count messages for %s: %w", userID, err)
	}
	return n, nil
}

func (b *sqlBackend) CommitTurn(ctx context.Context, userID string, turn models.TurnRecord) (models.TurnRecord, error) {
	if err := validateTurn(userID, turn); err != nil {
		return models.TurnRecord{}, err
	}
	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return models.TurnRecord{}, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if turn.UserMessage, err = b.appendMessage(ctx, tx, userID, turn.UserMessage); err != nil {
		slog.Error(b.name+".CommitTurn: user message failed", "error", err, "userID", userID)
		return models.TurnRecord{}, err
	}
	if turn.AssistantMessage, err = b.appendMessage(ctx, tx, userID, turn.AssistantMessage); err != nil {
		slog.Error(b.name+".CommitTurn: assistant message failed", "error", err, "userID", userID)
		return models.TurnRecord{}, err
	}
	if err := b.saveState(ctx, tx, &turn.State); err != nil {
		slog.Error(b.name+".CommitTurn: state save failed", "error", err, "userID", userID)
		return models.TurnRecord{}, err
	}
	if err := tx.Commit(); err != nil {
		return models.TurnRecord{}, fmt.Errorf("failed to commit turn for %s: %w", userID, err)
	}
	slog.Debug(b.name+".CommitTurn: committed", "userID", userID,
		"userMessageID", turn.UserMessage.ID, "assistantMessageID", turn.AssistantMessage.ID)
	return turn, nil
}

func (b *sqlBackend) ClearUserData(ctx context.Context, userID string) error {
	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	for _, q := range []string{b.q.deleteMessages, b.q.deleteState, b.q.deleteDedup} {
		if _, err := tx.ExecContext(ctx, q, userID); err != nil {
			slog.Error(b.name+".ClearUserData: delete failed", "error", err, "userID", userID)
			return fmt.Errorf("failed to clear data for %s: %w", userID, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit clear for %s: %w", userID, err)
	}
	slog.Info(b.name+".ClearUserData: cleared", "userID", userID)
	return nil
}

func (b *sqlBackend) RecordInbound(ctx context.Context, messageID, userID string) (bool, error) {
	res, err := b.db.ExecContext(ctx, b.q.insertDedup, messageID, userID, time.Now())
	if err != nil {
		return false, fmt.Errorf("record inbound failed: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("record inbound failed: %w", err)
	}
	return n == 1, nil
}

func (b *sqlBackend) Close() error {
	slog.Debug(b.name + ".Close: closing database connection")
	err := b.db.Close()
	if err != nil {
		slog.Error(b.name+".Close: failed", "error", err)
	}
	return err
}
