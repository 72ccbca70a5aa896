// This file implements the PostgreSQL-backed store.
package store

import (
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	_ "embed"

	_ "github.com/lib/pq"
)

// Database connection pool configuration constants
const (
	// DefaultMaxOpenConns is the default maximum number of open connections to the database
	DefaultMaxOpenConns = 25
	// DefaultMaxIdleConns is the default maximum number of idle connections in the pool
	DefaultMaxIdleConns = 25
	// DefaultConnMaxLifetime is the default maximum amount of time a connection may be reused
	DefaultConnMaxLifetime = 5 * time.Minute
)

//go:embed migrations_postgres.sql
var postgresMigrations string

var postgresQueries = queries{
	loadState: `SELECT user_id, username, profile, coaching, created_at, updated_at
		FROM user_states WHERE user_id = $1`,
	upsertState: `INSERT INTO user_states (user_id, username, profile, coaching, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (user_id) DO UPDATE SET
			username = EXCLUDED.username,
			profile = EXCLUDED.profile,
			coaching = EXCLUDED.coaching,
			updated_at = EXCLUDED.updated_at`,
	maxSeq:        `SELECT COALESCE(MAX(seq), 0) FROM messages WHERE user_id = $1`,
	insertMessage: `INSERT INTO messages (user_id, seq, role, content, metadata, created_at) VALUES ($1, $2, $3, $4, $5, $6)`,
	recentMessages: `SELECT seq, role, content, metadata, created_at FROM messages
		WHERE user_id = $1 ORDER BY seq DESC LIMIT $2`,
	countMessages:  `SELECT COUNT(*) FROM messages WHERE user_id = $1`,
	deleteMessages: `DELETE FROM messages WHERE user_id = $1`,
	deleteState:    `DELETE FROM user_states WHERE user_id = $1`,
	deleteDedup:    `DELETE FROM inbound_dedup WHERE user_id = $1`,
	insertDedup: `INSERT INTO inbound_dedup (message_id, user_id, received_at) VALUES ($1, $2, $3)
		ON CONFLICT (message_id) DO NOTHING`,
}

// PostgresStore persists users in PostgreSQL.
type PostgresStore struct {
	sqlBackend
}

// NewPostgresStore creates a new Postgres store based on provided options.
func NewPostgresStore(opts ...Option) (*PostgresStore, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	slog.Debug("PostgresStore.NewPostgresStore: creating Postgres store", "DSN_set", cfg.DSN != "")
	dsn := cfg.DSN
	if dsn == "" {
		slog.Error("PostgresStore DSN not set")
		return nil, fmt.Errorf("database DSN not set")
	}

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		slog.Error("Failed to open Postgres connection", "error", err)
		return nil, err
	}

	db.SetMaxOpenConns(DefaultMaxOpenConns)
	db.SetMaxIdleConns(DefaultMaxIdleConns)
	db.SetConnMaxLifetime(DefaultConnMaxLifetime)

	if err := db.Ping(); err != nil {
		slog.Error("Postgres ping failed", "error", err)
		db.Close()
		return nil, err
	}
	if _, err := db.Exec(postgresMigrations); err != nil {
		slog.Error("Failed to run migrations", "error", err)
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	slog.Debug("Postgres migrations applied successfully")
	return newPostgresStoreWithDB(db), nil
}

func newPostgresStoreWithDB(db *sql.DB) *PostgresStore {
	return &PostgresStore{sqlBackend{db: db, name: "PostgresStore", q: postgresQueries}}
}
