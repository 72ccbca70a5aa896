// This file implements the SQLite-backed store.
package store

import (
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	_ "embed"

	_ "github.com/mattn/go-sqlite3"
)

// DefaultDirPermissions defines the default permissions for database directories
const DefaultDirPermissions = 0755

//go:embed migrations_sqlite.sql
var sqliteMigrations string

var sqliteQueries = queries{
	loadState: `SELECT user_id, username, profile, coaching, created_at, updated_at
		FROM user_states WHERE user_id = ?`,
	upsertState: `INSERT INTO user_states (user_id, username, profile, coaching, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(user_id) DO UPDATE SET
			username = excluded.username,
			profile = excluded.profile,
			coaching = excluded.coaching,
			updated_at = excluded.updated_at`,
	maxSeq:        `SELECT COALESCE(MAX(seq), 0) FROM messages WHERE user_id = ?`,
	insertMessage: `INSERT INTO messages (user_id, seq, role, content, metadata, created_at) VALUES (?, ?, ?, ?, ?, ?)`,
	recentMessages: `SELECT seq, role, content, metadata, created_at FROM messages
		WHERE user_id = ? ORDER BY seq DESC LIMIT ?`,
	countMessages:  `SELECT COUNT(*) FROM messages WHERE user_id = ?`,
	deleteMessages: `DELETE FROM messages WHERE user_id = ?`,
	deleteState:    `DELETE FROM user_states WHERE user_id = ?`,
	deleteDedup:    `DELETE FROM inbound_dedup WHERE user_id = ?`,
	insertDedup:    `INSERT OR IGNORE INTO inbound_dedup (message_id, user_id, received_at) VALUES (?, ?, ?)`,
}

// SQLiteStore persists users in a local SQLite file.
type SQLiteStore struct {
	sqlBackend
}

// NewSQLiteStore creates a new SQLite store with the given DSN.
// The DSN should be a file path to the SQLite database file.
// If the directory doesn't exist, it will be created.
func NewSQLiteStore(opts ...Option) (*SQLiteStore, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	slog.Debug("NewSQLiteStore invoked", "DSN_set", cfg.DSN != "")

	dsn := cfg.DSN
	if dsn == "" {
		slog.Error("SQLiteStore DSN not set")
		return nil, fmt.Errorf("database DSN not set")
	}

	dir := filepath.Dir(strings.TrimPrefix(strings.SplitN(dsn, "?", 2)[0], "file:"))
	if err := os.MkdirAll(dir, DefaultDirPermissions); err != nil {
		slog.Error("Failed to create database directory", "error", err, "dir", dir)
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		slog.Error("Failed to open SQLite connection", "error", err)
		return nil, err
	}
	// SQLite serializes writers; one connection avoids SQLITE_BUSY between turns.
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		slog.Error("SQLite ping failed", "error", err)
		db.Close()
		return nil, err
	}

	if _, err := db.Exec(sqliteMigrations); err != nil {
		slog.Error("Failed to run migrations", "error", err)
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	slog.Debug("SQLite migrations applied successfully", "dir", dir)

	return &SQLiteStore{sqlBackend{db: db, name: "SQLiteStore", q: sqliteQueries}}, nil
}
