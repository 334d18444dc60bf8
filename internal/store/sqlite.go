// Package store provides storage backends for CoachPipe.
//
// This file implements an SQLite-backed store.
package store

import (
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	_ "embed"

	_ "github.com/mattn/go-sqlite3"
)

// Constants for SQLite store configuration
const (
	// DefaultDirPermissions defines the default permissions for database directories
	DefaultDirPermissions = 0755
)

//go:embed migrations_sqlite.sql
var sqliteMigrations string

var sqliteDialect = dialect{
	name: "SQLiteStore",
	upsertSession: `INSERT INTO coaching_sessions (id, workflow, phase, stage, data, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET workflow = excluded.workflow, phase = excluded.phase,
			stage = excluded.stage, data = excluded.data, updated_at = excluded.updated_at`,
	selectSession: `SELECT data FROM coaching_sessions WHERE id = ?`,
	deleteSession: `DELETE FROM coaching_sessions WHERE id = ?`,
	listSessions:  `SELECT id, workflow, phase, stage, updated_at FROM coaching_sessions ORDER BY updated_at DESC`,
	pruneSessions: `DELETE FROM coaching_sessions WHERE updated_at < ?`,
	upsertCache:   `INSERT OR REPLACE INTO search_cache (query_hash, query, results, created_at) VALUES (?, ?, ?, ?)`,
	selectCache:   `SELECT results, created_at FROM search_cache WHERE query_hash = ?`,
	insertEvent: `INSERT INTO coaching_events (session_id, workflow, phase, event, fields, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
}

// SQLiteStore persists sessions in a local SQLite file.
type SQLiteStore struct {
	*sqlStore
}

var _ Store = (*SQLiteStore)(nil)

// NewSQLiteStore creates a new SQLite store with the given DSN.
// The DSN should be a file path to the SQLite database file.
// If the directory doesn't exist, it will be created.
func NewSQLiteStore(opts ...Option) (*SQLiteStore, error) {
	// Apply options
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

	dir := filepath.Dir(dsn)
	if err := os.MkdirAll(dir, DefaultDirPermissions); err != nil {
		slog.Error("Failed to create database directory", "error", err, "dir", dir)
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		slog.Error("Failed to open SQLite connection", "error", err)
		return nil, err
	}
	// SQLite serializes writers; one connection avoids "database is locked" under concurrent turns
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		slog.Error("SQLite ping failed", "error", err)
		db.Close()
		return nil, err
	}

	slog.Debug("Running SQLite migrations")
	if _, err := db.Exec(sqliteMigrations); err != nil {
		slog.Error("Failed to run migrations", "error", err)
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	slog.Debug("SQLite migrations applied successfully", "dir", dir)

	return &SQLiteStore{sqlStore: &sqlStore{db: db, d: sqliteDialect}}, nil
}
