// Package store provides storage backends for CoachPipe.
//
// This file implements a PostgreSQL-backed store.
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

var postgresDialect = dialect{
	name: "PostgresStore",
	upsertSession: `INSERT INTO coaching_sessions (id, workflow, phase, stage, data, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (id) DO UPDATE SET workflow = EXCLUDED.workflow, phase = EXCLUDED.phase,
			stage = EXCLUDED.stage, data = EXCLUDED.data, updated_at = EXCLUDED.updated_at`,
	selectSession: `SELECT data FROM coaching_sessions WHERE id = $1`,
	deleteSession: `DELETE FROM coaching_sessions WHERE id = $1`,
	listSessions:  `SELECT id, workflow, phase, stage, updated_at FROM coaching_sessions ORDER BY updated_at DESC`,
	pruneSessions: `DELETE FROM coaching_sessions WHERE updated_at < $1`,
	upsertCache: `INSERT INTO search_cache (query_hash, query, results, created_at) VALUES ($1, $2, $3, $4)
		ON CONFLICT (query_hash) DO UPDATE SET query = EXCLUDED.query, results = EXCLUDED.results, created_at = EXCLUDED.created_at`,
	selectCache: `SELECT results, created_at FROM search_cache WHERE query_hash = $1`,
	insertEvent: `INSERT INTO coaching_events (session_id, workflow, phase, event, fields, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
}

// PostgresStore persists sessions in PostgreSQL.
type PostgresStore struct {
	*sqlStore
}

var _ Store = (*PostgresStore)(nil)

// NewPostgresStore creates a new Postgres store based on provided options.
func NewPostgresStore(opts ...Option) (*PostgresStore, error) {
	// Apply options
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

	// Configure connection pool for better performance
	db.SetMaxOpenConns(DefaultMaxOpenConns)
	db.SetMaxIdleConns(DefaultMaxIdleConns)
	db.SetConnMaxLifetime(DefaultConnMaxLifetime)

	if err := db.Ping(); err != nil {
		slog.Error("Postgres ping failed", "error", err)
		db.Close()
		return nil, err
	}

	slog.Debug("Running Postgres migrations")
	if _, err := db.Exec(postgresMigrations); err != nil {
		slog.Error("Failed to run migrations", "error", err)
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	slog.Debug("Postgres migrations applied successfully")
	return &PostgresStore{sqlStore: &sqlStore{db: db, d: postgresDialect}}, nil
}
