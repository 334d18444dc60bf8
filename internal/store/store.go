// Package store provides storage backends for CoachPipe.
//
// A Store persists coaching session snapshots, cached research results and
// analytics events. In-memory, SQLite and PostgreSQL backends are provided.
package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/BTreeMap/CoachPipe/internal/models"
)

// ErrUnsupportedDSN is returned when a DSN matches no known backend.
var ErrUnsupportedDSN = errors.New("unsupported database DSN")

// Store is the persistence collaborator for coaching sessions.
type Store interface {
	// SaveSession durably stores a snapshot of sess, replacing any previous one.
	SaveSession(ctx context.Context, sess *models.Session) error
	// GetSession returns the stored snapshot, or nil, nil when id is unknown.
	GetSession(ctx context.Context, id string) (*models.Session, error)
	DeleteSession(ctx context.Context, id string) error
	ListSessions(ctx context.Context) ([]SessionSummary, error)
	// PruneSessions deletes sessions not updated since before and returns how many were removed.
	PruneSessions(ctx context.Context, before time.Time) (int, error)

	// GetSearchCache returns cached results for hash if they are younger than maxAge.
	GetSearchCache(ctx context.Context, hash string, maxAge time.Duration) ([]models.SearchResult, bool, error)
	SaveSearchCache(ctx context.Context, hash, query string, results []models.SearchResult) error

	AppendEvent(ctx context.Context, ev models.Event) error
	Close() error
}

// SessionSummary is the listing view of a stored session.
type SessionSummary struct {
	ID        string              `json:"id"`
	Workflow  models.WorkflowName `json:"workflow"`
	Phase     models.PhaseName    `json:"phase"`
	Stage     models.Stage        `json:"stage"`
	UpdatedAt time.Time           `json:"updated_at"`
}

// Backend type names returned by DetectDSNType.
const (
	TypeSQLite   = "sqlite"
	TypePostgres = "postgres"
)

// Opts holds configuration for store backends.
type Opts struct {
	DSN  string
	Type string
}

// Option configures a store.
type Option func(*Opts)

// WithSQLiteDSN selects the SQLite backend at path dsn.
func WithSQLiteDSN(dsn string) Option {
	return func(o *Opts) {
		o.DSN = dsn
		o.Type = TypeSQLite
	}
}

// WithPostgresDSN selects the PostgreSQL backend.
func WithPostgresDSN(dsn string) Option {
	return func(o *Opts) {
		o.DSN = dsn
		o.Type = TypePostgres
	}
}

// DetectDSNType classifies dsn as "postgres" or "sqlite".
func DetectDSNType(dsn string) string {
	d := strings.TrimSpace(dsn)
	if strings.HasPrefix(d, "postgres://") || strings.HasPrefix(d, "postgresql://") ||
		strings.Contains(d, "host=") || strings.Contains(d, "dbname=") {
		return TypePostgres
	}
	return TypeSQLite
}

// Open builds the backend selected by opts. With no DSN an in-memory store is returned.
func Open(opts ...Option) (Store, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.DSN == "" {
		slog.Debug("store.Open: no DSN, using in-memory store")
		return NewInMemoryStore(), nil
	}
	if cfg.Type == "" {
		cfg.Type = DetectDSNType(cfg.DSN)
	}
	switch cfg.Type {
	case TypeSQLite:
		return NewSQLiteStore(WithSQLiteDSN(cfg.DSN))
	case TypePostgres:
		return NewPostgresStore(WithPostgresDSN(cfg.DSN))
	default:
		return nil, fmt.Errorf("%w: type %q", ErrUnsupportedDSN, cfg.Type)
	}
}
