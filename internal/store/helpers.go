package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/BTreeMap/CoachPipe/internal/models"
)

// dialect holds the statements that differ between SQL backends.
type dialect struct {
	name          string
	upsertSession string
	upsertCache   string
	insertEvent   string
	selectSession string
	deleteSession string
	listSessions  string
	pruneSessions string
	selectCache   string
}

// sqlStore implements Store on top of database/sql for a given dialect.
type sqlStore struct {
	db *sql.DB
	d  dialect
}

// nilIfEmpty returns nil if s is empty, otherwise returns s.
// Used for nullable database columns.
func nilIfEmpty(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

func (s *sqlStore) SaveSession(ctx context.Context, sess *models.Session) error {
	data, err := json.Marshal(sess)
	if err != nil {
		return fmt.Errorf("failed to encode session %s: %w", sess.ID, err)
	}
	created, updated := sess.CreatedAt.UTC(), sess.UpdatedAt.UTC()
	if created.IsZero() {
		created = time.Now().UTC()
	}
	if updated.IsZero() {
		updated = created
	}
	_, err = s.db.ExecContext(ctx, s.d.upsertSession,
		sess.ID, string(sess.Workflow), string(sess.Phase), string(sess.Stage), string(data), created, updated)
	if err != nil {
		slog.Error(s.d.name+" SaveSession failed", "error", err, "sessionID", sess.ID)
		return fmt.Errorf("failed to save session %s: %w", sess.ID, err)
	}
	slog.Debug(s.d.name+" SaveSession succeeded", "sessionID", sess.ID, "phase", sess.Phase, "stage", sess.Stage)
	return nil
}

func (s *sqlStore) GetSession(ctx context.Context, id string) (*models.Session, error) {
	var data string
	err := s.db.QueryRowContext(ctx, s.d.selectSession, id).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		slog.Error(s.d.name+" GetSession failed", "error", err, "sessionID", id)
		return nil, fmt.Errorf("failed to get session %s: %w", id, err)
	}
	var sess models.Session
	if err := json.Unmarshal([]byte(data), &sess); err != nil {
		return nil, fmt.Errorf("failed to decode session %s: %w", id, err)
	}
	return &sess, nil
}

func (s *sqlStore) DeleteSession(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, s.d.deleteSession, id); err != nil {
		slog.Error(s.d.name+" DeleteSession failed", "error", err, "sessionID", id)
		return fmt.Errorf("failed to delete session %s: %w", id, err)
	}
	return nil
}

func (s *sqlStore) ListSessions(ctx context.Context) ([]SessionSummary, error) {
	rows, err := s.db.QueryContext(ctx, s.d.listSessions)
	if err != nil {
		slog.Error(s.d.name+" ListSessions query failed", "error", err)
		return nil, fmt.Errorf("failed to query sessions: %w", err)
	}
	defer rows.Close()

	var out []SessionSummary
	for rows.Next() {
		var sum SessionSummary
		var workflow, phase, stage string
		if err := rows.Scan(&sum.ID, &workflow, &phase, &stage, &sum.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan session row: %w", err)
		}
		sum.Workflow = models.WorkflowName(workflow)
		sum.Phase = models.PhaseName(phase)
		sum.Stage = models.Stage(stage)
		out = append(out, sum)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate session rows: %w", err)
	}
	return out, nil
}

func (s *sqlStore) PruneSessions(ctx context.Context, before time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx, s.d.pruneSessions, before.UTC())
	if err != nil {
		slog.Error(s.d.name+" PruneSessions failed", "error", err)
		return 0, fmt.Errorf("failed to prune sessions: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to count pruned sessions: %w", err)
	}
	slog.Debug(s.d.name+" PruneSessions succeeded", "removed", n, "before", before)
	return int(n), nil
}

func (s *sqlStore) GetSearchCache(ctx context.Context, hash string, maxAge time.Duration) ([]models.SearchResult, bool, error) {
	var data string
	var created time.Time
	err := s.db.QueryRowContext(ctx, s.d.selectCache, hash).Scan(&data, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to read search cache: %w", err)
	}
	if time.Since(created) > maxAge {
		return nil, false, nil
	}
	var results []models.SearchResult
	if err := json.Unmarshal([]byte(data), &results); err != nil {
		return nil, false, fmt.Errorf("failed to decode cached results: %w", err)
	}
	return results, true, nil
}

func (s *sqlStore) SaveSearchCache(ctx context.Context, hash, query string, results []models.SearchResult) error {
	data, err := json.Marshal(results)
	if err != nil {
		return fmt.Errorf("failed to encode search results: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, s.d.upsertCache, hash, query, string(data), time.Now().UTC()); err != nil {
		slog.Error(s.d.name+" SaveSearchCache failed", "error", err)
		return fmt.Errorf("failed to save search cache: %w", err)
	}
	return nil
}

func (s *sqlStore) AppendEvent(ctx context.Context, ev models.Event) error {
	var fields interface{}
	if len(ev.Fields) > 0 {
		b, err := json.Marshal(ev.Fields)
		if err != nil {
			return fmt.Errorf("failed to encode event fields: %w", err)
		}
		fields = string(b)
	}
	ts := ev.Time
	if ts.IsZero() {
		ts = time.Now()
	}
	_, err := s.db.ExecContext(ctx, s.d.insertEvent,
		nilIfEmpty(ev.SessionID), string(ev.Workflow), string(ev.Phase), ev.Name, fields, ts.UTC())
	if err != nil {
		return fmt.Errorf("failed to append event %s: %w", ev.Name, err)
	}
	return nil
}

// Close closes the database connection.
func (s *sqlStore) Close() error {
	slog.Debug(s.d.name + " closing database connection")
	return s.db.Close()
}
