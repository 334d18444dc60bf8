package store

import (
	"context"
	"log/slog"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/BTreeMap/CoachPipe/internal/models"
)

type cacheEntry struct {
	query     string
	results   []models.SearchResult
	createdAt time.Time
}

// InMemoryStore keeps everything in process memory. It backs tests and
// deployments without a database.
type InMemoryStore struct {
	mu       sync.RWMutex
	sessions map[string]*models.Session
	cache    map[string]cacheEntry
	events   []models.Event
}

var _ Store = (*InMemoryStore)(nil)

// NewInMemoryStore creates an empty in-memory store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		sessions: make(map[string]*models.Session),
		cache:    make(map[string]cacheEntry),
	}
}

// SaveSession stores a deep copy of sess.
func (s *InMemoryStore) SaveSession(_ context.Context, sess *models.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[sess.ID] = sess.Clone()
	slog.Debug("InMemoryStore SaveSession", "sessionID", sess.ID, "phase", sess.Phase)
	return nil
}

// GetSession returns a deep copy of the stored session, or nil if unknown.
func (s *InMemoryStore) GetSession(_ context.Context, id string) (*models.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.sessions[id]
	if !ok {
		return nil, nil
	}
	return sess.Clone(), nil
}

// DeleteSession removes a session.
func (s *InMemoryStore) DeleteSession(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, id)
	return nil
}

// ListSessions returns summaries ordered by most recent update.
func (s *InMemoryStore) ListSessions(_ context.Context) ([]SessionSummary, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]SessionSummary, 0, len(s.sessions))
	for _, sess := range s.sessions {
		out = append(out, SessionSummary{
			ID: sess.ID, Workflow: sess.Workflow, Phase: sess.Phase, Stage: sess.Stage, UpdatedAt: sess.UpdatedAt,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.After(out[j].UpdatedAt) })
	return out, nil
}

// PruneSessions deletes sessions last updated before the cutoff.
func (s *InMemoryStore) PruneSessions(_ context.Context, before time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for id, sess := range s.sessions {
		if sess.UpdatedAt.Before(before) {
			delete(s.sessions, id)
			n++
		}
	}
	return n, nil
}

// GetSearchCache returns cached results younger than maxAge.
func (s *InMemoryStore) GetSearchCache(_ context.Context, hash string, maxAge time.Duration) ([]models.SearchResult, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.cache[hash]
	if !ok || time.Since(e.createdAt) > maxAge {
		return nil, false, nil
	}
	return slices.Clone(e.results), true, nil
}

// SaveSearchCache stores results for hash.
func (s *InMemoryStore) SaveSearchCache(_ context.Context, hash, query string, results []models.SearchResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cache[hash] = cacheEntry{query: query, results: slices.Clone(results), createdAt: time.Now()}
	return nil
}

// AppendEvent records an analytics event.
func (s *InMemoryStore) AppendEvent(_ context.Context, ev models.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, ev)
	return nil
}

// Events returns a copy of the recorded events.
func (s *InMemoryStore) Events() []models.Event {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Clone(s.events)
}

// Close is a no-op.
func (s *InMemoryStore) Close() error {
	return nil
}
