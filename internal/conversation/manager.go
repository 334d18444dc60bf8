// Package conversation runs coaching turns for stored sessions.
//
// The Manager owns the session lifecycle around a flow.Engine: it loads or
// creates the session, serializes turns per session, enforces the daily token
// cap, records history and persists the snapshot after each successful turn.
package conversation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/BTreeMap/CoachPipe/internal/eventlog"
	"github.com/BTreeMap/CoachPipe/internal/flow"
	"github.com/BTreeMap/CoachPipe/internal/models"
	"github.com/BTreeMap/CoachPipe/internal/store"
	"github.com/BTreeMap/CoachPipe/internal/usage"
	"github.com/BTreeMap/CoachPipe/internal/util"
)

// Error variables for session lookups and turns.
var (
	ErrSessionNotFound = errors.New("session not found")
	ErrUnknownWorkflow = errors.New("unknown workflow")
)

// GenericErrorMessage is shown when a turn fails and is rolled back.
const GenericErrorMessage = "Sorry, something went wrong on my side. Please try that again."

// Manager runs turns against persisted sessions.
type Manager struct {
	store    store.Store
	engines  map[models.WorkflowName]*flow.Engine
	fallback models.WorkflowName
	meter    *usage.Meter
	sink     eventlog.Sink
	now      func() time.Time

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// Option configures a Manager.
type Option func(*Manager)

// WithEngine serves the engine's workflow. The first engine added is the
// default for sessions started without a workflow.
func WithEngine(e *flow.Engine) Option {
	return func(m *Manager) {
		name := e.Workflow().Name
		m.engines[name] = e
		if m.fallback == "" {
			m.fallback = name
		}
	}
}

// WithMeter enforces the daily token cap.
func WithMeter(meter *usage.Meter) Option {
	return func(m *Manager) { m.meter = meter }
}

// WithEventSink records limit events.
func WithEventSink(s eventlog.Sink) Option {
	return func(m *Manager) { m.sink = s }
}

// WithClock overrides the time source, mainly for tests.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// NewManager creates a Manager persisting to st.
func NewManager(st store.Store, opts ...Option) *Manager {
	m := &Manager{
		store:   st,
		engines: make(map[models.WorkflowName]*flow.Engine),
		sink:    eventlog.Nop{},
		now:     time.Now,
		locks:   make(map[string]*sync.Mutex),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Workflows lists the workflows this manager serves, sorted by name.
func (m *Manager) Workflows() []*flow.Workflow {
	out := make([]*flow.Workflow, 0, len(m.engines))
	for _, e := range m.engines {
		out = append(out, e.Workflow())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// lock returns the mutex serializing turns for id.
func (m *Manager) lock(id string) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.locks[id]
	if !ok {
		l = &sync.Mutex{}
		m.locks[id] = l
	}
	return l
}

func (m *Manager) forget(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.locks, id)
}

func (m *Manager) engine(name models.WorkflowName) (*flow.Engine, error) {
	if name == "" {
		name = m.fallback
	}
	e, ok := m.engines[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownWorkflow, name)
	}
	return e, nil
}

// Session returns the stored session for id.
func (m *Manager) Session(ctx context.Context, id string) (*models.Session, error) {
	sess, err := m.store.GetSession(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("load session %s: %w", id, err)
	}
	if sess == nil {
		return nil, ErrSessionNotFound
	}
	if e, err := m.engine(sess.Workflow); err == nil {
		declareKeys(sess, e)
	}
	return sess, nil
}

// List returns summaries of all stored sessions.
func (m *Manager) List(ctx context.Context) ([]store.SessionSummary, error) {
	list, err := m.store.ListSessions(ctx)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	return list, nil
}

// Start resumes session id, or creates it in workflow when it does not exist.
// An empty id creates a session with a generated id. The reply is the prompt
// of the session's current phase.
func (m *Manager) Start(ctx context.Context, id string, workflow models.WorkflowName) (models.TurnReply, error) {
	if id == "" {
		id = util.NewSessionID()
	}
	l := m.lock(id)
	l.Lock()
	defer l.Unlock()

	sess, e, err := m.loadOrCreate(ctx, id, workflow)
	if err != nil {
		return models.TurnReply{}, err
	}
	if m.limited(ctx, sess) {
		return m.limitReply(ctx, sess)
	}
	reply, err := e.Start(ctx, sess)
	if err != nil {
		return models.TurnReply{SessionID: id, Reply: GenericErrorMessage}, err
	}
	if len(sess.History) == 0 || sess.History[len(sess.History)-1].Text != reply {
		sess.AppendMessage(models.RoleAssistant, reply, m.now())
	}
	if err := m.save(ctx, sess); err != nil {
		return models.TurnReply{}, err
	}
	return m.reply(e, sess, reply), nil
}

// Turn runs one user message against session id, creating the session in
// the default workflow when it does not exist yet.
func (m *Manager) Turn(ctx context.Context, id, input string) (models.TurnReply, error) {
	l := m.lock(id)
	l.Lock()
	defer l.Unlock()

	sess, e, err := m.loadOrCreate(ctx, id, "")
	if err != nil {
		return models.TurnReply{}, err
	}
	if m.limited(ctx, sess) {
		return m.limitReply(ctx, sess)
	}

	res, err := e.HandleResponse(ctx, sess, input)
	if err != nil {
		// The engine restored the session; the stored snapshot is untouched.
		slog.Error("Manager.Turn: turn failed", "sessionID", id, "phase", sess.Phase, "error", err)
		m.sink.Log(ctx, models.Event{
			Time:      m.now().UTC(),
			SessionID: id,
			Workflow:  sess.Workflow,
			Phase:     sess.Phase,
			Name:      eventlog.TurnFailed,
			Fields:    map[string]any{"error": err.Error()},
		})
		return models.TurnReply{SessionID: id, Reply: GenericErrorMessage, Phase: sess.Phase, Stage: sess.Stage}, err
	}

	now := m.now()
	sess.AppendMessage(models.RoleUser, input, now)
	sess.AppendMessage(models.RoleAssistant, res.Reply, now)
	if err := m.save(ctx, sess); err != nil {
		return models.TurnReply{}, err
	}
	slog.Debug("Manager.Turn: turn handled", "sessionID", id, "phase", sess.Phase, "turn", sess.TurnCount)
	return m.reply(e, sess, res.Reply), nil
}

// NewIdea clears the session's scratchpad, history and phase but keeps its id.
func (m *Manager) NewIdea(ctx context.Context, id string) (models.TurnReply, error) {
	l := m.lock(id)
	l.Lock()
	defer l.Unlock()

	sess, err := m.Session(ctx, id)
	if err != nil {
		return models.TurnReply{}, err
	}
	e, err := m.engine(sess.Workflow)
	if err != nil {
		return models.TurnReply{}, err
	}
	sess.Restart(e.Workflow().First())
	reply, err := e.Start(ctx, sess)
	if err != nil {
		return models.TurnReply{}, err
	}
	sess.AppendMessage(models.RoleAssistant, reply, m.now())
	if err := m.save(ctx, sess); err != nil {
		return models.TurnReply{}, err
	}
	slog.Info("Manager.NewIdea: session restarted", "sessionID", id)
	return m.reply(e, sess, reply), nil
}

// NewChat starts a fresh session with a new id in the same workflow as id.
// An unknown id starts a chat in the default workflow.
func (m *Manager) NewChat(ctx context.Context, id string) (models.TurnReply, error) {
	var workflow models.WorkflowName
	if id != "" {
		if sess, err := m.store.GetSession(ctx, id); err == nil && sess != nil {
			workflow = sess.Workflow
		}
	}
	return m.Start(ctx, "", workflow)
}

// Delete removes session id.
func (m *Manager) Delete(ctx context.Context, id string) error {
	l := m.lock(id)
	l.Lock()
	defer l.Unlock()
	if err := m.store.DeleteSession(ctx, id); err != nil {
		return fmt.Errorf("delete session %s: %w", id, err)
	}
	m.forget(id)
	return nil
}

// Prune deletes sessions idle for longer than retention.
func (m *Manager) Prune(ctx context.Context, retention time.Duration) (int, error) {
	cutoff := m.now().Add(-retention)
	var stale []string
	if list, err := m.store.ListSessions(ctx); err == nil {
		for _, s := range list {
			if s.UpdatedAt.Before(cutoff) {
				stale = append(stale, s.ID)
			}
		}
	} else {
		slog.Warn("Manager.Prune: listing sessions failed", "error", err)
	}
	n, err := m.store.PruneSessions(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("prune sessions: %w", err)
	}
	for _, id := range stale {
		m.forget(id)
	}
	if n > 0 {
		slog.Info("Manager.Prune: removed stale sessions", "count", n, "retention", retention)
	}
	return n, nil
}

func (m *Manager) loadOrCreate(ctx context.Context, id string, workflow models.WorkflowName) (*models.Session, *flow.Engine, error) {
	if err := models.ValidateSessionID(id); err != nil {
		return nil, nil, err
	}
	sess, err := m.store.GetSession(ctx, id)
	if err != nil {
		return nil, nil, fmt.Errorf("load session %s: %w", id, err)
	}
	if sess != nil {
		e, err := m.engine(sess.Workflow)
		if err != nil {
			return nil, nil, err
		}
		declareKeys(sess, e)
		return sess, e, nil
	}
	e, err := m.engine(workflow)
	if err != nil {
		return nil, nil, err
	}
	slog.Info("Manager: creating session", "sessionID", id, "workflow", e.Workflow().Name)
	return e.Workflow().NewSession(id), e, nil
}

// declareKeys restores the workflow's key order, which a backend may not
// preserve in the stored snapshot.
func declareKeys(sess *models.Session, e *flow.Engine) {
	if sess.Scratchpad != nil {
		sess.Scratchpad.Declare(e.Workflow().Keys...)
	}
}

// limited moves the session in or out of limit_exceeded and reports whether
// the turn must be refused.
func (m *Manager) limited(ctx context.Context, sess *models.Session) bool {
	if m.meter == nil {
		return false
	}
	if !m.meter.Exceeded() {
		if sess.Stage == models.StageLimitExceeded {
			sess.Stage = models.StageActive
			slog.Info("Manager: daily cap reset, resuming session", "sessionID", sess.ID)
		}
		return false
	}
	if sess.Stage != models.StageLimitExceeded {
		sess.Stage = models.StageLimitExceeded
		m.sink.Log(ctx, models.Event{
			Time:      m.now().UTC(),
			SessionID: sess.ID,
			Workflow:  sess.Workflow,
			Phase:     sess.Phase,
			Name:      eventlog.LimitExceeded,
			Fields:    map[string]any{"used": m.meter.Used(), "cap": m.meter.Cap()},
		})
		slog.Warn("Manager: daily token cap reached", "sessionID", sess.ID, "used", m.meter.Used(), "cap", m.meter.Cap())
	}
	return true
}

func (m *Manager) limitReply(ctx context.Context, sess *models.Session) (models.TurnReply, error) {
	if err := m.save(ctx, sess); err != nil {
		return models.TurnReply{}, err
	}
	return models.TurnReply{
		SessionID: sess.ID,
		Reply:     usage.LimitMessage,
		Phase:     sess.Phase,
		Stage:     sess.Stage,
	}, nil
}

func (m *Manager) save(ctx context.Context, sess *models.Session) error {
	sess.UpdatedAt = m.now().UTC()
	if err := m.store.SaveSession(ctx, sess); err != nil {
		slog.Error("Manager: save session failed", "sessionID", sess.ID, "error", err)
		return fmt.Errorf("save session %s: %w", sess.ID, err)
	}
	return nil
}

func (m *Manager) reply(e *flow.Engine, sess *models.Session, text string) models.TurnReply {
	return models.TurnReply{
		SessionID:        sess.ID,
		Reply:            text,
		Phase:            sess.Phase,
		Stage:            sess.Stage,
		WorkflowComplete: e.IsWorkflowComplete(sess),
	}
}
