package flow

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/BTreeMap/CoachPipe/internal/eventlog"
	"github.com/BTreeMap/CoachPipe/internal/models"
	"github.com/BTreeMap/CoachPipe/internal/persona"
)

// Engine runs turns of one workflow against caller-owned sessions. It holds
// no per-session state and is safe for concurrent use as long as each session
// is handled by one goroutine at a time.
type Engine struct {
	wf      *Workflow
	persona persona.Persona
	sink    eventlog.Sink
}

// NewEngine builds an engine for wf. A nil sink discards events.
func NewEngine(wf *Workflow, p persona.Persona, sink eventlog.Sink) *Engine {
	if sink == nil {
		sink = eventlog.Nop{}
	}
	return &Engine{wf: wf, persona: p, sink: sink}
}

// Workflow returns the engine's workflow.
func (e *Engine) Workflow() *Workflow { return e.wf }

func (e *Engine) context(sess *models.Session) *SessionContext {
	return &SessionContext{Session: sess, Persona: e.persona, Sink: e.sink, Workflow: e.wf}
}

// CurrentPhase returns the session's phase.
func (e *Engine) CurrentPhase(sess *models.Session) models.PhaseName {
	return sess.Phase
}

// IsWorkflowComplete reports whether the terminal phase has completed.
func (e *Engine) IsWorkflowComplete(sess *models.Session) bool {
	order := e.wf.order
	if len(order) == 0 {
		return false
	}
	return sess.IsComplete(order[len(order)-1])
}

// Start enters the session's current phase and returns its prompt.
func (e *Engine) Start(ctx context.Context, sess *models.Session) (reply string, err error) {
	snapshot := sess.Clone()
	defer e.recoverTurn(sess, snapshot, &err)

	sc := e.context(sess)
	phase, ok := e.wf.Phase(sess.Phase)
	if !ok {
		return e.reset(ctx, sc), nil
	}
	return phase.Enter(ctx, sc), nil
}

// HandleResponse runs one user turn. When the phase moves on, the next phase
// is entered and its prompt follows the reply. A phase that panics or names
// a phase outside the workflow fails the turn with ErrPhaseContract and the
// session is restored to its state before the turn.
func (e *Engine) HandleResponse(ctx context.Context, sess *models.Session, input string) (res Result, err error) {
	snapshot := sess.Clone()
	defer e.recoverTurn(sess, snapshot, &err)

	sc := e.context(sess)
	phase, ok := e.wf.Phase(sess.Phase)
	if !ok {
		return Result{Reply: e.reset(ctx, sc)}, nil
	}

	from := sess.Phase
	res = phase.HandleResponse(ctx, sc, input)
	sess.TurnCount++

	if res.NextPhase != "" && res.NextPhase != from {
		next, ok := e.wf.Phase(res.NextPhase)
		if !ok {
			sess.Restore(snapshot)
			slog.Error("Engine.HandleResponse: unknown next phase", "sessionID", sess.ID, "from", from, "to", res.NextPhase)
			return Result{}, fmt.Errorf("%w: %s returned unknown phase %q", ErrPhaseContract, from, res.NextPhase)
		}
		slog.Debug("Engine.HandleResponse: phase transition", "sessionID", sess.ID, "from", from, "to", res.NextPhase)
		sess.Phase = res.NextPhase
		res.Reply = joinReplies(res.Reply, next.Enter(ctx, sc))
	}

	if e.IsWorkflowComplete(sess) {
		sess.Stage = models.StageComplete
	}
	return res, nil
}

// reset moves a session stuck in an unknown phase back to the first phase.
// The turn's input is not consumed.
func (e *Engine) reset(ctx context.Context, sc *SessionContext) string {
	bad := sc.Session.Phase
	slog.Warn("Engine: invalid phase, resetting to first phase", "sessionID", sc.Session.ID, "phase", bad, "first", e.wf.First())
	sc.emit(ctx, eventlog.InvalidPhaseReset, map[string]any{"invalid_phase": string(bad)})
	sc.Session.Phase = e.wf.First()
	sc.Session.ResetSubflows()
	first, ok := e.wf.Phase(sc.Session.Phase)
	if !ok {
		return ""
	}
	return first.Enter(ctx, sc)
}

// recoverTurn converts a phase panic into ErrPhaseContract and restores the
// session snapshot.
func (e *Engine) recoverTurn(sess, snapshot *models.Session, err *error) {
	r := recover()
	if r == nil {
		return
	}
	sess.Restore(snapshot)
	slog.Error("Engine: phase panicked, turn rolled back", "sessionID", sess.ID, "phase", sess.Phase, "panic", r)
	*err = fmt.Errorf("%w: %v", ErrPhaseContract, r)
}

func joinReplies(a, b string) string {
	switch {
	case a == "":
		return b
	case b == "":
		return a
	default:
		return a + "\n\n" + b
	}
}
