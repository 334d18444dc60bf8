// Package flow drives a coaching conversation through a workflow's phases.
//
// A Phase is a stateless descriptor: every piece of per-session state,
// including completion flags and subflow pointers, lives on the
// models.Session carried by a SessionContext. The Engine dispatches one user
// turn to the current phase and enters the next phase when the turn moves on.
package flow

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/BTreeMap/CoachPipe/internal/eventlog"
	"github.com/BTreeMap/CoachPipe/internal/models"
	"github.com/BTreeMap/CoachPipe/internal/persona"
)

// ErrPhaseContract is returned when a phase panics or names a next phase
// outside its workflow. The session is rolled back before it is returned.
var ErrPhaseContract = errors.New("phase contract violated")

// Result is the outcome of one HandleResponse call. An empty NextPhase means
// the conversation stays in the current phase.
type Result struct {
	NextPhase models.PhaseName
	Reply     string
}

// Phase is one named state of a workflow.
type Phase interface {
	Name() models.PhaseName
	// Enter resets the phase's completion flag and returns its prompt.
	Enter(ctx context.Context, sc *SessionContext) string
	HandleResponse(ctx context.Context, sc *SessionContext, input string) Result
}

// SessionContext carries one session and its collaborators through a turn.
type SessionContext struct {
	Session  *models.Session
	Persona  persona.Persona
	Sink     eventlog.Sink
	Workflow *Workflow
}

// request builds a persona request for phase against this session.
func (sc *SessionContext) request(phase, input string) persona.Request {
	return persona.Request{Phase: phase, Input: input, Session: sc.Session}
}

// emit records an analytics event for the session's current phase.
func (sc *SessionContext) emit(ctx context.Context, name string, fields map[string]any) {
	if sc.Sink == nil {
		return
	}
	sc.Sink.Log(ctx, models.Event{
		Time:      time.Now().UTC(),
		SessionID: sc.Session.ID,
		Workflow:  sc.Session.Workflow,
		Phase:     sc.Session.Phase,
		Name:      name,
		Fields:    fields,
	})
}

// enterPhase clears the completion flag of phase and emits phase_enter.
func enterPhase(ctx context.Context, sc *SessionContext, phase models.PhaseName) {
	sc.Session.SetComplete(phase, false)
	sc.emit(ctx, eventlog.PhaseEnter, map[string]any{"entered": string(phase)})
	slog.Debug("Phase.Enter", "sessionID", sc.Session.ID, "phase", phase)
}

// MarkComplete sets the completion flag of phase and emits phase_complete.
func MarkComplete(ctx context.Context, sc *SessionContext, phase models.PhaseName) {
	sc.Session.SetComplete(phase, true)
	sc.emit(ctx, eventlog.PhaseComplete, map[string]any{"completed": string(phase)})
}
