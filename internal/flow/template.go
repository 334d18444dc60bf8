package flow

import (
	"context"
	"log/slog"
	"strings"

	"github.com/BTreeMap/CoachPipe/internal/eventlog"
	"github.com/BTreeMap/CoachPipe/internal/intent"
	"github.com/BTreeMap/CoachPipe/internal/models"
	"github.com/BTreeMap/CoachPipe/internal/persona"
)

// Template is a phase that collects a single scratchpad field. Its behavior
// per intent is fixed; the hooks decide where the value goes and which phase
// follows.
type Template struct {
	name models.PhaseName
	key  string
	next models.PhaseName

	// StoreInput writes the accepted value. Defaults to setting key.
	StoreInput func(sc *SessionContext, value string)
	// NextAfterCompletion runs after a valid answer. Defaults to marking the
	// phase complete and moving to next.
	NextAfterCompletion func(ctx context.Context, sc *SessionContext) models.PhaseName
	// NextAfterSkip runs after a skip. Defaults to moving to next without
	// marking the phase complete.
	NextAfterSkip func(ctx context.Context, sc *SessionContext) models.PhaseName
}

var _ Phase = (*Template)(nil)

// NewTemplate builds a single-field phase storing into key and moving to next.
func NewTemplate(name models.PhaseName, key string, next models.PhaseName) *Template {
	t := &Template{name: name, key: key, next: next}
	t.StoreInput = func(sc *SessionContext, value string) {
		sc.Session.Scratchpad.Set(t.key, value)
	}
	t.NextAfterCompletion = func(ctx context.Context, sc *SessionContext) models.PhaseName {
		MarkComplete(ctx, sc, t.name)
		return t.next
	}
	t.NextAfterSkip = func(context.Context, *SessionContext) models.PhaseName {
		return t.next
	}
	return t
}

// Name implements Phase.
func (t *Template) Name() models.PhaseName { return t.name }

// Key returns the scratchpad key the phase fills.
func (t *Template) Key() string { return t.key }

// Enter implements Phase.
func (t *Template) Enter(ctx context.Context, sc *SessionContext) string {
	enterPhase(ctx, sc, t.name)
	return sc.Persona.StepIntro(ctx, sc.request(string(t.name), ""))
}

// HandleResponse implements Phase.
func (t *Template) HandleResponse(ctx context.Context, sc *SessionContext, input string) Result {
	in := intent.Classify(input)
	if strings.TrimSpace(input) == "" {
		in = intent.Unclear
	}
	sc.emit(ctx, eventlog.IntentClassified, map[string]any{"intent": in.String()})

	req := sc.request(string(t.name), input)
	var res Result
	switch in {
	case intent.ProvideDetail, intent.Affirm:
		if !sc.Persona.MicroValidate(ctx, req) {
			if in == intent.Affirm {
				res.Reply = sc.Persona.PositiveAffirmation(ctx, req)
			} else {
				res.Reply = sc.Persona.Clarification(ctx, req, persona.ReasonValidationFailed)
			}
			break
		}
		value := strings.TrimSpace(input)
		t.StoreInput(sc, value)
		res.Reply = sc.Persona.Acknowledge(ctx, req)
		res.NextPhase = t.NextAfterCompletion(ctx, sc)
	case intent.Unclear:
		res.Reply = sc.Persona.Clarification(ctx, req, persona.ReasonUnclearInput)
		sc.emit(ctx, eventlog.UnexpectedInput, map[string]any{"input_length": len(input)})
	case intent.AskSuggestion:
		res.Reply = sc.Persona.SuggestExamples(ctx, req)
	case intent.Skip:
		t.StoreInput(sc, "")
		res.Reply = sc.Persona.SkipConfirmation(ctx, req)
		res.NextPhase = t.NextAfterSkip(ctx, sc)
		sc.emit(ctx, eventlog.PhaseSkipped, map[string]any{"skipped": string(t.name)})
	case intent.Negative:
		res.Reply = sc.Persona.HandleNegativeFeedback(ctx, req)
	}

	slog.Debug("Template.HandleResponse", "sessionID", sc.Session.ID, "phase", t.name, "intent", in, "next", res.NextPhase)
	sc.emit(ctx, eventlog.ResponseHandled, map[string]any{"intent": in.String(), "next_phase": string(res.NextPhase)})
	return res
}
