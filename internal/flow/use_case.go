package flow

import (
	"context"
	"strconv"
	"strings"

	"github.com/BTreeMap/CoachPipe/internal/eventlog"
	"github.com/BTreeMap/CoachPipe/internal/intent"
	"github.com/BTreeMap/CoachPipe/internal/models"
	"github.com/BTreeMap/CoachPipe/internal/persona"
	"github.com/BTreeMap/CoachPipe/internal/scratchpad"
)

// UseCase collects the use case directly, or through a numbered list of
// drafted scenarios when the user asks for help. While a list is pending
// (Session.UseCase.WaitingForSelection) every input is a selection attempt.
type UseCase struct {
	direct *Template
}

var _ Phase = (*UseCase)(nil)

// NewUseCase builds the use case phase continuing to next.
func NewUseCase(next models.PhaseName) *UseCase {
	return &UseCase{direct: NewTemplate(models.PhaseUseCase, scratchpad.KeyUseCase, next)}
}

// Name implements Phase.
func (p *UseCase) Name() models.PhaseName { return models.PhaseUseCase }

// Enter implements Phase. A pending list is shown again.
func (p *UseCase) Enter(ctx context.Context, sc *SessionContext) string {
	if sc.Session.UseCase.WaitingForSelection && len(sc.Session.UseCase.Suggestions) > 0 {
		enterPhase(ctx, sc, models.PhaseUseCase)
		req := sc.request(string(models.PhaseUseCase), "")
		return sc.Persona.UseCaseList(ctx, req, sc.Session.UseCase.Suggestions)
	}
	return p.direct.Enter(ctx, sc)
}

// HandleResponse implements Phase.
func (p *UseCase) HandleResponse(ctx context.Context, sc *SessionContext, input string) Result {
	state := &sc.Session.UseCase
	if state.WaitingForSelection && len(state.Suggestions) == 0 {
		// Nothing to select from; fall back to a free-form answer.
		*state = models.UseCaseState{}
	}
	if state.WaitingForSelection {
		return p.selection(ctx, sc, input)
	}
	if intent.Classify(input) == intent.AskSuggestion {
		return p.offer(ctx, sc, input)
	}
	res := p.direct.HandleResponse(ctx, sc, input)
	if res.NextPhase != "" {
		*state = models.UseCaseState{}
	}
	return res
}

func (p *UseCase) offer(ctx context.Context, sc *SessionContext, input string) Result {
	sc.emit(ctx, eventlog.IntentClassified, map[string]any{"intent": intent.AskSuggestion.String()})
	req := sc.request(string(models.PhaseUseCase), input)
	suggestions := sc.Persona.SuggestUseCases(ctx, req)
	reply := sc.Persona.UseCaseList(ctx, req, suggestions)
	if len(suggestions) == 0 {
		return Result{Reply: reply}
	}
	sc.Session.UseCase = models.UseCaseState{WaitingForSelection: true, Suggestions: suggestions}
	sc.emit(ctx, eventlog.SuggestionsOffered, map[string]any{"count": len(suggestions)})
	return Result{Reply: reply}
}

func (p *UseCase) selection(ctx context.Context, sc *SessionContext, input string) Result {
	state := &sc.Session.UseCase
	req := sc.request(string(models.PhaseUseCase), input)

	if intent.Classify(input) == intent.Skip {
		*state = models.UseCaseState{}
		return p.direct.HandleResponse(ctx, sc, input)
	}

	n, err := strconv.Atoi(strings.TrimSpace(input))
	if err != nil {
		sc.emit(ctx, eventlog.InvalidSelection, map[string]any{"numeric": false})
		return Result{Reply: sc.Persona.Clarification(ctx, req, persona.ReasonAwaitingSelection)}
	}
	if n < 1 || n > len(state.Suggestions) {
		sc.emit(ctx, eventlog.InvalidSelection, map[string]any{"numeric": true, "choice": n})
		return Result{Reply: sc.Persona.Clarification(ctx, req, persona.ReasonInvalidSelection)}
	}

	chosen := state.Suggestions[n-1]
	sc.Session.Scratchpad.Set(scratchpad.KeyUseCase, chosen)
	*state = models.UseCaseState{}
	ack := sc.Persona.Acknowledge(ctx, sc.request(string(models.PhaseUseCase), chosen))
	return Result{NextPhase: p.direct.NextAfterCompletion(ctx, sc), Reply: ack}
}
