package flow

import (
	"context"
	"slices"
	"strings"

	"github.com/sahilm/fuzzy"

	"github.com/BTreeMap/CoachPipe/internal/eventlog"
	"github.com/BTreeMap/CoachPipe/internal/intent"
	"github.com/BTreeMap/CoachPipe/internal/models"
	"github.com/BTreeMap/CoachPipe/internal/persona"
	"github.com/BTreeMap/CoachPipe/internal/scratchpad"
)

// Iteration lets the user revise one scratchpad field at a time, then either
// re-run recommendations or finish with the summary. Its sub-state lives in
// Session.Iteration:
//
//	choose_revision -> get_revision_detail -> await_command_after_revision
type Iteration struct {
	rerun   models.PhaseName
	summary models.PhaseName
}

var _ Phase = (*Iteration)(nil)

// NewIteration builds the iteration phase.
func NewIteration(rerun, summary models.PhaseName) *Iteration {
	return &Iteration{rerun: rerun, summary: summary}
}

// Name implements Phase.
func (p *Iteration) Name() models.PhaseName { return models.PhaseIteration }

// Enter implements Phase.
func (p *Iteration) Enter(ctx context.Context, sc *SessionContext) string {
	enterPhase(ctx, sc, models.PhaseIteration)
	sc.Session.Iteration = models.IterationState{Step: models.IterationChooseRevision}
	return sc.Persona.StepIntro(ctx, sc.request("revise", ""))
}

// normalizeField maps user text such as "Target Customer" onto a key.
func normalizeField(input string) string {
	return scratchpad.Canonical(strings.ReplaceAll(intent.Normalize(input), " ", "_"))
}

// HandleResponse implements Phase.
func (p *Iteration) HandleResponse(ctx context.Context, sc *SessionContext, input string) Result {
	in := intent.Classify(input)
	sc.emit(ctx, eventlog.IntentClassified, map[string]any{"intent": in.String(), "step": string(sc.Session.Iteration.Step)})

	var res Result
	switch sc.Session.Iteration.Step {
	case models.IterationRevisionDetail:
		res = p.revise(ctx, sc, input, in)
	case models.IterationAwaitCommand:
		res = p.command(ctx, sc, input)
	default:
		res = p.choose(ctx, sc, input, in)
	}
	sc.emit(ctx, eventlog.ResponseHandled, map[string]any{"intent": in.String(), "next_phase": string(res.NextPhase)})
	return res
}

func (p *Iteration) choose(ctx context.Context, sc *SessionContext, input string, in intent.Intent) Result {
	sc.Session.Iteration.Step = models.IterationChooseRevision
	if in == intent.Skip {
		return Result{Reply: sc.Persona.StepIntro(ctx, sc.request("revise", input))}
	}

	valid := sc.Workflow.RevisableKeys()
	field := normalizeField(input)
	if !slices.Contains(valid, field) {
		req := sc.request(string(models.PhaseIteration), input)
		req.Options = valid
		if matches := fuzzy.Find(field, valid); len(matches) > 0 {
			req.Target = matches[0].Str
		}
		sc.emit(ctx, eventlog.UnexpectedInput, map[string]any{"field": field})
		return Result{Reply: sc.Persona.Clarification(ctx, req, persona.ReasonInvalidField)}
	}

	sc.Session.Iteration = models.IterationState{Step: models.IterationRevisionDetail, Target: field}
	req := sc.request("revise_detail", input)
	req.Target = field
	return Result{Reply: sc.Persona.StepIntro(ctx, req)}
}

func (p *Iteration) revise(ctx context.Context, sc *SessionContext, input string, in intent.Intent) Result {
	target := sc.Session.Iteration.Target
	req := sc.request(target, input)
	req.Target = target

	switch in {
	case intent.Skip:
		sc.Session.Iteration = models.IterationState{Step: models.IterationChooseRevision}
		return Result{Reply: sc.Persona.StepIntro(ctx, sc.request("revise", input))}
	case intent.AskSuggestion:
		return Result{Reply: sc.Persona.SuggestExamples(ctx, req)}
	case intent.Unclear:
		return Result{Reply: sc.Persona.Clarification(ctx, req, persona.ReasonUnclearInput)}
	}

	sc.Session.Scratchpad.Set(target, strings.TrimSpace(input))
	sc.Session.Iteration.Step = models.IterationAwaitCommand
	done := sc.request("revise_done", input)
	done.Target = target
	return Result{Reply: sc.Persona.StepIntro(ctx, done)}
}

func (p *Iteration) command(ctx context.Context, sc *SessionContext, input string) Result {
	cmd := intent.Normalize(input)
	switch {
	case strings.Contains(cmd, "summary"):
		p.finish(ctx, sc)
		return Result{NextPhase: p.summary, Reply: sc.Persona.StepIntro(ctx, sc.request("proceed_summary", input))}
	case strings.Contains(cmd, "re-run") || strings.Contains(cmd, "rerun"):
		p.finish(ctx, sc)
		return Result{NextPhase: p.rerun, Reply: sc.Persona.StepIntro(ctx, sc.request("rerun", input))}
	}
	if field := normalizeField(input); slices.Contains(sc.Workflow.RevisableKeys(), field) {
		return p.choose(ctx, sc, input, intent.ProvideDetail)
	}
	req := sc.request(string(models.PhaseIteration), input)
	return Result{Reply: sc.Persona.Clarification(ctx, req, persona.ReasonUnknownCommand)}
}

func (p *Iteration) finish(ctx context.Context, sc *SessionContext) {
	MarkComplete(ctx, sc, models.PhaseIteration)
	sc.Session.Iteration = models.IterationState{}
}
