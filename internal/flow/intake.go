package flow

import (
	"context"
	"strings"

	"github.com/BTreeMap/CoachPipe/internal/eventlog"
	"github.com/BTreeMap/CoachPipe/internal/intent"
	"github.com/BTreeMap/CoachPipe/internal/models"
	"github.com/BTreeMap/CoachPipe/internal/persona"
	"github.com/BTreeMap/CoachPipe/internal/scratchpad"
)

// IntakeQuestion is one background question asked before the value
// proposition elements. Its prompt text is the persona intro for Key.
type IntakeQuestion struct {
	Key    string
	Header string
}

// DefaultIntakeQuestions are asked in order by the value proposition intake.
var DefaultIntakeQuestions = []IntakeQuestion{
	{Key: scratchpad.KeyBackground, Header: "Professional Background"},
	{Key: scratchpad.KeyInterests, Header: "Interests / Experiences"},
	{Key: scratchpad.KeyProblemMotivation, Header: "Problem Motivation"},
	{Key: scratchpad.KeyAnythingElse, Header: "Anything Else?"},
}

// Intake asks a fixed list of questions, one per turn. The pointer into the
// list lives in Session.Intake.Index.
type Intake struct {
	Questions []IntakeQuestion
	next      models.PhaseName
}

var _ Phase = (*Intake)(nil)

// NewIntake builds an intake over questions that continues to next.
func NewIntake(questions []IntakeQuestion, next models.PhaseName) *Intake {
	return &Intake{Questions: questions, next: next}
}

// Name implements Phase.
func (p *Intake) Name() models.PhaseName { return models.PhaseIntake }

// Keys returns the scratchpad keys the intake fills.
func (p *Intake) Keys() []string {
	keys := make([]string, len(p.Questions))
	for i, q := range p.Questions {
		keys[i] = q.Key
	}
	return keys
}

func (p *Intake) request(sc *SessionContext, q IntakeQuestion, input string) persona.Request {
	req := sc.request(q.Key, input)
	req.Header = q.Header
	return req
}

// Enter implements Phase. Entering past the last question finishes the intake.
func (p *Intake) Enter(ctx context.Context, sc *SessionContext) string {
	enterPhase(ctx, sc, models.PhaseIntake)
	idx := sc.Session.Intake.Index
	if idx < 0 || idx >= len(p.Questions) {
		MarkComplete(ctx, sc, models.PhaseIntake)
		return sc.Persona.StepIntro(ctx, sc.request("intake_done", ""))
	}
	q := p.Questions[idx]
	return sc.Persona.StepIntro(ctx, p.request(sc, q, ""))
}

// HandleResponse implements Phase.
func (p *Intake) HandleResponse(ctx context.Context, sc *SessionContext, input string) Result {
	idx := sc.Session.Intake.Index
	if idx < 0 || idx >= len(p.Questions) {
		sc.Session.Intake.Index = 0
		MarkComplete(ctx, sc, models.PhaseIntake)
		return Result{NextPhase: p.next, Reply: sc.Persona.StepIntro(ctx, sc.request("intake_done", ""))}
	}
	q := p.Questions[idx]
	req := p.request(sc, q, input)

	in := intent.Classify(input)
	sc.emit(ctx, eventlog.IntentClassified, map[string]any{"intent": in.String(), "question": q.Key})

	var res Result
	switch in {
	case intent.Skip:
		sc.Session.Scratchpad.Set(q.Key, "")
		sc.emit(ctx, eventlog.PhaseSkipped, map[string]any{"skipped": q.Key})
		res = p.advance(ctx, sc, sc.Persona.SkipConfirmation(ctx, req))
	case intent.AskSuggestion:
		res.Reply = sc.Persona.SuggestExamples(ctx, req)
	case intent.Unclear:
		res.Reply = sc.Persona.Clarification(ctx, req, persona.ReasonUnclearInput)
		sc.emit(ctx, eventlog.UnexpectedInput, map[string]any{"question": q.Key})
	default:
		sc.Session.Scratchpad.Set(q.Key, strings.TrimSpace(input))
		res = p.advance(ctx, sc, sc.Persona.Acknowledge(ctx, req))
	}

	sc.emit(ctx, eventlog.ResponseHandled, map[string]any{"intent": in.String(), "next_phase": string(res.NextPhase)})
	return res
}

// advance moves the pointer past the current question. After the last
// question the intake completes and the pointer resets for the next run.
func (p *Intake) advance(ctx context.Context, sc *SessionContext, ack string) Result {
	sc.Session.Intake.Index++
	if idx := sc.Session.Intake.Index; idx < len(p.Questions) {
		next := sc.Persona.StepIntro(ctx, p.request(sc, p.Questions[idx], ""))
		return Result{Reply: ack + " " + next}
	}
	MarkComplete(ctx, sc, models.PhaseIntake)
	sc.Session.Intake.Index = 0
	return Result{NextPhase: p.next, Reply: ack}
}
