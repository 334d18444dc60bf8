package flow

import (
	"context"
	"strings"

	"github.com/BTreeMap/CoachPipe/internal/eventlog"
	"github.com/BTreeMap/CoachPipe/internal/intent"
	"github.com/BTreeMap/CoachPipe/internal/models"
	"github.com/BTreeMap/CoachPipe/internal/scratchpad"
)

// Summary is the terminal phase. It writes final_summary on entry and
// completes the workflow on "done" or a skip.
type Summary struct{}

var _ Phase = Summary{}

// Name implements Phase.
func (Summary) Name() models.PhaseName { return models.PhaseSummary }

// Enter implements Phase. A finished workflow is not summarized again.
func (Summary) Enter(ctx context.Context, sc *SessionContext) string {
	if sc.Session.IsComplete(models.PhaseSummary) {
		return sc.Persona.StepIntro(ctx, sc.request("workflow_done", ""))
	}
	enterPhase(ctx, sc, models.PhaseSummary)
	req := sc.request(string(models.PhaseSummary), "")
	text := sc.Persona.Summary(ctx, req)
	sc.Session.Scratchpad.Set(scratchpad.KeyFinalSummary, text)
	return sc.Persona.StepIntro(ctx, req) + "\n\n" + sc.Persona.StepIntro(ctx, sc.request(scratchpad.KeyFinalSummary, ""))
}

// HandleResponse implements Phase.
func (Summary) HandleResponse(ctx context.Context, sc *SessionContext, input string) Result {
	if sc.Session.IsComplete(models.PhaseSummary) {
		return Result{Reply: sc.Persona.StepIntro(ctx, sc.request("workflow_done", input))}
	}
	in := intent.Classify(input)
	sc.emit(ctx, eventlog.IntentClassified, map[string]any{"intent": in.String()})

	var res Result
	cmd := intent.Normalize(input)
	switch {
	case in == intent.Skip || strings.Contains(cmd, "done"):
		MarkComplete(ctx, sc, models.PhaseSummary)
		res.Reply = sc.Persona.StepIntro(ctx, sc.request("workflow_done", input))
	default:
		// "repeat" and anything unrecognized show the stored summary again.
		res.Reply = sc.Persona.StepIntro(ctx, sc.request(scratchpad.KeyFinalSummary, input))
	}
	sc.emit(ctx, eventlog.ResponseHandled, map[string]any{"intent": in.String(), "next_phase": string(res.NextPhase)})
	return res
}
