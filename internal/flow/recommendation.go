package flow

import (
	"context"
	"strings"

	"github.com/BTreeMap/CoachPipe/internal/eventlog"
	"github.com/BTreeMap/CoachPipe/internal/intent"
	"github.com/BTreeMap/CoachPipe/internal/models"
	"github.com/BTreeMap/CoachPipe/internal/scratchpad"
)

// Recommendation generates recommendations on entry and then waits for
// "iterate" or "summary". Recommendations are regenerated on every entry,
// so a re-run after iteration reflects the revised fields.
type Recommendation struct {
	iterate models.PhaseName
	summary models.PhaseName
}

var _ Phase = (*Recommendation)(nil)

// NewRecommendation builds the recommendation phase.
func NewRecommendation(iterate, summary models.PhaseName) *Recommendation {
	return &Recommendation{iterate: iterate, summary: summary}
}

// Name implements Phase.
func (p *Recommendation) Name() models.PhaseName { return models.PhaseRecommendation }

// Enter implements Phase.
func (p *Recommendation) Enter(ctx context.Context, sc *SessionContext) string {
	enterPhase(ctx, sc, models.PhaseRecommendation)
	req := sc.request(string(models.PhaseRecommendation), "")
	recs := sc.Persona.Recommendations(ctx, req)
	sc.Session.Scratchpad.Set(scratchpad.KeyCachedRecommendations, recs)
	return sc.Persona.StepIntro(ctx, req) + "\n\n" + recs
}

// HandleResponse implements Phase.
func (p *Recommendation) HandleResponse(ctx context.Context, sc *SessionContext, input string) Result {
	in := intent.Classify(input)
	sc.emit(ctx, eventlog.IntentClassified, map[string]any{"intent": in.String()})
	cmd := intent.Normalize(input)

	var res Result
	switch {
	case strings.Contains(cmd, "iterate"):
		MarkComplete(ctx, sc, models.PhaseRecommendation)
		res.NextPhase = p.iterate
	case strings.Contains(cmd, "summary"):
		MarkComplete(ctx, sc, models.PhaseRecommendation)
		res.NextPhase = p.summary
	case in == intent.Skip:
		sc.emit(ctx, eventlog.PhaseSkipped, map[string]any{"skipped": string(models.PhaseRecommendation)})
		res.NextPhase = p.summary
	default:
		sc.emit(ctx, eventlog.UnexpectedInput, map[string]any{"intent": in.String()})
		res.Reply = sc.Persona.StepIntro(ctx, sc.request(scratchpad.KeyCachedRecommendations, input))
	}
	sc.emit(ctx, eventlog.ResponseHandled, map[string]any{"intent": in.String(), "next_phase": string(res.NextPhase)})
	return res
}
