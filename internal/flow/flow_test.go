package flow

import (
	"context"
	"errors"
	"slices"
	"strings"
	"sync"
	"testing"

	"github.com/BTreeMap/CoachPipe/internal/eventlog"
	"github.com/BTreeMap/CoachPipe/internal/models"
	"github.com/BTreeMap/CoachPipe/internal/persona"
	"github.com/BTreeMap/CoachPipe/internal/scratchpad"
)

// captureSink records every event name it receives.
type captureSink struct {
	mu     sync.Mutex
	events []models.Event
}

func (c *captureSink) Log(_ context.Context, ev models.Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, ev)
}

func (c *captureSink) names() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, len(c.events))
	for i, ev := range c.events {
		out[i] = ev.Name
	}
	return out
}

func newTestContext(t *testing.T, phase models.PhaseName) (*SessionContext, *captureSink) {
	t.Helper()
	p, err := persona.NewTemplate()
	if err != nil {
		t.Fatalf("NewTemplate error: %v", err)
	}
	wf := ValueProp()
	sess := wf.NewSession("flow-test")
	sess.Phase = phase
	sink := &captureSink{}
	return &SessionContext{Session: sess, Persona: p, Sink: sink, Workflow: wf}, sink
}

func newTestEngine(t *testing.T) (*Engine, *models.Session, *captureSink) {
	t.Helper()
	p, err := persona.NewTemplate()
	if err != nil {
		t.Fatalf("NewTemplate error: %v", err)
	}
	wf := ValueProp()
	sink := &captureSink{}
	return NewEngine(wf, p, sink), wf.NewSession("engine-test"), sink
}

func mustPhase(t *testing.T, wf *Workflow, name models.PhaseName) Phase {
	t.Helper()
	p, ok := wf.Phase(name)
	if !ok {
		t.Fatalf("phase %s not in workflow", name)
	}
	return p
}

func TestEnterIsIdempotent(t *testing.T) {
	ctx := context.Background()
	for _, name := range []models.PhaseName{models.PhaseIntake, models.PhaseProblem, models.PhaseUseCase, models.PhaseIteration} {
		sc, _ := newTestContext(t, name)
		p := mustPhase(t, sc.Workflow, name)
		first := p.Enter(ctx, sc)
		second := p.Enter(ctx, sc)
		if first == "" || first != second {
			t.Errorf("%s: Enter not idempotent: %q vs %q", name, first, second)
		}
	}
}

func TestTemplateProvideDetailAdvances(t *testing.T) {
	ctx := context.Background()
	sc, sink := newTestContext(t, models.PhaseProblem)
	p := mustPhase(t, sc.Workflow, models.PhaseProblem)

	res := p.HandleResponse(ctx, sc, "Patients miss follow-up appointments after discharge")
	if res.NextPhase != models.PhaseTargetCustomer {
		t.Errorf("NextPhase = %q, want target_customer", res.NextPhase)
	}
	if got := sc.Session.Scratchpad.Get(scratchpad.KeyProblem); got != "Patients miss follow-up appointments after discharge" {
		t.Errorf("problem = %q", got)
	}
	if !sc.Session.IsComplete(models.PhaseProblem) {
		t.Error("problem should be complete after a valid answer")
	}
	names := sink.names()
	for _, want := range []string{eventlog.IntentClassified, eventlog.PhaseComplete, eventlog.ResponseHandled} {
		if !slices.Contains(names, want) {
			t.Errorf("missing event %s in %v", want, names)
		}
	}
}

func TestTemplateSkipDoesNotComplete(t *testing.T) {
	ctx := context.Background()
	sc, sink := newTestContext(t, models.PhaseProblem)
	sc.Session.Scratchpad.Set(scratchpad.KeyProblem, "an earlier answer")
	p := mustPhase(t, sc.Workflow, models.PhaseProblem)

	res := p.HandleResponse(ctx, sc, "skip")
	if res.NextPhase != models.PhaseTargetCustomer {
		t.Errorf("NextPhase = %q, want target_customer", res.NextPhase)
	}
	if got := sc.Session.Scratchpad.Get(scratchpad.KeyProblem); got != "" {
		t.Errorf("skip should store empty value, got %q", got)
	}
	if sc.Session.IsComplete(models.PhaseProblem) {
		t.Error("skip must not mark the phase complete")
	}
	if !slices.Contains(sink.names(), eventlog.PhaseSkipped) {
		t.Error("expected phase_skipped event")
	}
}

func TestTemplateStaysOnWeakInput(t *testing.T) {
	ctx := context.Background()
	tests := []struct {
		name  string
		input string
		want  string
	}{
		{"too short", "apps", "too brief"},
		{"unclear", "idk", "not quite sure how to interpret"},
		{"empty", "   ", "not quite sure how to interpret"},
		{"affirm", "yes", "Please describe the solution"},
		{"ask", "give me an example", "For example"},
		{"negative without value", "no", "reconsider the solution"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sc, _ := newTestContext(t, models.PhaseSolution)
			p := mustPhase(t, sc.Workflow, models.PhaseSolution)
			res := p.HandleResponse(ctx, sc, tt.input)
			if res.NextPhase != "" {
				t.Errorf("NextPhase = %q, want stay", res.NextPhase)
			}
			if !strings.Contains(res.Reply, tt.want) {
				t.Errorf("reply %q does not contain %q", res.Reply, tt.want)
			}
			if sc.Session.Scratchpad.Get(scratchpad.KeySolution) != "" {
				t.Error("weak input must not be stored")
			}
		})
	}
}

func TestNegativeFeedbackKeepsValue(t *testing.T) {
	ctx := context.Background()
	sc, _ := newTestContext(t, models.PhaseMainBenefit)
	sc.Session.Scratchpad.Set(scratchpad.KeyMainBenefit, "Saves nurses two hours a shift")
	p := mustPhase(t, sc.Workflow, models.PhaseMainBenefit)

	res := p.HandleResponse(ctx, sc, "no")
	if res.NextPhase != "" {
		t.Errorf("negative feedback should stay, got %q", res.NextPhase)
	}
	if !strings.Contains(res.Reply, "Saves nurses two hours a shift") {
		t.Errorf("reply should quote the stored value: %q", res.Reply)
	}
	if sc.Session.Scratchpad.Get(scratchpad.KeyMainBenefit) != "Saves nurses two hours a shift" {
		t.Error("negative feedback must not clear the field")
	}
}

func TestIntakeAsksQuestionsInOrder(t *testing.T) {
	ctx := context.Background()
	sc, _ := newTestContext(t, models.PhaseIntake)
	p := mustPhase(t, sc.Workflow, models.PhaseIntake)

	if got := p.Enter(ctx, sc); !strings.Contains(got, "professional background") {
		t.Fatalf("first question = %q", got)
	}
	res := p.HandleResponse(ctx, sc, "Registered nurse for ten years")
	if res.NextPhase != "" || sc.Session.Intake.Index != 1 {
		t.Fatalf("after first answer: next=%q index=%d", res.NextPhase, sc.Session.Intake.Index)
	}
	if !strings.Contains(res.Reply, "interests or past experiences") {
		t.Errorf("reply should ask the second question: %q", res.Reply)
	}

	res = p.HandleResponse(ctx, sc, "skip")
	if sc.Session.Intake.Index != 2 || sc.Session.Scratchpad.Get(scratchpad.KeyInterests) != "" {
		t.Errorf("skip should advance with an empty answer, index=%d", sc.Session.Intake.Index)
	}
	if !strings.Contains(res.Reply, "Interests / Experiences") {
		t.Errorf("skip reply should name the question: %q", res.Reply)
	}

	res = p.HandleResponse(ctx, sc, "idk")
	if sc.Session.Intake.Index != 2 || res.NextPhase != "" {
		t.Error("unclear input must not advance the intake")
	}

	p.HandleResponse(ctx, sc, "Long wait times for specialists")
	res = p.HandleResponse(ctx, sc, "A small self-sustaining venture")
	if res.NextPhase != models.PhaseProblem {
		t.Errorf("NextPhase = %q, want problem", res.NextPhase)
	}
	if !sc.Session.IsComplete(models.PhaseIntake) || sc.Session.Intake.Index != 0 {
		t.Errorf("intake should be complete with the index reset, index=%d", sc.Session.Intake.Index)
	}
	if got := sc.Session.Scratchpad.Get(scratchpad.KeyAnythingElse); got != "A small self-sustaining venture" {
		t.Errorf("vp_anything_else = %q", got)
	}
}

func TestIntakeEnteredPastEnd(t *testing.T) {
	ctx := context.Background()
	sc, _ := newTestContext(t, models.PhaseIntake)
	sc.Session.Intake.Index = len(DefaultIntakeQuestions)
	p := mustPhase(t, sc.Workflow, models.PhaseIntake)

	if got := p.Enter(ctx, sc); got != "We've completed the intake. Let's move on." {
		t.Errorf("Enter past end = %q", got)
	}
	if !sc.Session.IsComplete(models.PhaseIntake) {
		t.Error("intake entered past the end should mark itself complete")
	}
}

func TestUseCaseSuggestionSubflow(t *testing.T) {
	ctx := context.Background()
	sc, sink := newTestContext(t, models.PhaseUseCase)
	sc.Session.Scratchpad.Set(scratchpad.KeyBackground, "nursing")
	p := mustPhase(t, sc.Workflow, models.PhaseUseCase)

	res := p.HandleResponse(ctx, sc, "can you suggest something")
	state := sc.Session.UseCase
	if !state.WaitingForSelection || len(state.Suggestions) == 0 {
		t.Fatalf("expected pending suggestions, got %+v", state)
	}
	if !strings.Contains(res.Reply, "1. ") {
		t.Errorf("reply should be a numbered list: %q", res.Reply)
	}
	if !slices.Contains(sink.names(), eventlog.SuggestionsOffered) {
		t.Error("expected suggestions_offered event")
	}

	res = p.HandleResponse(ctx, sc, "99")
	if res.NextPhase != "" || !sc.Session.UseCase.WaitingForSelection {
		t.Error("out-of-range selection must keep waiting")
	}
	res = p.HandleResponse(ctx, sc, "the first one please")
	if res.NextPhase != "" || !sc.Session.UseCase.WaitingForSelection {
		t.Error("non-numeric selection must keep waiting")
	}
	if !slices.Contains(sink.names(), eventlog.InvalidSelection) {
		t.Error("expected invalid_selection event")
	}

	want := state.Suggestions[0]
	res = p.HandleResponse(ctx, sc, "1")
	if res.NextPhase != models.PhaseRecommendation {
		t.Errorf("NextPhase = %q, want recommendation", res.NextPhase)
	}
	if got := sc.Session.Scratchpad.Get(scratchpad.KeyUseCase); got != want {
		t.Errorf("use_case = %q, want %q", got, want)
	}
	if sc.Session.Scratchpad.Get("vp_use_case") != want {
		t.Error("legacy key should read the canonical use case")
	}
	if sc.Session.UseCase.WaitingForSelection || len(sc.Session.UseCase.Suggestions) != 0 {
		t.Error("selection should clear the subflow")
	}
	if !sc.Session.IsComplete(models.PhaseUseCase) {
		t.Error("selection should complete the phase")
	}
}

func TestUseCaseSkipWhileWaiting(t *testing.T) {
	ctx := context.Background()
	sc, _ := newTestContext(t, models.PhaseUseCase)
	p := mustPhase(t, sc.Workflow, models.PhaseUseCase)

	p.HandleResponse(ctx, sc, "any ideas")
	if !sc.Session.UseCase.WaitingForSelection {
		t.Fatal("fallback suggestions should be offered without intake answers")
	}
	res := p.HandleResponse(ctx, sc, "skip")
	if res.NextPhase != models.PhaseRecommendation {
		t.Errorf("NextPhase = %q, want recommendation", res.NextPhase)
	}
	if sc.Session.UseCase.WaitingForSelection {
		t.Error("skip should clear the pending list")
	}
}

func TestIterationRoundTrip(t *testing.T) {
	ctx := context.Background()
	sc, _ := newTestContext(t, models.PhaseIteration)
	p := mustPhase(t, sc.Workflow, models.PhaseIteration)

	p.Enter(ctx, sc)
	if sc.Session.Iteration.Step != models.IterationChooseRevision {
		t.Fatalf("step = %q, want choose_revision", sc.Session.Iteration.Step)
	}

	res := p.HandleResponse(ctx, sc, "Target Customer")
	if sc.Session.Iteration.Step != models.IterationRevisionDetail || sc.Session.Iteration.Target != scratchpad.KeyTargetCustomer {
		t.Fatalf("after choosing: %+v", sc.Session.Iteration)
	}
	if !strings.Contains(res.Reply, "revise target customer") {
		t.Errorf("reply = %q", res.Reply)
	}

	res = p.HandleResponse(ctx, sc, "Rural clinics in northern Ontario")
	if sc.Session.Iteration.Step != models.IterationAwaitCommand {
		t.Fatalf("step = %q, want await_command", sc.Session.Iteration.Step)
	}
	if got := sc.Session.Scratchpad.Get(scratchpad.KeyTargetCustomer); got != "Rural clinics in northern Ontario" {
		t.Errorf("target_customer = %q", got)
	}
	if !strings.HasPrefix(res.Reply, "Target Customer updated.") {
		t.Errorf("reply = %q", res.Reply)
	}

	res = p.HandleResponse(ctx, sc, "summary")
	if res.NextPhase != models.PhaseSummary {
		t.Errorf("NextPhase = %q, want summary", res.NextPhase)
	}
	if !sc.Session.IsComplete(models.PhaseIteration) {
		t.Error("summary command should complete iteration")
	}
	if sc.Session.Iteration != (models.IterationState{}) {
		t.Errorf("iteration state should reset, got %+v", sc.Session.Iteration)
	}

	p.Enter(ctx, sc)
	p.HandleResponse(ctx, sc, "problem")
	p.HandleResponse(ctx, sc, "Clinics cannot reach patients after hours")
	res = p.HandleResponse(ctx, sc, "re-run")
	if res.NextPhase != models.PhaseRecommendation {
		t.Errorf("NextPhase = %q, want recommendation", res.NextPhase)
	}
	if !sc.Session.IsComplete(models.PhaseIteration) || sc.Session.Iteration.Step != "" {
		t.Error("re-run should complete iteration and reset its state")
	}

	for _, cmd := range []string{"please re-run", "ok, rerun it", "Re-run the recommendations"} {
		p.Enter(ctx, sc)
		p.HandleResponse(ctx, sc, "problem")
		p.HandleResponse(ctx, sc, "Clinicians lose two hours a day to charting")
		res = p.HandleResponse(ctx, sc, cmd)
		if res.NextPhase != models.PhaseRecommendation {
			t.Errorf("%q: NextPhase = %q, step = %q, want recommendation", cmd, res.NextPhase, sc.Session.Iteration.Step)
		}
	}
}

func TestIterationInvalidField(t *testing.T) {
	ctx := context.Background()
	sc, _ := newTestContext(t, models.PhaseIteration)
	p := mustPhase(t, sc.Workflow, models.PhaseIteration)
	p.Enter(ctx, sc)

	res := p.HandleResponse(ctx, sc, "problm")
	if res.NextPhase != "" || sc.Session.Iteration.Step != models.IterationChooseRevision {
		t.Error("invalid field must stay in choose_revision")
	}
	if !strings.Contains(res.Reply, "Did you mean") || !strings.Contains(res.Reply, "Please choose a valid item to revise from:") {
		t.Errorf("reply = %q", res.Reply)
	}
	if strings.Contains(res.Reply, "final summary") {
		t.Error("derived keys must not be offered for revision")
	}

	res = p.HandleResponse(ctx, sc, "zzzz")
	if strings.Contains(res.Reply, "Did you mean") {
		t.Errorf("no hint expected for unrelated input: %q", res.Reply)
	}
}

func TestRecommendationCommands(t *testing.T) {
	ctx := context.Background()
	sc, _ := newTestContext(t, models.PhaseRecommendation)
	sc.Session.Scratchpad.Set(scratchpad.KeySolution, "a reminder chatbot")
	p := mustPhase(t, sc.Workflow, models.PhaseRecommendation)

	intro := p.Enter(ctx, sc)
	cached := sc.Session.Scratchpad.Get(scratchpad.KeyCachedRecommendations)
	if cached == "" || !strings.Contains(intro, cached) {
		t.Fatalf("Enter should cache and show recommendations: %q", intro)
	}

	res := p.HandleResponse(ctx, sc, "hmm")
	if res.NextPhase != "" || !strings.Contains(res.Reply, cached) {
		t.Errorf("unrecognized input should re-show the cache: %q", res.Reply)
	}
	if res := p.HandleResponse(ctx, sc, "let's iterate"); res.NextPhase != models.PhaseIteration {
		t.Errorf("iterate -> %q", res.NextPhase)
	}
	if res := p.HandleResponse(ctx, sc, "Summary"); res.NextPhase != models.PhaseSummary {
		t.Errorf("summary -> %q", res.NextPhase)
	}
}

func TestSummaryCommands(t *testing.T) {
	ctx := context.Background()
	sc, _ := newTestContext(t, models.PhaseSummary)
	sc.Session.Scratchpad.Set(scratchpad.KeyProblem, "missed appointments")
	p := mustPhase(t, sc.Workflow, models.PhaseSummary)

	p.Enter(ctx, sc)
	summary := sc.Session.Scratchpad.Get(scratchpad.KeyFinalSummary)
	if !strings.Contains(summary, "missed appointments") {
		t.Fatalf("final_summary = %q", summary)
	}
	res := p.HandleResponse(ctx, sc, "repeat")
	if !strings.Contains(res.Reply, summary) || sc.Session.IsComplete(models.PhaseSummary) {
		t.Errorf("repeat should re-show without completing: %q", res.Reply)
	}
	res = p.HandleResponse(ctx, sc, "done")
	if !sc.Session.IsComplete(models.PhaseSummary) {
		t.Error("done should complete the summary")
	}
	if got := p.Enter(ctx, sc); got != res.Reply {
		t.Errorf("entering a finished summary should return the completion message, got %q", got)
	}
}

func TestEngineEndToEnd(t *testing.T) {
	ctx := context.Background()
	e, sess, _ := newTestEngine(t)

	intro, err := e.Start(ctx, sess)
	if err != nil || intro == "" {
		t.Fatalf("Start: %q, %v", intro, err)
	}

	turn := func(input string) Result {
		t.Helper()
		res, err := e.HandleResponse(ctx, sess, input)
		if err != nil {
			t.Fatalf("HandleResponse(%q) error: %v", input, err)
		}
		return res
	}

	for _, answer := range []string{
		"Registered nurse for ten years",
		"My mother's diabetes care journey",
		"Long wait times for specialists",
		"A small self-sustaining venture",
	} {
		turn(answer)
	}
	if e.CurrentPhase(sess) != models.PhaseProblem {
		t.Fatalf("after intake phase = %s, want problem", sess.Phase)
	}

	answers := []struct {
		phase models.PhaseName
		input string
	}{
		{models.PhaseProblem, "Patients miss follow-up appointments after discharge"},
		{models.PhaseTargetCustomer, "Elderly patients managing chronic conditions at home"},
		{models.PhaseSolution, "A text-message reminder service with easy rescheduling"},
		{models.PhaseMainBenefit, "Fewer missed visits and better outcomes"},
		{models.PhaseDifferentiator, "Personalized timing based on each patient's routine"},
		{models.PhaseUseCase, "A patient confirms an appointment by replying to a reminder"},
	}
	for _, a := range answers {
		if sess.Phase != a.phase {
			t.Fatalf("phase = %s, want %s", sess.Phase, a.phase)
		}
		turn(a.input)
	}
	if sess.Phase != models.PhaseRecommendation {
		t.Fatalf("phase = %s, want recommendation", sess.Phase)
	}
	if sess.Scratchpad.Get(scratchpad.KeyCachedRecommendations) == "" {
		t.Error("recommendations should be cached on entry")
	}

	res := turn("summary")
	if sess.Phase != models.PhaseSummary {
		t.Fatalf("phase = %s, want summary", sess.Phase)
	}
	final := sess.Scratchpad.Get(scratchpad.KeyFinalSummary)
	for _, a := range answers {
		if !strings.Contains(final, a.input) {
			t.Errorf("final_summary missing %q: %s", a.input, final)
		}
	}
	if !strings.Contains(res.Reply, final) {
		t.Error("reply should include the summary from the entered phase")
	}

	turn("done")
	if !e.IsWorkflowComplete(sess) || sess.Stage != models.StageComplete {
		t.Errorf("workflow should be complete, stage=%s", sess.Stage)
	}
	if sess.TurnCount != 4+len(answers)+2 {
		t.Errorf("TurnCount = %d", sess.TurnCount)
	}
}

func TestEngineResetsInvalidPhase(t *testing.T) {
	ctx := context.Background()
	e, sess, sink := newTestEngine(t)
	sess.Phase = "nonexistent"
	sess.Scratchpad.Set(scratchpad.KeyProblem, "kept")

	res, err := e.HandleResponse(ctx, sess, "Some answer that should not be stored")
	if err != nil {
		t.Fatalf("HandleResponse error: %v", err)
	}
	if sess.Phase != models.PhaseIntake {
		t.Errorf("phase = %s, want intake", sess.Phase)
	}
	if !strings.Contains(res.Reply, "professional background") {
		t.Errorf("reply should be the first intro: %q", res.Reply)
	}
	if sess.Scratchpad.Get(scratchpad.KeyBackground) != "" || sess.Scratchpad.Get(scratchpad.KeyProblem) != "kept" {
		t.Error("input must not be consumed and the scratchpad must be left alone")
	}
	if !slices.Contains(sink.names(), eventlog.InvalidPhaseReset) {
		t.Error("expected invalid_phase_reset event")
	}
}

// faultyPhase mutates the scratchpad and then misbehaves.
type faultyPhase struct {
	panics bool
}

func (faultyPhase) Name() models.PhaseName { return "faulty" }

func (faultyPhase) Enter(context.Context, *SessionContext) string { return "faulty" }

func (f faultyPhase) HandleResponse(_ context.Context, sc *SessionContext, input string) Result {
	sc.Session.Scratchpad.Set(scratchpad.KeyProblem, input)
	sc.Session.UseCase.WaitingForSelection = true
	if f.panics {
		panic("boom")
	}
	return Result{NextPhase: "nowhere"}
}

func TestEngineRollsBackContractViolations(t *testing.T) {
	ctx := context.Background()
	p, err := persona.NewTemplate()
	if err != nil {
		t.Fatal(err)
	}
	for _, panics := range []bool{true, false} {
		wf := NewWorkflow("faulty_flow", "Faulty", []string{scratchpad.KeyProblem}, faultyPhase{panics: panics})
		e := NewEngine(wf, p, nil)
		sess := wf.NewSession("rollback")
		sess.Scratchpad.Set(scratchpad.KeyProblem, "original")

		_, err := e.HandleResponse(ctx, sess, "overwritten")
		if !errors.Is(err, ErrPhaseContract) {
			t.Errorf("panics=%v: expected ErrPhaseContract, got %v", panics, err)
		}
		if got := sess.Scratchpad.Get(scratchpad.KeyProblem); got != "original" {
			t.Errorf("panics=%v: scratchpad not restored, got %q", panics, got)
		}
		if sess.UseCase.WaitingForSelection || sess.TurnCount != 0 || sess.Phase != "faulty" {
			t.Errorf("panics=%v: session not restored: %+v", panics, sess)
		}
	}
}

func TestWorkflowRegistry(t *testing.T) {
	wf, ok := Get(models.WorkflowValueProp)
	if !ok {
		t.Fatal("value_prop workflow should be registered")
	}
	if wf.First() != models.PhaseIntake {
		t.Errorf("First = %s", wf.First())
	}
	order := wf.Order()
	if len(order) != 10 || order[len(order)-1] != models.PhaseSummary {
		t.Errorf("unexpected order %v", order)
	}
	revisable := wf.RevisableKeys()
	for _, k := range []string{scratchpad.KeyResearchRequests, scratchpad.KeyCachedRecommendations, scratchpad.KeyFinalSummary} {
		if slices.Contains(revisable, k) {
			t.Errorf("%s should not be revisable", k)
		}
	}
	if !slices.Contains(revisable, scratchpad.KeyTargetCustomer) {
		t.Error("target_customer should be revisable")
	}
	if _, err := Lookup("unknown"); err == nil {
		t.Error("expected error for unknown workflow")
	}
	if len(List()) == 0 {
		t.Error("List should include the default workflow")
	}
}
