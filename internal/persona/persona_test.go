package persona

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/BTreeMap/CoachPipe/internal/genai"
	"github.com/BTreeMap/CoachPipe/internal/models"
	"github.com/BTreeMap/CoachPipe/internal/scratchpad"
	"github.com/BTreeMap/CoachPipe/internal/usage"
)

var allKeys = []string{
	scratchpad.KeyBackground, scratchpad.KeyInterests, scratchpad.KeyProblemMotivation,
	scratchpad.KeyAnythingElse, scratchpad.KeyUseCase, scratchpad.KeyProblem,
	scratchpad.KeyTargetCustomer, scratchpad.KeySolution, scratchpad.KeyMainBenefit,
	scratchpad.KeyDifferentiator, scratchpad.KeyResearchRequests,
	scratchpad.KeyCachedRecommendations, scratchpad.KeyFinalSummary,
}

func newSession() *models.Session {
	return models.NewSession("persona-test", models.WorkflowValueProp, models.PhaseIntake, allKeys)
}

func mustTemplate(t *testing.T) *Template {
	t.Helper()
	p, err := NewTemplate()
	if err != nil {
		t.Fatalf("NewTemplate error: %v", err)
	}
	return p
}

func TestMicroValidate(t *testing.T) {
	p := mustTemplate(t)
	tests := []struct {
		input string
		want  bool
	}{
		{"", false},
		{"   ", false},
		{"AI", false},
		{"12345", false},
		{"sounds good", false},
		{"  Got It ", false},
		{"i don't know", false},
		{"Nurses lose time charting", true},
		{"clinic", true},
	}
	for _, tt := range tests {
		if got := p.MicroValidate(context.Background(), Request{Phase: "problem", Input: tt.input}); got != tt.want {
			t.Errorf("MicroValidate(%q) = %v, want %v", tt.input, got, tt.want)
		}
	}
}

func TestStepIntroQuotesStoredValue(t *testing.T) {
	p := mustTemplate(t)
	sess := newSession()
	ctx := context.Background()

	first := p.StepIntro(ctx, Request{Phase: "problem", Session: sess})
	if !strings.HasPrefix(first, "Next, let's clearly define the problem") {
		t.Errorf("unexpected empty intro: %q", first)
	}
	if again := p.StepIntro(ctx, Request{Phase: "problem", Session: sess}); again != first {
		t.Error("intro should be stable across calls")
	}

	sess.Scratchpad.Set(scratchpad.KeyProblem, "long waits")
	if got := p.StepIntro(ctx, Request{Phase: "problem", Session: sess}); !strings.Contains(got, "We identified the problem as: long waits") {
		t.Errorf("filled intro = %q", got)
	}

	if got := p.StepIntro(ctx, Request{Phase: "revise_detail", Target: "target_customer"}); got != "Okay, let's revise target customer. What's the new text?" {
		t.Errorf("revise_detail intro = %q", got)
	}
	if got := p.StepIntro(ctx, Request{Phase: "brand_new"}); got != "Welcome to the brand new phase. What are your thoughts?" {
		t.Errorf("default intro = %q", got)
	}
}

func TestAcknowledge(t *testing.T) {
	p := mustTemplate(t)
	ctx := context.Background()
	tests := []struct {
		req  Request
		want string
	}{
		{Request{Phase: "vp_background", Header: "Professional Background", Input: "Nurse"}, "Got it, thanks."},
		{Request{Phase: "vp_background", Header: "Professional Background", Input: "I am a registered nurse"}, "Thanks for sharing your thoughts on 'Professional Background'. I've noted that."},
		{Request{Phase: "main_benefit", Input: "faster triage"}, "Okay, noted for main benefit."},
		{Request{Phase: "main_benefit", Input: "cuts triage time in half"}, "Thanks for detailing the main benefit. I've noted that."},
	}
	for _, tt := range tests {
		if got := p.Acknowledge(ctx, tt.req); got != tt.want {
			t.Errorf("Acknowledge(%+v) = %q, want %q", tt.req, got, tt.want)
		}
	}
}

func TestClarificationReasons(t *testing.T) {
	p := mustTemplate(t)
	ctx := context.Background()

	got := p.Clarification(ctx, Request{Phase: "solution", Input: "ok"}, ReasonValidationFailed)
	if !strings.Contains(got, "too brief or generic for solution") {
		t.Errorf("validation_failed = %q", got)
	}

	long := strings.Repeat("x", 80)
	got = p.Clarification(ctx, Request{Phase: "solution", Input: long}, ReasonUnclearInput)
	if strings.Contains(got, long) || !strings.Contains(got, "...") {
		t.Errorf("unclear input should be truncated: %q", got)
	}

	sess := newSession()
	sess.UseCase.Suggestions = []string{"first idea", "second idea"}
	got = p.Clarification(ctx, Request{Phase: "use_case", Session: sess}, ReasonAwaitingSelection)
	if !strings.Contains(got, "1. first idea\n2. second idea") {
		t.Errorf("awaiting selection should relist suggestions: %q", got)
	}

	sess.UseCase.Suggestions = nil
	got = p.Clarification(ctx, Request{Phase: "use_case", Session: sess}, ReasonAwaitingSelection)
	if !strings.Contains(got, "can't find them") {
		t.Errorf("missing suggestions text = %q", got)
	}

	got = p.Clarification(ctx, Request{Phase: "use_case"}, Reason("unknown"))
	if !strings.Contains(got, "elaborate or rephrase") {
		t.Errorf("default clarification = %q", got)
	}
}

func TestSkipAndNegative(t *testing.T) {
	p := mustTemplate(t)
	ctx := context.Background()
	if got := p.SkipConfirmation(ctx, Request{Phase: "vp_interests", Header: "Interests / Experiences"}); got != "Okay, we'll skip the question about 'Interests / Experiences' for now." {
		t.Errorf("intake skip = %q", got)
	}
	if got := p.SkipConfirmation(ctx, Request{Phase: "target_customer"}); got != "Understood. We'll skip the target customer phase for now and move on." {
		t.Errorf("phase skip = %q", got)
	}

	sess := newSession()
	if got := p.HandleNegativeFeedback(ctx, Request{Phase: "main_benefit", Session: sess}); got != "Okay, let's reconsider the main benefit then. What are your thoughts now?" {
		t.Errorf("negative on empty = %q", got)
	}
	sess.Scratchpad.Set(scratchpad.KeyMainBenefit, "saves time")
	got := p.HandleNegativeFeedback(ctx, Request{Phase: "main_benefit", Session: sess})
	if !strings.Contains(got, "saves time") {
		t.Errorf("negative on filled should quote value: %q", got)
	}
	if sess.Scratchpad.Get(scratchpad.KeyMainBenefit) != "saves time" {
		t.Error("negative feedback must not clear the field")
	}
}

func TestSuggestUseCases(t *testing.T) {
	p := mustTemplate(t)
	ctx := context.Background()
	sess := newSession()

	got := p.SuggestUseCases(ctx, Request{Phase: "use_case", Session: sess})
	if len(got) != 2 || !strings.HasPrefix(got[0], "A general use case") {
		t.Errorf("fallback suggestions = %q", got)
	}

	sess.Scratchpad.Set(scratchpad.KeyBackground, "nursing")
	got = p.SuggestUseCases(ctx, Request{Phase: "use_case", Session: sess})
	if len(got) != 1 || !strings.Contains(got[0], "background in nursing") {
		t.Errorf("background suggestion = %q", got)
	}

	sess.Scratchpad.Set(scratchpad.KeyInterests, "sleep")
	sess.Scratchpad.Set(scratchpad.KeyProblemMotivation, "burnout")
	got = p.SuggestUseCases(ctx, Request{Phase: "use_case", Session: sess})
	if len(got) != 2 {
		t.Errorf("expected at most two suggestions, got %d", len(got))
	}

	list := p.UseCaseList(ctx, Request{Phase: "use_case", Session: sess}, got)
	if !strings.HasPrefix(list, "Okay, here are a couple of evidence-backed scenarios") || !strings.Contains(list, "2. ") {
		t.Errorf("use case list = %q", list)
	}
	if !strings.HasSuffix(list, "or 'skip' to move on.") {
		t.Errorf("use case list footer missing: %q", list)
	}
}

func TestRecommendationsAndSummary(t *testing.T) {
	p := mustTemplate(t)
	ctx := context.Background()
	sess := newSession()

	recs := p.Recommendations(ctx, Request{Phase: "recommendation", Session: sess})
	if lines := strings.Split(recs, "\n"); len(lines) != 3 {
		t.Fatalf("expected 3 recommendation lines, got %d: %q", len(lines), recs)
	}
	if !strings.Contains(recs, "'your solution'") {
		t.Errorf("empty fields should use placeholders: %q", recs)
	}

	if got := p.Summary(ctx, Request{Phase: "summary", Session: sess}); got != "No information was provided to generate a summary." {
		t.Errorf("empty summary = %q", got)
	}

	sess.Scratchpad.Set(scratchpad.KeyUseCase, "remote triage")
	sess.Scratchpad.Set(scratchpad.KeyProblem, "long waits")
	sess.Scratchpad.Set(scratchpad.KeyTargetCustomer, "rural clinics")
	sess.Scratchpad.Set(scratchpad.KeySolution, "a triage app")
	sess.Scratchpad.Set(scratchpad.KeyMainBenefit, "faster care")
	sess.Scratchpad.Set(scratchpad.KeyDifferentiator, "offline support")
	want := "The primary use case is 'remote triage'. It addresses the problem of 'long waits' for rural clinics. The proposed solution, 'a triage app', offers the main benefit of 'faster care'. It stands out due to 'offline support'."
	if got := p.Summary(ctx, Request{Phase: "summary", Session: sess}); got != want {
		t.Errorf("summary =\n%q\nwant\n%q", got, want)
	}
}

func TestLoadCatalogOverride(t *testing.T) {
	path := filepath.Join(t.TempDir(), "persona.yaml")
	override := "positive_affirmation: \"Brilliant, onward.\"\nexamples:\n  problem: \"Custom problem example.\"\n"
	if err := os.WriteFile(path, []byte(override), 0o644); err != nil {
		t.Fatal(err)
	}
	c, err := LoadCatalog(path)
	if err != nil {
		t.Fatalf("LoadCatalog error: %v", err)
	}
	p := NewTemplateWithCatalog(c)
	ctx := context.Background()
	if got := p.PositiveAffirmation(ctx, Request{}); got != "Brilliant, onward." {
		t.Errorf("override not applied: %q", got)
	}
	if got := p.SuggestExamples(ctx, Request{Phase: "problem"}); got != "Custom problem example." {
		t.Errorf("example override not applied: %q", got)
	}
	if got := p.SuggestExamples(ctx, Request{Phase: "solution"}); !strings.Contains(got, "chatbot") {
		t.Errorf("untouched entries should keep defaults: %q", got)
	}
}

func TestLoadCatalogRejectsBrokenTemplate(t *testing.T) {
	path := filepath.Join(t.TempDir(), "broken.yaml")
	if err := os.WriteFile(path, []byte("positive_affirmation: \"{{.Phase\"\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadCatalog(path); err == nil {
		t.Error("expected compile error for broken template")
	}
}

func TestRegistry(t *testing.T) {
	p, err := New(string(models.WorkflowValueProp))
	if err != nil {
		t.Fatalf("New error: %v", err)
	}
	if _, ok := p.(*Template); !ok {
		t.Errorf("expected template persona, got %T", p)
	}
	if _, err := New("missing"); err == nil {
		t.Error("expected error for unregistered persona")
	}
	found := false
	for _, n := range Names() {
		if n == string(models.WorkflowValueProp) {
			found = true
		}
	}
	if !found {
		t.Error("value_prop persona should be registered")
	}
}

// mockCompleter is a hand-written Completer.
type mockCompleter struct {
	mu      sync.Mutex
	text    string
	tokens  int
	err     error
	prompts []string
}

func (m *mockCompleter) Complete(_ context.Context, _, user string) (genai.Completion, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.prompts = append(m.prompts, user)
	if m.err != nil {
		return genai.Completion{}, m.err
	}
	return genai.Completion{Text: m.text, Tokens: m.tokens}, nil
}

type stubSearcher struct {
	calls   int
	results []models.SearchResult
}

func (s *stubSearcher) Search(context.Context, string) []models.SearchResult {
	s.calls++
	return s.results
}

type captureSink struct {
	events []models.Event
}

func (c *captureSink) Log(_ context.Context, ev models.Event) {
	c.events = append(c.events, ev)
}

func TestLLMUsesModelAndChargesTokens(t *testing.T) {
	fallback := mustTemplate(t)
	meter := usage.NewMeter(1000)
	mock := &mockCompleter{text: "  You want to spare nurses the paperwork.  ", tokens: 42}
	p := NewLLM(mock, fallback, WithMeter(meter))
	sess := newSession()

	got := p.Acknowledge(context.Background(), Request{Phase: "problem", Input: "nurses drown in paperwork", Session: sess})
	if got != "You want to spare nurses the paperwork." {
		t.Errorf("Acknowledge = %q", got)
	}
	if meter.Used() != 42 || sess.TokensUsed != 42 {
		t.Errorf("tokens not charged: meter=%d session=%d", meter.Used(), sess.TokensUsed)
	}
	// Deterministic decisions stay with the fallback.
	if p.MicroValidate(context.Background(), Request{Input: "ok"}) {
		t.Error("MicroValidate should delegate to the template")
	}
}

func TestLLMFallsBackOnErrorAndCap(t *testing.T) {
	fallback := mustTemplate(t)
	ctx := context.Background()
	req := Request{Phase: "main_benefit", Input: "faster triage"}

	failing := NewLLM(&mockCompleter{err: errors.New("boom")}, fallback)
	if got, want := failing.Acknowledge(ctx, req), fallback.Acknowledge(ctx, req); got != want {
		t.Errorf("error fallback = %q, want %q", got, want)
	}

	meter := usage.NewMeter(10)
	meter.Add(10)
	mock := &mockCompleter{text: "should not be used"}
	capped := NewLLM(mock, fallback, WithMeter(meter))
	if got, want := capped.Acknowledge(ctx, req), fallback.Acknowledge(ctx, req); got != want {
		t.Errorf("capped fallback = %q, want %q", got, want)
	}
	if len(mock.prompts) != 0 {
		t.Error("no model call should be made once the cap is reached")
	}
}

func TestLLMRecommendationsResearchCap(t *testing.T) {
	fallback := mustTemplate(t)
	searcher := &stubSearcher{results: []models.SearchResult{{Title: "Study", URL: "https://s", Snippet: "x", CitationID: 1}}}
	sink := &captureSink{}
	p := NewLLM(&mockCompleter{err: errors.New("offline")}, fallback, WithSearcher(searcher), WithEventSink(sink))
	sess := newSession()
	sess.Scratchpad.Set(scratchpad.KeyProblem, "long waits")
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		recs := p.Recommendations(ctx, Request{Phase: "recommendation", Session: sess})
		if !strings.Contains(recs, "--- References ---") || !strings.Contains(recs, "[^1] Study - https://s") {
			t.Fatalf("call %d: references missing: %q", i, recs)
		}
	}
	if searcher.calls != 3 || sess.ResearchCalls != 3 {
		t.Fatalf("expected 3 searches, got %d (session %d)", searcher.calls, sess.ResearchCalls)
	}

	recs := p.Recommendations(ctx, Request{Phase: "recommendation", Session: sess})
	if searcher.calls != 3 {
		t.Error("research past the cap should not search")
	}
	if strings.Contains(recs, "References") {
		t.Errorf("no references expected past the cap: %q", recs)
	}
	if len(sess.Scratchpad.Research()) != 1 || !strings.HasSuffix(sess.Scratchpad.Research()[0], "digital health") {
		t.Errorf("capped query should be recorded: %q", sess.Scratchpad.Research())
	}
	if len(sink.events) != 1 || sink.events[0].Name != "research_cap_reached" {
		t.Errorf("expected research_cap_reached event, got %+v", sink.events)
	}
}
