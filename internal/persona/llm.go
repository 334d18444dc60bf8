package persona

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/BTreeMap/CoachPipe/internal/eventlog"
	"github.com/BTreeMap/CoachPipe/internal/genai"
	"github.com/BTreeMap/CoachPipe/internal/models"
	"github.com/BTreeMap/CoachPipe/internal/scratchpad"
	"github.com/BTreeMap/CoachPipe/internal/search"
	"github.com/BTreeMap/CoachPipe/internal/usage"
	"github.com/BTreeMap/CoachPipe/internal/util"
)

// CoachSystemPrompt frames every model call.
const CoachSystemPrompt = `You are an expert business coach specializing in digital health innovation. You help users discover, clarify, and sharpen their own ideas for solving real-world problems, especially in healthcare. Your style is conversational, warm but candid, intellectually curious, and never pandering. You gently challenge vague statements without sounding like you are filling out a checklist. Keep replies short.`

// Completer is the slice of genai.Client the persona needs.
type Completer interface {
	Complete(ctx context.Context, systemPrompt, userPrompt string) (genai.Completion, error)
}

// LLMOption configures an LLM persona.
type LLMOption func(*LLM)

// WithSearcher enables research citations in recommendations.
func WithSearcher(s search.Searcher) LLMOption {
	return func(p *LLM) { p.searcher = s }
}

// WithMeter charges model usage against the daily cap.
func WithMeter(m *usage.Meter) LLMOption {
	return func(p *LLM) { p.meter = m }
}

// WithEventSink records research cap events.
func WithEventSink(s eventlog.Sink) LLMOption {
	return func(p *LLM) { p.sink = s }
}

// LLM generates coach text with a chat model. Deterministic decisions
// (intros, validation, skip and clarification text) come from the embedded
// fallback persona; generated text replaces only the free-form replies.
// Any model failure, or an exhausted daily cap, yields the fallback text.
type LLM struct {
	Persona
	llm      Completer
	searcher search.Searcher
	meter    *usage.Meter
	sink     eventlog.Sink
}

var _ Persona = (*LLM)(nil)

// NewLLM wraps fallback with model-generated text from llm.
func NewLLM(llm Completer, fallback Persona, opts ...LLMOption) *LLM {
	p := &LLM{Persona: fallback, llm: llm, sink: eventlog.Nop{}}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// ask runs one completion and charges its tokens. ok is false when the
// caller should use fallback text.
func (p *LLM) ask(ctx context.Context, req Request, purpose, prompt string) (string, bool) {
	if p.llm == nil {
		return "", false
	}
	if p.meter != nil && p.meter.Exceeded() {
		slog.Debug("LLM.ask: daily cap reached, using template text", "purpose", purpose)
		return "", false
	}
	start := time.Now()
	out, err := p.llm.Complete(ctx, CoachSystemPrompt, prompt)
	if err != nil {
		slog.Warn("LLM.ask: completion failed, using template text", "purpose", purpose, "error", err)
		return "", false
	}
	tokens := out.Tokens
	if tokens <= 0 {
		tokens = usage.CountTokens(CoachSystemPrompt, prompt, out.Text)
	}
	if p.meter != nil {
		p.meter.Add(tokens)
	}
	if req.Session != nil {
		req.Session.TokensUsed += tokens
	}
	slog.Debug("LLM.ask: completion succeeded", "purpose", purpose, "tokens", tokens, "duration", time.Since(start))
	text := strings.TrimSpace(out.Text)
	return text, text != ""
}

// promptContext renders the filled scratchpad as "Key: value" lines.
func promptContext(req Request) string {
	sp := req.pad()
	if sp == nil {
		return ""
	}
	var lines []string
	for _, k := range sp.Keys() {
		if k == scratchpad.KeyCachedRecommendations || k == scratchpad.KeyFinalSummary {
			continue
		}
		if v := strings.TrimSpace(sp.Get(k)); v != "" {
			lines = append(lines, util.TitleCase(k)+": "+v)
		}
	}
	return strings.Join(lines, "\n")
}

// SuggestExamples asks the model for one illustrative example.
func (p *LLM) SuggestExamples(ctx context.Context, req Request) string {
	prompt := fmt.Sprintf("The user is working on the '%s' element of their value proposition and asked for help.\nWhat they have so far:\n%s\n\nGive one clear, concise example of a strong answer for this element. Do not list multiple examples.",
		util.Humanize(req.Phase), promptContext(req))
	if text, ok := p.ask(ctx, req, "examples", prompt); ok {
		return text
	}
	return p.Persona.SuggestExamples(ctx, req)
}

// Acknowledge paraphrases the user's answer so they feel heard.
func (p *LLM) Acknowledge(ctx context.Context, req Request) string {
	prompt := fmt.Sprintf("Acknowledge the user's answer about '%s' by briefly paraphrasing its essence in one warm sentence. Avoid direct quotation and do not ask a question.\nAnswer: %s",
		util.Humanize(req.Phase), req.Input)
	if text, ok := p.ask(ctx, req, "acknowledge", prompt); ok {
		return text
	}
	return p.Persona.Acknowledge(ctx, req)
}

// Recommendations generates three numbered recommendations grounded in
// research citations when a searcher is configured.
func (p *LLM) Recommendations(ctx context.Context, req Request) string {
	results := p.research(ctx, req)
	inline, refs := search.FormatCitations(results)

	var b strings.Builder
	fmt.Fprintf(&b, "Here is the user's value proposition so far:\n%s\n\n", promptContext(req))
	if len(results) > 0 {
		b.WriteString("Relevant research:\n")
		for _, r := range results {
			fmt.Fprintf(&b, "[^%d] %s: %s\n", r.CitationID, r.Title, r.Snippet)
		}
		b.WriteString("\nCite sources inline with their [^n] markers where relevant.\n")
	}
	b.WriteString("Give exactly three numbered, concrete recommendations to strengthen this value proposition.")

	text, ok := p.ask(ctx, req, "recommendations", b.String())
	if !ok {
		text = p.Persona.Recommendations(ctx, req)
		if inline != "" {
			text += "\n\nSupporting research: " + inline
		}
	}
	return text + refs
}

// research runs one search for the recommendation step, respecting the
// per-session research budget.
func (p *LLM) research(ctx context.Context, req Request) []models.SearchResult {
	if p.searcher == nil || req.Session == nil {
		return nil
	}
	sess := req.Session
	keys := append([]string{scratchpad.KeyBackground, scratchpad.KeyInterests}, scratchpad.CanonicalKeys...)
	query := search.BuildQuery(scratchpad.KeySolution, keys, sess.Scratchpad.Values(), sess.Scratchpad.Get(scratchpad.KeyProblem))

	if sess.ResearchCalls >= search.MaxResearchCalls {
		sess.Scratchpad.AddResearchRequest(query)
		p.sink.Log(ctx, models.Event{
			Time:      time.Now().UTC(),
			SessionID: sess.ID,
			Workflow:  sess.Workflow,
			Phase:     sess.Phase,
			Name:      eventlog.ResearchCapReached,
			Fields:    map[string]any{"query": query, "research_calls": sess.ResearchCalls},
		})
		slog.Info("LLM.research: research cap reached", "sessionID", sess.ID, "calls", sess.ResearchCalls)
		return nil
	}
	sess.ResearchCalls++
	return p.searcher.Search(ctx, query)
}

// Summary polishes the template summary into a short paragraph.
func (p *LLM) Summary(ctx context.Context, req Request) string {
	base := p.Persona.Summary(ctx, req)
	if promptContext(req) == "" {
		return base
	}
	prompt := fmt.Sprintf("Rewrite this value proposition summary as one clear, compelling paragraph. Keep every fact and add nothing new.\n\n%s", base)
	if text, ok := p.ask(ctx, req, "summary", prompt); ok {
		return text
	}
	return base
}
