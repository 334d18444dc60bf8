package persona

import (
	"context"
	"strings"
	"unicode/utf8"

	"github.com/mattn/go-runewidth"

	"github.com/BTreeMap/CoachPipe/internal/scratchpad"
	"github.com/BTreeMap/CoachPipe/internal/util"
)

// Text heuristics.
const (
	unclearEchoWidth = 30
	minDetailLength  = 5
	shortAnswerWords = 3
	maxUseCases      = 2
)

// genericResponses are pleasantries that never count as an answer.
var genericResponses = map[string]bool{
	"ok": true, "okay": true, "sure": true, "yes": true, "yeah": true, "yep": true,
	"got it": true, "idk": true, "i don't know": true, "maybe": true, "alright": true,
	"fine": true, "sounds good": true, "correct": true, "mmhmm": true, "uh huh": true, "k": true,
}

// view is the data every catalog template is rendered against.
type view struct {
	Phase       string
	Value       string
	Input       string
	Header      string
	Target      string
	Suggestions []string
	Options     []string
	Values      map[string]string
}

// Template is the deterministic persona backed by a Catalog.
type Template struct {
	catalog *Catalog
}

var _ Persona = (*Template)(nil)

// NewTemplate builds a template persona from the built-in catalog.
func NewTemplate() (*Template, error) {
	c, err := DefaultCatalog()
	if err != nil {
		return nil, err
	}
	return &Template{catalog: c}, nil
}

// NewTemplateWithCatalog builds a template persona from c.
func NewTemplateWithCatalog(c *Catalog) *Template {
	return &Template{catalog: c}
}

func (t *Template) view(req Request) view {
	v := view{
		Phase:  util.Humanize(req.Phase),
		Value:  req.Value(req.Phase),
		Input:  runewidth.Truncate(strings.TrimSpace(req.Input), unclearEchoWidth, "..."),
		Header: req.Header,
		Target: util.Humanize(req.Target),
	}
	for _, o := range req.Options {
		v.Options = append(v.Options, util.Humanize(o))
	}
	if v.Header == "" {
		v.Header = v.Phase
	}
	if sp := req.pad(); sp != nil {
		v.Values = sp.Values()
	}
	if req.Session != nil {
		v.Suggestions = req.Session.UseCase.Suggestions
	}
	return v
}

// StepIntro returns the intro for req.Phase, quoting the stored value when present.
func (t *Template) StepIntro(_ context.Context, req Request) string {
	v := t.view(req)
	phase := req.Phase
	if !t.catalog.has("intro." + phase + ".empty") {
		phase = "default"
	}
	if v.Value != "" && t.catalog.has("intro."+phase+".filled") {
		return t.catalog.render("intro."+phase+".filled", v)
	}
	return t.catalog.render("intro."+phase+".empty", v)
}

// MicroValidate rejects empty input, input of five characters or fewer, and generic pleasantries.
func (t *Template) MicroValidate(_ context.Context, req Request) bool {
	clean := strings.ToLower(strings.TrimSpace(req.Input))
	if clean == "" {
		return false
	}
	if utf8.RuneCountInString(clean) <= minDetailLength {
		return false
	}
	return !genericResponses[clean]
}

func (t *Template) SuggestExamples(_ context.Context, req Request) string {
	if t.catalog.has("examples." + req.Phase) {
		return t.catalog.render("examples."+req.Phase, t.view(req))
	}
	return t.catalog.render("examples.default", t.view(req))
}

func (t *Template) Clarification(_ context.Context, req Request, reason Reason) string {
	v := t.view(req)
	if reason == ReasonAwaitingSelection && len(v.Suggestions) == 0 {
		reason = ReasonNoSuggestions
	}
	name := "clarifications." + string(reason)
	if !t.catalog.has(name) {
		name = "clarifications.default"
	}
	return t.catalog.render(name, v)
}

func (t *Template) PositiveAffirmation(_ context.Context, req Request) string {
	return t.catalog.render("positive_affirmation", t.view(req))
}

func (t *Template) NegativeAffirmation(_ context.Context, req Request) string {
	return t.catalog.render("negative_affirmation", t.view(req))
}

func (t *Template) SkipConfirmation(_ context.Context, req Request) string {
	if isIntakeKey(req.Phase) {
		return t.catalog.render("skip.intake", t.view(req))
	}
	return t.catalog.render("skip.phase", t.view(req))
}

// HandleNegativeFeedback re-prompts for the phase. A stored value is quoted
// back and kept; negative feedback never clears a field.
func (t *Template) HandleNegativeFeedback(ctx context.Context, req Request) string {
	v := t.view(req)
	if v.Value != "" {
		return t.catalog.render("negative_feedback", v)
	}
	return t.NegativeAffirmation(ctx, req)
}

func (t *Template) Acknowledge(_ context.Context, req Request) string {
	short := len(strings.Fields(req.Input)) <= shortAnswerWords
	switch {
	case isIntakeKey(req.Phase) && short:
		return t.catalog.render("ack.intake_short", t.view(req))
	case isIntakeKey(req.Phase):
		return t.catalog.render("ack.intake_long", t.view(req))
	case short:
		return t.catalog.render("ack.phase_short", t.view(req))
	default:
		return t.catalog.render("ack.phase_long", t.view(req))
	}
}

// SuggestUseCases drafts scenarios from the intake answers. When none of the
// intake answers are present the catalog's general fallbacks are used.
func (t *Template) SuggestUseCases(_ context.Context, req Request) []string {
	v := t.view(req)
	var out []string
	for _, src := range []struct{ key, tmpl string }{
		{scratchpad.KeyBackground, "use_cases.background"},
		{scratchpad.KeyInterests, "use_cases.interests"},
		{scratchpad.KeyProblemMotivation, "use_cases.motivation"},
	} {
		if strings.TrimSpace(v.Values[src.key]) == "" {
			continue
		}
		if s := t.catalog.render(src.tmpl, v); s != "" {
			out = append(out, s)
		}
	}
	if len(out) == 0 {
		out = append(out, t.catalog.UseCases.Fallbacks...)
	}
	if len(out) > maxUseCases {
		out = out[:maxUseCases]
	}
	return out
}

func (t *Template) UseCaseList(_ context.Context, req Request, suggestions []string) string {
	v := t.view(req)
	v.Suggestions = suggestions
	if len(suggestions) == 0 {
		return t.catalog.render("use_cases.none", v)
	}
	return strings.TrimRight(t.catalog.render("use_cases.list", v), "\n")
}

// Recommendations renders the numbered recommendation lines.
func (t *Template) Recommendations(_ context.Context, req Request) string {
	v := t.view(req)
	lines := make([]string, 0, len(t.catalog.Recommendations))
	for i := range t.catalog.Recommendations {
		if s := t.catalog.render(recommendationName(i), v); s != "" {
			lines = append(lines, s)
		}
	}
	return strings.Join(lines, "\n")
}

// Summary joins the six value proposition elements into one paragraph.
func (t *Template) Summary(_ context.Context, req Request) string {
	get := req.Value
	var parts []string
	if s := get(scratchpad.KeyUseCase); s != "" {
		parts = append(parts, "The primary use case is '"+s+"'.")
	}
	if s := get(scratchpad.KeyProblem); s != "" {
		parts = append(parts, "It addresses the problem of '"+s+"'")
	}
	if s := get(scratchpad.KeyTargetCustomer); s != "" {
		parts = append(parts, "for "+s+".")
	}
	if s := get(scratchpad.KeySolution); s != "" {
		parts = append(parts, "The proposed solution, '"+s+"',")
	}
	if s := get(scratchpad.KeyMainBenefit); s != "" {
		parts = append(parts, "offers the main benefit of '"+s+"'.")
	}
	if s := get(scratchpad.KeyDifferentiator); s != "" {
		parts = append(parts, "It stands out due to '"+s+"'.")
	}
	if len(parts) == 0 {
		return t.catalog.render("summary_empty", t.view(req))
	}
	out := strings.Join(parts, " ")
	out = strings.ReplaceAll(out, " .", ".")
	out = strings.ReplaceAll(out, " ,", ",")
	return strings.TrimSpace(out)
}
