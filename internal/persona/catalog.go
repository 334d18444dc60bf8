package persona

import (
	"bytes"
	_ "embed"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"text/template"

	"gopkg.in/yaml.v3"

	"github.com/BTreeMap/CoachPipe/internal/util"
)

//go:embed catalog.yaml
var defaultCatalog []byte

// IntroText holds the intro for a phase before and after its field is filled.
type IntroText struct {
	Empty  string `yaml:"empty"`
	Filled string `yaml:"filled"`
}

// Acknowledgements are the replies to accepted input.
type Acknowledgements struct {
	IntakeShort string `yaml:"intake_short"`
	IntakeLong  string `yaml:"intake_long"`
	PhaseShort  string `yaml:"phase_short"`
	PhaseLong   string `yaml:"phase_long"`
}

// SkipText holds skip confirmations for intake questions and whole phases.
type SkipText struct {
	Intake string `yaml:"intake"`
	Phase  string `yaml:"phase"`
}

// UseCaseText drives use case suggestion drafting.
type UseCaseText struct {
	Background        string   `yaml:"background"`
	Interests         string   `yaml:"interests"`
	ProblemMotivation string   `yaml:"problem_motivation"`
	Fallbacks         []string `yaml:"fallbacks"`
	List              string   `yaml:"list"`
	None              string   `yaml:"none"`
}

// Catalog is the full set of persona text templates. Entries are
// text/template sources rendered against a view.
type Catalog struct {
	Intros              map[string]IntroText `yaml:"intros"`
	Examples            map[string]string    `yaml:"examples"`
	Clarifications      map[string]string    `yaml:"clarifications"`
	Acknowledgements    Acknowledgements     `yaml:"acknowledgements"`
	PositiveAffirmation string               `yaml:"positive_affirmation"`
	NegativeAffirmation string               `yaml:"negative_affirmation"`
	NegativeFeedback    string               `yaml:"negative_feedback"`
	Skip                SkipText             `yaml:"skip"`
	UseCases            UseCaseText          `yaml:"use_cases"`
	Recommendations     []string             `yaml:"recommendations"`
	SummaryEmpty        string               `yaml:"summary_empty"`

	tmpl *template.Template
}

var funcs = template.FuncMap{
	"inc":   func(i int) int { return i + 1 },
	"join":  strings.Join,
	"title": util.TitleCase,
}

// DefaultCatalog returns the built-in catalog.
func DefaultCatalog() (*Catalog, error) {
	return LoadCatalog("")
}

// LoadCatalog parses the built-in catalog and, when path is set, decodes the
// file at path over it. Every entry is compiled up front so a broken override
// fails at startup rather than mid-conversation.
func LoadCatalog(path string) (*Catalog, error) {
	var c Catalog
	if err := yaml.Unmarshal(defaultCatalog, &c); err != nil {
		return nil, fmt.Errorf("parse default catalog: %w", err)
	}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read persona catalog %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &c); err != nil {
			return nil, fmt.Errorf("parse persona catalog %s: %w", path, err)
		}
		slog.Debug("LoadCatalog: applied override", "path", path)
	}
	if err := c.compile(); err != nil {
		return nil, err
	}
	return &c, nil
}

func (c *Catalog) entries() map[string]string {
	e := map[string]string{
		"ack.intake_short":     c.Acknowledgements.IntakeShort,
		"ack.intake_long":      c.Acknowledgements.IntakeLong,
		"ack.phase_short":      c.Acknowledgements.PhaseShort,
		"ack.phase_long":       c.Acknowledgements.PhaseLong,
		"positive_affirmation": c.PositiveAffirmation,
		"negative_affirmation": c.NegativeAffirmation,
		"negative_feedback":    c.NegativeFeedback,
		"skip.intake":          c.Skip.Intake,
		"skip.phase":           c.Skip.Phase,
		"use_cases.background": c.UseCases.Background,
		"use_cases.interests":  c.UseCases.Interests,
		"use_cases.motivation": c.UseCases.ProblemMotivation,
		"use_cases.list":       c.UseCases.List,
		"use_cases.none":       c.UseCases.None,
		"summary_empty":        c.SummaryEmpty,
	}
	for phase, intro := range c.Intros {
		e["intro."+phase+".empty"] = intro.Empty
		e["intro."+phase+".filled"] = intro.Filled
	}
	for phase, text := range c.Examples {
		e["examples."+phase] = text
	}
	for reason, text := range c.Clarifications {
		e["clarifications."+reason] = text
	}
	for i, text := range c.Recommendations {
		e[recommendationName(i)] = text
	}
	return e
}

func (c *Catalog) compile() error {
	root := template.New("persona").Funcs(funcs).Option("missingkey=zero")
	for name, text := range c.entries() {
		if text == "" {
			continue
		}
		if _, err := root.New(name).Parse(text); err != nil {
			return fmt.Errorf("compile persona template %s: %w", name, err)
		}
	}
	c.tmpl = root
	return nil
}

func recommendationName(i int) string {
	return fmt.Sprintf("recommendations.%d", i)
}

// has reports whether a non-empty template named name exists.
func (c *Catalog) has(name string) bool {
	return c.tmpl.Lookup(name) != nil
}

// render executes the named template. A missing or failing template yields
// "" and is logged; persona text must never fail a turn.
func (c *Catalog) render(name string, v view) string {
	t := c.tmpl.Lookup(name)
	if t == nil {
		return ""
	}
	var buf bytes.Buffer
	if err := t.Execute(&buf, v); err != nil {
		slog.Warn("Catalog.render: template failed", "template", name, "error", err)
		return ""
	}
	return buf.String()
}
