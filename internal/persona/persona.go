// Package persona supplies the coach's user-facing text.
//
// Phases never build sentences themselves; they ask a Persona. Two
// implementations exist: Template renders a YAML catalog deterministically,
// and LLM asks a chat model and falls back to a Template on any failure.
// Neither returns errors, so a persona can never fail a turn.
package persona

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/BTreeMap/CoachPipe/internal/models"
	"github.com/BTreeMap/CoachPipe/internal/scratchpad"
)

// Reason selects a clarification prompt.
type Reason string

const (
	ReasonValidationFailed  Reason = "validation_failed"
	ReasonUnclearInput      Reason = "unclear_input"
	ReasonAwaitingSelection Reason = "awaiting_suggestion_selection"
	ReasonInvalidSelection  Reason = "invalid_selection"
	ReasonNoSuggestions     Reason = "no_suggestions"
	ReasonInvalidField      Reason = "invalid_field"
	ReasonUnknownCommand    Reason = "unknown_command"
)

// Request describes what the phase is asking about.
type Request struct {
	// Phase is the phase name, or the intake question key (vp_*) while in intake.
	Phase string
	Input string
	// Header is the short title of the current intake question.
	Header string
	// Target is the field being revised during iteration.
	Target string
	// Options lists the valid choices when a clarification names them.
	Options []string
	Session *models.Session
}

// Value returns the scratchpad value for key, or "" without a session.
func (r Request) Value(key string) string {
	if r.Session == nil || r.Session.Scratchpad == nil {
		return ""
	}
	return r.Session.Scratchpad.Get(key)
}

func (r Request) pad() *scratchpad.Scratchpad {
	if r.Session == nil {
		return nil
	}
	return r.Session.Scratchpad
}

// Persona produces every piece of coach text a phase needs.
type Persona interface {
	StepIntro(ctx context.Context, req Request) string
	// MicroValidate reports whether input is substantive enough to store.
	MicroValidate(ctx context.Context, req Request) bool
	SuggestExamples(ctx context.Context, req Request) string
	Clarification(ctx context.Context, req Request, reason Reason) string
	PositiveAffirmation(ctx context.Context, req Request) string
	NegativeAffirmation(ctx context.Context, req Request) string
	SkipConfirmation(ctx context.Context, req Request) string
	HandleNegativeFeedback(ctx context.Context, req Request) string
	Acknowledge(ctx context.Context, req Request) string
	// SuggestUseCases drafts one or two use case scenarios from intake answers.
	SuggestUseCases(ctx context.Context, req Request) []string
	// UseCaseList formats suggestions as a numbered selection prompt.
	UseCaseList(ctx context.Context, req Request, suggestions []string) string
	Recommendations(ctx context.Context, req Request) string
	Summary(ctx context.Context, req Request) string
}

// Factory builds a persona for a workflow.
type Factory func() (Persona, error)

var (
	registryMu sync.RWMutex
	registry   = map[string]Factory{}
)

// Register makes a persona factory available under name. Registering the
// same name twice replaces the earlier factory.
func Register(name string, f Factory) {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry[name] = f
}

// New builds the persona registered under name.
func New(name string) (Persona, error) {
	registryMu.RLock()
	f, ok := registry[name]
	registryMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("persona %q is not registered", name)
	}
	return f()
}

// Names lists registered persona names in order.
func Names() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()
	out := make([]string, 0, len(registry))
	for n := range registry {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

func init() {
	Register(string(models.WorkflowValueProp), func() (Persona, error) {
		return NewTemplate()
	})
}

// isIntakeKey reports whether phase names an intake sub-question.
func isIntakeKey(phase string) bool {
	return strings.HasPrefix(phase, "vp_")
}
