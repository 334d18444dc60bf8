package flow

import (
	"fmt"
	"log/slog"
	"slices"
	"sort"
	"sync"

	"github.com/BTreeMap/CoachPipe/internal/models"
	"github.com/BTreeMap/CoachPipe/internal/scratchpad"
)

// Workflow is a named, ordered set of phases and the scratchpad keys they fill.
type Workflow struct {
	Name        models.WorkflowName
	DisplayName string
	// Persona names the persona factory registered for this workflow.
	Persona string
	Keys    []string

	order  []models.PhaseName
	phases map[models.PhaseName]Phase
}

// NewWorkflow builds a workflow whose phase order is the order of phases.
func NewWorkflow(name models.WorkflowName, display string, keys []string, phases ...Phase) *Workflow {
	wf := &Workflow{
		Name:        name,
		DisplayName: display,
		Persona:     string(name),
		Keys:        keys,
		phases:      make(map[models.PhaseName]Phase, len(phases)),
	}
	for _, p := range phases {
		wf.order = append(wf.order, p.Name())
		wf.phases[p.Name()] = p
	}
	return wf
}

// First returns the entry phase.
func (w *Workflow) First() models.PhaseName {
	if len(w.order) == 0 {
		return ""
	}
	return w.order[0]
}

// Phase looks up a phase by name.
func (w *Workflow) Phase(name models.PhaseName) (Phase, bool) {
	p, ok := w.phases[name]
	return p, ok
}

// Order returns the phase names in workflow order.
func (w *Workflow) Order() []models.PhaseName {
	return slices.Clone(w.order)
}

// RevisableKeys are the scratchpad keys a user may edit during iteration.
func (w *Workflow) RevisableKeys() []string {
	out := make([]string, 0, len(w.Keys))
	for _, k := range w.Keys {
		switch k {
		case scratchpad.KeyResearchRequests, scratchpad.KeyCachedRecommendations, scratchpad.KeyFinalSummary:
			continue
		}
		out = append(out, k)
	}
	return out
}

// NewSession creates a session positioned at the first phase.
func (w *Workflow) NewSession(id string) *models.Session {
	return models.NewSession(id, w.Name, w.First(), w.Keys)
}

// ValueProp builds the value proposition workflow.
func ValueProp() *Workflow {
	intake := NewIntake(DefaultIntakeQuestions, models.PhaseProblem)
	keys := append(intake.Keys(),
		scratchpad.KeyUseCase,
		scratchpad.KeyProblem,
		scratchpad.KeyTargetCustomer,
		scratchpad.KeySolution,
		scratchpad.KeyMainBenefit,
		scratchpad.KeyDifferentiator,
		scratchpad.KeyResearchRequests,
		scratchpad.KeyCachedRecommendations,
		scratchpad.KeyFinalSummary,
	)
	return NewWorkflow(models.WorkflowValueProp, "Value Proposition", keys,
		intake,
		NewTemplate(models.PhaseProblem, scratchpad.KeyProblem, models.PhaseTargetCustomer),
		NewTemplate(models.PhaseTargetCustomer, scratchpad.KeyTargetCustomer, models.PhaseSolution),
		NewTemplate(models.PhaseSolution, scratchpad.KeySolution, models.PhaseMainBenefit),
		NewTemplate(models.PhaseMainBenefit, scratchpad.KeyMainBenefit, models.PhaseDifferentiator),
		NewTemplate(models.PhaseDifferentiator, scratchpad.KeyDifferentiator, models.PhaseUseCase),
		NewUseCase(models.PhaseRecommendation),
		NewRecommendation(models.PhaseIteration, models.PhaseSummary),
		NewIteration(models.PhaseRecommendation, models.PhaseSummary),
		Summary{},
	)
}

var (
	registryMu sync.RWMutex
	registry   = make(map[models.WorkflowName]*Workflow)
)

// Register makes a workflow available by name.
func Register(wf *Workflow) {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry[wf.Name] = wf
	slog.Debug("Workflow registered", "workflow", wf.Name, "phases", len(wf.order))
}

// Get retrieves a registered workflow.
func Get(name models.WorkflowName) (*Workflow, bool) {
	registryMu.RLock()
	defer registryMu.RUnlock()
	wf, ok := registry[name]
	return wf, ok
}

// Lookup retrieves a registered workflow or returns an error naming it.
func Lookup(name models.WorkflowName) (*Workflow, error) {
	if wf, ok := Get(name); ok {
		return wf, nil
	}
	return nil, fmt.Errorf("no workflow registered for %s", name)
}

// List returns every registered workflow sorted by name.
func List() []*Workflow {
	registryMu.RLock()
	defer registryMu.RUnlock()
	out := make([]*Workflow, 0, len(registry))
	for _, wf := range registry {
		out = append(out, wf)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Register default workflows
func init() {
	Register(ValueProp())
}
