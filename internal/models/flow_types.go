// Package models defines flow type definitions to avoid circular imports.
package models

// WorkflowName identifies a coaching workflow (an ordered set of phases).
type WorkflowName string

// PhaseName identifies a phase within a workflow.
type PhaseName string

// Stage is the coarse lifecycle state of a session.
type Stage string

// IterationStep is the internal sub-state of the iteration phase.
type IterationStep string

// Role identifies the author of a conversation message.
type Role string

// Workflow constants.
const (
	WorkflowValueProp WorkflowName = "value_prop"
)

// Phase constants for the value proposition workflow.
const (
	PhaseIntake         PhaseName = "intake"
	PhaseProblem        PhaseName = "problem"
	PhaseTargetCustomer PhaseName = "target_customer"
	PhaseSolution       PhaseName = "solution"
	PhaseMainBenefit    PhaseName = "main_benefit"
	PhaseDifferentiator PhaseName = "differentiator"
	PhaseUseCase        PhaseName = "use_case"
	PhaseRecommendation PhaseName = "recommendation"
	PhaseIteration      PhaseName = "iteration"
	PhaseSummary        PhaseName = "summary"
)

// Stage constants.
const (
	StageActive        Stage = "active"
	StageComplete      Stage = "complete"
	StageLimitExceeded Stage = "limit_exceeded"
)

// Iteration sub-states.
const (
	IterationChooseRevision IterationStep = "choose_revision"
	IterationRevisionDetail IterationStep = "get_revision_detail"
	IterationAwaitCommand   IterationStep = "await_command_after_revision"
)

// Message roles.
const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)
