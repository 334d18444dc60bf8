// Package models defines session state structures for CoachPipe workflows.
package models

import (
	"maps"
	"slices"
	"time"

	"github.com/BTreeMap/CoachPipe/internal/scratchpad"
)

// ConversationMessage is one entry in a session's conversation history.
type ConversationMessage struct {
	Role      Role      `json:"role"`
	Text      string    `json:"text"`
	Timestamp time.Time `json:"timestamp"`
}

// IntakeState tracks the intake phase's sub-question pointer.
type IntakeState struct {
	Index int `json:"index"`
}

// UseCaseState tracks the use case suggestion-selection subflow.
type UseCaseState struct {
	WaitingForSelection bool     `json:"waiting_for_selection"`
	Suggestions         []string `json:"suggestions,omitempty"`
}

// IterationState tracks the iteration phase's revise loop.
type IterationState struct {
	Step   IterationStep `json:"step,omitempty"`
	Target string        `json:"target,omitempty"` // scratchpad key selected for revision
}

// Session is the complete state of one coaching conversation. It is the
// snapshot handed to persistence after every turn.
type Session struct {
	ID        string       `json:"id"`
	Workflow  WorkflowName `json:"workflow"`
	Phase     PhaseName    `json:"phase"`
	Stage     Stage        `json:"stage"`
	TurnCount int          `json:"turn_count"`

	// Completed records which phases have called MarkComplete since they were last entered.
	Completed map[PhaseName]bool `json:"completed,omitempty"`

	Intake    IntakeState    `json:"intake"`
	UseCase   UseCaseState   `json:"use_case"`
	Iteration IterationState `json:"iteration"`

	Scratchpad *scratchpad.Scratchpad `json:"scratchpad"`
	History    []ConversationMessage  `json:"conversation_history"`

	TokensUsed    int `json:"tokens_used"`
	ResearchCalls int `json:"research_calls"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// NewSession creates a fresh session positioned at the first phase with an
// empty scratchpad declaring keys.
func NewSession(id string, workflow WorkflowName, first PhaseName, keys []string) *Session {
	now := time.Now().UTC()
	return &Session{
		ID:         id,
		Workflow:   workflow,
		Phase:      first,
		Stage:      StageActive,
		Completed:  make(map[PhaseName]bool),
		Scratchpad: scratchpad.New(keys...),
		History:    []ConversationMessage{},
		CreatedAt:  now,
		UpdatedAt:  now,
	}
}

// AppendMessage records a message in the conversation history.
func (s *Session) AppendMessage(role Role, text string, at time.Time) {
	s.History = append(s.History, ConversationMessage{Role: role, Text: text, Timestamp: at.UTC()})
}

// IsComplete reports whether phase has been marked complete.
func (s *Session) IsComplete(phase PhaseName) bool {
	return s.Completed[phase]
}

// SetComplete sets the completion flag of phase.
func (s *Session) SetComplete(phase PhaseName, complete bool) {
	if s.Completed == nil {
		s.Completed = make(map[PhaseName]bool)
	}
	if complete {
		s.Completed[phase] = true
		return
	}
	delete(s.Completed, phase)
}

// ResetSubflows clears every phase's auxiliary state.
func (s *Session) ResetSubflows() {
	s.Intake = IntakeState{}
	s.UseCase = UseCaseState{}
	s.Iteration = IterationState{}
}

// Restart rewinds the session to first with an empty scratchpad and history.
// The session ID and usage counters are kept.
func (s *Session) Restart(first PhaseName) {
	s.Phase = first
	s.Stage = StageActive
	s.TurnCount = 0
	s.Completed = make(map[PhaseName]bool)
	s.ResetSubflows()
	if s.Scratchpad != nil {
		s.Scratchpad.Reset()
	}
	s.History = []ConversationMessage{}
	s.UpdatedAt = time.Now().UTC()
}

// Clone returns a deep copy, used to roll back a failed turn.
func (s *Session) Clone() *Session {
	if s == nil {
		return nil
	}
	c := *s
	c.Completed = maps.Clone(s.Completed)
	c.UseCase.Suggestions = slices.Clone(s.UseCase.Suggestions)
	c.Scratchpad = s.Scratchpad.Clone()
	c.History = slices.Clone(s.History)
	return &c
}

// Restore overwrites s with a deep copy of snapshot.
func (s *Session) Restore(snapshot *Session) {
	if snapshot == nil {
		return
	}
	*s = *snapshot.Clone()
}

// Event is a structured analytics event emitted by the coaching engine.
type Event struct {
	Time      time.Time      `json:"utc_ts"`
	SessionID string         `json:"session_id,omitempty"`
	Workflow  WorkflowName   `json:"workflow"`
	Phase     PhaseName      `json:"phase"`
	Name      string         `json:"event"`
	Fields    map[string]any `json:"fields,omitempty"`
}

// SearchResult is a single research citation.
type SearchResult struct {
	Title      string `json:"title"`
	URL        string `json:"url"`
	Snippet    string `json:"snippet"`
	CitationID int    `json:"citation_id"`
}
