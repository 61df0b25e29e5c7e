// Package orchestrator implements per-turn conversation processing: intent
// classification, research, plan synthesis, section editing, and
// conversational replies, streamed as an ordered event sequence.
package orchestrator

import (
	"context"

	"github.com/planforge/orchestrator/internal/plan"
)

// Intent is the classified purpose of a user message.
type Intent string

const (
	IntentStartResearch       Intent = "START_RESEARCH"
	IntentContinueResearch    Intent = "CONTINUE_RESEARCH"
	IntentEditSection         Intent = "EDIT_SECTION"
	IntentAskQuestion         Intent = "ASK_QUESTION"
	IntentClarificationNeeded Intent = "CLARIFICATION_NEEDED"
	IntentOffTopic            Intent = "OFF_TOPIC"
	IntentGeneratePlan        Intent = "GENERATE_PLAN"
	IntentExportPlan          Intent = "EXPORT_PLAN"
	IntentGeneralChat         Intent = "GENERAL_CHAT"
)

// Classification is the classifier's output for one user turn. Produced once
// per turn and never mutated afterwards.
type Classification struct {
	Intent           Intent  `json:"intent"`
	CompanyName      string  `json:"company_name,omitempty"`
	SectionToEdit    string  `json:"section_to_edit,omitempty"`
	EditInstructions string  `json:"edit_instructions,omitempty"`
	FocusArea        string  `json:"focus_area,omitempty"`
	Confidence       float64 `json:"confidence"`
}

// EventType tags turn events.
type EventType string

const (
	EventIntent         EventType = "intent"
	EventStatus         EventType = "status"
	EventResearchUpdate EventType = "research_update"
	EventConflicts      EventType = "conflicts"
	EventMessage        EventType = "message"
	EventPlanComplete   EventType = "plan_complete"
	EventSectionUpdated EventType = "section_updated"
	EventError          EventType = "error"
	EventDone           EventType = "done"
)

// Event is one element of a turn's output sequence. The sequence is finite,
// ordered, and terminated by a single done event.
type Event struct {
	Type EventType `json:"type"`

	// EventIntent
	Intent     Intent  `json:"intent,omitempty"`
	Confidence float64 `json:"confidence,omitempty"`

	// EventStatus, EventMessage, EventError
	Message  string `json:"message,omitempty"`
	Progress int    `json:"progress,omitempty"`

	// EventResearchUpdate, EventSectionUpdated
	Section string      `json:"section,omitempty"`
	Preview string      `json:"preview,omitempty"`
	Content interface{} `json:"content,omitempty"`

	// EventConflicts
	Conflicts      []plan.Conflict `json:"conflicts,omitempty"`
	Recommendation string          `json:"recommendation,omitempty"`

	// EventPlanComplete
	Plan *plan.Plan `json:"plan,omitempty"`
}

// Archiver persists completed plans outside the session store. Optional; a
// nil Archiver disables archiving.
type Archiver interface {
	SavePlan(ctx context.Context, sessionID string, p *plan.Plan) error
}
