package domain

import "time"

// EventType classifies a pipeline event
type EventType string

const (
	EventRunStarted      EventType = "run_started"
	EventPhaseChanged    EventType = "phase_changed"
	EventStageAdvanced   EventType = "stage_advanced"
	EventVerdictRecorded EventType = "verdict_recorded"
	EventIssueEscalated  EventType = "issue_escalated"
	EventIssueResolved   EventType = "issue_resolved"
	EventRunHalted       EventType = "run_halted"
	EventRunCompleted    EventType = "run_completed"
	EventBudgetAlert     EventType = "budget_alert"
)

// Event is one observable pipeline state change, streamed to the web
// surface and written to telemetry.
type Event struct {
	Type      EventType `json:"type"`
	SpecID    string    `json:"spec_id"`
	RunID     string    `json:"run_id,omitempty"`
	Stage     StageID   `json:"stage,omitempty"`
	Phase     Phase     `json:"phase,omitempty"`
	Detail    string    `json:"detail,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}
