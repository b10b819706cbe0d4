// Package events defines scheduler events and the in-process bus that
// fans them out to subscribers (the IPC bridge, the HTTP event mirror,
// and tests).
package events

import "time"

// Type names every scheduler event. Events for the same work item are
// emitted in transition order; across work items only a happens-before
// ordering tied to persistence commit holds.
type Type string

const (
	TypeGoalStarted   Type = "goal_started"
	TypeGoalCompleted Type = "goal_completed"
	TypeGoalFailed    Type = "goal_failed"
	TypeGoalCancelled Type = "goal_cancelled"

	TypeWorkItemStarted   Type = "work_item_started"
	TypeWorkItemCompleted Type = "work_item_completed"
	TypeWorkItemFailed    Type = "work_item_failed"

	TypeRunStarted   Type = "run_started"
	TypeRunCompleted Type = "run_completed"

	TypeVerificationStarted   Type = "verification_started"
	TypeVerificationCompleted Type = "verification_completed"

	TypeEscalationCreated Type = "escalation_created"
	TypeBudgetWarning     Type = "budget_warning"
	TypeBudgetExceeded    Type = "budget_exceeded"
)

// Event is one scheduler event. Data is opaque to the core; it is stored
// and forwarded verbatim and only the fields the core itself wrote are
// ever read back.
type Event struct {
	Type       Type           `json:"type"`
	Timestamp  time.Time      `json:"timestamp"`
	GoalID     string         `json:"goal_id"`
	WorkItemID string         `json:"work_item_id,omitempty"`
	RunID      string         `json:"run_id,omitempty"`
	Data       map[string]any `json:"data,omitempty"`
}
