package models

import "time"

// RunStatus is the lifecycle status of a single execution attempt.
type RunStatus string

const (
	RunStatusRunning RunStatus = "running"
	RunStatusSuccess RunStatus = "success"
	RunStatusFailed  RunStatus = "failed"
	RunStatusAborted RunStatus = "aborted"
)

// IsValid checks if the run status is a known value.
func (s RunStatus) IsValid() bool {
	switch s {
	case RunStatusRunning, RunStatusSuccess, RunStatusFailed, RunStatusAborted:
		return true
	default:
		return false
	}
}

// IsTerminal reports whether the run is finished.
func (s RunStatus) IsTerminal() bool {
	return s != RunStatusRunning
}

// Run is one execution attempt of a work item. Seq is monotonic and
// gap-free per work item, starting at 1.
type Run struct {
	ID          string    `json:"id"`
	WorkItemID  string    `json:"work_item_id"`
	GoalID      string    `json:"goal_id"`
	AgentType   string    `json:"agent_type,omitempty"`
	Seq         int       `json:"seq"`
	Status      RunStatus `json:"status"`
	TokensUsed  int64     `json:"tokens_used"`
	WallSeconds float64   `json:"wall_seconds"`
	Cost        float64   `json:"cost"`
	Artifacts   []string  `json:"artifacts,omitempty"`
	Log         string    `json:"log,omitempty"`
	Error       string    `json:"error,omitempty"`
	StartedAt   time.Time `json:"started_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// RunMetrics carries the measured cost of a completed run.
type RunMetrics struct {
	TokensUsed  int64    `json:"tokens_used"`
	WallSeconds float64  `json:"wall_seconds"`
	Cost        float64  `json:"cost"`
	Artifacts   []string `json:"artifacts,omitempty"`
	Log         string   `json:"log,omitempty"`
}
