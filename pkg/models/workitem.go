package models

import "time"

// WorkItemStatus is the lifecycle status of a work item. Transitions are
// enforced by the workitem package; the store persists whatever the manager
// decided.
type WorkItemStatus string

const (
	WorkItemStatusQueued     WorkItemStatus = "queued"
	WorkItemStatusReady      WorkItemStatus = "ready"
	WorkItemStatusInProgress WorkItemStatus = "in_progress"
	WorkItemStatusVerify     WorkItemStatus = "verify"
	WorkItemStatusDone       WorkItemStatus = "done"
	WorkItemStatusFailed     WorkItemStatus = "failed"
	WorkItemStatusBlocked    WorkItemStatus = "blocked"
)

// IsValid checks if the work item status is a known value.
func (s WorkItemStatus) IsValid() bool {
	switch s {
	case WorkItemStatusQueued, WorkItemStatusReady, WorkItemStatusInProgress,
		WorkItemStatusVerify, WorkItemStatusDone, WorkItemStatusFailed,
		WorkItemStatusBlocked:
		return true
	default:
		return false
	}
}

// VerificationStatus tracks quality-gate progress for a work item.
type VerificationStatus string

const (
	VerificationNotStarted VerificationStatus = "not_started"
	VerificationInProgress VerificationStatus = "in_progress"
	VerificationPassed     VerificationStatus = "passed"
	VerificationFailed     VerificationStatus = "failed"
)

// QualityGate is one entry of a work item's verification plan. Deterministic
// gates carry a command; review gates carry a prompt for an LLM reviewer.
type QualityGate struct {
	Kind    CriterionKind `json:"kind"`
	Command string        `json:"command,omitempty"`
	Prompt  string        `json:"prompt,omitempty"`
}

// WorkItem is one executable unit within a goal.
type WorkItem struct {
	ID                 string             `json:"id"`
	GoalID             string             `json:"goal_id"`
	Title              string             `json:"title"`
	Description        string             `json:"description,omitempty"`
	Type               string             `json:"type,omitempty"` // analysis | code | test | ...
	Priority           int                `json:"priority"`
	DependsOn          []string           `json:"depends_on,omitempty"`
	Verification       []QualityGate      `json:"verification,omitempty"`
	RetryCount         int                `json:"retry_count"`
	MaxRetries         int                `json:"max_retries"`
	Status             WorkItemStatus     `json:"status"`
	VerificationStatus VerificationStatus `json:"verification_status"`
	Context            map[string]any     `json:"context,omitempty"`
	ModelHint          string             `json:"model_hint,omitempty"`
	ToolAllowList      []string           `json:"tool_allow_list,omitempty"`
	CreatedAt          time.Time          `json:"created_at"`
	UpdatedAt          time.Time          `json:"updated_at"`
}

// Context keys the core reads. Everything else in the context map is opaque
// and forwarded verbatim.
const (
	ContextKeySource     = "source"
	ContextKeyParentItem = "parent_work_item_id"
	ContextKeySessionID  = "session_id"
	ContextKeyAgentID    = "agent_id"
	ContextKeyRunKey     = "run_key"

	// ContextSourceCron marks work items created by the agent scheduler.
	ContextSourceCron = "scheduler.cron"
)

// WorkItemSpec describes a work item at goal-submission time, before ids
// are assigned. Dependencies reference sibling specs by Ref.
type WorkItemSpec struct {
	Ref           string         `json:"ref,omitempty"`
	Title         string         `json:"title"`
	Description   string         `json:"description,omitempty"`
	Type          string         `json:"type,omitempty"`
	Priority      int            `json:"priority,omitempty"`
	DependsOn     []string       `json:"depends_on,omitempty"`
	Verification  []QualityGate  `json:"verification,omitempty"`
	MaxRetries    int            `json:"max_retries,omitempty"`
	Context       map[string]any `json:"context,omitempty"`
	ModelHint     string         `json:"model_hint,omitempty"`
	ToolAllowList []string       `json:"tool_allow_list,omitempty"`
}
