// Package models defines the core entities shared by the store, the
// scheduler, and the control plane: goals, work items, runs, cron jobs,
// and audit entries.
package models

import "time"

// GoalStatus is the lifecycle status of a goal.
type GoalStatus string

const (
	GoalStatusQueued    GoalStatus = "queued"
	GoalStatusActive    GoalStatus = "active"
	GoalStatusCompleted GoalStatus = "completed"
	GoalStatusFailed    GoalStatus = "failed"
	GoalStatusCancelled GoalStatus = "cancelled"
)

// IsValid checks if the goal status is a known value.
func (s GoalStatus) IsValid() bool {
	switch s {
	case GoalStatusQueued, GoalStatusActive, GoalStatusCompleted,
		GoalStatusFailed, GoalStatusCancelled:
		return true
	default:
		return false
	}
}

// IsTerminal reports whether the status never reverts.
func (s GoalStatus) IsTerminal() bool {
	switch s {
	case GoalStatusCompleted, GoalStatusFailed, GoalStatusCancelled:
		return true
	default:
		return false
	}
}

// CriterionKind distinguishes mechanically-checkable success criteria from
// ones that need a reviewer.
type CriterionKind string

const (
	CriterionDeterministic CriterionKind = "deterministic"
	CriterionReview        CriterionKind = "review"
)

// SuccessCriterion is one entry of a goal's ordered success criteria list.
type SuccessCriterion struct {
	Kind        CriterionKind `json:"kind"`
	Description string        `json:"description"`
	Required    bool          `json:"required,omitempty"`
}

// Budget caps what a goal may consume before the scheduler fails it.
// A zero value means unlimited for that dimension.
type Budget struct {
	Tokens  int64   `json:"tokens,omitempty"`
	Minutes float64 `json:"minutes,omitempty"`
	Cost    float64 `json:"cost,omitempty"`
}

// Spend tracks what a goal has consumed so far. Counters are additive and
// never decrease.
type Spend struct {
	Tokens  int64   `json:"tokens"`
	Minutes float64 `json:"minutes"`
	Cost    float64 `json:"cost"`
}

// Exceeds reports whether any non-zero budget dimension has been crossed.
func (sp Spend) Exceeds(b Budget) bool {
	if b.Tokens > 0 && sp.Tokens > b.Tokens {
		return true
	}
	if b.Minutes > 0 && sp.Minutes > b.Minutes {
		return true
	}
	if b.Cost > 0 && sp.Cost > b.Cost {
		return true
	}
	return false
}

// Goal is a user-submitted objective, decomposed into work items.
type Goal struct {
	ID              string             `json:"id"`
	Title           string             `json:"title"`
	Description     string             `json:"description,omitempty"`
	SuccessCriteria []SuccessCriterion `json:"success_criteria,omitempty"`
	Priority        int                `json:"priority"`
	Budget          Budget             `json:"budget"`
	Spent           Spend              `json:"spent"`
	Status          GoalStatus         `json:"status"`
	FailureReason   string             `json:"failure_reason,omitempty"`
	CreatedAt       time.Time          `json:"created_at"`
	UpdatedAt       time.Time          `json:"updated_at"`
}

// CreateGoalRequest contains the fields accepted when submitting a goal.
type CreateGoalRequest struct {
	Title           string              `json:"title"`
	Description     string              `json:"description,omitempty"`
	SuccessCriteria []SuccessCriterion  `json:"success_criteria,omitempty"`
	Priority        int                 `json:"priority,omitempty"`
	Budget          Budget              `json:"budget,omitempty"`
	WorkItems       []WorkItemSpec      `json:"work_items,omitempty"`
}

// GoalFilters contains filtering options for listing goals.
type GoalFilters struct {
	Status string `json:"status,omitempty"`
	Limit  int    `json:"limit,omitempty"`
	Offset int    `json:"offset,omitempty"`
}

// GoalListResponse is a paginated goal list.
type GoalListResponse struct {
	Goals      []*Goal `json:"goals"`
	TotalCount int     `json:"total_count"`
	Limit      int     `json:"limit"`
	Offset     int     `json:"offset"`
}
