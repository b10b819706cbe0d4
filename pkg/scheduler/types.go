// Package scheduler drives active goals forward: a serialized tick loop
// selects ready work items, dispatches them to the execution service
// within lane concurrency caps, verifies results against quality gates,
// applies retry and escalation policy, and emits scheduler events.
package scheduler

import (
	"context"
	"errors"

	"github.com/helmsman-ai/helmsman/pkg/models"
)

// Sentinel errors for scheduler operations.
var (
	// ErrGoalNotActive is returned when cancelling or inspecting a goal
	// the scheduler is not driving.
	ErrGoalNotActive = errors.New("goal is not active")

	// ErrAlreadyCancelled is returned when cancelling a goal twice.
	ErrAlreadyCancelled = errors.New("goal already cancelled")
)

// Outcome is the terminal result of one execution attempt.
type Outcome string

const (
	OutcomeSuccess Outcome = "success"
	OutcomeFailed  Outcome = "failed"
)

// ExecutionResult is what the execution service reports for one work item
// attempt. On OutcomeFailed the scheduler decides between retry and
// escalation based on the item's retry budget.
type ExecutionResult struct {
	Outcome Outcome
	Metrics models.RunMetrics
	Err     error
}

// ExecutionService runs one work item attempt. Implementations own the
// model transport entirely; the scheduler only sees the result. The
// context is cancelled when the goal is cancelled or the daemon shuts
// down, and implementations are expected to unwind within the configured
// grace period.
type ExecutionService interface {
	Execute(ctx context.Context, item *models.WorkItem) *ExecutionResult
}

// ExecutionFunc adapts a function to the ExecutionService interface.
type ExecutionFunc func(ctx context.Context, item *models.WorkItem) *ExecutionResult

// Execute implements ExecutionService.
func (f ExecutionFunc) Execute(ctx context.Context, item *models.WorkItem) *ExecutionResult {
	return f(ctx, item)
}

// Stats are the scheduler's monotonic counters, surfaced on the health
// endpoint and in scheduler_stats event data.
type Stats struct {
	Ticks          uint64 `json:"ticks"`
	Dispatches     uint64 `json:"dispatches"`
	Completions    uint64 `json:"completions"`
	Failures       uint64 `json:"failures"`
	Retries        uint64 `json:"retries"`
	Escalations    uint64 `json:"escalations"`
	RecoveredItems uint64 `json:"recovered_items"`
	Errors         uint64 `json:"errors"`
	ActiveGoals    int    `json:"active_goals"`
}
