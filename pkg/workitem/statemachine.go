// Package workitem is the single authority on the work item state machine
// and dependency semantics: legal transitions, DAG validation at goal
// admission, and ready-queue selection.
package workitem

import (
	"fmt"
	"time"

	"github.com/helmsman-ai/helmsman/pkg/models"
)

// allowedTransitions encodes the work item state machine. done is
// terminal; failed and blocked can re-enter the queue through the retry
// path.
var allowedTransitions = map[models.WorkItemStatus][]models.WorkItemStatus{
	models.WorkItemStatusQueued:     {models.WorkItemStatusReady, models.WorkItemStatusBlocked, models.WorkItemStatusFailed},
	models.WorkItemStatusReady:      {models.WorkItemStatusInProgress, models.WorkItemStatusBlocked, models.WorkItemStatusFailed},
	models.WorkItemStatusInProgress: {models.WorkItemStatusVerify, models.WorkItemStatusDone, models.WorkItemStatusFailed, models.WorkItemStatusBlocked},
	models.WorkItemStatusVerify:     {models.WorkItemStatusDone, models.WorkItemStatusFailed, models.WorkItemStatusInProgress},
	models.WorkItemStatusFailed:     {models.WorkItemStatusQueued, models.WorkItemStatusReady},
	models.WorkItemStatusBlocked:    {models.WorkItemStatusQueued, models.WorkItemStatusReady, models.WorkItemStatusFailed},
	models.WorkItemStatusDone:       {},
}

// Allowed reports whether the from → to transition is legal.
func Allowed(from, to models.WorkItemStatus) bool {
	for _, next := range allowedTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// TransitionError reports an illegal or stale work item transition. It is
// a logic error: fatal to the current operation, never retried.
type TransitionError struct {
	WorkItemID string
	From       models.WorkItemStatus
	To         models.WorkItemStatus
	Reason     string
}

func (e *TransitionError) Error() string {
	msg := fmt.Sprintf("invalid transition for work item %s: %s -> %s", e.WorkItemID, e.From, e.To)
	if e.Reason != "" {
		msg += " (" + e.Reason + ")"
	}
	return msg
}

// Transition is one recorded state change of a work item.
type Transition struct {
	From      models.WorkItemStatus `json:"from"`
	To        models.WorkItemStatus `json:"to"`
	Timestamp time.Time             `json:"timestamp"`
	Reason    string                `json:"reason,omitempty"`
}
