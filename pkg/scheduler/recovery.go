package scheduler

import (
	"context"
	"errors"
	"log/slog"

	"github.com/helmsman-ai/helmsman/pkg/models"
	"github.com/helmsman-ai/helmsman/pkg/store"
)

// recover reconciles persisted state after a restart. Active goals are
// re-adopted, queued goals are re-admitted, and work items stranded by
// the previous process are put back into a schedulable state:
//
//   - in_progress or verify with no open run: reset to ready. The
//     previous attempt never recorded a result, so the item runs again.
//   - in_progress with an open run: the run is closed as aborted; the
//     item is reset to ready so the next tick re-dispatches it.
func (s *Scheduler) recover(ctx context.Context) error {
	goals, err := s.store.ListGoalsByStatuses(ctx, models.GoalStatusActive, models.GoalStatusQueued)
	if err != nil {
		return err
	}
	if len(goals) == 0 {
		return nil
	}

	slog.Info("Recovering persisted goals", "count", len(goals))

	for _, goal := range goals {
		if goal.Status == models.GoalStatusQueued {
			// Never admitted: run the normal admission path, which
			// validates the graph and emits goal_started.
			if err := s.SubmitGoal(ctx, goal.ID); err != nil {
				slog.Warn("Queued goal failed admission during recovery",
					"goal_id", goal.ID, "error", err)
			}
			continue
		}

		s.registerGoal(goal.ID)
		if err := s.recoverGoalItems(ctx, goal.ID); err != nil {
			return err
		}
	}
	return nil
}

func (s *Scheduler) recoverGoalItems(ctx context.Context, goalID string) error {
	items, err := s.store.ListWorkItemsByGoal(ctx, goalID)
	if err != nil {
		return err
	}
	for _, item := range items {
		if item.Status != models.WorkItemStatusInProgress && item.Status != models.WorkItemStatusVerify {
			continue
		}

		if _, err := s.store.GetOpenRun(ctx, item.ID); err == nil {
			if _, aerr := s.store.AbortOpenRuns(ctx, item.ID, "daemon restart"); aerr != nil {
				return aerr
			}
		} else if !errors.Is(err, store.ErrNotFound) {
			return err
		}

		// Recovery bypasses the state machine: the executor that owned
		// this item is gone, so the row goes straight back to ready.
		if err := s.store.UpdateWorkItemStatus(ctx, item.ID, models.WorkItemStatusReady); err != nil {
			return err
		}
		if item.Verification != nil && item.VerificationStatus == models.VerificationInProgress {
			if err := s.store.UpdateWorkItemVerification(ctx, item.ID, models.VerificationNotStarted); err != nil {
				return err
			}
		}
		s.recovered.Add(1)
		slog.Info("Recovered stranded work item",
			"work_item_id", item.ID, "goal_id", goalID, "previous_status", item.Status)
	}
	return nil
}
