package workitem

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/helmsman-ai/helmsman/pkg/models"
	"github.com/helmsman-ai/helmsman/pkg/store"
)

// maxHistoryPerItem bounds the in-memory transition history of one work
// item. Oldest entries fall off first.
const maxHistoryPerItem = 50

// Manager drives work item status transitions against the store and keeps
// a bounded in-memory transition history per item. The store row is the
// canonical order; the history is observability only.
type Manager struct {
	store *store.Store

	mu        sync.Mutex
	histories map[string][]Transition
}

// NewManager creates a work item manager over the store.
func NewManager(st *store.Store) *Manager {
	return &Manager{
		store:     st,
		histories: make(map[string][]Transition),
	}
}

// Transition moves a work item from → to, enforcing the state machine.
// The store update is conditional on the item still being in `from`, so a
// concurrent transition surfaces as a TransitionError rather than a lost
// update.
func (m *Manager) Transition(ctx context.Context, id string, from, to models.WorkItemStatus, reason string) error {
	if !Allowed(from, to) {
		return &TransitionError{WorkItemID: id, From: from, To: to}
	}
	ok, err := m.store.CompareAndSwapWorkItemStatus(ctx, id, from, to)
	if err != nil {
		return err
	}
	if !ok {
		return &TransitionError{WorkItemID: id, From: from, To: to, Reason: "status changed concurrently"}
	}
	m.record(id, from, to, reason)
	return nil
}

// Retry admits a failed work item back into the queue, bumping its retry
// counter.
func (m *Manager) Retry(ctx context.Context, id string, to models.WorkItemStatus, reason string) error {
	if !Allowed(models.WorkItemStatusFailed, to) {
		return &TransitionError{WorkItemID: id, From: models.WorkItemStatusFailed, To: to}
	}
	if err := m.store.IncrementWorkItemRetry(ctx, id, to); err != nil {
		return err
	}
	m.record(id, models.WorkItemStatusFailed, to, reason)
	return nil
}

// record appends a bounded history entry.
func (m *Manager) record(id string, from, to models.WorkItemStatus, reason string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	h := append(m.histories[id], Transition{
		From:      from,
		To:        to,
		Timestamp: time.Now().UTC(),
		Reason:    reason,
	})
	if len(h) > maxHistoryPerItem {
		h = h[len(h)-maxHistoryPerItem:]
	}
	m.histories[id] = h
}

// History returns a snapshot of a work item's recorded transitions.
func (m *Manager) History(id string) []Transition {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Transition(nil), m.histories[id]...)
}

// Forget drops the history of a work item (called when its goal is pruned).
func (m *Manager) Forget(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.histories, id)
}

// ReadyWorkItems returns the ready work items of a goal, after promoting
// every queued item whose dependencies are all done. Promotion happens in
// the store as one conditional statement per item, so a dependency
// completing mid-scan never yields a half-promoted item. Results are
// ordered priority desc, created-at asc, id asc.
func (m *Manager) ReadyWorkItems(ctx context.Context, goalID string) ([]*models.WorkItem, error) {
	items, err := m.store.ListWorkItemsByGoal(ctx, goalID)
	if err != nil {
		return nil, err
	}

	for _, item := range items {
		if item.Status != models.WorkItemStatusQueued {
			continue
		}
		promoted, err := m.store.PromoteWorkItemIfDepsDone(ctx, item.ID)
		if err != nil {
			return nil, err
		}
		if promoted {
			item.Status = models.WorkItemStatusReady
			m.record(item.ID, models.WorkItemStatusQueued, models.WorkItemStatusReady, "dependencies done")
			slog.Debug("Work item promoted to ready", "work_item_id", item.ID, "goal_id", goalID)
		}
	}

	ready := make([]*models.WorkItem, 0, len(items))
	for _, item := range items {
		if item.Status == models.WorkItemStatusReady {
			ready = append(ready, item)
		}
	}
	sort.SliceStable(ready, func(i, j int) bool {
		a, b := ready[i], ready[j]
		if a.Priority != b.Priority {
			return a.Priority > b.Priority
		}
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.Before(b.CreatedAt)
		}
		return a.ID < b.ID
	})
	return ready, nil
}

// ValidateGoal validates the dependency graph of a goal's work items at
// admission time.
func (m *Manager) ValidateGoal(ctx context.Context, goalID string) error {
	items, err := m.store.ListWorkItemsByGoal(ctx, goalID)
	if err != nil {
		return err
	}
	return ValidateDAG(items)
}

// AllComplete reports whether every work item of the goal is done.
func (m *Manager) AllComplete(ctx context.Context, goalID string) (bool, error) {
	counts, err := m.store.CountWorkItemsByStatus(ctx, goalID)
	if err != nil {
		return false, err
	}
	total := 0
	for _, n := range counts {
		total += n
	}
	return total > 0 && counts[models.WorkItemStatusDone] == total, nil
}

// AnyFailed reports whether any work item of the goal is terminally
// failed (status failed with no retry budget is decided by the scheduler;
// here failed means the row is in failed right now).
func (m *Manager) AnyFailed(ctx context.Context, goalID string) (bool, error) {
	counts, err := m.store.CountWorkItemsByStatus(ctx, goalID)
	if err != nil {
		return false, err
	}
	return counts[models.WorkItemStatusFailed] > 0, nil
}
