package store

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/helmsman-ai/helmsman/pkg/models"
)

func TestCompareAndSwapWorkItemStatus(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	_, items := createGoal(t, s, models.CreateGoalRequest{
		Title:     "cas",
		WorkItems: []models.WorkItemSpec{{Title: "item"}},
	})
	id := items[0].ID

	ok, err := s.CompareAndSwapWorkItemStatus(ctx, id, models.WorkItemStatusQueued, models.WorkItemStatusReady)
	require.NoError(t, err)
	assert.True(t, ok)

	// Guard miss: the row is no longer queued.
	ok, err = s.CompareAndSwapWorkItemStatus(ctx, id, models.WorkItemStatusQueued, models.WorkItemStatusReady)
	require.NoError(t, err)
	assert.False(t, ok)

	stored, err := s.GetWorkItem(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, models.WorkItemStatusReady, stored.Status)
}

func TestPromoteWorkItemIfDepsDone(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	_, items := createGoal(t, s, models.CreateGoalRequest{
		Title: "promote",
		WorkItems: []models.WorkItemSpec{
			{Ref: "dep", Title: "dependency"},
			{Title: "dependent", DependsOn: []string{"dep"}},
		},
	})
	dep, dependent := items[0].ID, items[1].ID

	// Dependency not done yet: no promotion.
	promoted, err := s.PromoteWorkItemIfDepsDone(ctx, dependent)
	require.NoError(t, err)
	assert.False(t, promoted)

	require.NoError(t, s.UpdateWorkItemStatus(ctx, dep, models.WorkItemStatusDone))

	promoted, err = s.PromoteWorkItemIfDepsDone(ctx, dependent)
	require.NoError(t, err)
	assert.True(t, promoted)

	// Already ready: the conditional update misses.
	promoted, err = s.PromoteWorkItemIfDepsDone(ctx, dependent)
	require.NoError(t, err)
	assert.False(t, promoted)
}

func TestPromoteWorkItem_NoDeps(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	_, items := createGoal(t, s, models.CreateGoalRequest{
		Title:     "nodeps",
		WorkItems: []models.WorkItemSpec{{Title: "free"}},
	})

	promoted, err := s.PromoteWorkItemIfDepsDone(ctx, items[0].ID)
	require.NoError(t, err)
	assert.True(t, promoted)
}

func TestIncrementWorkItemRetry(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	_, items := createGoal(t, s, models.CreateGoalRequest{
		Title:     "retry",
		WorkItems: []models.WorkItemSpec{{Title: "flaky", MaxRetries: 2}},
	})
	id := items[0].ID

	require.NoError(t, s.IncrementWorkItemRetry(ctx, id, models.WorkItemStatusReady))
	require.NoError(t, s.IncrementWorkItemRetry(ctx, id, models.WorkItemStatusReady))

	stored, err := s.GetWorkItem(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, 2, stored.RetryCount)
	assert.Equal(t, models.WorkItemStatusReady, stored.Status)
}

func TestListReadyWorkItems_Ordering(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	_, items := createGoal(t, s, models.CreateGoalRequest{
		Title: "order",
		WorkItems: []models.WorkItemSpec{
			{Title: "low", Priority: 1},
			{Title: "high", Priority: 5},
			{Title: "queued", Priority: 9},
		},
	})
	require.NoError(t, s.UpdateWorkItemStatus(ctx, items[0].ID, models.WorkItemStatusReady))
	require.NoError(t, s.UpdateWorkItemStatus(ctx, items[1].ID, models.WorkItemStatusReady))

	ready, err := s.ListReadyWorkItems(ctx)
	require.NoError(t, err)
	require.Len(t, ready, 2)
	assert.Equal(t, "high", ready[0].Title)
	assert.Equal(t, "low", ready[1].Title)
}

func TestCountWorkItemsByStatus(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	goal, items := createGoal(t, s, models.CreateGoalRequest{
		Title: "counts",
		WorkItems: []models.WorkItemSpec{
			{Title: "a"}, {Title: "b"}, {Title: "c"},
		},
	})
	require.NoError(t, s.UpdateWorkItemStatus(ctx, items[0].ID, models.WorkItemStatusDone))

	counts, err := s.CountWorkItemsByStatus(ctx, goal.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, counts[models.WorkItemStatusDone])
	assert.Equal(t, 2, counts[models.WorkItemStatusQueued])
}

func TestUpdateWorkItemVerification(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	_, items := createGoal(t, s, models.CreateGoalRequest{
		Title:     "verify",
		WorkItems: []models.WorkItemSpec{{Title: "gated"}},
	})
	id := items[0].ID

	require.NoError(t, s.UpdateWorkItemVerification(ctx, id, models.VerificationPassed))
	stored, err := s.GetWorkItem(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, models.VerificationPassed, stored.VerificationStatus)

	assert.ErrorIs(t, s.UpdateWorkItemVerification(ctx, "missing", models.VerificationPassed), ErrNotFound)
}
