package store

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/helmsman-ai/helmsman/pkg/database"
	"github.com/helmsman-ai/helmsman/pkg/models"
)

// newTestStore opens an in-memory database with migrations applied.
func newTestStore(t *testing.T) *Store {
	t.Helper()
	client, err := database.NewClient(context.Background(), database.Config{Path: ":memory:"})
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })
	return New(client.DB())
}

// createGoal is a shorthand for tests that need a goal with work items.
func createGoal(t *testing.T, s *Store, req models.CreateGoalRequest) (*models.Goal, []*models.WorkItem) {
	t.Helper()
	goal, items, err := s.CreateGoal(context.Background(), req)
	require.NoError(t, err)
	return goal, items
}
