package models

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestGoalStatus_IsTerminal(t *testing.T) {
	assert.False(t, GoalStatusQueued.IsTerminal())
	assert.False(t, GoalStatusActive.IsTerminal())
	assert.True(t, GoalStatusCompleted.IsTerminal())
	assert.True(t, GoalStatusFailed.IsTerminal())
	assert.True(t, GoalStatusCancelled.IsTerminal())
}

func TestGoalStatus_IsValid(t *testing.T) {
	assert.True(t, GoalStatusActive.IsValid())
	assert.False(t, GoalStatus("paused").IsValid())
}

func TestRunStatus_IsTerminal(t *testing.T) {
	assert.False(t, RunStatusRunning.IsTerminal())
	assert.True(t, RunStatusSuccess.IsTerminal())
	assert.True(t, RunStatusFailed.IsTerminal())
	assert.True(t, RunStatusAborted.IsTerminal())
}

func TestSpend_Exceeds(t *testing.T) {
	budget := Budget{Tokens: 1000, Minutes: 30, Cost: 5}

	assert.False(t, Spend{}.Exceeds(budget))
	assert.False(t, Spend{Tokens: 1000, Minutes: 30, Cost: 5}.Exceeds(budget),
		"spend equal to the budget is still within it")
	assert.True(t, Spend{Tokens: 1001}.Exceeds(budget))
	assert.True(t, Spend{Minutes: 30.5}.Exceeds(budget))
	assert.True(t, Spend{Cost: 5.01}.Exceeds(budget))

	// Zero budget dimensions are unlimited.
	assert.False(t, Spend{Tokens: 1 << 40, Cost: 999}.Exceeds(Budget{}))
	assert.True(t, Spend{Minutes: 2}.Exceeds(Budget{Minutes: 1}))
}
