package agentsched

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/helmsman-ai/helmsman/pkg/config"
	"github.com/helmsman-ai/helmsman/pkg/models"
)

func TestRunKey_Deterministic(t *testing.T) {
	at := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

	key := RunKey("watcher", "hash-v1", at)
	assert.Len(t, key, 32)
	assert.Equal(t, key, RunKey("watcher", "hash-v1", at))

	// The same wall time in another zone is the same firing.
	assert.Equal(t, key, RunKey("watcher", "hash-v1", at.In(time.FixedZone("CET", 3600))))

	assert.NotEqual(t, key, RunKey("other", "hash-v1", at))
	assert.NotEqual(t, key, RunKey("watcher", "hash-v2", at))
	assert.NotEqual(t, key, RunKey("watcher", "hash-v1", at.Add(time.Millisecond)))
}

func TestNextIntervalFire(t *testing.T) {
	anchor := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	period := time.Minute

	// Before the anchor the first fire is the anchor itself.
	assert.Equal(t, anchor, NextIntervalFire(anchor, anchor.Add(-time.Hour), period))

	// At the anchor the next fire is one period out.
	assert.Equal(t, anchor.Add(time.Minute), NextIntervalFire(anchor, anchor, period))

	// Fires stay on the anchored grid regardless of when we ask.
	assert.Equal(t, anchor.Add(2*time.Minute), NextIntervalFire(anchor, anchor.Add(90*time.Second), period))
	assert.Equal(t, anchor.Add(time.Minute), NextIntervalFire(anchor, anchor.Add(time.Second), period))

	assert.True(t, NextIntervalFire(anchor, anchor, 0).IsZero())
}

func TestNextFire_Cron(t *testing.T) {
	sched := models.Schedule{Kind: models.ScheduleKindCron, Expr: "0 9 * * *"}
	after := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	next, err := NextFire(sched, after, "UTC")
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC), next)
}

func TestNextFire_CronHonorsTimezone(t *testing.T) {
	sched := models.Schedule{Kind: models.ScheduleKindCron, Expr: "0 9 * * *", Timezone: "America/New_York"}
	after := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	next, err := NextFire(sched, after, "UTC")
	require.NoError(t, err)
	// 09:00 New York on 2026-03-01 is 14:00 UTC (EST, UTC-5).
	assert.Equal(t, time.Date(2026, 3, 1, 14, 0, 0, 0, time.UTC), next)
}

func TestNextFire_BadExpression(t *testing.T) {
	_, err := NextFire(models.Schedule{Kind: models.ScheduleKindCron, Expr: "not a cron"}, time.Now(), "UTC")
	assert.Error(t, err)
}

func TestNextFire_IntervalNeedsAnchor(t *testing.T) {
	_, err := NextFire(models.Schedule{Kind: models.ScheduleKindInterval, EveryMS: 1000}, time.Now(), "UTC")
	assert.Error(t, err)
}

func TestCatchUp_IntervalCoalesces(t *testing.T) {
	anchor := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	sched := models.Schedule{Kind: models.ScheduleKindInterval, EveryMS: 60_000}

	due := anchor.Add(time.Minute)
	now := anchor.Add(3*time.Minute + 30*time.Second)

	scheduledFor, next, coalesced, err := CatchUp(sched, anchor, due, now, "UTC")
	require.NoError(t, err)
	assert.Equal(t, anchor.Add(3*time.Minute), scheduledFor, "latest fire not after now")
	assert.Equal(t, anchor.Add(4*time.Minute), next)
	assert.Equal(t, 2, coalesced, "the 2-minute and 3-minute fires collapse into one")
}

func TestCatchUp_OnTimeFire(t *testing.T) {
	anchor := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	sched := models.Schedule{Kind: models.ScheduleKindInterval, EveryMS: 60_000}

	due := anchor.Add(time.Minute)

	scheduledFor, next, coalesced, err := CatchUp(sched, anchor, due, due, "UTC")
	require.NoError(t, err)
	assert.Equal(t, due, scheduledFor)
	assert.Equal(t, anchor.Add(2*time.Minute), next)
	assert.Zero(t, coalesced)
}

func TestCatchUp_CronCoalesces(t *testing.T) {
	sched := models.Schedule{Kind: models.ScheduleKindCron, Expr: "*/15 * * * *"}
	anchor := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

	due := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	now := time.Date(2026, 3, 1, 10, 40, 0, 0, time.UTC)

	scheduledFor, next, coalesced, err := CatchUp(sched, anchor, due, now, "UTC")
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 3, 1, 10, 30, 0, 0, time.UTC), scheduledFor)
	assert.Equal(t, time.Date(2026, 3, 1, 10, 45, 0, 0, time.UTC), next)
	assert.Equal(t, 2, coalesced)
}

func TestBuildGoalRequest(t *testing.T) {
	agent := &config.AgentConfig{
		ID:            "market-watch",
		Kind:          config.AgentKindMarketListener,
		Objective:     "Scan the market feeds",
		ModelHint:     "fast",
		ToolAllowList: []string{"feeds.read"},
		Priority:      3,
		MaxRetries:    2,
		BudgetTokens:  5000,
	}
	at := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	key := RunKey(agent.ID, agent.DefinitionHash(), at)

	req := BuildGoalRequest(agent, key, at)
	assert.Equal(t, "[market-watch] 2026-03-01T09:00:00Z", req.Title)
	assert.Equal(t, "Scan the market feeds", req.Description)
	assert.Equal(t, int64(5000), req.Budget.Tokens)

	require.Len(t, req.WorkItems, 1)
	item := req.WorkItems[0]
	assert.Equal(t, "listener", item.Type)
	assert.Equal(t, 3, item.Priority)
	assert.Equal(t, 2, item.MaxRetries)
	assert.Equal(t, models.ContextSourceCron, item.Context[models.ContextKeySource])
	assert.Equal(t, "market-watch", item.Context[models.ContextKeyAgentID])
	assert.Equal(t, key, item.Context[models.ContextKeyRunKey])
}

func TestAgentDefinitionHash_Stability(t *testing.T) {
	a := &config.AgentConfig{ID: "watcher", Kind: config.AgentKindReactGoal, Objective: "watch", Every: time.Minute}
	b := &config.AgentConfig{ID: "watcher", Kind: config.AgentKindReactGoal, Objective: "watch", Every: time.Minute}
	assert.Equal(t, a.DefinitionHash(), b.DefinitionHash())

	b.Objective = "watch harder"
	assert.NotEqual(t, a.DefinitionHash(), b.DefinitionHash())
}
