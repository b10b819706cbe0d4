package agentsched

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/helmsman-ai/helmsman/pkg/config"
	"github.com/helmsman-ai/helmsman/pkg/database"
	"github.com/helmsman-ai/helmsman/pkg/models"
	"github.com/helmsman-ai/helmsman/pkg/store"
)

// stubSubmitter records admitted goal ids.
type stubSubmitter struct {
	mu    sync.Mutex
	goals []string
	err   error
}

func (s *stubSubmitter) SubmitGoal(ctx context.Context, goalID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.goals = append(s.goals, goalID)
	return nil
}

func (s *stubSubmitter) submitted() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.goals...)
}

func testCronConfig() *config.CronConfig {
	return &config.CronConfig{
		LoopInterval:    100 * time.Millisecond,
		ClaimTTL:        time.Minute,
		DefaultTimezone: "UTC",
	}
}

func newTestDispatcher(t *testing.T, agents map[string]*config.AgentConfig) (*Dispatcher, *store.Store, *stubSubmitter) {
	t.Helper()
	client, err := database.NewClient(context.Background(), database.Config{Path: ":memory:"})
	require.NoError(t, err, "in-memory database should open")
	t.Cleanup(func() { _ = client.Close() })
	st := store.New(client.DB())
	sub := &stubSubmitter{}
	d := NewDispatcher(testCronConfig(), config.NewAgentRegistry(agents), st, sub)
	return d, st, sub
}

func watcherAgents() map[string]*config.AgentConfig {
	return map[string]*config.AgentConfig{
		"watcher": {
			Kind:      config.AgentKindReactGoal,
			Objective: "Check the dashboards",
			Every:     time.Minute,
		},
	}
}

func TestDispatcher_SyncUpsertsRegistry(t *testing.T) {
	d, st, _ := newTestDispatcher(t, watcherAgents())
	ctx := context.Background()
	require.NoError(t, d.sync(ctx))

	job, err := st.GetCronJob(ctx, "watcher")
	require.NoError(t, err)
	assert.True(t, job.Enabled)
	assert.Equal(t, models.ScheduleKindInterval, job.Schedule.Kind)
	assert.Equal(t, int64(60_000), job.Schedule.EveryMS)
	require.NotNil(t, job.NextRunAt)
	assert.True(t, job.NextRunAt.After(time.Now().UTC().Add(-time.Second)))

	agent, err := d.registry.Get("watcher")
	require.NoError(t, err)
	assert.Equal(t, agent.DefinitionHash(), job.DefinitionHash)
}

func TestDispatcher_SyncDisablesRemovedAgents(t *testing.T) {
	d, st, _ := newTestDispatcher(t, watcherAgents())
	ctx := context.Background()
	require.NoError(t, d.sync(ctx))

	// A later process comes up without the agent configured.
	empty := NewDispatcher(testCronConfig(), config.NewAgentRegistry(nil), st, &stubSubmitter{})
	require.NoError(t, empty.sync(ctx))

	job, err := st.GetCronJob(ctx, "watcher")
	require.NoError(t, err)
	assert.False(t, job.Enabled, "jobs for removed agents stop firing")
}

func TestDispatcher_DispatchOnce_FiresDueJob(t *testing.T) {
	d, st, sub := newTestDispatcher(t, watcherAgents())
	ctx := context.Background()
	base := time.Now().UTC()
	require.NoError(t, d.sync(ctx))

	// Nothing due yet.
	d.DispatchOnce(ctx, base.Add(30*time.Second))
	assert.Empty(t, sub.submitted())

	d.DispatchOnce(ctx, base.Add(90*time.Second))
	submitted := sub.submitted()
	require.Len(t, submitted, 1)

	goal, err := st.GetGoal(ctx, submitted[0])
	require.NoError(t, err)
	assert.Contains(t, goal.Title, "[watcher]")

	job, err := st.GetCronJob(ctx, "watcher")
	require.NoError(t, err)
	assert.NotEmpty(t, job.InFlightRunKey)
	assert.Equal(t, submitted[0], job.InFlightGoalID)
	assert.Empty(t, job.ClaimedBy, "claim is dropped once the dispatch is recorded")
	require.NotNil(t, job.NextRunAt)
	assert.True(t, job.NextRunAt.After(base.Add(90*time.Second)))

	run, err := st.GetCronJobRun(ctx, "watcher", job.InFlightRunKey)
	require.NoError(t, err)
	assert.Equal(t, models.CronRunStatusSubmitted, run.Status)
	assert.Equal(t, submitted[0], run.GoalID)

	stats := d.Stats()
	assert.Equal(t, uint64(1), stats.Dispatched)
	assert.Zero(t, stats.Errors)
}

func TestDispatcher_SkipsWhileGoalInFlight(t *testing.T) {
	d, st, sub := newTestDispatcher(t, watcherAgents())
	ctx := context.Background()
	base := time.Now().UTC()
	require.NoError(t, d.sync(ctx))

	d.DispatchOnce(ctx, base.Add(90*time.Second))
	require.Len(t, sub.submitted(), 1)

	// The goal is still running when the next fire comes due.
	d.DispatchOnce(ctx, base.Add(3*time.Minute))
	assert.Len(t, sub.submitted(), 1, "no new goal while the previous one runs")
	assert.Equal(t, uint64(1), d.Stats().Skipped)

	job, err := st.GetCronJob(ctx, "watcher")
	require.NoError(t, err)
	assert.Empty(t, job.ClaimedBy, "skipped fire releases its claim")
}

func TestDispatcher_ReconcilesSettledGoalAndFiresAgain(t *testing.T) {
	d, st, sub := newTestDispatcher(t, watcherAgents())
	ctx := context.Background()
	base := time.Now().UTC()
	require.NoError(t, d.sync(ctx))

	d.DispatchOnce(ctx, base.Add(90*time.Second))
	first := sub.submitted()
	require.Len(t, first, 1)

	firstJob, err := st.GetCronJob(ctx, "watcher")
	require.NoError(t, err)
	firstKey := firstJob.InFlightRunKey

	require.NoError(t, st.UpdateGoalStatus(ctx, first[0], models.GoalStatusCompleted, ""))

	d.DispatchOnce(ctx, base.Add(3*time.Minute))
	second := sub.submitted()
	require.Len(t, second, 2)
	assert.NotEqual(t, first[0], second[1])

	// The settled firing was marked from its goal's terminal status.
	run, err := st.GetCronJobRun(ctx, "watcher", firstKey)
	require.NoError(t, err)
	assert.Equal(t, models.CronRunStatusSuccess, run.Status)

	job, err := st.GetCronJob(ctx, "watcher")
	require.NoError(t, err)
	assert.NotEqual(t, firstKey, job.InFlightRunKey)

	stats := d.Stats()
	assert.Equal(t, uint64(1), stats.Reconciled)
	assert.Equal(t, uint64(2), stats.Dispatched)
}

func TestDispatcher_FailedGoalMarksRunFailed(t *testing.T) {
	d, st, sub := newTestDispatcher(t, watcherAgents())
	ctx := context.Background()
	base := time.Now().UTC()
	require.NoError(t, d.sync(ctx))

	d.DispatchOnce(ctx, base.Add(90*time.Second))
	first := sub.submitted()
	require.Len(t, first, 1)

	job, err := st.GetCronJob(ctx, "watcher")
	require.NoError(t, err)
	firstKey := job.InFlightRunKey

	require.NoError(t, st.UpdateGoalStatus(ctx, first[0], models.GoalStatusFailed, "budget exhausted"))

	d.DispatchOnce(ctx, base.Add(3*time.Minute))

	run, err := st.GetCronJobRun(ctx, "watcher", firstKey)
	require.NoError(t, err)
	assert.Equal(t, models.CronRunStatusFailed, run.Status)
}

func TestDispatcher_AdmissionFailureStillAdvancesSchedule(t *testing.T) {
	d, st, sub := newTestDispatcher(t, watcherAgents())
	sub.err = errors.New("scheduler not ready")
	ctx := context.Background()
	base := time.Now().UTC()
	require.NoError(t, d.sync(ctx))

	d.DispatchOnce(ctx, base.Add(90*time.Second))

	// The goal exists and stays queued; recovery will admit it later.
	job, err := st.GetCronJob(ctx, "watcher")
	require.NoError(t, err)
	require.NotEmpty(t, job.InFlightGoalID)

	goal, err := st.GetGoal(ctx, job.InFlightGoalID)
	require.NoError(t, err)
	assert.Equal(t, models.GoalStatusQueued, goal.Status)

	require.NotNil(t, job.NextRunAt)
	assert.True(t, job.NextRunAt.After(base.Add(90*time.Second)), "schedule advances despite admission failure")
	assert.Equal(t, uint64(1), d.Stats().Dispatched)
}

func TestDispatcher_CoalescesMissedFires(t *testing.T) {
	d, st, sub := newTestDispatcher(t, watcherAgents())
	ctx := context.Background()
	base := time.Now().UTC()
	require.NoError(t, d.sync(ctx))

	// The daemon was down for several periods.
	d.DispatchOnce(ctx, base.Add(5*time.Minute+30*time.Second))
	submitted := sub.submitted()
	require.Len(t, submitted, 1, "overdue fires collapse into one goal")

	job, err := st.GetCronJob(ctx, "watcher")
	require.NoError(t, err)
	run, err := st.GetCronJobRun(ctx, "watcher", job.InFlightRunKey)
	require.NoError(t, err)
	assert.Equal(t, 4, run.CoalescedCount)
	assert.Equal(t, uint64(4), d.Stats().Coalesced)
}
