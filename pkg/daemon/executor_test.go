package daemon

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/helmsman-ai/helmsman/pkg/models"
	"github.com/helmsman-ai/helmsman/pkg/scheduler"
)

func TestRunnerExecutor_SuccessWithMetrics(t *testing.T) {
	exec := &RunnerExecutor{
		Command: `echo '{"tokens_used": 120, "cost": 0.04, "artifacts": ["report.md"], "log": "done"}'`,
	}

	res := exec.Execute(context.Background(), &models.WorkItem{ID: "wi-1"})
	require.NoError(t, res.Err)
	assert.Equal(t, scheduler.OutcomeSuccess, res.Outcome)
	assert.Equal(t, int64(120), res.Metrics.TokensUsed)
	assert.Equal(t, 0.04, res.Metrics.Cost)
	assert.Equal(t, []string{"report.md"}, res.Metrics.Artifacts)
	assert.Equal(t, "done", res.Metrics.Log)
	assert.GreaterOrEqual(t, res.Metrics.WallSeconds, 0.0)
}

func TestRunnerExecutor_ReceivesWorkItemOnStdin(t *testing.T) {
	// The runner echoes stdin back with a prefix. The prefix makes the
	// output non-JSON, so the whole payload is kept as the run log.
	exec := &RunnerExecutor{Command: "printf 'ITEM '; cat"}

	res := exec.Execute(context.Background(), &models.WorkItem{ID: "wi-stdin", Title: "fetch prices"})
	require.NoError(t, res.Err)
	assert.Equal(t, scheduler.OutcomeSuccess, res.Outcome)
	assert.Contains(t, res.Metrics.Log, `"wi-stdin"`)
}

func TestRunnerExecutor_SilentRunnerSucceeds(t *testing.T) {
	exec := &RunnerExecutor{Command: "true"}

	res := exec.Execute(context.Background(), &models.WorkItem{ID: "wi-2"})
	require.NoError(t, res.Err)
	assert.Equal(t, scheduler.OutcomeSuccess, res.Outcome)
	assert.Zero(t, res.Metrics.TokensUsed)
}

func TestRunnerExecutor_NonJSONOutputBecomesLog(t *testing.T) {
	exec := &RunnerExecutor{Command: "echo plain text progress"}

	res := exec.Execute(context.Background(), &models.WorkItem{ID: "wi-3"})
	require.NoError(t, res.Err)
	assert.Equal(t, "plain text progress\n", res.Metrics.Log)
}

func TestRunnerExecutor_FailureReasonPrecedence(t *testing.T) {
	// Structured error field wins over stderr and the exit status.
	exec := &RunnerExecutor{Command: `echo '{"error": "model refused"}' ; echo noise >&2 ; exit 1`}
	res := exec.Execute(context.Background(), &models.WorkItem{ID: "wi-4"})
	require.Error(t, res.Err)
	assert.Equal(t, scheduler.OutcomeFailed, res.Outcome)
	assert.Contains(t, res.Err.Error(), "model refused")

	// Without a structured error, stderr is the reason.
	exec = &RunnerExecutor{Command: "echo disk full >&2; exit 1"}
	res = exec.Execute(context.Background(), &models.WorkItem{ID: "wi-5"})
	require.Error(t, res.Err)
	assert.Contains(t, res.Err.Error(), "disk full")

	// With nothing at all, the exit status is the reason.
	exec = &RunnerExecutor{Command: "exit 3"}
	res = exec.Execute(context.Background(), &models.WorkItem{ID: "wi-6"})
	require.Error(t, res.Err)
	assert.Contains(t, res.Err.Error(), "exit status 3")
}

func TestRunnerExecutor_ZeroExitWithErrorFieldFails(t *testing.T) {
	exec := &RunnerExecutor{Command: `echo '{"tokens_used": 10, "error": "verification step missing"}'`}

	res := exec.Execute(context.Background(), &models.WorkItem{ID: "wi-7"})
	assert.Equal(t, scheduler.OutcomeFailed, res.Outcome)
	assert.EqualError(t, res.Err, "verification step missing")
	assert.Equal(t, int64(10), res.Metrics.TokensUsed, "metrics survive a reported failure")
}

func TestRunnerExecutor_NoCommandConfigured(t *testing.T) {
	exec := &RunnerExecutor{}

	res := exec.Execute(context.Background(), &models.WorkItem{ID: "wi-8"})
	assert.Equal(t, scheduler.OutcomeFailed, res.Outcome)
	assert.EqualError(t, res.Err, "no runner command configured")
}
