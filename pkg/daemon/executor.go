package daemon

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"time"

	"github.com/helmsman-ai/helmsman/pkg/models"
	"github.com/helmsman-ai/helmsman/pkg/scheduler"
)

// RunnerExecutor bridges the scheduler to an external work item runner:
// one subprocess per attempt, the work item as JSON on stdin, metrics as
// JSON on stdout. The runner owns the model transport entirely.
type RunnerExecutor struct {
	// Command is the shell command to run per attempt.
	Command string
}

// runnerOutput is the JSON document a runner may print on stdout. All
// fields are optional; a silent runner that exits zero succeeds with zero
// metrics.
type runnerOutput struct {
	TokensUsed int64    `json:"tokens_used"`
	Cost       float64  `json:"cost"`
	Artifacts  []string `json:"artifacts"`
	Log        string   `json:"log"`
	Error      string   `json:"error"`
}

// Execute implements scheduler.ExecutionService.
func (e *RunnerExecutor) Execute(ctx context.Context, item *models.WorkItem) *scheduler.ExecutionResult {
	if e.Command == "" {
		return &scheduler.ExecutionResult{
			Outcome: scheduler.OutcomeFailed,
			Err:     errors.New("no runner command configured"),
		}
	}

	payload, err := json.Marshal(item)
	if err != nil {
		return &scheduler.ExecutionResult{Outcome: scheduler.OutcomeFailed, Err: err}
	}

	start := time.Now()
	cmd := exec.CommandContext(ctx, "sh", "-c", e.Command)
	cmd.Stdin = bytes.NewReader(payload)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	runErr := cmd.Run()
	wall := time.Since(start).Seconds()

	var out runnerOutput
	if stdout.Len() > 0 {
		if derr := json.Unmarshal(stdout.Bytes(), &out); derr != nil {
			// Non-JSON output is kept as the run log.
			out.Log = stdout.String()
		}
	}
	metrics := models.RunMetrics{
		TokensUsed:  out.TokensUsed,
		WallSeconds: wall,
		Cost:        out.Cost,
		Artifacts:   out.Artifacts,
		Log:         out.Log,
	}

	if runErr != nil {
		reason := out.Error
		if reason == "" {
			reason = stderr.String()
		}
		if reason == "" {
			reason = runErr.Error()
		}
		slog.Debug("Runner attempt failed", "work_item_id", item.ID, "error", reason)
		return &scheduler.ExecutionResult{
			Outcome: scheduler.OutcomeFailed,
			Metrics: metrics,
			Err:     fmt.Errorf("runner: %s", reason),
		}
	}
	if out.Error != "" {
		return &scheduler.ExecutionResult{
			Outcome: scheduler.OutcomeFailed,
			Metrics: metrics,
			Err:     errors.New(out.Error),
		}
	}
	return &scheduler.ExecutionResult{Outcome: scheduler.OutcomeSuccess, Metrics: metrics}
}
