package scheduler

import (
	"context"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/helmsman-ai/helmsman/pkg/models"
)

// GateResult is the outcome of evaluating one quality gate.
type GateResult struct {
	Gate   models.QualityGate
	Passed bool
	Reason string
}

// GateRunner evaluates a work item's verification plan. Deterministic
// gates are evaluated first and are authoritative: a review verdict can
// never overturn a failing deterministic gate.
type GateRunner interface {
	RunGates(ctx context.Context, item *models.WorkItem) ([]GateResult, error)
}

// ReviewFunc asks a reviewer (typically an LLM call owned by the
// execution service) to judge a review gate. It returns pass/fail and a
// short reason.
type ReviewFunc func(ctx context.Context, item *models.WorkItem, gate models.QualityGate) (bool, string, error)

// commandGateTimeout bounds one deterministic gate command.
const commandGateTimeout = 5 * time.Minute

// ExecGateRunner runs deterministic gates as shell commands and delegates
// review gates to an optional ReviewFunc. With no reviewer configured,
// review gates pass vacuously; deterministic gates still bind.
type ExecGateRunner struct {
	// Dir is the working directory for gate commands; empty means the
	// daemon's working directory.
	Dir string

	// Review judges review-kind gates. Nil means review gates are
	// recorded as passed without consultation.
	Review ReviewFunc
}

// RunGates implements GateRunner. It evaluates every deterministic gate
// before any review gate and stops consulting the reviewer once a
// deterministic gate has failed.
func (g *ExecGateRunner) RunGates(ctx context.Context, item *models.WorkItem) ([]GateResult, error) {
	var (
		results       []GateResult
		deterministic []models.QualityGate
		review        []models.QualityGate
	)
	for _, gate := range item.Verification {
		if gate.Kind == models.CriterionReview {
			review = append(review, gate)
		} else {
			deterministic = append(deterministic, gate)
		}
	}

	failed := false
	for _, gate := range deterministic {
		res := g.runCommand(ctx, gate)
		results = append(results, res)
		if !res.Passed {
			failed = true
		}
	}

	for _, gate := range review {
		if failed {
			// Deterministic verdict already binds; skip the reviewer.
			results = append(results, GateResult{Gate: gate, Passed: false, Reason: "skipped: deterministic gate failed"})
			continue
		}
		if g.Review == nil {
			results = append(results, GateResult{Gate: gate, Passed: true, Reason: "no reviewer configured"})
			continue
		}
		ok, reason, err := g.Review(ctx, item, gate)
		if err != nil {
			return results, fmt.Errorf("review gate: %w", err)
		}
		results = append(results, GateResult{Gate: gate, Passed: ok, Reason: reason})
	}
	return results, nil
}

func (g *ExecGateRunner) runCommand(ctx context.Context, gate models.QualityGate) GateResult {
	if strings.TrimSpace(gate.Command) == "" {
		return GateResult{Gate: gate, Passed: false, Reason: "deterministic gate has no command"}
	}
	cmdCtx, cancel := context.WithTimeout(ctx, commandGateTimeout)
	defer cancel()

	cmd := exec.CommandContext(cmdCtx, "sh", "-c", gate.Command)
	cmd.Dir = g.Dir
	out, err := cmd.CombinedOutput()
	if err != nil {
		reason := strings.TrimSpace(string(out))
		if reason == "" {
			reason = err.Error()
		}
		if len(reason) > 1024 {
			reason = reason[:1024]
		}
		return GateResult{Gate: gate, Passed: false, Reason: reason}
	}
	return GateResult{Gate: gate, Passed: true}
}

// firstFailure returns the first failed gate result, if any.
func firstFailure(results []GateResult) (GateResult, bool) {
	for _, r := range results {
		if !r.Passed {
			return r, true
		}
	}
	return GateResult{}, false
}
