package agentsched

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/helmsman-ai/helmsman/pkg/config"
	"github.com/helmsman-ai/helmsman/pkg/models"
	"github.com/helmsman-ai/helmsman/pkg/store"
)

// claimBatchSize bounds how many due jobs one loop pass claims.
const claimBatchSize = 20

// GoalSubmitter admits a created goal into the scheduler. Implemented by
// the scheduler; a stub in tests.
type GoalSubmitter interface {
	SubmitGoal(ctx context.Context, goalID string) error
}

// Stats are the dispatcher's monotonic counters.
type Stats struct {
	Passes     uint64 `json:"passes"`
	Dispatched uint64 `json:"dispatched"`
	Coalesced  uint64 `json:"coalesced"`
	Reconciled uint64 `json:"reconciled"`
	Skipped    uint64 `json:"skipped"`
	Errors     uint64 `json:"errors"`
}

// Dispatcher periodically claims due cron jobs and turns each firing into
// a goal. Claims are short leases in the store, so multiple daemon
// instances can race safely: exactly one wins each job per window.
type Dispatcher struct {
	cfg        *config.CronConfig
	registry   *config.AgentRegistry
	store      *store.Store
	submitter  GoalSubmitter
	instanceID string

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup

	passes     atomic.Uint64
	dispatched atomic.Uint64
	coalesced  atomic.Uint64
	reconciled atomic.Uint64
	skipped    atomic.Uint64
	errorCount atomic.Uint64
}

// NewDispatcher creates a dispatcher. The instance id identifies this
// process in claim rows; it is informational beyond uniqueness.
func NewDispatcher(cfg *config.CronConfig, registry *config.AgentRegistry, st *store.Store, submitter GoalSubmitter) *Dispatcher {
	host, _ := os.Hostname()
	return &Dispatcher{
		cfg:        cfg,
		registry:   registry,
		store:      st,
		submitter:  submitter,
		instanceID: fmt.Sprintf("%s-%d-%s", host, os.Getpid(), uuid.New().String()[:8]),
		stopCh:     make(chan struct{}),
	}
}

// Start syncs the registry into the store and starts the dispatch loop.
func (d *Dispatcher) Start(ctx context.Context) error {
	if err := d.sync(ctx); err != nil {
		return fmt.Errorf("cron registry sync: %w", err)
	}

	d.wg.Add(1)
	go d.loop(ctx)

	slog.Info("Cron dispatcher started",
		"agents", d.registry.Len(),
		"loop_interval", d.cfg.LoopInterval,
		"instance_id", d.instanceID)
	return nil
}

// Stop halts the dispatch loop. In-store claims are left to expire.
func (d *Dispatcher) Stop() {
	d.stopOnce.Do(func() { close(d.stopCh) })
	d.wg.Wait()
	slog.Info("Cron dispatcher stopped")
}

// sync upserts every registered agent as a cron job and disables jobs
// whose agent left the registry. Next fire times are only reset when the
// definition or schedule changed; the store keeps the old time otherwise.
func (d *Dispatcher) sync(ctx context.Context) error {
	now := time.Now().UTC()
	known := make(map[string]bool, d.registry.Len())

	for _, agent := range d.registry.All() {
		known[agent.ID] = true
		sched := agent.Schedule()

		var next time.Time
		var err error
		if sched.Kind == models.ScheduleKindInterval {
			next = NextIntervalFire(now, now, time.Duration(sched.EveryMS)*time.Millisecond)
		} else {
			next, err = NextFire(sched, now, d.cfg.DefaultTimezone)
			if err != nil {
				return fmt.Errorf("agent %q: %w", agent.ID, err)
			}
		}

		job := &models.CronJob{
			AgentID:        agent.ID,
			Enabled:        agent.IsEnabled(),
			Schedule:       sched,
			DefinitionHash: agent.DefinitionHash(),
			NextRunAt:      &next,
		}
		if err := d.store.UpsertCronJob(ctx, job); err != nil {
			return err
		}
	}

	// Agents removed from configuration stop firing but keep their row
	// and run history.
	jobs, err := d.store.ListCronJobs(ctx)
	if err != nil {
		return err
	}
	for _, job := range jobs {
		if known[job.AgentID] || !job.Enabled {
			continue
		}
		job.Enabled = false
		if err := d.store.UpsertCronJob(ctx, job); err != nil {
			return err
		}
		slog.Info("Disabled cron job for removed agent", "agent_id", job.AgentID)
	}
	return nil
}

func (d *Dispatcher) loop(ctx context.Context) {
	defer d.wg.Done()
	ticker := time.NewTicker(d.cfg.LoopInterval)
	defer ticker.Stop()
	for {
		select {
		case <-d.stopCh:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.DispatchOnce(ctx, time.Now())
		}
	}
}

// DispatchOnce runs one dispatch pass: claim due jobs, then process each
// claimed job to completion. Exported for tests and the control plane's
// debug surface.
func (d *Dispatcher) DispatchOnce(ctx context.Context, now time.Time) {
	d.passes.Add(1)

	jobs, err := d.store.ClaimDueCronJobs(ctx, d.instanceID, now, d.cfg.ClaimTTL, claimBatchSize)
	if err != nil {
		slog.Error("Failed to claim due cron jobs", "error", err)
		d.errorCount.Add(1)
		return
	}
	for _, job := range jobs {
		if err := d.dispatchJob(ctx, job, now); err != nil {
			slog.Error("Cron dispatch failed", "agent_id", job.AgentID, "error", err)
			d.errorCount.Add(1)
			if rerr := d.store.ReleaseCronClaim(ctx, job.AgentID, d.instanceID); rerr != nil {
				slog.Error("Failed to release cron claim", "agent_id", job.AgentID, "error", rerr)
			}
		}
	}
}

// dispatchJob processes one claimed job: reconcile any finished in-flight
// lease, coalesce overdue fires into one, create the run row
// idempotently, create and submit the goal, then advance the schedule and
// drop the claim in one store write.
func (d *Dispatcher) dispatchJob(ctx context.Context, job *models.CronJob, now time.Time) error {
	agent, err := d.registry.Get(job.AgentID)
	if err != nil {
		return fmt.Errorf("claimed job has no registered agent: %w", err)
	}

	if job.InFlightRunKey != "" {
		settled, err := d.reconcileLease(ctx, job)
		if err != nil {
			return err
		}
		if !settled {
			// Previous firing still running: skip this one entirely.
			d.skipped.Add(1)
			slog.Debug("Skipping cron fire, previous run still in flight",
				"agent_id", job.AgentID, "run_key", job.InFlightRunKey)
			return d.store.ReleaseCronClaim(ctx, job.AgentID, d.instanceID)
		}
	}

	if job.NextRunAt == nil {
		return fmt.Errorf("claimed job %s has no next fire time", job.AgentID)
	}
	scheduledFor, next, coalesced, err := CatchUp(job.Schedule, job.CreatedAt, *job.NextRunAt, now, d.cfg.DefaultTimezone)
	if err != nil {
		return err
	}
	if coalesced > 0 {
		d.coalesced.Add(uint64(coalesced))
		slog.Info("Coalesced overdue cron fires",
			"agent_id", job.AgentID, "skipped", coalesced, "scheduled_for", scheduledFor)
	}

	runKey := RunKey(job.AgentID, job.DefinitionHash, scheduledFor)
	run, inserted, err := d.store.InsertCronJobRun(ctx, job.AgentID, runKey, scheduledFor, coalesced)
	if err != nil {
		return err
	}
	if !inserted {
		// Either this exact firing was already materialized by a previous
		// crashed pass, or an older pending run was never finished. The
		// pending row wins; we resume it.
		slog.Debug("Resuming existing cron run",
			"agent_id", job.AgentID, "run_key", run.RunKey, "status", run.Status)
	}

	goalID := run.GoalID
	if goalID == "" {
		req := BuildGoalRequest(agent, run.RunKey, run.ScheduledFor)
		goal, _, err := d.store.CreateGoal(ctx, req)
		if err != nil {
			return fmt.Errorf("create goal for cron run: %w", err)
		}
		linked, err := d.store.LinkCronJobRunGoal(ctx, run.ID, goal.ID)
		if err != nil {
			return err
		}
		if !linked {
			// Another pass got there first; our goal is a duplicate.
			if uerr := d.store.UpdateGoalStatus(ctx, goal.ID, models.GoalStatusCancelled, "duplicate cron dispatch"); uerr != nil {
				slog.Error("Failed to cancel duplicate cron goal", "goal_id", goal.ID, "error", uerr)
			}
			fresh, ferr := d.store.GetCronJobRun(ctx, run.AgentID, run.RunKey)
			if ferr != nil {
				return ferr
			}
			goalID = fresh.GoalID
		} else {
			goalID = goal.ID
		}
	}

	if goalID == "" {
		return fmt.Errorf("cron run %s has no goal after linking", run.ID)
	}

	if err := d.submitter.SubmitGoal(ctx, goalID); err != nil {
		// The goal exists and is linked; admission is retried by
		// scheduler recovery, so the schedule still advances.
		slog.Warn("Cron goal admission failed, leaving goal queued",
			"goal_id", goalID, "agent_id", job.AgentID, "error", err)
	}

	if err := d.store.CompleteCronDispatch(ctx, job.AgentID, run.RunKey, goalID, run.ScheduledFor, next); err != nil {
		return err
	}

	d.dispatched.Add(1)
	slog.Info("Cron fire dispatched",
		"agent_id", job.AgentID, "goal_id", goalID,
		"run_key", run.RunKey, "scheduled_for", run.ScheduledFor, "next_run_at", next)
	return nil
}

// reconcileLease settles the job's in-flight lease against the linked
// goal. Returns true when the lease was cleared (goal finished or
// vanished) and the job may fire again.
func (d *Dispatcher) reconcileLease(ctx context.Context, job *models.CronJob) (bool, error) {
	if job.InFlightGoalID == "" {
		// Lease without a goal: a dispatch died between insert and link.
		// The pending run row will be resumed by the normal path.
		if err := d.store.ClearCronLease(ctx, job.AgentID); err != nil {
			return false, err
		}
		d.reconciled.Add(1)
		return true, nil
	}

	goal, err := d.store.GetGoal(ctx, job.InFlightGoalID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			// Goal pruned; nothing left to wait on.
			if cerr := d.store.ClearCronLease(ctx, job.AgentID); cerr != nil {
				return false, cerr
			}
			d.reconciled.Add(1)
			return true, nil
		}
		return false, err
	}
	if !goal.Status.IsTerminal() {
		return false, nil
	}

	status := models.CronRunStatusSuccess
	if goal.Status != models.GoalStatusCompleted {
		status = models.CronRunStatusFailed
	}
	if run, err := d.store.GetCronJobRun(ctx, job.AgentID, job.InFlightRunKey); err == nil {
		if uerr := d.store.UpdateCronJobRunStatus(ctx, run.ID, status); uerr != nil {
			return false, uerr
		}
	} else if !errors.Is(err, store.ErrNotFound) {
		return false, err
	}

	if err := d.store.ClearCronLease(ctx, job.AgentID); err != nil {
		return false, err
	}
	d.reconciled.Add(1)
	slog.Debug("Settled cron lease",
		"agent_id", job.AgentID, "run_key", job.InFlightRunKey, "goal_status", goal.Status)
	return true, nil
}

// Stats returns a snapshot of the dispatcher's counters.
func (d *Dispatcher) Stats() Stats {
	return Stats{
		Passes:     d.passes.Load(),
		Dispatched: d.dispatched.Load(),
		Coalesced:  d.coalesced.Load(),
		Reconciled: d.reconciled.Load(),
		Skipped:    d.skipped.Load(),
		Errors:     d.errorCount.Load(),
	}
}
