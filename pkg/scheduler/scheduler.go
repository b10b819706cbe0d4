package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/helmsman-ai/helmsman/pkg/config"
	"github.com/helmsman-ai/helmsman/pkg/events"
	"github.com/helmsman-ai/helmsman/pkg/models"
	"github.com/helmsman-ai/helmsman/pkg/store"
	"github.com/helmsman-ai/helmsman/pkg/workitem"
)

// budgetWarnFraction is the spend fraction at which a budget_warning is
// emitted, once per goal.
const budgetWarnFraction = 0.8

// goalState is the scheduler's in-memory handle on one active goal. The
// context is cancelled when the goal is cancelled, fails its budget, or
// the scheduler stops.
type goalState struct {
	ctx          context.Context
	cancel       context.CancelFunc
	cancelled    bool
	budgetWarned bool
}

// Scheduler owns the tick loop. All dispatch decisions happen on the
// single tick goroutine; executions run on their own goroutines and
// re-enter through the completion path.
type Scheduler struct {
	cfg     *config.SchedulerConfig
	store   *store.Store
	manager *workitem.Manager
	exec    ExecutionService
	gates   GateRunner
	bus     *events.Bus

	lanes *laneSet

	mu    sync.Mutex
	goals map[string]*goalState

	rootCtx  context.Context
	tickCh   chan struct{}
	stopCh   chan struct{}
	stopOnce sync.Once
	loopWG   sync.WaitGroup
	execWG   sync.WaitGroup

	ticks       atomic.Uint64
	dispatches  atomic.Uint64
	completions atomic.Uint64
	failures    atomic.Uint64
	retries     atomic.Uint64
	escalations atomic.Uint64
	recovered   atomic.Uint64
	errorCount  atomic.Uint64
}

// New creates a scheduler. The gate runner may be nil, in which case an
// ExecGateRunner with no reviewer is used.
func New(cfg *config.SchedulerConfig, st *store.Store, mgr *workitem.Manager, exec ExecutionService, gates GateRunner, bus *events.Bus) *Scheduler {
	if gates == nil {
		gates = &ExecGateRunner{}
	}
	return &Scheduler{
		cfg:     cfg,
		store:   st,
		manager: mgr,
		exec:    exec,
		gates:   gates,
		bus:     bus,
		lanes:   newLaneSet(cfg.Lanes),
		goals:   make(map[string]*goalState),
		tickCh:  make(chan struct{}),
		stopCh:  make(chan struct{}),
	}
}

// Start recovers persisted state and starts the tick loop. The given
// context is the daemon's root context: executions and persistence hang
// off it, not off individual ticks.
func (s *Scheduler) Start(ctx context.Context) error {
	s.rootCtx = ctx

	if err := s.recover(ctx); err != nil {
		return fmt.Errorf("scheduler recovery: %w", err)
	}

	s.loopWG.Add(2)
	go s.timerLoop()
	go s.tickLoop()

	slog.Info("Scheduler started",
		"tick_interval", s.cfg.TickInterval,
		"lanes", s.cfg.Lanes)
	return nil
}

// Stop shuts the tick loop down and waits for in-flight executions up to
// the graceful shutdown timeout. Executions still running after that are
// abandoned; recovery reconciles them on the next start.
func (s *Scheduler) Stop() {
	s.stopOnce.Do(func() { close(s.stopCh) })
	s.loopWG.Wait()

	s.mu.Lock()
	for _, gs := range s.goals {
		gs.cancel()
	}
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.execWG.Wait()
		close(done)
	}()
	select {
	case <-done:
		slog.Info("Scheduler stopped, all executions drained")
	case <-time.After(s.cfg.GracefulShutdownTimeout):
		slog.Warn("Scheduler stopped with executions still in flight",
			"timeout", s.cfg.GracefulShutdownTimeout)
	}
}

// timerLoop turns the ticker into tick requests. Requests that arrive
// while a tick is running are dropped, never queued.
func (s *Scheduler) timerLoop() {
	defer s.loopWG.Done()
	ticker := time.NewTicker(s.cfg.TickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.RequestTick()
		}
	}
}

// tickLoop is the single consumer of tick requests.
func (s *Scheduler) tickLoop() {
	defer s.loopWG.Done()
	for {
		select {
		case <-s.stopCh:
			return
		case <-s.tickCh:
			s.tick(s.rootCtx)
		}
	}
}

// RequestTick asks for a tick without waiting for the timer. The request
// is dropped if a tick is already running.
func (s *Scheduler) RequestTick() {
	select {
	case s.tickCh <- struct{}{}:
	default:
	}
}

// SubmitGoal admits a queued goal: its work item graph is validated, the
// goal becomes active, and goal_started is emitted. A goal whose graph
// fails validation is marked failed with the validation error as reason.
func (s *Scheduler) SubmitGoal(ctx context.Context, goalID string) error {
	goal, err := s.store.GetGoal(ctx, goalID)
	if err != nil {
		return err
	}
	if goal.Status.IsTerminal() {
		return fmt.Errorf("goal %s is %s: %w", goalID, goal.Status, store.ErrTerminalStatus)
	}

	if err := s.manager.ValidateGoal(ctx, goalID); err != nil {
		if uerr := s.store.UpdateGoalStatus(ctx, goalID, models.GoalStatusFailed, err.Error()); uerr != nil {
			slog.Error("Failed to mark goal failed after validation error",
				"goal_id", goalID, "error", uerr)
		}
		s.bus.Publish(events.Event{
			Type:   events.TypeGoalFailed,
			GoalID: goalID,
			Data:   map[string]any{"reason": err.Error()},
		})
		return err
	}

	if err := s.store.UpdateGoalStatus(ctx, goalID, models.GoalStatusActive, ""); err != nil {
		return err
	}
	s.registerGoal(goalID)

	s.bus.Publish(events.Event{Type: events.TypeGoalStarted, GoalID: goalID})
	slog.Info("Goal admitted", "goal_id", goalID, "title", goal.Title)

	s.RequestTick()
	return nil
}

// registerGoal adds the goal to the active set, idempotently.
func (s *Scheduler) registerGoal(goalID string) *goalState {
	s.mu.Lock()
	defer s.mu.Unlock()
	if gs, ok := s.goals[goalID]; ok {
		return gs
	}
	base := s.rootCtx
	if base == nil {
		base = context.Background()
	}
	gctx, cancel := context.WithCancel(base)
	gs := &goalState{ctx: gctx, cancel: cancel}
	s.goals[goalID] = gs
	return gs
}

// goalStateFor returns the state of an active goal, or nil.
func (s *Scheduler) goalStateFor(goalID string) *goalState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.goals[goalID]
}

// deactivateGoal removes the goal from the active set and cancels its
// context.
func (s *Scheduler) deactivateGoal(goalID string) {
	s.mu.Lock()
	gs, ok := s.goals[goalID]
	if ok {
		delete(s.goals, goalID)
	}
	s.mu.Unlock()
	if ok {
		gs.cancel()
	}
}

// CancelGoal cancels an active goal. In-flight executors see their
// context cancelled and get the configured grace period to unwind; any
// run still open after that is closed as aborted administratively.
func (s *Scheduler) CancelGoal(ctx context.Context, goalID, reason string) error {
	s.mu.Lock()
	gs, ok := s.goals[goalID]
	if ok && gs.cancelled {
		s.mu.Unlock()
		return ErrAlreadyCancelled
	}
	if ok {
		gs.cancelled = true
	}
	s.mu.Unlock()

	if err := s.store.UpdateGoalStatus(ctx, goalID, models.GoalStatusCancelled, reason); err != nil {
		if errors.Is(err, store.ErrTerminalStatus) {
			return ErrAlreadyCancelled
		}
		return err
	}

	s.bus.Publish(events.Event{
		Type:   events.TypeGoalCancelled,
		GoalID: goalID,
		Data:   map[string]any{"reason": reason},
	})
	slog.Info("Goal cancelled", "goal_id", goalID, "reason", reason)

	if ok {
		gs.cancel()
	}

	// Administrative cleanup after the grace period: close any run an
	// executor failed to unwind.
	s.execWG.Add(1)
	go func() {
		defer s.execWG.Done()
		select {
		case <-time.After(s.cfg.CancelGrace):
		case <-s.stopCh:
			return
		}
		s.abortStragglers(goalID, reason)
		s.deactivateGoal(goalID)
	}()
	return nil
}

// abortStragglers closes open runs of a cancelled goal's in-flight items.
func (s *Scheduler) abortStragglers(goalID, reason string) {
	ctx := s.rootCtx
	if ctx == nil {
		ctx = context.Background()
	}
	items, err := s.store.ListWorkItemsByGoal(ctx, goalID)
	if err != nil {
		slog.Error("Failed to list work items for cancel cleanup", "goal_id", goalID, "error", err)
		s.errorCount.Add(1)
		return
	}
	for _, item := range items {
		if item.Status != models.WorkItemStatusInProgress && item.Status != models.WorkItemStatusVerify {
			continue
		}
		if n, err := s.store.AbortOpenRuns(ctx, item.ID, "goal cancelled: "+reason); err != nil {
			slog.Error("Failed to abort open runs", "work_item_id", item.ID, "error", err)
			s.errorCount.Add(1)
		} else if n > 0 {
			slog.Warn("Aborted straggler run after cancel grace",
				"work_item_id", item.ID, "goal_id", goalID)
		}
	}
}

// tick runs one scheduling pass: per active goal in priority order, check
// budget, promote and select ready items, and dispatch within lane caps.
func (s *Scheduler) tick(ctx context.Context) {
	s.ticks.Add(1)

	goals, err := s.store.ListGoalsByStatuses(ctx, models.GoalStatusActive)
	if err != nil {
		slog.Error("Tick failed to list active goals", "error", err)
		s.errorCount.Add(1)
		return
	}

	for _, goal := range goals {
		gs := s.goalStateFor(goal.ID)
		if gs == nil {
			// Active in the store but unknown here (e.g. admitted by a
			// previous process). Adopt it.
			gs = s.registerGoal(goal.ID)
		}
		if gs.cancelled {
			continue
		}
		if s.enforceBudget(ctx, goal, gs) {
			continue
		}
		s.dispatchGoal(ctx, goal, gs)
	}
}

// dispatchGoal promotes and dispatches the goal's ready items.
func (s *Scheduler) dispatchGoal(ctx context.Context, goal *models.Goal, gs *goalState) {
	ready, err := s.manager.ReadyWorkItems(ctx, goal.ID)
	if err != nil {
		slog.Error("Failed to select ready work items", "goal_id", goal.ID, "error", err)
		s.errorCount.Add(1)
		return
	}

	if len(ready) == 0 {
		// Nothing runnable: the goal may already be finished, or wedged.
		s.maybeFinishGoal(ctx, goal.ID)
		return
	}

	for _, item := range ready {
		lane := LaneForItem(item)
		if !s.lanes.tryAcquire(lane) {
			continue
		}
		if err := s.manager.Transition(ctx, item.ID, models.WorkItemStatusReady, models.WorkItemStatusInProgress, "dispatched"); err != nil {
			s.lanes.release(lane)
			var terr *workitem.TransitionError
			if !errors.As(err, &terr) {
				slog.Error("Failed to dispatch work item", "work_item_id", item.ID, "error", err)
				s.errorCount.Add(1)
			}
			continue
		}

		run, err := s.store.CreateRun(ctx, item.ID, goal.ID, item.Type)
		if err != nil {
			slog.Error("Failed to create run", "work_item_id", item.ID, "error", err)
			s.errorCount.Add(1)
			// Put the item back; it will be retried next tick.
			if _, cerr := s.store.CompareAndSwapWorkItemStatus(ctx, item.ID, models.WorkItemStatusInProgress, models.WorkItemStatusReady); cerr != nil {
				slog.Error("Failed to requeue work item after run create failure",
					"work_item_id", item.ID, "error", cerr)
			}
			s.lanes.release(lane)
			continue
		}

		s.dispatches.Add(1)
		s.bus.Publish(events.Event{
			Type:       events.TypeWorkItemStarted,
			GoalID:     goal.ID,
			WorkItemID: item.ID,
			Data:       map[string]any{"lane": string(lane), "seq": run.Seq},
		})
		s.bus.Publish(events.Event{
			Type:       events.TypeRunStarted,
			GoalID:     goal.ID,
			WorkItemID: item.ID,
			RunID:      run.ID,
			Data:       map[string]any{"seq": run.Seq},
		})
		slog.Info("Work item dispatched",
			"work_item_id", item.ID, "goal_id", goal.ID, "lane", lane, "seq", run.Seq)

		s.execWG.Add(1)
		go s.execute(gs, goal, item, run, lane)
	}
}

// execute runs one work item attempt and records the result. Runs on its
// own goroutine; everything it persists goes through completeWithRetry.
func (s *Scheduler) execute(gs *goalState, goal *models.Goal, item *models.WorkItem, run *models.Run, lane Lane) {
	defer s.execWG.Done()
	defer s.lanes.release(lane)

	result := s.exec.Execute(gs.ctx, item)
	if result == nil {
		result = &ExecutionResult{Outcome: OutcomeFailed, Err: errors.New("execution service returned no result")}
	}

	s.completeWithRetry(gs, goal, item, run, result)
	s.RequestTick()
}

// completeWithRetry persists an execution result, retrying transient
// store failures a bounded number of times.
func (s *Scheduler) completeWithRetry(gs *goalState, goal *models.Goal, item *models.WorkItem, run *models.Run, result *ExecutionResult) {
	ctx := s.rootCtx
	if ctx == nil {
		ctx = context.Background()
	}

	var err error
	for attempt := 1; attempt <= s.cfg.CompletionRetries; attempt++ {
		if err = s.complete(ctx, gs, goal, item, run, result); err == nil {
			return
		}
		var terr *workitem.TransitionError
		if errors.As(err, &terr) {
			// Logic error, not transient: someone else moved the item.
			slog.Warn("Completion lost a transition race", "work_item_id", item.ID, "error", err)
			return
		}
		slog.Warn("Completion attempt failed",
			"work_item_id", item.ID, "attempt", attempt, "error", err)
		time.Sleep(time.Duration(attempt) * 100 * time.Millisecond)
	}
	slog.Error("Giving up recording execution result; recovery will reconcile",
		"work_item_id", item.ID, "run_id", run.ID, "error", err)
	s.errorCount.Add(1)
}

// complete records one execution result: closes the run, walks the item
// through verification or failure handling, updates goal spend, and
// checks goal completion.
func (s *Scheduler) complete(ctx context.Context, gs *goalState, goal *models.Goal, item *models.WorkItem, run *models.Run, result *ExecutionResult) error {
	if gs.cancelled {
		if err := s.store.CompleteRun(ctx, run.ID, models.RunStatusAborted, result.Metrics, "goal cancelled"); err != nil && !errors.Is(err, store.ErrTerminalStatus) {
			return err
		}
		if err := s.manager.Transition(ctx, item.ID, models.WorkItemStatusInProgress, models.WorkItemStatusBlocked, "goal cancelled"); err != nil {
			var terr *workitem.TransitionError
			if !errors.As(err, &terr) {
				return err
			}
		}
		return nil
	}

	switch result.Outcome {
	case OutcomeSuccess:
		if err := s.store.CompleteRun(ctx, run.ID, models.RunStatusSuccess, result.Metrics, ""); err != nil && !errors.Is(err, store.ErrTerminalStatus) {
			return err
		}
		s.publishRunCompleted(goal.ID, item.ID, run.ID, models.RunStatusSuccess, result.Metrics)
		if err := s.recordSpend(ctx, goal, gs, result.Metrics); err != nil {
			return err
		}
		if len(item.Verification) > 0 {
			return s.verify(ctx, gs, goal, item)
		}
		if err := s.manager.Transition(ctx, item.ID, models.WorkItemStatusInProgress, models.WorkItemStatusDone, "execution succeeded"); err != nil {
			return err
		}
		s.completions.Add(1)
		s.bus.Publish(events.Event{
			Type:       events.TypeWorkItemCompleted,
			GoalID:     goal.ID,
			WorkItemID: item.ID,
		})
		s.maybeFinishGoal(ctx, goal.ID)
		return nil

	default:
		errMsg := "execution failed"
		if result.Err != nil {
			errMsg = result.Err.Error()
		}
		if err := s.store.CompleteRun(ctx, run.ID, models.RunStatusFailed, result.Metrics, errMsg); err != nil && !errors.Is(err, store.ErrTerminalStatus) {
			return err
		}
		s.publishRunCompleted(goal.ID, item.ID, run.ID, models.RunStatusFailed, result.Metrics)
		if err := s.recordSpend(ctx, goal, gs, result.Metrics); err != nil {
			return err
		}
		return s.failItem(ctx, goal, item, models.WorkItemStatusInProgress, errMsg)
	}
}

// verify walks a succeeded item through its quality gates. Deterministic
// gates run first and their verdict is final; a failing gate sends the
// item through the same retry/escalation path as an execution failure.
func (s *Scheduler) verify(ctx context.Context, gs *goalState, goal *models.Goal, item *models.WorkItem) error {
	if err := s.manager.Transition(ctx, item.ID, models.WorkItemStatusInProgress, models.WorkItemStatusVerify, "verification started"); err != nil {
		return err
	}
	if err := s.store.UpdateWorkItemVerification(ctx, item.ID, models.VerificationInProgress); err != nil {
		return err
	}
	s.bus.Publish(events.Event{
		Type:       events.TypeVerificationStarted,
		GoalID:     goal.ID,
		WorkItemID: item.ID,
		Data:       map[string]any{"gates": len(item.Verification)},
	})

	results, err := s.gates.RunGates(gs.ctx, item)
	if err != nil {
		slog.Error("Gate evaluation failed", "work_item_id", item.ID, "error", err)
		s.errorCount.Add(1)
		if verr := s.store.UpdateWorkItemVerification(ctx, item.ID, models.VerificationFailed); verr != nil {
			return verr
		}
		return s.failItem(ctx, goal, item, models.WorkItemStatusVerify, "verification error: "+err.Error())
	}

	if failure, failed := firstFailure(results); failed {
		if verr := s.store.UpdateWorkItemVerification(ctx, item.ID, models.VerificationFailed); verr != nil {
			return verr
		}
		s.bus.Publish(events.Event{
			Type:       events.TypeVerificationCompleted,
			GoalID:     goal.ID,
			WorkItemID: item.ID,
			Data:       map[string]any{"passed": false, "reason": failure.Reason},
		})
		return s.failItem(ctx, goal, item, models.WorkItemStatusVerify, "quality gate failed: "+failure.Reason)
	}

	if err := s.store.UpdateWorkItemVerification(ctx, item.ID, models.VerificationPassed); err != nil {
		return err
	}
	if err := s.manager.Transition(ctx, item.ID, models.WorkItemStatusVerify, models.WorkItemStatusDone, "verification passed"); err != nil {
		return err
	}
	s.completions.Add(1)
	s.bus.Publish(events.Event{
		Type:       events.TypeVerificationCompleted,
		GoalID:     goal.ID,
		WorkItemID: item.ID,
		Data:       map[string]any{"passed": true},
	})
	s.bus.Publish(events.Event{
		Type:       events.TypeWorkItemCompleted,
		GoalID:     goal.ID,
		WorkItemID: item.ID,
	})
	s.maybeFinishGoal(ctx, goal.ID)
	return nil
}

// failItem applies retry policy to a failed work item: requeue while the
// retry budget lasts, otherwise escalate and fail the goal.
func (s *Scheduler) failItem(ctx context.Context, goal *models.Goal, item *models.WorkItem, from models.WorkItemStatus, reason string) error {
	if err := s.manager.Transition(ctx, item.ID, from, models.WorkItemStatusFailed, reason); err != nil {
		return err
	}
	s.failures.Add(1)

	willRetry := item.RetryCount < item.MaxRetries
	s.bus.Publish(events.Event{
		Type:       events.TypeWorkItemFailed,
		GoalID:     goal.ID,
		WorkItemID: item.ID,
		Data:       map[string]any{"reason": reason, "will_retry": willRetry},
	})

	if willRetry {
		if err := s.manager.Retry(ctx, item.ID, models.WorkItemStatusReady, reason); err != nil {
			return err
		}
		s.retries.Add(1)
		slog.Info("Work item requeued for retry",
			"work_item_id", item.ID, "retry", item.RetryCount+1, "max_retries", item.MaxRetries)
		return nil
	}

	s.escalations.Add(1)
	s.bus.Publish(events.Event{
		Type:       events.TypeEscalationCreated,
		GoalID:     goal.ID,
		WorkItemID: item.ID,
		Data:       map[string]any{"reason": reason, "retries": item.RetryCount},
	})
	slog.Warn("Work item escalated after exhausting retries",
		"work_item_id", item.ID, "goal_id", goal.ID, "reason", reason)

	return s.failGoal(ctx, goal.ID, fmt.Sprintf("work item %s failed: %s", item.ID, reason))
}

// recordSpend adds run metrics to the goal's spend and enforces the
// budget against the updated totals.
func (s *Scheduler) recordSpend(ctx context.Context, goal *models.Goal, gs *goalState, metrics models.RunMetrics) error {
	delta := models.Spend{
		Tokens:  metrics.TokensUsed,
		Minutes: metrics.WallSeconds / 60,
		Cost:    metrics.Cost,
	}
	if delta == (models.Spend{}) {
		return nil
	}
	if err := s.store.AddGoalSpend(ctx, goal.ID, delta); err != nil {
		return err
	}
	fresh, err := s.store.GetGoal(ctx, goal.ID)
	if err != nil {
		return err
	}
	s.enforceBudget(ctx, fresh, gs)
	return nil
}

// enforceBudget emits the one-shot warning at the threshold and fails the
// goal once any budget dimension is exceeded. Returns true when the goal
// was failed.
func (s *Scheduler) enforceBudget(ctx context.Context, goal *models.Goal, gs *goalState) bool {
	if goal.Spent.Exceeds(goal.Budget) {
		s.bus.Publish(events.Event{
			Type:   events.TypeBudgetExceeded,
			GoalID: goal.ID,
			Data: map[string]any{
				"spent_tokens": goal.Spent.Tokens, "budget_tokens": goal.Budget.Tokens,
				"spent_cost": goal.Spent.Cost, "budget_cost": goal.Budget.Cost,
				"spent_minutes": goal.Spent.Minutes, "budget_minutes": goal.Budget.Minutes,
			},
		})
		if err := s.failGoal(ctx, goal.ID, "budget exhausted"); err != nil {
			slog.Error("Failed to fail goal over budget", "goal_id", goal.ID, "error", err)
			s.errorCount.Add(1)
		}
		return true
	}

	if !gs.budgetWarned && budgetFraction(goal.Spent, goal.Budget) >= budgetWarnFraction {
		gs.budgetWarned = true
		s.bus.Publish(events.Event{
			Type:   events.TypeBudgetWarning,
			GoalID: goal.ID,
			Data:   map[string]any{"fraction": budgetFraction(goal.Spent, goal.Budget)},
		})
		slog.Warn("Goal approaching budget", "goal_id", goal.ID)
	}
	return false
}

// budgetFraction returns the highest spend fraction across the non-zero
// budget dimensions.
func budgetFraction(sp models.Spend, b models.Budget) float64 {
	frac := 0.0
	if b.Tokens > 0 {
		if f := float64(sp.Tokens) / float64(b.Tokens); f > frac {
			frac = f
		}
	}
	if b.Minutes > 0 {
		if f := sp.Minutes / b.Minutes; f > frac {
			frac = f
		}
	}
	if b.Cost > 0 {
		if f := sp.Cost / b.Cost; f > frac {
			frac = f
		}
	}
	return frac
}

// failGoal marks a goal failed, cancels its in-flight work, and emits
// goal_failed. Already-terminal goals are left alone.
func (s *Scheduler) failGoal(ctx context.Context, goalID, reason string) error {
	if err := s.store.UpdateGoalStatus(ctx, goalID, models.GoalStatusFailed, reason); err != nil {
		if errors.Is(err, store.ErrTerminalStatus) {
			return nil
		}
		return err
	}
	s.bus.Publish(events.Event{
		Type:   events.TypeGoalFailed,
		GoalID: goalID,
		Data:   map[string]any{"reason": reason},
	})
	slog.Warn("Goal failed", "goal_id", goalID, "reason", reason)
	s.deactivateGoal(goalID)
	return nil
}

// maybeFinishGoal completes the goal once every work item is done. A goal
// with no work items at all completes immediately.
func (s *Scheduler) maybeFinishGoal(ctx context.Context, goalID string) {
	counts, err := s.store.CountWorkItemsByStatus(ctx, goalID)
	if err != nil {
		slog.Error("Failed to count work items", "goal_id", goalID, "error", err)
		s.errorCount.Add(1)
		return
	}
	total := 0
	for _, n := range counts {
		total += n
	}
	if counts[models.WorkItemStatusDone] != total {
		return
	}
	if err := s.store.UpdateGoalStatus(ctx, goalID, models.GoalStatusCompleted, ""); err != nil {
		if !errors.Is(err, store.ErrTerminalStatus) {
			slog.Error("Failed to complete goal", "goal_id", goalID, "error", err)
			s.errorCount.Add(1)
		}
		return
	}
	s.bus.Publish(events.Event{Type: events.TypeGoalCompleted, GoalID: goalID})
	slog.Info("Goal completed", "goal_id", goalID)
	s.deactivateGoal(goalID)
}

func (s *Scheduler) publishRunCompleted(goalID, itemID, runID string, status models.RunStatus, metrics models.RunMetrics) {
	s.bus.Publish(events.Event{
		Type:       events.TypeRunCompleted,
		GoalID:     goalID,
		WorkItemID: itemID,
		RunID:      runID,
		Data: map[string]any{
			"status":       string(status),
			"tokens_used":  metrics.TokensUsed,
			"wall_seconds": metrics.WallSeconds,
			"cost":         metrics.Cost,
		},
	})
}

// Stats returns a snapshot of the scheduler's counters.
func (s *Scheduler) Stats() Stats {
	s.mu.Lock()
	active := len(s.goals)
	s.mu.Unlock()
	return Stats{
		Ticks:          s.ticks.Load(),
		Dispatches:     s.dispatches.Load(),
		Completions:    s.completions.Load(),
		Failures:       s.failures.Load(),
		Retries:        s.retries.Load(),
		Escalations:    s.escalations.Load(),
		RecoveredItems: s.recovered.Load(),
		Errors:         s.errorCount.Load(),
		ActiveGoals:    active,
	}
}

// Lanes returns current per-lane occupancy.
func (s *Scheduler) Lanes() map[Lane]LaneStats {
	return s.lanes.snapshot()
}
