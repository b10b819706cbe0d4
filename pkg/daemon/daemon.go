package daemon

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/helmsman-ai/helmsman/pkg/agentsched"
	"github.com/helmsman-ai/helmsman/pkg/audit"
	"github.com/helmsman-ai/helmsman/pkg/config"
	"github.com/helmsman-ai/helmsman/pkg/database"
	"github.com/helmsman-ai/helmsman/pkg/events"
	"github.com/helmsman-ai/helmsman/pkg/httpapi"
	"github.com/helmsman-ai/helmsman/pkg/ipc"
	"github.com/helmsman-ai/helmsman/pkg/models"
	"github.com/helmsman-ai/helmsman/pkg/scheduler"
	"github.com/helmsman-ai/helmsman/pkg/store"
	"github.com/helmsman-ai/helmsman/pkg/workitem"
)

// ipcEventBridgeID is the bus subscriber id of the IPC broadcast bridge.
const ipcEventBridgeID = "ipc-bridge"

// statsInterval is how often the daemon pushes a scheduler_stats debug
// event to connected control planes.
const statsInterval = time.Minute

// Daemon is the execution daemon: it owns the database, the scheduler,
// the cron dispatcher, the IPC server, the audit writer, the prune loop,
// and the HTTP status surface, behind one PID lock.
type Daemon struct {
	cfg *config.Config

	lock       *PIDLock
	db         *database.Client
	store      *store.Store
	bus        *events.Bus
	manager    *workitem.Manager
	scheduler  *scheduler.Scheduler
	dispatcher *agentsched.Dispatcher
	ipcServer  *ipc.Server
	auditor    *audit.Writer
	httpServer *httpapi.Server

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// New wires the daemon together. The executor may be nil, in which case
// the configured runner command is used.
func New(ctx context.Context, cfg *config.Config, executor scheduler.ExecutionService) (*Daemon, error) {
	lock, err := AcquirePIDLock(cfg.PIDLockPath())
	if err != nil {
		return nil, err
	}

	db, err := database.NewClient(ctx, database.Config{
		Path:         cfg.DatabasePath(),
		BusyTimeout:  cfg.Database.BusyTimeout,
		MaxOpenConns: cfg.Database.MaxOpenConns,
	})
	if err != nil {
		lock.Release()
		return nil, err
	}

	st := store.New(db.DB())
	bus := events.NewBus()
	manager := workitem.NewManager(st)

	if executor == nil {
		if cfg.Scheduler.RunnerCommand == "" {
			slog.Warn("No runner command configured; work item execution will fail until one is set")
		}
		executor = &RunnerExecutor{Command: cfg.Scheduler.RunnerCommand}
	}

	sched := scheduler.New(cfg.Scheduler, st, manager, executor, nil, bus)
	dispatcher := agentsched.NewDispatcher(cfg.Cron, cfg.AgentRegistry, st, sched)
	auditor := audit.NewWriter(ctx, st)

	d := &Daemon{
		cfg:        cfg,
		lock:       lock,
		db:         db,
		store:      st,
		bus:        bus,
		manager:    manager,
		scheduler:  sched,
		dispatcher: dispatcher,
		auditor:    auditor,
		stopCh:     make(chan struct{}),
	}
	d.ipcServer = ipc.NewServer(cfg.DaemonSocketPath(), d.handleCommand)
	if cfg.HTTP.Enabled {
		d.httpServer = httpapi.NewServer(cfg.HTTP, db, sched, dispatcher, bus)
	}
	return d, nil
}

// Start brings every component up. On any failure the daemon is torn
// down and the error returned.
func (d *Daemon) Start(ctx context.Context) error {
	audit.Subscribe(d.bus, d.auditor)
	d.bus.Subscribe(ipcEventBridgeID, func(ev events.Event) {
		d.ipcServer.Broadcast(ev)
	})

	if err := d.ipcServer.Start(ctx); err != nil {
		d.teardown()
		return err
	}
	if err := d.scheduler.Start(ctx); err != nil {
		d.teardown()
		return err
	}
	if err := d.dispatcher.Start(ctx); err != nil {
		d.teardown()
		return err
	}
	if d.httpServer != nil {
		if err := d.httpServer.Start(); err != nil {
			d.teardown()
			return err
		}
	}

	d.wg.Add(2)
	go d.pruneLoop(ctx)
	go d.statsLoop()

	slog.Info("Daemon started",
		"db", d.cfg.DatabasePath(),
		"socket", d.cfg.DaemonSocketPath(),
		"agents", d.cfg.AgentRegistry.Len())
	return nil
}

// Stop shuts the daemon down in dependency order and releases the PID
// lock.
func (d *Daemon) Stop() {
	d.stopOnce.Do(func() { close(d.stopCh) })
	d.wg.Wait()

	d.dispatcher.Stop()
	d.scheduler.Stop()
	d.ipcServer.Stop()
	if d.httpServer != nil {
		d.httpServer.Stop()
	}
	d.bus.Unsubscribe(ipcEventBridgeID)
	d.bus.Unsubscribe(audit.BridgeID)
	d.auditor.Close()
	d.teardown()
	slog.Info("Daemon stopped")
}

// teardown closes what New opened. Safe to call after partial startup.
func (d *Daemon) teardown() {
	if d.db != nil {
		if err := d.db.Close(); err != nil {
			slog.Warn("Failed to close database", "error", err)
		}
		d.db = nil
	}
	if d.lock != nil {
		d.lock.Release()
		d.lock = nil
	}
}

// pruneLoop applies the retention policy on an interval.
func (d *Daemon) pruneLoop(ctx context.Context) {
	defer d.wg.Done()
	ticker := time.NewTicker(d.cfg.Retention.PruneInterval)
	defer ticker.Stop()
	for {
		select {
		case <-d.stopCh:
			return
		case <-ticker.C:
			d.pruneOnce(ctx)
		}
	}
}

func (d *Daemon) pruneOnce(ctx context.Context) {
	now := time.Now().UTC()
	if n, err := d.store.PruneGoals(ctx, now.Add(-d.cfg.Retention.GoalRetention)); err != nil {
		slog.Error("Goal prune failed", "error", err)
	} else if n > 0 {
		slog.Info("Pruned terminal goals", "count", n)
	}
	if n, err := d.store.PruneAudit(ctx, now.Add(-d.cfg.Retention.AuditRetention)); err != nil {
		slog.Error("Audit prune failed", "error", err)
	} else if n > 0 {
		slog.Info("Pruned audit entries", "count", n)
	}
}

// statsLoop periodically pushes scheduler stats as a debug event.
func (d *Daemon) statsLoop() {
	defer d.wg.Done()
	ticker := time.NewTicker(statsInterval)
	defer ticker.Stop()
	for {
		select {
		case <-d.stopCh:
			return
		case <-ticker.C:
			d.ipcServer.BroadcastDebug(map[string]any{
				"scheduler_stats": d.scheduler.Stats(),
				"lanes":           d.scheduler.Lanes(),
				"cron_stats":      d.dispatcher.Stats(),
			})
		}
	}
}

// handleCommand answers scheduler commands from the control plane.
func (d *Daemon) handleCommand(ctx context.Context, cmd *ipc.Command) (any, error) {
	switch cmd.Command {
	case ipc.CommandSubmitGoal:
		var params struct {
			GoalID string `json:"goal_id"`
		}
		if err := json.Unmarshal(cmd.Params, &params); err != nil || params.GoalID == "" {
			return nil, fmt.Errorf("goal_id is required")
		}
		if err := d.scheduler.SubmitGoal(ctx, params.GoalID); err != nil {
			return nil, err
		}
		return map[string]string{"goal_id": params.GoalID}, nil

	case ipc.CommandCancelGoal:
		var params struct {
			GoalID string `json:"goal_id"`
			Reason string `json:"reason"`
		}
		if err := json.Unmarshal(cmd.Params, &params); err != nil || params.GoalID == "" {
			return nil, fmt.Errorf("goal_id is required")
		}
		if err := d.scheduler.CancelGoal(ctx, params.GoalID, params.Reason); err != nil {
			return nil, err
		}
		return map[string]string{"goal_id": params.GoalID}, nil

	case ipc.CommandGoalStatus:
		var params struct {
			GoalID string `json:"goal_id"`
		}
		if err := json.Unmarshal(cmd.Params, &params); err != nil || params.GoalID == "" {
			return nil, fmt.Errorf("goal_id is required")
		}
		goal, err := d.store.GetGoal(ctx, params.GoalID)
		if err != nil {
			return nil, err
		}
		counts, err := d.store.CountWorkItemsByStatus(ctx, params.GoalID)
		if err != nil {
			return nil, err
		}
		return map[string]any{"goal": goal, "counts": counts}, nil

	case ipc.CommandListGoals:
		resp, err := d.store.ListGoals(ctx, parseGoalFilters(cmd.Params))
		if err != nil {
			return nil, err
		}
		return resp, nil

	case ipc.CommandStats:
		return map[string]any{
			"scheduler":  d.scheduler.Stats(),
			"lanes":      d.scheduler.Lanes(),
			"cron":       d.dispatcher.Stats(),
			"database":   d.db.Health(ctx),
			"ipc_conns":  d.ipcServer.ConnectionCount(),
			"audit_drop": d.auditor.Dropped(),
		}, nil

	case ipc.CommandDispatchNow:
		d.dispatcher.DispatchOnce(ctx, time.Now())
		d.scheduler.RequestTick()
		return map[string]bool{"dispatched": true}, nil

	default:
		return nil, fmt.Errorf("unknown command %q", cmd.Command)
	}
}

func parseGoalFilters(raw json.RawMessage) models.GoalFilters {
	var f models.GoalFilters
	if len(raw) > 0 {
		_ = json.Unmarshal(raw, &f)
	}
	return f
}
