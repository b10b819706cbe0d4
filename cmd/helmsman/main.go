// Helmsman — autonomous goal scheduling and execution. One binary, two
// roles: `helmsman daemon` runs the execution daemon (scheduler, cron
// dispatcher, IPC server); `helmsman serve` runs the client-facing
// control plane.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/helmsman-ai/helmsman/pkg/audit"
	"github.com/helmsman-ai/helmsman/pkg/auth"
	"github.com/helmsman-ai/helmsman/pkg/config"
	"github.com/helmsman-ai/helmsman/pkg/daemon"
	"github.com/helmsman-ai/helmsman/pkg/database"
	"github.com/helmsman-ai/helmsman/pkg/ipc"
	"github.com/helmsman-ai/helmsman/pkg/rpc"
	"github.com/helmsman-ai/helmsman/pkg/store"
	"github.com/helmsman-ai/helmsman/pkg/version"
)

// exit codes
const (
	exitOK             = 0
	exitError          = 1
	exitAlreadyRunning = 2
)

func usage() {
	fmt.Fprintf(os.Stderr, `helmsman %s

Usage:
  helmsman daemon [-config-dir DIR]   run the execution daemon
  helmsman serve  [-config-dir DIR]   run the control plane
`, version.Full())
}

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(exitError)
	}
	sub := os.Args[1]

	fs := flag.NewFlagSet(sub, flag.ExitOnError)
	configDirFlag := fs.String("config-dir", "", "configuration directory (default $HELMSMAN_CONFIG_DIR or ~/.helmsman)")
	fs.Parse(os.Args[2:])

	cfg, err := initialize(*configDirFlag)
	if err != nil {
		slog.Error("Failed to initialize configuration", "error", err)
		os.Exit(exitError)
	}

	switch sub {
	case "daemon":
		os.Exit(runDaemon(cfg))
	case "serve":
		os.Exit(runServe(cfg))
	case "version":
		fmt.Println(version.Full())
		os.Exit(exitOK)
	default:
		usage()
		os.Exit(exitError)
	}
}

// initialize resolves the config directory, loads .env, and parses
// configuration.
func initialize(configDirFlag string) (*config.Config, error) {
	configDir := configDirFlag
	if configDir == "" {
		var err error
		configDir, err = config.ResolveConfigDir()
		if err != nil {
			return nil, err
		}
	}

	envPath := filepath.Join(configDir, ".env")
	if err := godotenv.Load(envPath); err != nil {
		slog.Debug("No .env file, continuing with existing environment", "path", envPath)
	} else {
		slog.Info("Loaded environment", "path", envPath)
	}

	return config.Initialize(configDir)
}

// runDaemon starts the execution daemon and blocks until a signal.
func runDaemon(cfg *config.Config) int {
	slog.Info("Starting helmsman daemon", "version", version.Full())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	d, err := daemon.New(ctx, cfg, nil)
	if err != nil {
		var running *daemon.ErrAlreadyRunning
		if errors.As(err, &running) {
			slog.Error("Daemon already running", "pid", running.PID)
			return exitAlreadyRunning
		}
		slog.Error("Failed to create daemon", "error", err)
		return exitError
	}
	if err := d.Start(ctx); err != nil {
		slog.Error("Failed to start daemon", "error", err)
		return exitError
	}

	waitForSignal()
	slog.Info("Shutting down daemon")
	cancel()
	d.Stop()
	return exitOK
}

// runServe starts the control plane and blocks until a signal.
func runServe(cfg *config.Config) int {
	slog.Info("Starting helmsman control plane", "version", version.Full())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// The control plane shares the daemon's database read-mostly; the
	// daemon remains the only writer of scheduling state.
	dbClient, err := database.NewClient(ctx, database.Config{
		Path:         cfg.DatabasePath(),
		BusyTimeout:  cfg.Database.BusyTimeout,
		MaxOpenConns: cfg.Database.MaxOpenConns,
	})
	if err != nil {
		slog.Error("Failed to open database", "error", err)
		return exitError
	}
	defer func() {
		if err := dbClient.Close(); err != nil {
			slog.Error("Error closing database", "error", err)
		}
	}()

	st := store.New(dbClient.DB())
	auditor := audit.NewWriter(ctx, st)
	defer auditor.Close()

	authMgr, err := auth.NewManager(cfg.Auth, cfg.CredentialsPath())
	if err != nil {
		slog.Error("Failed to load credentials", "error", err)
		return exitError
	}

	var server *rpc.Server
	daemonClient := ipc.NewClient(cfg.DaemonSocketPath(), cfg.IPC.CommandTimeout, func(msg *ipc.Message) {
		server.HandleDaemonEvent(msg)
	})
	server = rpc.NewServer(cfg, st, authMgr, daemonClient, auditor, cfg.ClientSocketPath())

	if err := daemonClient.Connect(); err != nil {
		slog.Warn("Scheduler daemon is not connected; submitted goals will stay queued until it is",
			"error", err)
	}
	// Keep trying in the background; the daemon may start later.
	go reconnectLoop(ctx, daemonClient)

	if err := server.Start(ctx); err != nil {
		slog.Error("Failed to start control plane", "error", err)
		return exitError
	}

	waitForSignal()
	slog.Info("Shutting down control plane")
	cancel()
	server.Stop()
	daemonClient.Close()
	return exitOK
}

// reconnectLoop redials the daemon socket while disconnected.
func reconnectLoop(ctx context.Context, client *ipc.Client) {
	ticker := time.NewTicker(3 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if client.Connected() {
				continue
			}
			if err := client.Connect(); err == nil {
				slog.Info("Reconnected to scheduler daemon")
			}
		}
	}
}

func waitForSignal() {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	slog.Info("Received signal", "signal", sig)
}
