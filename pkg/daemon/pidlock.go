// Package daemon assembles the execution daemon: PID lock, store,
// scheduler, cron dispatcher, IPC server, audit writer, prune loop, and
// the HTTP status surface.
package daemon

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"syscall"
)

// ErrAlreadyRunning reports a live daemon holding the PID lock.
type ErrAlreadyRunning struct {
	PID int
}

func (e *ErrAlreadyRunning) Error() string {
	return fmt.Sprintf("another daemon is already running (pid %d)", e.PID)
}

// PIDLock is an exclusive on-disk lock keyed by process liveness. A lock
// file naming a dead process is stale and silently replaced.
type PIDLock struct {
	path string
}

// AcquirePIDLock takes the lock or fails with ErrAlreadyRunning.
func AcquirePIDLock(path string) (*PIDLock, error) {
	if raw, err := os.ReadFile(path); err == nil {
		pid, perr := strconv.Atoi(strings.TrimSpace(string(raw)))
		if perr == nil && pid > 0 && processAlive(pid) {
			return nil, &ErrAlreadyRunning{PID: pid}
		}
		if rerr := os.Remove(path); rerr != nil && !os.IsNotExist(rerr) {
			return nil, fmt.Errorf("remove stale pid lock: %w", rerr)
		}
		slog.Info("Removed stale PID lock", "path", path, "stale_pid", strings.TrimSpace(string(raw)))
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("read pid lock: %w", err)
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600)
	if err != nil {
		if os.IsExist(err) {
			// Lost the race to another starting daemon.
			return nil, &ErrAlreadyRunning{}
		}
		return nil, fmt.Errorf("create pid lock: %w", err)
	}
	defer f.Close()

	if _, err := fmt.Fprintf(f, "%d\n", os.Getpid()); err != nil {
		os.Remove(path)
		return nil, fmt.Errorf("write pid lock: %w", err)
	}
	return &PIDLock{path: path}, nil
}

// Release drops the lock. Only the holder should call this.
func (l *PIDLock) Release() {
	if err := os.Remove(l.path); err != nil && !os.IsNotExist(err) {
		slog.Warn("Failed to remove PID lock", "path", l.path, "error", err)
	}
}

// processAlive probes a pid with signal zero.
func processAlive(pid int) bool {
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	err = proc.Signal(syscall.Signal(0))
	if err == nil {
		return true
	}
	// EPERM means the process exists but belongs to someone else.
	return errors.Is(err, syscall.EPERM)
}
