package config

import (
	"fmt"
	"time"
)

// LaneCaps holds the maximum concurrently-executing work item count per
// lane. A lane at its cap leaves further ready items untouched until a
// slot frees up.
type LaneCaps struct {
	Main     int `yaml:"main"`
	Subagent int `yaml:"subagent"`
	Cron     int `yaml:"cron"`
	Session  int `yaml:"session"`
}

// SchedulerConfig controls the execution daemon's tick loop.
type SchedulerConfig struct {
	// TickInterval is the fixed tick period. Ticks are serialized: a
	// firing that arrives while a tick is still running is dropped.
	TickInterval time.Duration `yaml:"tick_interval"`

	// Lanes are the per-lane concurrency caps.
	Lanes LaneCaps `yaml:"lanes"`

	// CancelGrace is how long a cancelled work item's executor gets to
	// unwind before its run is closed as aborted administratively.
	CancelGrace time.Duration `yaml:"cancel_grace"`

	// CompletionRetries bounds persistence retries when recording an
	// execution result.
	CompletionRetries int `yaml:"completion_retries"`

	// GracefulShutdownTimeout is the max time to wait for in-flight work
	// items during shutdown.
	GracefulShutdownTimeout time.Duration `yaml:"graceful_shutdown_timeout"`

	// RunnerCommand is the external work item runner: a shell command
	// that receives the work item as JSON on stdin and reports metrics
	// as JSON on stdout. Empty means no runner is wired and every
	// dispatch fails.
	RunnerCommand string `yaml:"runner_command"`
}

// DefaultSchedulerConfig returns the built-in scheduler defaults.
func DefaultSchedulerConfig() *SchedulerConfig {
	return &SchedulerConfig{
		TickInterval: 1 * time.Second,
		Lanes: LaneCaps{
			Main:     4,
			Subagent: 8,
			Cron:     2,
			Session:  4,
		},
		CancelGrace:             30 * time.Second,
		CompletionRetries:       3,
		GracefulShutdownTimeout: 60 * time.Second,
	}
}

// ValidateScheduler checks scheduler configuration bounds.
func ValidateScheduler(c *SchedulerConfig) error {
	if c == nil {
		return fmt.Errorf("scheduler configuration is nil")
	}
	if c.TickInterval < 10*time.Millisecond {
		return fmt.Errorf("tick_interval must be at least 10ms, got %v", c.TickInterval)
	}
	for _, lane := range []struct {
		name string
		cap  int
	}{
		{"main", c.Lanes.Main},
		{"subagent", c.Lanes.Subagent},
		{"cron", c.Lanes.Cron},
		{"session", c.Lanes.Session},
	} {
		if lane.cap < 1 {
			return fmt.Errorf("lane cap %q must be at least 1, got %d", lane.name, lane.cap)
		}
	}
	if c.CompletionRetries < 1 {
		return fmt.Errorf("completion_retries must be at least 1, got %d", c.CompletionRetries)
	}
	if c.CancelGrace <= 0 {
		return fmt.Errorf("cancel_grace must be positive, got %v", c.CancelGrace)
	}
	return nil
}
