package config

import (
	"fmt"
	"time"
)

// CronConfig controls the agent (cron) scheduler loop.
type CronConfig struct {
	// LoopInterval is how often the dispatcher scans for due cron jobs.
	LoopInterval time.Duration `yaml:"loop_interval"`

	// ClaimTTL is how long a dispatch claim on a cron job lasts. If the
	// claiming daemon dies, the job becomes reclaimable once the claim
	// expires. Defaults to two loop intervals.
	ClaimTTL time.Duration `yaml:"claim_ttl"`

	// DefaultTimezone applies to schedules that do not carry their own.
	DefaultTimezone string `yaml:"default_timezone"`
}

// DefaultCronConfig returns the built-in cron dispatcher defaults.
func DefaultCronConfig() *CronConfig {
	loop := 15 * time.Second
	return &CronConfig{
		LoopInterval:    loop,
		ClaimTTL:        2 * loop,
		DefaultTimezone: "UTC",
	}
}

// ValidateCron checks cron dispatcher configuration bounds.
func ValidateCron(c *CronConfig) error {
	if c == nil {
		return fmt.Errorf("cron configuration is nil")
	}
	if c.LoopInterval < 100*time.Millisecond {
		return fmt.Errorf("loop_interval must be at least 100ms, got %v", c.LoopInterval)
	}
	if c.ClaimTTL < c.LoopInterval {
		return fmt.Errorf("claim_ttl (%v) must be at least loop_interval (%v)", c.ClaimTTL, c.LoopInterval)
	}
	if c.DefaultTimezone != "" {
		if _, err := time.LoadLocation(c.DefaultTimezone); err != nil {
			return fmt.Errorf("invalid default_timezone %q: %w", c.DefaultTimezone, err)
		}
	}
	return nil
}
