package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInitialize_EmptyDirUsesDefaults(t *testing.T) {
	dir := t.TempDir()

	cfg, err := Initialize(dir)
	require.NoError(t, err)

	assert.Equal(t, time.Second, cfg.Scheduler.TickInterval)
	assert.Equal(t, LaneCaps{Main: 4, Subagent: 8, Cron: 2, Session: 4}, cfg.Scheduler.Lanes)
	assert.Equal(t, 15*time.Second, cfg.Cron.LoopInterval)
	assert.Equal(t, 30*time.Second, cfg.Cron.ClaimTTL)
	assert.Equal(t, "UTC", cfg.Cron.DefaultTimezone)
	assert.True(t, cfg.Auth.Enabled)
	assert.Equal(t, dir, cfg.ConfigDir())
	assert.Equal(t, 0, cfg.Stats().Agents)
}

func TestInitialize_ParsesYAMLAndFillsGaps(t *testing.T) {
	dir := t.TempDir()
	raw := `
scheduler:
  tick_interval: 250ms
  lanes:
    main: 2
    subagent: 3
    cron: 1
    session: 1
cron:
  loop_interval: 5s
agents:
  market-watch:
    kind: market_listener
    every: 1m
    objective: watch the tape
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, FileName), []byte(raw), 0o600))

	cfg, err := Initialize(dir)
	require.NoError(t, err)

	assert.Equal(t, 250*time.Millisecond, cfg.Scheduler.TickInterval)
	assert.Equal(t, 2, cfg.Scheduler.Lanes.Main)
	// Unset fields still come from defaults.
	assert.Equal(t, 30*time.Second, cfg.Scheduler.CancelGrace)
	assert.Equal(t, 3, cfg.Scheduler.CompletionRetries)
	assert.Equal(t, 5*time.Second, cfg.Cron.LoopInterval)
	assert.Equal(t, 10*time.Second, cfg.Cron.ClaimTTL, "claim TTL defaults to two loop intervals")

	agent, err := cfg.GetAgent("market-watch")
	require.NoError(t, err)
	assert.Equal(t, "market-watch", agent.ID, "map key becomes the agent id")
	assert.Equal(t, AgentKindMarketListener, agent.Kind)
	assert.Equal(t, time.Minute, agent.Every)
	assert.Equal(t, 1, cfg.Stats().Agents)
}

func TestInitialize_RejectsInvalidYAML(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, FileName), []byte("scheduler: [nope"), 0o600))

	_, err := Initialize(dir)
	assert.ErrorContains(t, err, "parsing")
}

func TestInitialize_RejectsInvalidConfig(t *testing.T) {
	dir := t.TempDir()
	raw := "scheduler:\n  tick_interval: 1ms\n"
	require.NoError(t, os.WriteFile(filepath.Join(dir, FileName), []byte(raw), 0o600))

	_, err := Initialize(dir)
	assert.ErrorContains(t, err, "tick_interval must be at least 10ms")
}

func TestInitialize_EnvOverridesDatabasePath(t *testing.T) {
	dir := t.TempDir()
	t.Setenv(EnvDBPath, "/var/lib/helmsman/override.db")

	cfg, err := Initialize(dir)
	require.NoError(t, err)
	assert.Equal(t, "/var/lib/helmsman/override.db", cfg.Database.Path)
	assert.Equal(t, "/var/lib/helmsman/override.db", cfg.DatabasePath(), "absolute paths pass through unresolved")
}

func TestResolveConfigDir_EnvOverride(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "custom")
	t.Setenv(EnvConfigDir, dir)

	got, err := ResolveConfigDir()
	require.NoError(t, err)
	assert.Equal(t, dir, got)

	info, err := os.Stat(dir)
	require.NoError(t, err)
	assert.True(t, info.IsDir(), "config dir is created when missing")
}

func TestConfig_PathAccessors(t *testing.T) {
	dir := t.TempDir()
	cfg, err := Initialize(dir)
	require.NoError(t, err)

	assert.Equal(t, filepath.Join(dir, "helmsman.db"), cfg.DatabasePath())
	assert.Equal(t, filepath.Join(dir, "daemon.sock"), cfg.DaemonSocketPath())
	assert.Equal(t, filepath.Join(dir, "control.sock"), cfg.ClientSocketPath())
	assert.Equal(t, filepath.Join(dir, "daemon.pid"), cfg.PIDLockPath())
	assert.Equal(t, filepath.Join(dir, "credentials.json"), cfg.CredentialsPath())
}

func TestValidateScheduler(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*SchedulerConfig)
		wantErr string
	}{
		{"defaults pass", func(c *SchedulerConfig) {}, ""},
		{"tick too small", func(c *SchedulerConfig) { c.TickInterval = 5 * time.Millisecond }, "tick_interval"},
		{"zero lane cap", func(c *SchedulerConfig) { c.Lanes.Cron = 0 }, `lane cap "cron"`},
		{"negative lane cap", func(c *SchedulerConfig) { c.Lanes.Main = -1 }, `lane cap "main"`},
		{"no completion retries", func(c *SchedulerConfig) { c.CompletionRetries = 0 }, "completion_retries"},
		{"zero cancel grace", func(c *SchedulerConfig) { c.CancelGrace = 0 }, "cancel_grace"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := DefaultSchedulerConfig()
			tt.mutate(c)
			err := ValidateScheduler(c)
			if tt.wantErr == "" {
				assert.NoError(t, err)
			} else {
				assert.ErrorContains(t, err, tt.wantErr)
			}
		})
	}

	assert.Error(t, ValidateScheduler(nil))
}

func TestValidateCron(t *testing.T) {
	c := DefaultCronConfig()
	assert.NoError(t, ValidateCron(c))

	c.LoopInterval = 50 * time.Millisecond
	assert.ErrorContains(t, ValidateCron(c), "loop_interval")

	c = DefaultCronConfig()
	c.ClaimTTL = c.LoopInterval / 2
	assert.ErrorContains(t, ValidateCron(c), "claim_ttl")

	c = DefaultCronConfig()
	c.DefaultTimezone = "Mars/Olympus_Mons"
	assert.ErrorContains(t, ValidateCron(c), "invalid default_timezone")
}

func TestValidateDatabase(t *testing.T) {
	c := DefaultDatabaseConfig()
	assert.NoError(t, ValidateDatabase(c))

	c.Path = ""
	assert.ErrorContains(t, ValidateDatabase(c), "database path")

	c = DefaultDatabaseConfig()
	c.MaxOpenConns = 0
	assert.ErrorContains(t, ValidateDatabase(c), "max_open_conns")
}

func TestValidateRetention(t *testing.T) {
	c := DefaultRetentionConfig()
	assert.NoError(t, ValidateRetention(c))

	c.PruneInterval = 30 * time.Second
	assert.ErrorContains(t, ValidateRetention(c), "prune_interval")
}
