package config

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// EnvConfigDir overrides the default config directory (~/.helmsman).
const EnvConfigDir = "HELMSMAN_CONFIG_DIR"

// EnvDBPath overrides the database file path.
const EnvDBPath = "HELMSMAN_DB_PATH"

// FileName is the main configuration file inside the config directory.
const FileName = "helmsman.yaml"

// helmsmanYAML mirrors the helmsman.yaml file structure.
type helmsmanYAML struct {
	Scheduler *SchedulerConfig        `yaml:"scheduler"`
	Cron      *CronConfig             `yaml:"cron"`
	IPC       *IPCConfig              `yaml:"ipc"`
	Auth      *AuthConfig             `yaml:"auth"`
	Retention *RetentionConfig        `yaml:"retention"`
	Database  *DatabaseConfig         `yaml:"database"`
	HTTP      *HTTPConfig             `yaml:"http"`
	Agents    map[string]*AgentConfig `yaml:"agents"`
}

// ResolveConfigDir returns the configuration directory: $HELMSMAN_CONFIG_DIR
// if set, else ~/.helmsman. The directory is created (0700) if missing.
func ResolveConfigDir() (string, error) {
	dir := os.Getenv(EnvConfigDir)
	if dir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("resolving home directory: %w", err)
		}
		dir = filepath.Join(home, ".helmsman")
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", fmt.Errorf("creating config directory %s: %w", dir, err)
	}
	return dir, nil
}

// Initialize loads, validates, and returns ready-to-use configuration.
//
// Steps performed:
//  1. Read helmsman.yaml from configDir (missing file means all defaults)
//  2. Fill unset sections with built-in defaults
//  3. Apply environment overrides
//  4. Build the agent registry
//  5. Validate everything
func Initialize(configDir string) (*Config, error) {
	log := slog.With("config_dir", configDir)

	parsed := &helmsmanYAML{}
	path := filepath.Join(configDir, FileName)
	raw, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(raw, parsed); err != nil {
			return nil, fmt.Errorf("parsing %s: %w", path, err)
		}
		log.Info("Loaded configuration file", "path", path)
	case os.IsNotExist(err):
		log.Info("No configuration file, using defaults", "path", path)
	default:
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}

	cfg := &Config{
		configDir: configDir,
		Scheduler: parsed.Scheduler,
		Cron:      parsed.Cron,
		IPC:       parsed.IPC,
		Auth:      parsed.Auth,
		Retention: parsed.Retention,
		Database:  parsed.Database,
		HTTP:      parsed.HTTP,
	}
	applyDefaults(cfg)

	if dbPath := os.Getenv(EnvDBPath); dbPath != "" {
		cfg.Database.Path = dbPath
	}

	cfg.AgentRegistry = NewAgentRegistry(parsed.Agents)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	stats := cfg.Stats()
	log.Info("Configuration initialized", "agents", stats.Agents)
	return cfg, nil
}

// applyDefaults fills nil sections and zero fields with built-in defaults.
func applyDefaults(cfg *Config) {
	if cfg.Scheduler == nil {
		cfg.Scheduler = DefaultSchedulerConfig()
	} else {
		d := DefaultSchedulerConfig()
		if cfg.Scheduler.TickInterval == 0 {
			cfg.Scheduler.TickInterval = d.TickInterval
		}
		if cfg.Scheduler.Lanes == (LaneCaps{}) {
			cfg.Scheduler.Lanes = d.Lanes
		}
		if cfg.Scheduler.CancelGrace == 0 {
			cfg.Scheduler.CancelGrace = d.CancelGrace
		}
		if cfg.Scheduler.CompletionRetries == 0 {
			cfg.Scheduler.CompletionRetries = d.CompletionRetries
		}
		if cfg.Scheduler.GracefulShutdownTimeout == 0 {
			cfg.Scheduler.GracefulShutdownTimeout = d.GracefulShutdownTimeout
		}
	}
	if cfg.Cron == nil {
		cfg.Cron = DefaultCronConfig()
	} else {
		d := DefaultCronConfig()
		if cfg.Cron.LoopInterval == 0 {
			cfg.Cron.LoopInterval = d.LoopInterval
		}
		if cfg.Cron.ClaimTTL == 0 {
			cfg.Cron.ClaimTTL = 2 * cfg.Cron.LoopInterval
		}
		if cfg.Cron.DefaultTimezone == "" {
			cfg.Cron.DefaultTimezone = d.DefaultTimezone
		}
	}
	if cfg.IPC == nil {
		cfg.IPC = DefaultIPCConfig()
	} else {
		d := DefaultIPCConfig()
		if cfg.IPC.DaemonSocket == "" {
			cfg.IPC.DaemonSocket = d.DaemonSocket
		}
		if cfg.IPC.ClientSocket == "" {
			cfg.IPC.ClientSocket = d.ClientSocket
		}
		if cfg.IPC.CommandTimeout == 0 {
			cfg.IPC.CommandTimeout = d.CommandTimeout
		}
	}
	if cfg.Auth == nil {
		cfg.Auth = DefaultAuthConfig()
	} else {
		d := DefaultAuthConfig()
		if cfg.Auth.ChallengeTTL == 0 {
			cfg.Auth.ChallengeTTL = d.ChallengeTTL
		}
		if cfg.Auth.CredentialsFile == "" {
			cfg.Auth.CredentialsFile = d.CredentialsFile
		}
		if cfg.Auth.SessionIdleTimeout == 0 {
			cfg.Auth.SessionIdleTimeout = d.SessionIdleTimeout
		}
	}
	if cfg.Retention == nil {
		cfg.Retention = DefaultRetentionConfig()
	} else {
		d := DefaultRetentionConfig()
		if cfg.Retention.AuditRetention == 0 {
			cfg.Retention.AuditRetention = d.AuditRetention
		}
		if cfg.Retention.GoalRetention == 0 {
			cfg.Retention.GoalRetention = d.GoalRetention
		}
		if cfg.Retention.PruneInterval == 0 {
			cfg.Retention.PruneInterval = d.PruneInterval
		}
	}
	if cfg.Database == nil {
		cfg.Database = DefaultDatabaseConfig()
	} else {
		d := DefaultDatabaseConfig()
		if cfg.Database.Path == "" {
			cfg.Database.Path = d.Path
		}
		if cfg.Database.BusyTimeout == 0 {
			cfg.Database.BusyTimeout = d.BusyTimeout
		}
		if cfg.Database.MaxOpenConns == 0 {
			cfg.Database.MaxOpenConns = d.MaxOpenConns
		}
	}
	if cfg.HTTP == nil {
		cfg.HTTP = DefaultHTTPConfig()
	} else if cfg.HTTP.Addr == "" {
		cfg.HTTP.Addr = DefaultHTTPConfig().Addr
	}
}

// DatabasePath resolves the database file path against the config dir.
func (c *Config) DatabasePath() string {
	if filepath.IsAbs(c.Database.Path) {
		return c.Database.Path
	}
	return filepath.Join(c.configDir, c.Database.Path)
}

// DaemonSocketPath resolves the daemon IPC socket path.
func (c *Config) DaemonSocketPath() string {
	return c.IPC.ResolveSocket(c.configDir, c.IPC.DaemonSocket)
}

// ClientSocketPath resolves the control-plane client socket path.
func (c *Config) ClientSocketPath() string {
	return c.IPC.ResolveSocket(c.configDir, c.IPC.ClientSocket)
}

// PIDLockPath is the daemon PID lock file inside the config directory.
func (c *Config) PIDLockPath() string {
	return filepath.Join(c.configDir, "daemon.pid")
}

// CredentialsPath resolves the credentials file path.
func (c *Config) CredentialsPath() string {
	if filepath.IsAbs(c.Auth.CredentialsFile) {
		return c.Auth.CredentialsFile
	}
	return filepath.Join(c.configDir, c.Auth.CredentialsFile)
}
