package config

import (
	"fmt"
	"path/filepath"
	"time"
)

// IPCConfig controls the sockets connecting clients, the control plane,
// and the execution daemon.
type IPCConfig struct {
	// DaemonSocket is the unix socket the daemon listens on for scheduler
	// commands from the control plane. Relative paths resolve against the
	// config directory.
	DaemonSocket string `yaml:"daemon_socket"`

	// ClientSocket is the unix socket the control plane listens on for
	// client RPC connections.
	ClientSocket string `yaml:"client_socket"`

	// CommandTimeout bounds how long the control plane waits for a
	// scheduler command reply.
	CommandTimeout time.Duration `yaml:"command_timeout"`
}

// DefaultIPCConfig returns the built-in IPC defaults.
func DefaultIPCConfig() *IPCConfig {
	return &IPCConfig{
		DaemonSocket:   "daemon.sock",
		ClientSocket:   "control.sock",
		CommandTimeout: 10 * time.Second,
	}
}

// ResolveSocket resolves a socket path against the config directory.
func (c *IPCConfig) ResolveSocket(configDir, path string) string {
	if filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(configDir, path)
}

// AuthConfig controls control-plane authentication.
type AuthConfig struct {
	// Enabled toggles the pairing/challenge flow. When disabled, every
	// connection gets an admin session (local development mode).
	Enabled bool `yaml:"enabled"`

	// ChallengeTTL is how long an issued challenge stays valid.
	ChallengeTTL time.Duration `yaml:"challenge_ttl"`

	// CredentialsFile holds pairing tokens and bound public keys,
	// relative to the config directory. Written with mode 0600.
	CredentialsFile string `yaml:"credentials_file"`

	// SessionIdleTimeout destroys sessions with no activity.
	SessionIdleTimeout time.Duration `yaml:"session_idle_timeout"`
}

// DefaultAuthConfig returns the built-in auth defaults.
func DefaultAuthConfig() *AuthConfig {
	return &AuthConfig{
		Enabled:            true,
		ChallengeTTL:       60 * time.Second,
		CredentialsFile:    "credentials.json",
		SessionIdleTimeout: 30 * time.Minute,
	}
}

// HTTPConfig controls the daemon's HTTP status surface.
type HTTPConfig struct {
	// Enabled toggles the HTTP listener entirely.
	Enabled bool `yaml:"enabled"`

	// Addr is the listen address, localhost-only by default.
	Addr string `yaml:"addr"`
}

// DefaultHTTPConfig returns the built-in HTTP defaults.
func DefaultHTTPConfig() *HTTPConfig {
	return &HTTPConfig{
		Enabled: true,
		Addr:    "127.0.0.1:7641",
	}
}

// DatabaseConfig controls the sqlite store.
type DatabaseConfig struct {
	// Path is the database file, relative to the config directory unless
	// absolute. Overridable via HELMSMAN_DB_PATH.
	Path string `yaml:"path"`

	// BusyTimeout is passed to sqlite as the busy handler timeout.
	BusyTimeout time.Duration `yaml:"busy_timeout"`

	// MaxOpenConns bounds the connection pool. sqlite serializes writers,
	// so a small pool is enough.
	MaxOpenConns int `yaml:"max_open_conns"`
}

// DefaultDatabaseConfig returns the built-in database defaults.
func DefaultDatabaseConfig() *DatabaseConfig {
	return &DatabaseConfig{
		Path:         "helmsman.db",
		BusyTimeout:  5 * time.Second,
		MaxOpenConns: 4,
	}
}

// ValidateDatabase checks database configuration bounds.
func ValidateDatabase(c *DatabaseConfig) error {
	if c == nil {
		return fmt.Errorf("database configuration is nil")
	}
	if c.Path == "" {
		return fmt.Errorf("database path must not be empty")
	}
	if c.MaxOpenConns < 1 {
		return fmt.Errorf("max_open_conns must be at least 1, got %d", c.MaxOpenConns)
	}
	return nil
}

// RetentionConfig controls data retention and the prune loop.
type RetentionConfig struct {
	// AuditRetention is the maximum age of audit entries before deletion.
	AuditRetention time.Duration `yaml:"audit_retention"`

	// GoalRetention is the maximum age of terminal goals before deletion
	// (cascading to their work items and runs).
	GoalRetention time.Duration `yaml:"goal_retention"`

	// PruneInterval is how often the prune loop runs.
	PruneInterval time.Duration `yaml:"prune_interval"`
}

// DefaultRetentionConfig returns the built-in retention defaults.
func DefaultRetentionConfig() *RetentionConfig {
	return &RetentionConfig{
		AuditRetention: 90 * 24 * time.Hour,
		GoalRetention:  365 * 24 * time.Hour,
		PruneInterval:  12 * time.Hour,
	}
}

// ValidateRetention checks retention configuration bounds.
func ValidateRetention(c *RetentionConfig) error {
	if c == nil {
		return fmt.Errorf("retention configuration is nil")
	}
	if c.PruneInterval < time.Minute {
		return fmt.Errorf("prune_interval must be at least 1m, got %v", c.PruneInterval)
	}
	return nil
}
