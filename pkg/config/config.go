// Package config loads and validates helmsman configuration: the config
// directory layout, helmsman.yaml, environment overrides, and the agent
// definition registry.
package config

// Config is the umbrella configuration object returned by Initialize()
// and handed to every component.
type Config struct {
	configDir string

	Scheduler *SchedulerConfig
	Cron      *CronConfig
	IPC       *IPCConfig
	Auth      *AuthConfig
	Retention *RetentionConfig
	Database  *DatabaseConfig
	HTTP      *HTTPConfig

	AgentRegistry *AgentRegistry
}

// ConfigDir returns the configuration directory path.
func (c *Config) ConfigDir() string {
	return c.configDir
}

// GetAgent retrieves an agent definition by id.
func (c *Config) GetAgent(id string) (*AgentConfig, error) {
	return c.AgentRegistry.Get(id)
}

// Stats contains statistics about loaded configuration.
type Stats struct {
	Agents int
}

// Stats returns configuration statistics for logging.
func (c *Config) Stats() Stats {
	s := Stats{}
	if c.AgentRegistry != nil {
		s.Agents = c.AgentRegistry.Len()
	}
	return s
}

// Validate checks every sub-config.
func (c *Config) Validate() error {
	if err := ValidateScheduler(c.Scheduler); err != nil {
		return err
	}
	if err := ValidateCron(c.Cron); err != nil {
		return err
	}
	if err := ValidateDatabase(c.Database); err != nil {
		return err
	}
	if err := ValidateRetention(c.Retention); err != nil {
		return err
	}
	if c.AgentRegistry != nil {
		if err := c.AgentRegistry.Validate(); err != nil {
			return err
		}
	}
	return nil
}
