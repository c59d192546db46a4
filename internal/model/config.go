// Package model defines the data structures for agentflow's configuration and persisted collections.
package model

type Config struct {
	Project ProjectConfig `yaml:"project"`
	Flow    FlowConfig    `yaml:"flow"`
	Limits  LimitsConfig  `yaml:"limits"`
	Daemon  DaemonConfig  `yaml:"daemon"`
	Audit   AuditConfig   `yaml:"audit"`
	Notify  NotifyConfig  `yaml:"notify"`
	Logging LoggingConfig `yaml:"logging"`
}

type ProjectConfig struct {
	Name    string `yaml:"name"`
	Created string `yaml:"created"`
	Root    string `yaml:"root"`
}

type FlowConfig struct {
	PollIntervalMs     int  `yaml:"poll_interval_ms" env:"AGENTFLOW_POLL_INTERVAL_MS"`
	CleanupIntervalSec int  `yaml:"cleanup_interval_sec"`
	MaxAgeHours        int  `yaml:"max_age_hours" env:"AGENTFLOW_MAX_AGE_HOURS"`
	WatchFiles         bool `yaml:"watch_files"`
}

type LimitsConfig struct {
	MaxMessageBytes  int `yaml:"max_message_bytes"`
	MaxYAMLFileBytes int `yaml:"max_yaml_file_bytes"`
}

type DaemonConfig struct {
	ShutdownTimeoutSec int    `yaml:"shutdown_timeout_sec"`
	MetricsAddr        string `yaml:"metrics_addr" env:"AGENTFLOW_METRICS_ADDR"`
}

type AuditConfig struct {
	Enabled      bool  `yaml:"enabled"`
	MaxSizeBytes int64 `yaml:"max_size_bytes"`
}

// NotifyConfig controls desktop notifications raised by the daemon when an
// agent queues a message.
type NotifyConfig struct {
	Enabled        bool `yaml:"enabled" env:"AGENTFLOW_NOTIFY"`
	MinIntervalSec int  `yaml:"min_interval_sec"`
}

type LoggingConfig struct {
	Level string `yaml:"level" env:"AGENTFLOW_LOG_LEVEL"`
}

// DefaultConfig returns the configuration written by setup and used to fill
// zero values of a loaded config.yaml.
func DefaultConfig() Config {
	return Config{
		Flow: FlowConfig{
			PollIntervalMs:     1000,
			CleanupIntervalSec: 600,
			MaxAgeHours:        24,
			WatchFiles:         true,
		},
		Limits: LimitsConfig{
			MaxMessageBytes:  1 << 20,
			MaxYAMLFileBytes: 16 << 20,
		},
		Daemon: DaemonConfig{
			ShutdownTimeoutSec: 30,
		},
		Audit: AuditConfig{
			Enabled:      true,
			MaxSizeBytes: 10 << 20,
		},
		Notify: NotifyConfig{
			Enabled:        false,
			MinIntervalSec: 30,
		},
		Logging: LoggingConfig{Level: "info"},
	}
}

// ApplyDefaults fills unset fields from DefaultConfig. Booleans are left alone
// because false is a meaningful setting.
func (c *Config) ApplyDefaults() {
	def := DefaultConfig()
	if c.Flow.PollIntervalMs <= 0 {
		c.Flow.PollIntervalMs = def.Flow.PollIntervalMs
	}
	if c.Flow.CleanupIntervalSec <= 0 {
		c.Flow.CleanupIntervalSec = def.Flow.CleanupIntervalSec
	}
	if c.Flow.MaxAgeHours <= 0 {
		c.Flow.MaxAgeHours = def.Flow.MaxAgeHours
	}
	if c.Limits.MaxMessageBytes <= 0 {
		c.Limits.MaxMessageBytes = def.Limits.MaxMessageBytes
	}
	if c.Limits.MaxYAMLFileBytes <= 0 {
		c.Limits.MaxYAMLFileBytes = def.Limits.MaxYAMLFileBytes
	}
	if c.Daemon.ShutdownTimeoutSec <= 0 {
		c.Daemon.ShutdownTimeoutSec = def.Daemon.ShutdownTimeoutSec
	}
	if c.Audit.MaxSizeBytes <= 0 {
		c.Audit.MaxSizeBytes = def.Audit.MaxSizeBytes
	}
	if c.Notify.MinIntervalSec <= 0 {
		c.Notify.MinIntervalSec = def.Notify.MinIntervalSec
	}
	if c.Logging.Level == "" {
		c.Logging.Level = def.Logging.Level
	}
}
