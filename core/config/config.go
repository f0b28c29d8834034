package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/gobwas/glob"
	"gopkg.in/yaml.v3"

	"github.com/adalundhe/agentgate/core/circuit"
)

type Config struct {
	Breaker   BreakerConfig   `yaml:"breaker"`
	Throttle  ThrottleConfig  `yaml:"throttle"`
	Monitor   MonitorConfig   `yaml:"monitor"`
	Resources ResourcesConfig `yaml:"resources"`
	Registry  RegistryConfig  `yaml:"registry"`
	Events    EventsConfig    `yaml:"events"`
	Archive   ArchiveConfig   `yaml:"archive"`
	Metrics   MetricsConfig   `yaml:"metrics"`
	Logging   LoggingConfig   `yaml:"logging"`
}

type BreakerConfig struct {
	FailureThreshold  int                `yaml:"failure_threshold"`
	RecoveryTimeout   time.Duration      `yaml:"recovery_timeout"`
	MemoryThresholdMB float64            `yaml:"memory_threshold_mb"`
	Overrides         []circuit.Override `yaml:"overrides,omitempty"`
}

type ThrottleConfig struct {
	MaxConcurrentAgents int           `yaml:"max_concurrent_agents"`
	QueueTimeout        time.Duration `yaml:"queue_timeout"`
	PollInterval        time.Duration `yaml:"poll_interval"`
	QueueCapacity       int           `yaml:"queue_capacity"`
}

type MonitorConfig struct {
	StallThreshold   time.Duration `yaml:"stall_threshold"`
	TimeoutThreshold time.Duration `yaml:"timeout_threshold"`
	NoActivityGrace  time.Duration `yaml:"no_activity_grace"`
	SweepInterval    time.Duration `yaml:"sweep_interval"`
	ReportEntries    int           `yaml:"report_entries"`
}

type ResourcesConfig struct {
	MinAvailableMemoryMB float64       `yaml:"min_available_memory_mb"`
	MaxCPUPercent        float64       `yaml:"max_cpu_percent"`
	CPUSampleWindow      time.Duration `yaml:"cpu_sample_window"`
}

type RegistryConfig struct {
	ProgressLogSize int           `yaml:"progress_log_size"`
	CleanupInterval time.Duration `yaml:"cleanup_interval"`
	Retention       time.Duration `yaml:"retention"`
}

type EventsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

type ArchiveConfig struct {
	Enabled      bool   `yaml:"enabled"`
	Path         string `yaml:"path"`
	CacheEntries int    `yaml:"cache_entries"`
}

type MetricsConfig struct {
	// Addr is the listen address for /metrics. Empty disables the server;
	// metrics are still collected.
	Addr string `yaml:"addr"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

func DefaultConfig() *Config {
	return &Config{
		Breaker: BreakerConfig{
			FailureThreshold:  3,
			RecoveryTimeout:   30 * time.Second,
			MemoryThresholdMB: 500,
		},
		Throttle: ThrottleConfig{
			MaxConcurrentAgents: 2,
			QueueTimeout:        30 * time.Second,
			PollInterval:        250 * time.Millisecond,
			QueueCapacity:       64,
		},
		Monitor: MonitorConfig{
			StallThreshold:   120 * time.Second,
			TimeoutThreshold: 300 * time.Second,
			NoActivityGrace:  60 * time.Second,
			SweepInterval:    5 * time.Second,
			ReportEntries:    5,
		},
		Resources: ResourcesConfig{
			MinAvailableMemoryMB: 256,
			MaxCPUPercent:        90,
			CPUSampleWindow:      200 * time.Millisecond,
		},
		Registry: RegistryConfig{
			ProgressLogSize: 50,
			CleanupInterval: time.Minute,
			Retention:       5 * time.Minute,
		},
		Events: EventsConfig{
			Enabled: true,
			Path:    ".agentgate/events.jsonl",
		},
		Archive: ArchiveConfig{
			Enabled:      true,
			Path:         ".agentgate/history.db",
			CacheEntries: 1024,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Clone returns a deep copy.
func (c *Config) Clone() *Config {
	out := *c
	out.Breaker.Overrides = append([]circuit.Override(nil), c.Breaker.Overrides...)
	return &out
}

// Validate rejects configurations the components cannot run with.
func (c *Config) Validate() error {
	var errs []error
	check := func(ok bool, format string, args ...any) {
		if !ok {
			errs = append(errs, fmt.Errorf(format, args...))
		}
	}

	check(c.Breaker.FailureThreshold > 0, "breaker.failure_threshold must be positive")
	check(c.Breaker.RecoveryTimeout > 0, "breaker.recovery_timeout must be positive")
	check(c.Breaker.MemoryThresholdMB > 0, "breaker.memory_threshold_mb must be positive")
	for i, o := range c.Breaker.Overrides {
		if o.Pattern == "" {
			errs = append(errs, fmt.Errorf("breaker.overrides[%d]: empty pattern", i))
			continue
		}
		if _, err := glob.Compile(o.Pattern, '.'); err != nil {
			errs = append(errs, fmt.Errorf("breaker.overrides[%d]: %w", i, err))
		}
	}

	check(c.Throttle.MaxConcurrentAgents > 0, "throttle.max_concurrent_agents must be positive")
	check(c.Throttle.QueueTimeout > 0, "throttle.queue_timeout must be positive")
	check(c.Throttle.PollInterval > 0, "throttle.poll_interval must be positive")
	check(c.Throttle.QueueCapacity > 0, "throttle.queue_capacity must be positive")

	check(c.Monitor.StallThreshold > 0, "monitor.stall_threshold must be positive")
	check(c.Monitor.TimeoutThreshold > 0, "monitor.timeout_threshold must be positive")
	check(c.Monitor.NoActivityGrace >= 0, "monitor.no_activity_grace must not be negative")
	check(c.Monitor.SweepInterval > 0, "monitor.sweep_interval must be positive")

	check(c.Resources.MinAvailableMemoryMB >= 0, "resources.min_available_memory_mb must not be negative")
	check(c.Resources.MaxCPUPercent > 0 && c.Resources.MaxCPUPercent <= 100,
		"resources.max_cpu_percent must be in (0, 100], got %v", c.Resources.MaxCPUPercent)

	check(c.Registry.ProgressLogSize > 0, "registry.progress_log_size must be positive")

	check(!c.Events.Enabled || c.Events.Path != "", "events.path is required when events are enabled")
	check(!c.Archive.Enabled || c.Archive.Path != "", "archive.path is required when the archive is enabled")

	switch strings.ToLower(c.Logging.Level) {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Errorf("logging.level %q is not one of debug, info, warn, error", c.Logging.Level))
	}
	switch strings.ToLower(c.Logging.Format) {
	case "text", "json":
	default:
		errs = append(errs, fmt.Errorf("logging.format %q is not one of text, json", c.Logging.Format))
	}

	return errors.Join(errs...)
}

// Marshal renders the configuration as YAML.
func (c *Config) Marshal() ([]byte, error) {
	return yaml.Marshal(c)
}
