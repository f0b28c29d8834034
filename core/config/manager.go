// Package config loads agentgate configuration from defaults, a YAML file
// and AGENTGATE_* environment variables, and reloads it when the file
// changes.
package config

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"
)

const reloadDebounce = 100 * time.Millisecond

type Manager struct {
	path      string
	logger    *slog.Logger
	configPtr atomic.Pointer[Config]
	watchers  []func(*Config)
	watcherMu sync.RWMutex
}

// NewManager creates a manager holding the default configuration. path may
// be empty, in which case only defaults and environment apply.
func NewManager(path string, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	m := &Manager{path: path, logger: logger}
	m.configPtr.Store(DefaultConfig())
	return m
}

// Path returns the configuration file path.
func (m *Manager) Path() string {
	return m.path
}

// Get returns the current configuration. Callers must not modify it.
func (m *Manager) Get() *Config {
	return m.configPtr.Load()
}

// Load rebuilds the configuration from defaults, file and environment. An
// invalid result is rejected and the previous configuration kept.
func (m *Manager) Load() error {
	cfg := DefaultConfig()

	if err := loadYAMLFile(m.path, cfg); err != nil {
		return fmt.Errorf("config file %s: %w", m.path, err)
	}
	if err := applyEnvironment(cfg); err != nil {
		return fmt.Errorf("environment: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	m.configPtr.Store(cfg)
	m.notifyWatchers(cfg)
	return nil
}

func (m *Manager) Reload() error {
	return m.Load()
}

func loadYAMLFile(path string, cfg *Config) error {
	if path == "" {
		return nil
	}
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return err
	}
	return yaml.Unmarshal(data, cfg)
}

type envBinding struct {
	key   string
	apply func(cfg *Config, v string) error
}

func durationVar(dst func(*Config) *time.Duration) func(*Config, string) error {
	return func(cfg *Config, v string) error {
		d, err := time.ParseDuration(v)
		if err != nil {
			return err
		}
		*dst(cfg) = d
		return nil
	}
}

func intVar(dst func(*Config) *int) func(*Config, string) error {
	return func(cfg *Config, v string) error {
		n, err := strconv.Atoi(v)
		if err != nil {
			return err
		}
		*dst(cfg) = n
		return nil
	}
}

func floatVar(dst func(*Config) *float64) func(*Config, string) error {
	return func(cfg *Config, v string) error {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return err
		}
		*dst(cfg) = f
		return nil
	}
}

func boolVar(dst func(*Config) *bool) func(*Config, string) error {
	return func(cfg *Config, v string) error {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return err
		}
		*dst(cfg) = b
		return nil
	}
}

func stringVar(dst func(*Config) *string) func(*Config, string) error {
	return func(cfg *Config, v string) error {
		*dst(cfg) = v
		return nil
	}
}

var envBindings = []envBinding{
	{"AGENTGATE_FAILURE_THRESHOLD", intVar(func(c *Config) *int { return &c.Breaker.FailureThreshold })},
	{"AGENTGATE_RECOVERY_TIMEOUT", durationVar(func(c *Config) *time.Duration { return &c.Breaker.RecoveryTimeout })},
	{"AGENTGATE_MEMORY_THRESHOLD_MB", floatVar(func(c *Config) *float64 { return &c.Breaker.MemoryThresholdMB })},
	{"AGENTGATE_MAX_CONCURRENT_AGENTS", intVar(func(c *Config) *int { return &c.Throttle.MaxConcurrentAgents })},
	{"AGENTGATE_QUEUE_TIMEOUT", durationVar(func(c *Config) *time.Duration { return &c.Throttle.QueueTimeout })},
	{"AGENTGATE_QUEUE_CAPACITY", intVar(func(c *Config) *int { return &c.Throttle.QueueCapacity })},
	{"AGENTGATE_STALL_THRESHOLD", durationVar(func(c *Config) *time.Duration { return &c.Monitor.StallThreshold })},
	{"AGENTGATE_TIMEOUT_THRESHOLD", durationVar(func(c *Config) *time.Duration { return &c.Monitor.TimeoutThreshold })},
	{"AGENTGATE_MIN_AVAILABLE_MEMORY_MB", floatVar(func(c *Config) *float64 { return &c.Resources.MinAvailableMemoryMB })},
	{"AGENTGATE_MAX_CPU_PERCENT", floatVar(func(c *Config) *float64 { return &c.Resources.MaxCPUPercent })},
	{"AGENTGATE_EVENTS_ENABLED", boolVar(func(c *Config) *bool { return &c.Events.Enabled })},
	{"AGENTGATE_EVENTS_PATH", stringVar(func(c *Config) *string { return &c.Events.Path })},
	{"AGENTGATE_ARCHIVE_ENABLED", boolVar(func(c *Config) *bool { return &c.Archive.Enabled })},
	{"AGENTGATE_ARCHIVE_PATH", stringVar(func(c *Config) *string { return &c.Archive.Path })},
	{"AGENTGATE_METRICS_ADDR", stringVar(func(c *Config) *string { return &c.Metrics.Addr })},
	{"AGENTGATE_LOG_LEVEL", stringVar(func(c *Config) *string { return &c.Logging.Level })},
	{"AGENTGATE_LOG_FORMAT", stringVar(func(c *Config) *string { return &c.Logging.Format })},
}

func applyEnvironment(cfg *Config) error {
	for _, b := range envBindings {
		v, ok := os.LookupEnv(b.key)
		if !ok || v == "" {
			continue
		}
		if err := b.apply(cfg, v); err != nil {
			return fmt.Errorf("%s=%q: %w", b.key, v, err)
		}
	}
	return nil
}

func (m *Manager) OnChange(fn func(*Config)) {
	m.watcherMu.Lock()
	m.watchers = append(m.watchers, fn)
	m.watcherMu.Unlock()
}

func (m *Manager) notifyWatchers(cfg *Config) {
	m.watcherMu.RLock()
	watchers := m.watchers
	m.watcherMu.RUnlock()

	for _, fn := range watchers {
		fn(cfg)
	}
}

// Watch reloads the configuration whenever the file changes, until ctx is
// cancelled. The parent directory is watched so editors that replace the
// file are handled. A failed reload is logged and the previous
// configuration kept.
func (m *Manager) Watch(ctx context.Context) error {
	if m.path == "" {
		return fmt.Errorf("watch: no config file")
	}
	target, err := filepath.Abs(m.path)
	if err != nil {
		return fmt.Errorf("watch: %w", err)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("watch: %w", err)
	}
	if err := watcher.Add(filepath.Dir(target)); err != nil {
		watcher.Close()
		return fmt.Errorf("watch %s: %w", filepath.Dir(target), err)
	}

	go m.watchLoop(ctx, watcher, target)
	return nil
}

func (m *Manager) watchLoop(ctx context.Context, watcher *fsnotify.Watcher, target string) {
	defer watcher.Close()

	debounce := time.NewTimer(reloadDebounce)
	if !debounce.Stop() {
		<-debounce.C
	}

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) != target {
				continue
			}
			if ev.Has(fsnotify.Write) || ev.Has(fsnotify.Create) || ev.Has(fsnotify.Rename) {
				debounce.Reset(reloadDebounce)
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			m.logger.Warn("config watcher error", "error", err)
		case <-debounce.C:
			if err := m.Reload(); err != nil {
				m.logger.Warn("config reload failed, keeping previous config", "path", m.path, "error", err)
				continue
			}
			m.logger.Info("config reloaded", "path", m.path)
		}
	}
}
