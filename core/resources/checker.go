package resources

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
)

// Default admission limits.
const (
	DefaultMinAvailableMemoryMB = 256.0
	DefaultMaxCPUPercent        = 90.0
	DefaultMaxConcurrentAgents  = 2
)

// ActiveCounter reports how many admitted agents are currently active.
type ActiveCounter interface {
	ActiveCount() int
}

// CheckerConfig holds the system-level admission limits.
type CheckerConfig struct {
	MinAvailableMemoryMB float64
	MaxCPUPercent        float64
	MaxConcurrentAgents  int
}

// DefaultCheckerConfig returns the default admission limits.
func DefaultCheckerConfig() CheckerConfig {
	return CheckerConfig{
		MinAvailableMemoryMB: DefaultMinAvailableMemoryMB,
		MaxCPUPercent:        DefaultMaxCPUPercent,
		MaxConcurrentAgents:  DefaultMaxConcurrentAgents,
	}
}

// Checker answers whether the host has room for more work. The active
// count comes only from explicit registrations, never from process scans.
type Checker struct {
	sampler Sampler
	agents  ActiveCounter
	logger  *slog.Logger

	mu     sync.RWMutex
	config CheckerConfig
}

// NewChecker creates a checker over the given sampler and active counter.
func NewChecker(sampler Sampler, agents ActiveCounter, config CheckerConfig, logger *slog.Logger) *Checker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Checker{
		sampler: sampler,
		agents:  agents,
		logger:  logger,
		config:  config,
	}
}

// Check samples resources and evaluates them against the limits. A sampler
// failure does not block admission; it is logged and only the registry
// limit is enforced.
func (c *Checker) Check(ctx context.Context) (bool, string) {
	snap, err := c.sampler.Sample(ctx)
	if err != nil {
		c.logger.Warn("resource sample failed, checking registry only", "error", err)
		return c.checkActive()
	}
	return c.Evaluate(snap)
}

// Sample exposes the underlying sampler so callers can reuse one snapshot.
func (c *Checker) Sample(ctx context.Context) (Snapshot, error) {
	return c.sampler.Sample(ctx)
}

// Evaluate checks an already-taken snapshot against the limits.
func (c *Checker) Evaluate(snap Snapshot) (bool, string) {
	cfg := c.Config()

	if snap.AvailableMemoryMB < cfg.MinAvailableMemoryMB {
		return false, fmt.Sprintf("available memory %.0fMB below floor %.0fMB",
			snap.AvailableMemoryMB, cfg.MinAvailableMemoryMB)
	}
	if snap.CPUPercent > cfg.MaxCPUPercent {
		return false, fmt.Sprintf("cpu usage %.1f%% above ceiling %.1f%%",
			snap.CPUPercent, cfg.MaxCPUPercent)
	}
	return c.checkActive()
}

func (c *Checker) checkActive() (bool, string) {
	limit := c.Config().MaxConcurrentAgents
	if active := c.agents.ActiveCount(); active > limit {
		return false, fmt.Sprintf("%d active agents exceeds limit %d", active, limit)
	}
	return true, ""
}

// Config returns the current limits.
func (c *Checker) Config() CheckerConfig {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.config
}

// SetConfig replaces the limits, used on config reload.
func (c *Checker) SetConfig(config CheckerConfig) {
	c.mu.Lock()
	c.config = config
	c.mu.Unlock()
}
