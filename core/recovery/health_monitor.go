package recovery

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/adalundhe/agentgate/core/events"
	"github.com/adalundhe/agentgate/core/registry"
)

// Registry is the part of the agent registry the monitor uses.
type Registry interface {
	Active() []registry.AgentRecord
	Get(agentID string) (registry.AgentRecord, bool)
	Transition(agentID string, status registry.Status, reason string) (registry.AgentRecord, error)
}

// SlotReleaser frees an agent's concurrency slot and cancels its context.
type SlotReleaser interface {
	Release(agentID string) bool
}

// FailureReporter escalates a failed agent to the circuit breaker of its
// capability.
type FailureReporter interface {
	ReportFailure(capability, reason string)
}

// FailureReporterFunc adapts a function to FailureReporter.
type FailureReporterFunc func(capability, reason string)

func (f FailureReporterFunc) ReportFailure(capability, reason string) { f(capability, reason) }

// Terminator stops the underlying work of a timed-out agent.
type Terminator interface {
	Terminate(ctx context.Context, agentID, reason string) error
}

// TerminatorFunc adapts a function to Terminator.
type TerminatorFunc func(ctx context.Context, agentID, reason string) error

func (f TerminatorFunc) Terminate(ctx context.Context, agentID, reason string) error {
	return f(ctx, agentID, reason)
}

// Recorder counts recovery actions.
type Recorder interface {
	Recovered(kind string)
}

// Deps are the collaborators of a Monitor. Registry is required.
type Deps struct {
	Registry   Registry
	Slots      SlotReleaser
	Failures   FailureReporter
	Terminator Terminator
	Events     events.Sink
	Recorder   Recorder
	Logger     *slog.Logger
}

// Detection is one non-running classification found by a sweep.
type Detection struct {
	AgentID string
	Health  Health
}

// Monitor periodically classifies active agents and dispatches a recovery
// strategy for each one that is stalled or timed out. All recovery is
// idempotent: an agent is recovered at most once.
type Monitor struct {
	registry   Registry
	slots      SlotReleaser
	failures   FailureReporter
	terminator Terminator
	sink       events.Sink
	recorder   Recorder
	logger     *slog.Logger

	tombstones *lru.Cache[tombstoneKey, Health]

	mu         sync.RWMutex
	config     Config
	strategies map[Health]Strategy

	runMu   sync.Mutex
	running bool
	cancel  context.CancelFunc
	done    chan struct{}
}

// NewMonitor creates a stopped monitor.
func NewMonitor(config Config, deps Deps) *Monitor {
	config = normalizeConfig(config)
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Events == nil {
		deps.Events = events.NopSink{}
	}
	tombstones, _ := lru.New[tombstoneKey, Health](config.TombstoneSize)

	m := &Monitor{
		registry:   deps.Registry,
		slots:      deps.Slots,
		failures:   deps.Failures,
		terminator: deps.Terminator,
		sink:       deps.Events,
		recorder:   deps.Recorder,
		logger:     deps.Logger,
		tombstones: tombstones,
		config:     config,
	}
	m.strategies = map[Health]Strategy{
		Stalled:  m.recoverStall,
		TimedOut: m.recoverTimeout,
		Failed:   m.recoverFailure,
	}
	return m
}

// Start launches the sweep loop.
func (m *Monitor) Start(ctx context.Context) {
	m.runMu.Lock()
	defer m.runMu.Unlock()

	if m.running {
		return
	}
	m.running = true
	loopCtx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.done = make(chan struct{})

	go m.loop(loopCtx, m.done)
}

// Stop cancels the sweep loop and waits for it to exit or for ctx to end.
func (m *Monitor) Stop(ctx context.Context) error {
	m.runMu.Lock()
	if !m.running {
		m.runMu.Unlock()
		return nil
	}
	m.running = false
	m.cancel()
	done := m.done
	m.runMu.Unlock()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("monitor stop: %w", ctx.Err())
	}
}

// IsRunning reports whether the sweep loop is active.
func (m *Monitor) IsRunning() bool {
	m.runMu.Lock()
	defer m.runMu.Unlock()
	return m.running
}

func (m *Monitor) loop(ctx context.Context, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(m.Config().SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Sweep(ctx)
		}
	}
}

// Sweep classifies every active agent once and recovers the unhealthy
// ones. It returns what it found.
func (m *Monitor) Sweep(ctx context.Context) []Detection {
	cfg := m.Config()
	now := time.Now()

	var found []Detection
	for _, rec := range m.registry.Active() {
		health := cfg.Classify(rec, now)
		if health == Running {
			continue
		}
		found = append(found, Detection{AgentID: rec.AgentID, Health: health})
		if err := m.Recover(ctx, rec.AgentID, health, sweepReason(health, rec, cfg, now)); err != nil {
			m.logger.Error("recovery failed", "agent", rec.AgentID, "health", health.String(), "error", err)
		}
	}
	return found
}

func sweepReason(h Health, rec registry.AgentRecord, cfg Config, now time.Time) string {
	switch h {
	case TimedOut:
		return fmt.Sprintf("running %s exceeds timeout %s",
			now.Sub(rec.StartTime).Round(time.Millisecond), cfg.TimeoutThreshold)
	case Stalled:
		if rec.ToolUsageCount == 0 && now.Sub(rec.LastActivity) <= cfg.StallThreshold {
			return fmt.Sprintf("no activity within %s of start", cfg.NoActivityGrace)
		}
		return fmt.Sprintf("idle %s exceeds stall threshold %s",
			now.Sub(rec.LastActivity).Round(time.Millisecond), cfg.StallThreshold)
	default:
		return ""
	}
}

// Classify returns the current health of rec under the monitor's thresholds.
func (m *Monitor) Classify(rec registry.AgentRecord, now time.Time) Health {
	return m.Config().Classify(rec, now)
}

// Config returns the current configuration.
func (m *Monitor) Config() Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.config
}

// SetConfig applies new thresholds from the next sweep on. The sweep
// interval and tombstone size are fixed at construction.
func (m *Monitor) SetConfig(config Config) {
	config = normalizeConfig(config)

	m.mu.Lock()
	config.SweepInterval = m.config.SweepInterval
	config.TombstoneSize = m.config.TombstoneSize
	m.config = config
	m.mu.Unlock()
}
