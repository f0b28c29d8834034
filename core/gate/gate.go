// Package gate wires the admission and resilience components together. A
// Gate owns one registry, a breaker per agent type, the throttler, the
// resource checker and the stall/timeout monitor, and exposes a single
// Submit call that runs a task through all of them.
package gate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/adalundhe/agentgate/core/circuit"
	"github.com/adalundhe/agentgate/core/config"
	"github.com/adalundhe/agentgate/core/events"
	"github.com/adalundhe/agentgate/core/metrics"
	"github.com/adalundhe/agentgate/core/recovery"
	"github.com/adalundhe/agentgate/core/registry"
	"github.com/adalundhe/agentgate/core/resources"
	"github.com/adalundhe/agentgate/core/throttle"
)

var (
	ErrInvalidTask = errors.New("invalid task")
	ErrNotStarted  = errors.New("gate not started")
)

// Option configures a Gate.
type Option func(*options)

type options struct {
	admissionSampler resources.Sampler
	breakerSampler   resources.Sampler
	guard            resources.MemoryGuard
	sink             events.Sink
	recorder         metrics.Recorder
	archiver         registry.Archiver
	logger           *slog.Logger
}

// WithSampler replaces the system sampler for both the admission check and
// the breaker memory precondition.
func WithSampler(s resources.Sampler) Option {
	return func(o *options) {
		o.admissionSampler = s
		o.breakerSampler = s
	}
}

func WithMemoryGuard(g resources.MemoryGuard) Option {
	return func(o *options) { o.guard = g }
}

func WithEventSink(s events.Sink) Option {
	return func(o *options) { o.sink = s }
}

func WithRecorder(r metrics.Recorder) Option {
	return func(o *options) { o.recorder = r }
}

// WithArchiver receives records purged by registry cleanup.
func WithArchiver(a registry.Archiver) Option {
	return func(o *options) { o.archiver = a }
}

func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.logger = l }
}

type Gate struct {
	registry  *registry.Registry
	checker   *resources.Checker
	breakers  *circuit.Set
	throttler *throttle.Throttler
	monitor   *recovery.Monitor
	sink      events.Sink
	recorder  metrics.Recorder
	logger    *slog.Logger

	inflight sync.Map // agent ID -> *submission

	runMu  sync.Mutex
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New builds a stopped gate from cfg. Call Start before Submit.
func New(cfg *config.Config, opts ...Option) (*Gate, error) {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("gate config: %w", err)
	}

	o := options{}
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = slog.Default()
	}
	if o.sink == nil {
		o.sink = events.NopSink{}
	}
	if o.recorder == nil {
		o.recorder = metrics.Nop()
	}
	if o.admissionSampler == nil {
		o.admissionSampler = resources.NewSystemSampler(cfg.Resources.CPUSampleWindow)
	}
	if o.breakerSampler == nil {
		// zero window: compare against the previous sample instead of
		// blocking every call
		o.breakerSampler = resources.NewSystemSampler(0)
	}

	g := &Gate{
		sink:     o.sink,
		recorder: o.recorder,
		logger:   o.logger,
	}

	g.registry = registry.New(registryConfig(cfg), o.archiver, o.logger.With("component", "registry"))
	g.checker = resources.NewChecker(o.admissionSampler, g.registry, checkerConfig(cfg), o.logger.With("component", "resources"))

	breakerOpts := []circuit.Option{
		circuit.WithSampler(o.breakerSampler),
		circuit.WithLogger(o.logger.With("component", "circuit")),
		circuit.WithStateChange(g.onBreakerStateChange),
	}
	if o.guard != nil {
		breakerOpts = append(breakerOpts, circuit.WithMemoryGuard(o.guard))
	}
	breakers, err := circuit.NewSet(breakerConfig(cfg), cfg.Breaker.Overrides, breakerOpts...)
	if err != nil {
		return nil, fmt.Errorf("gate breakers: %w", err)
	}
	g.breakers = breakers

	g.throttler = throttle.New(throttleConfig(cfg),
		throttle.WithCapacity(g.checker),
		throttle.WithAdmissionFilter(g.filter),
		throttle.WithAdmitHook(g.admit),
		throttle.WithLogger(o.logger.With("component", "throttle")),
	)

	g.monitor = recovery.NewMonitor(monitorConfig(cfg), recovery.Deps{
		Registry: g.registry,
		Slots:    g.throttler,
		Failures: recovery.FailureReporterFunc(func(capability, reason string) {
			g.breakers.Get(capability).ReportFailure(reason)
		}),
		Terminator: recovery.TerminatorFunc(g.terminate),
		Events:     g.sink,
		Recorder:   g.recorder,
		Logger:     o.logger.With("component", "monitor"),
	})

	return g, nil
}

// Start launches the throttler, the monitor and registry cleanup. They run
// until Shutdown or until ctx is cancelled.
func (g *Gate) Start(ctx context.Context) {
	g.runMu.Lock()
	defer g.runMu.Unlock()
	if g.cancel != nil {
		return
	}

	runCtx, cancel := context.WithCancel(ctx)
	g.cancel = cancel

	g.throttler.Start(runCtx)
	g.monitor.Start(runCtx)

	g.wg.Add(1)
	go func() {
		defer g.wg.Done()
		g.registry.RunCleanup(runCtx)
	}()

	g.logger.Info("gate started",
		"max_concurrent", g.throttler.Config().MaxConcurrentAgents,
		"stall_threshold", g.monitor.Config().StallThreshold,
		"timeout_threshold", g.monitor.Config().TimeoutThreshold,
	)
}

func (g *Gate) started() bool {
	g.runMu.Lock()
	defer g.runMu.Unlock()
	return g.cancel != nil
}

// Shutdown stops admission and recovery in parallel and waits for running
// tasks until ctx is done. Queued submissions fail with
// throttle.ErrShuttingDown.
func (g *Gate) Shutdown(ctx context.Context) error {
	g.runMu.Lock()
	cancel := g.cancel
	g.runMu.Unlock()

	var eg errgroup.Group
	eg.Go(func() error { return g.throttler.Shutdown(ctx) })
	eg.Go(func() error { return g.monitor.Stop(ctx) })
	err := eg.Wait()

	if cancel != nil {
		cancel()
	}
	g.wg.Wait()

	if err != nil {
		return fmt.Errorf("gate shutdown: %w", err)
	}
	g.logger.Info("gate stopped")
	return nil
}

// ApplyConfig applies a reloaded configuration to the running components.
// Poll and sweep intervals keep their start-up values.
func (g *Gate) ApplyConfig(cfg *config.Config) error {
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("apply config: %w", err)
	}
	if err := g.breakers.Reconfigure(breakerConfig(cfg), cfg.Breaker.Overrides); err != nil {
		return fmt.Errorf("apply config: %w", err)
	}
	g.throttler.SetConfig(throttleConfig(cfg))
	g.monitor.SetConfig(monitorConfig(cfg))
	g.checker.SetConfig(checkerConfig(cfg))

	g.logger.Info("gate reconfigured",
		"max_concurrent", cfg.Throttle.MaxConcurrentAgents,
		"queue_timeout", cfg.Throttle.QueueTimeout,
		"stall_threshold", cfg.Monitor.StallThreshold,
		"timeout_threshold", cfg.Monitor.TimeoutThreshold,
	)
	return nil
}

// Registry exposes the agent registry.
func (g *Gate) Registry() *registry.Registry { return g.registry }

// Breakers exposes the per-capability breakers.
func (g *Gate) Breakers() *circuit.Set { return g.breakers }

// Monitor exposes the stall/timeout monitor.
func (g *Gate) Monitor() *recovery.Monitor { return g.monitor }

func (g *Gate) Throttler() *throttle.Throttler { return g.throttler }

func (g *Gate) onBreakerStateChange(name string, from, to circuit.State) {
	g.recorder.BreakerStateChanged(name, from, to)

	ev := events.New(events.TypeCircuitState)
	ev.Circuit = name
	ev.FromState = from.String()
	ev.ToState = to.String()
	if b, ok := g.breakers.Lookup(name); ok {
		ev.FailureCount = b.Snapshot().FailureCount
	}
	g.emit(ev)
}

func (g *Gate) terminate(ctx context.Context, agentID, reason string) error {
	v, ok := g.inflight.Load(agentID)
	if !ok {
		return nil
	}
	sub := v.(*submission)
	if sub.task.Terminate == nil {
		return nil
	}
	return sub.task.Terminate(ctx, reason)
}

func (g *Gate) emit(ev events.Event) {
	if err := g.sink.Emit(ev); err != nil {
		g.logger.Warn("emit event failed", "type", string(ev.Type), "agent", ev.AgentID, "error", err)
	}
}

func (g *Gate) refreshGauges() {
	stats := g.throttler.Stats()
	g.recorder.SetActive(stats.Active)
	g.recorder.SetQueueDepth(stats.Queued)
}
