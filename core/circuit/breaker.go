// Package circuit implements a resource-aware circuit breaker. A breaker
// checks host resources before every call and counts expected operation
// failures, opening after a threshold and re-testing with a single trial
// once the recovery timeout has elapsed.
package circuit

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"github.com/adalundhe/agentgate/core/resources"
)

// State is the breaker state.
type State int

const (
	Closed State = iota
	Open
	HalfOpen
)

func (s State) String() string {
	switch s {
	case Closed:
		return "CLOSED"
	case Open:
		return "OPEN"
	case HalfOpen:
		return "HALF_OPEN"
	default:
		return "UNKNOWN"
	}
}

// MarshalText renders the state by name.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Default breaker configuration.
const (
	DefaultFailureThreshold  = 3
	DefaultRecoveryTimeout   = 30 * time.Second
	DefaultMemoryThresholdMB = 500.0
)

// Config configures a breaker.
type Config struct {
	FailureThreshold  int           `yaml:"failure_threshold" json:"failure_threshold"`
	RecoveryTimeout   time.Duration `yaml:"recovery_timeout" json:"recovery_timeout"`
	MemoryThresholdMB float64       `yaml:"memory_threshold_mb" json:"memory_threshold_mb"`
}

// DefaultConfig returns the default breaker configuration.
func DefaultConfig() Config {
	return Config{
		FailureThreshold:  DefaultFailureThreshold,
		RecoveryTimeout:   DefaultRecoveryTimeout,
		MemoryThresholdMB: DefaultMemoryThresholdMB,
	}
}

func normalizeConfig(c Config) Config {
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = DefaultFailureThreshold
	}
	if c.RecoveryTimeout <= 0 {
		c.RecoveryTimeout = DefaultRecoveryTimeout
	}
	if c.MemoryThresholdMB <= 0 {
		c.MemoryThresholdMB = DefaultMemoryThresholdMB
	}
	return c
}

// Evaluator judges a resource snapshot. *resources.Checker satisfies it.
type Evaluator interface {
	Evaluate(snap resources.Snapshot) (bool, string)
}

// StateChangeFunc is notified after a transition, outside the breaker lock.
type StateChangeFunc func(name string, from, to State)

// Option configures a Breaker.
type Option func(*Breaker)

// WithSampler sets the sampler used for the resource precondition.
func WithSampler(s resources.Sampler) Option {
	return func(b *Breaker) { b.sampler = s }
}

// WithEvaluator adds a system-level resource check on each sampled snapshot.
func WithEvaluator(e Evaluator) Option {
	return func(b *Breaker) { b.evaluator = e }
}

// WithMemoryGuard consumes an external "memory safe" signal.
func WithMemoryGuard(g resources.MemoryGuard) Option {
	return func(b *Breaker) { b.guard = g }
}

// WithClassifier replaces DefaultClassifier.
func WithClassifier(c Classifier) Option {
	return func(b *Breaker) { b.classify = c }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(b *Breaker) { b.logger = l }
}

// WithStateChange registers a transition callback.
func WithStateChange(fn StateChangeFunc) Option {
	return func(b *Breaker) { b.onStateChange = fn }
}

// Breaker is a resource-aware circuit breaker for one capability.
type Breaker struct {
	name          string
	sampler       resources.Sampler
	evaluator     Evaluator
	guard         resources.MemoryGuard
	classify      Classifier
	logger        *slog.Logger
	onStateChange StateChangeFunc

	mu                sync.Mutex
	config            Config
	state             State
	failures          int
	resourceFailures  int
	operationFailures int
	lastFailure       time.Time
	trialInFlight     bool
}

// New creates a closed breaker.
func New(name string, config Config, opts ...Option) *Breaker {
	b := &Breaker{
		name:     name,
		config:   normalizeConfig(config),
		state:    Closed,
		classify: DefaultClassifier,
	}
	for _, opt := range opts {
		opt(b)
	}
	if b.logger == nil {
		b.logger = slog.Default()
	}
	if b.classify == nil {
		b.classify = DefaultClassifier
	}
	return b
}

// Name returns the capability name.
func (b *Breaker) Name() string {
	return b.name
}

// Call runs op under the breaker. It never panics and never returns an
// unclassified error; the outcome is described by the Result.
func (b *Breaker) Call(ctx context.Context, op func(ctx context.Context) (any, error)) Result[any] {
	return Execute(ctx, b, op)
}

type failureSource int

const (
	sourceResource failureSource = iota
	sourceOperation
)

// acquire performs the admission step. It returns whether the caller holds
// the half-open trial slot.
func (b *Breaker) acquire() (bool, error) {
	b.mu.Lock()

	switch b.state {
	case Closed:
		b.mu.Unlock()
		return false, nil

	case Open:
		wait := b.config.RecoveryTimeout - time.Since(b.lastFailure)
		if wait > 0 {
			b.mu.Unlock()
			return false, &OpenError{Name: b.name, State: Open, RetryIn: wait}
		}
		b.trialInFlight = true
		from := b.setStateLocked(HalfOpen)
		b.mu.Unlock()
		b.notify(from, HalfOpen)
		return true, nil

	default:
		if b.trialInFlight {
			b.mu.Unlock()
			return false, &OpenError{Name: b.name, State: HalfOpen}
		}
		b.trialInFlight = true
		b.mu.Unlock()
		return true, nil
	}
}

// checkResources samples once and applies every resource precondition.
// It is called without the breaker lock.
func (b *Breaker) checkResources(ctx context.Context) (bool, string) {
	if b.sampler != nil {
		snap, err := b.sampler.Sample(ctx)
		if err != nil {
			b.logger.Warn("resource sample failed", "circuit", b.name, "error", err)
		} else {
			limit := b.Config().MemoryThresholdMB
			if snap.ProcessMemoryMB > limit {
				return false, fmt.Sprintf("process memory %.0fMB above threshold %.0fMB", snap.ProcessMemoryMB, limit)
			}
			if b.evaluator != nil {
				if ok, reason := b.evaluator.Evaluate(snap); !ok {
					return false, reason
				}
			}
		}
	}
	if b.guard != nil && !b.guard.MemorySafe() {
		return false, "memory guard reports unsafe"
	}
	return true, ""
}

// runProtected executes op, converting a panic into *PanicError.
func runProtected[T any](ctx context.Context, op func(ctx context.Context) (T, error)) (value T, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &PanicError{Value: r, Stack: debug.Stack()}
		}
	}()
	return op(ctx)
}

func (b *Breaker) onSuccess(trial bool) {
	b.mu.Lock()
	b.failures = 0
	if trial {
		b.trialInFlight = false
	}
	from := b.setStateLocked(Closed)
	b.mu.Unlock()

	b.notify(from, Closed)
}

func (b *Breaker) onFailure(trial bool, source failureSource, reason string) {
	b.mu.Lock()
	b.failures++
	switch source {
	case sourceResource:
		b.resourceFailures++
	case sourceOperation:
		b.operationFailures++
	}
	b.lastFailure = time.Now()
	if trial {
		b.trialInFlight = false
	}
	to := b.state
	if b.state == HalfOpen || b.failures >= b.config.FailureThreshold {
		to = Open
	}
	failures := b.failures
	from := b.setStateLocked(to)
	b.mu.Unlock()

	b.logger.Debug("circuit failure recorded", "circuit", b.name, "failures", failures, "reason", reason)
	b.notify(from, to)
}

func (b *Breaker) releaseTrial(trial bool) {
	if !trial {
		return
	}
	b.mu.Lock()
	b.trialInFlight = false
	b.mu.Unlock()
}

// setStateLocked changes the state and returns the previous one.
// REQUIRES: caller holds b.mu.
func (b *Breaker) setStateLocked(to State) State {
	from := b.state
	if from == to {
		return from
	}
	b.state = to
	if to != HalfOpen {
		b.trialInFlight = false
	}
	if to == Closed {
		b.failures = 0
	}
	return from
}

func (b *Breaker) notify(from, to State) {
	if from == to {
		return
	}
	switch to {
	case Open:
		b.logger.Warn("circuit opened", "circuit", b.name, "from", from.String())
	case HalfOpen:
		b.logger.Info("circuit half-open, admitting trial", "circuit", b.name)
	case Closed:
		b.logger.Info("circuit closed", "circuit", b.name, "from", from.String())
	}
	if b.onStateChange != nil {
		b.onStateChange(b.name, from, to)
	}
}

// ReportFailure counts an externally detected failure for this capability,
// as if a protected call had failed.
func (b *Breaker) ReportFailure(reason string) {
	b.onFailure(false, sourceOperation, reason)
}

// ForceOpen opens the breaker regardless of counters. The recovery timeout
// starts now.
func (b *Breaker) ForceOpen() {
	b.mu.Lock()
	b.lastFailure = time.Now()
	from := b.setStateLocked(Open)
	b.mu.Unlock()

	b.notify(from, Open)
}

// ForceClose closes the breaker and clears the failure count.
func (b *Breaker) ForceClose() {
	b.mu.Lock()
	b.failures = 0
	b.trialInFlight = false
	from := b.setStateLocked(Closed)
	b.mu.Unlock()

	b.notify(from, Closed)
}

// Allow reports whether a call made now would be admitted past the state
// check. It does not change state.
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case Closed:
		return true
	case Open:
		return time.Since(b.lastFailure) >= b.config.RecoveryTimeout
	default:
		return !b.trialInFlight
	}
}

// State returns the current state.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Config returns the current configuration.
func (b *Breaker) Config() Config {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.config
}

// SetConfig replaces the configuration. Counters and state are kept; a
// lowered threshold takes effect on the next failure.
func (b *Breaker) SetConfig(config Config) {
	b.mu.Lock()
	b.config = normalizeConfig(config)
	b.mu.Unlock()
}

// Snapshot is a read-only view of a breaker for reporting.
type Snapshot struct {
	Name              string        `json:"name"`
	State             State         `json:"state"`
	FailureCount      int           `json:"failure_count"`
	ResourceFailures  int           `json:"resource_failures"`
	OperationFailures int           `json:"operation_failures"`
	LastFailure       time.Time     `json:"last_failure,omitempty"`
	TimeUntilRetry    time.Duration `json:"time_until_retry"`
	FailureThreshold  int           `json:"failure_threshold"`
	RecoveryTimeout   time.Duration `json:"recovery_timeout"`
	MemoryThresholdMB float64       `json:"memory_threshold_mb"`
}

// Snapshot returns the current breaker state.
func (b *Breaker) Snapshot() Snapshot {
	b.mu.Lock()
	defer b.mu.Unlock()

	s := Snapshot{
		Name:              b.name,
		State:             b.state,
		FailureCount:      b.failures,
		ResourceFailures:  b.resourceFailures,
		OperationFailures: b.operationFailures,
		LastFailure:       b.lastFailure,
		FailureThreshold:  b.config.FailureThreshold,
		RecoveryTimeout:   b.config.RecoveryTimeout,
		MemoryThresholdMB: b.config.MemoryThresholdMB,
	}
	if b.state == Open {
		if wait := b.config.RecoveryTimeout - time.Since(b.lastFailure); wait > 0 {
			s.TimeUntilRetry = wait
		}
	}
	return s
}
