// Package throttle bounds how many agent tasks run at once. Submissions wait
// in a bounded FIFO queue; an admission loop releases them as capacity
// frees up and the host has resources to spare.
package throttle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

var (
	ErrQueueTimeout   = errors.New("queue wait timed out")
	ErrQueueFull      = errors.New("throttle queue full")
	ErrShuttingDown   = errors.New("throttler shutting down")
	ErrQueueCancelled = errors.New("queued request cancelled")
	ErrDuplicateAgent = errors.New("agent already queued or running")
	ErrTaskPanicked   = errors.New("task panicked")
)

// Default throttler configuration.
const (
	DefaultMaxConcurrentAgents = 2
	DefaultQueueTimeout        = 30 * time.Second
	DefaultPollInterval        = 250 * time.Millisecond
	DefaultQueueCapacity       = 64
)

// Config configures a Throttler.
type Config struct {
	MaxConcurrentAgents int
	QueueTimeout        time.Duration
	PollInterval        time.Duration
	QueueCapacity       int
}

// DefaultConfig returns the default configuration.
func DefaultConfig() Config {
	return Config{
		MaxConcurrentAgents: DefaultMaxConcurrentAgents,
		QueueTimeout:        DefaultQueueTimeout,
		PollInterval:        DefaultPollInterval,
		QueueCapacity:       DefaultQueueCapacity,
	}
}

func normalizeConfig(c Config) Config {
	if c.MaxConcurrentAgents <= 0 {
		c.MaxConcurrentAgents = DefaultMaxConcurrentAgents
	}
	if c.QueueTimeout <= 0 {
		c.QueueTimeout = DefaultQueueTimeout
	}
	if c.PollInterval <= 0 {
		c.PollInterval = DefaultPollInterval
	}
	if c.QueueCapacity <= 0 {
		c.QueueCapacity = DefaultQueueCapacity
	}
	return c
}

// Capacity answers whether the host can take more work. *resources.Checker
// satisfies it.
type Capacity interface {
	Check(ctx context.Context) (bool, string)
}

// AdmissionFilter rejects a queued request before it is admitted. A non-nil
// error fails the request without blocking the requests behind it.
type AdmissionFilter func(req *Request) error

// AdmitHook runs in the task goroutine after a slot is taken and before Run.
// An error fails the request and frees the slot.
type AdmitHook func(req *Request) error

// Request is a unit of work waiting for admission.
type Request struct {
	AgentID   string
	AgentType string
	Run       func(ctx context.Context) (any, error)

	Submitted time.Time
	Deadline  time.Time
}

// Result is the outcome of a submission.
type Result struct {
	Value         any
	Err           error
	Admitted      bool
	QueueWait     time.Duration
	ExecutionTime time.Duration
}

type pending struct {
	req  *Request
	ctx  context.Context
	slot *slot
	done chan Result
}

type slot struct {
	cancel context.CancelFunc
	once   sync.Once
}

// Stats is a point-in-time view of the throttler.
type Stats struct {
	Active        int `json:"active"`
	Queued        int `json:"queued"`
	MaxConcurrent int `json:"max_concurrent"`
	Admitted      int `json:"admitted"`
	TimedOut      int `json:"timed_out"`
	Rejected      int `json:"rejected"`
}

// Option configures a Throttler.
type Option func(*Throttler)

// WithCapacity sets the resource check consulted before each admission.
func WithCapacity(c Capacity) Option {
	return func(t *Throttler) { t.capacity = c }
}

// WithAdmissionFilter sets the admission filter.
func WithAdmissionFilter(f AdmissionFilter) Option {
	return func(t *Throttler) { t.filter = f }
}

// WithAdmitHook sets the hook run when a request takes a slot.
func WithAdmitHook(h AdmitHook) Option {
	return func(t *Throttler) { t.onAdmit = h }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(t *Throttler) { t.logger = l }
}

// Throttler is a bounded-concurrency FIFO admission queue.
type Throttler struct {
	capacity Capacity
	filter   AdmissionFilter
	onAdmit  AdmitHook
	logger   *slog.Logger

	mu      sync.Mutex
	config  Config
	queue   []*pending
	running map[string]*slot
	active  int
	closed  bool
	stats   Stats

	kickCh  chan struct{}
	tasks   sync.WaitGroup
	cancel  context.CancelFunc
	stopped chan struct{}
}

// New creates a throttler. Call Start to run the admission loop.
func New(config Config, opts ...Option) *Throttler {
	t := &Throttler{
		config:  normalizeConfig(config),
		running: make(map[string]*slot),
		kickCh:  make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(t)
	}
	if t.logger == nil {
		t.logger = slog.Default()
	}
	return t
}

// Start launches the admission loop. It returns immediately.
func (t *Throttler) Start(ctx context.Context) {
	t.mu.Lock()
	if t.cancel != nil {
		t.mu.Unlock()
		return
	}
	loopCtx, cancel := context.WithCancel(ctx)
	t.cancel = cancel
	t.stopped = make(chan struct{})
	t.mu.Unlock()

	go t.loop(loopCtx)
}

func (t *Throttler) loop(ctx context.Context) {
	defer close(t.stopped)

	ticker := time.NewTicker(t.Config().PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		case <-t.kickCh:
		}
		t.Tick(ctx)
	}
}

func (t *Throttler) kick() {
	select {
	case t.kickCh <- struct{}{}:
	default:
	}
}

// Submit queues req and blocks until it has run or failed to be admitted.
// The task's context derives from ctx.
func (t *Throttler) Submit(ctx context.Context, req *Request) Result {
	now := time.Now()

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return Result{Err: ErrShuttingDown}
	}
	if len(t.queue) >= t.config.QueueCapacity {
		t.stats.Rejected++
		t.mu.Unlock()
		t.logger.Warn("throttle queue full", "agent", req.AgentID, "capacity", t.config.QueueCapacity)
		return Result{Err: ErrQueueFull}
	}
	if t.knownLocked(req.AgentID) {
		t.mu.Unlock()
		return Result{Err: fmt.Errorf("%s: %w", req.AgentID, ErrDuplicateAgent)}
	}
	timeout := t.config.QueueTimeout
	req.Submitted = now
	req.Deadline = now.Add(timeout)
	p := &pending{req: req, ctx: ctx, done: make(chan Result, 1)}
	t.queue = append(t.queue, p)
	t.mu.Unlock()

	t.kick()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	var reason error
	select {
	case res := <-p.done:
		return res
	case <-timer.C:
		reason = ErrQueueTimeout
	case <-ctx.Done():
		reason = fmt.Errorf("%w: %w", ErrQueueCancelled, ctx.Err())
	}

	if t.dequeue(p, reason == ErrQueueTimeout) {
		if reason == ErrQueueTimeout {
			t.logger.Warn("queue wait timed out", "agent", req.AgentID, "timeout", timeout)
		}
		return Result{Err: reason, QueueWait: time.Since(now)}
	}
	// Admitted concurrently; wait for the run to finish.
	return <-p.done
}

// knownLocked reports whether an agent ID is queued or running.
// REQUIRES: caller holds t.mu.
func (t *Throttler) knownLocked(agentID string) bool {
	if _, ok := t.running[agentID]; ok {
		return true
	}
	for _, p := range t.queue {
		if p.req.AgentID == agentID {
			return true
		}
	}
	return false
}

// dequeue removes p if it is still queued.
func (t *Throttler) dequeue(p *pending, timedOut bool) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	for i, q := range t.queue {
		if q == p {
			t.queue = append(t.queue[:i], t.queue[i+1:]...)
			if timedOut {
				t.stats.TimedOut++
			}
			return true
		}
	}
	return false
}

// Tick runs one admission pass: expire stale requests, check resources,
// then fill free slots in submission order.
func (t *Throttler) Tick(ctx context.Context) {
	now := time.Now()
	expired := t.expire(now)
	for _, p := range expired {
		p.done <- Result{Err: ErrQueueTimeout, QueueWait: now.Sub(p.req.Submitted)}
	}
	if len(expired) > 0 {
		t.logger.Warn("expired queued requests", "count", len(expired))
	}

	t.mu.Lock()
	free := t.config.MaxConcurrentAgents - t.active
	candidates := make([]*pending, len(t.queue))
	copy(candidates, t.queue)
	t.mu.Unlock()

	if free <= 0 || len(candidates) == 0 {
		return
	}

	if t.capacity != nil {
		if ok, reason := t.capacity.Check(ctx); !ok {
			t.logger.Debug("admission deferred", "reason", reason, "queued", len(candidates))
			return
		}
	}

	rejectedErr := make(map[*pending]error)
	if t.filter != nil {
		for _, p := range candidates {
			if err := t.filter(p.req); err != nil {
				rejectedErr[p] = err
			}
		}
	}

	var admitted, rejected []*pending

	t.mu.Lock()
	kept := t.queue[:0]
	for _, p := range t.queue {
		if _, ok := rejectedErr[p]; ok {
			rejected = append(rejected, p)
			t.stats.Rejected++
			continue
		}
		if t.closed || t.active >= t.config.MaxConcurrentAgents {
			kept = append(kept, p)
			continue
		}
		taskCtx, cancel := context.WithCancel(p.ctx)
		p.ctx = taskCtx
		p.slot = &slot{cancel: cancel}
		t.running[p.req.AgentID] = p.slot
		t.active++
		t.stats.Admitted++
		admitted = append(admitted, p)
	}
	for i := len(kept); i < len(t.queue); i++ {
		t.queue[i] = nil
	}
	t.queue = kept
	t.mu.Unlock()

	for _, p := range rejected {
		p.done <- Result{Err: rejectedErr[p], QueueWait: now.Sub(p.req.Submitted)}
	}
	for _, p := range admitted {
		t.start(p, now.Sub(p.req.Submitted))
	}
}

// expire removes requests whose deadline has passed.
func (t *Throttler) expire(now time.Time) []*pending {
	t.mu.Lock()
	defer t.mu.Unlock()

	var expired []*pending
	kept := t.queue[:0]
	for _, p := range t.queue {
		if now.After(p.req.Deadline) {
			expired = append(expired, p)
			t.stats.TimedOut++
			continue
		}
		kept = append(kept, p)
	}
	for i := len(kept); i < len(t.queue); i++ {
		t.queue[i] = nil
	}
	t.queue = kept
	return expired
}

func (t *Throttler) start(p *pending, wait time.Duration) {
	t.tasks.Add(1)
	go func() {
		defer t.tasks.Done()
		defer t.release(p.req.AgentID, p.slot)

		t.logger.Debug("agent admitted", "agent", p.req.AgentID, "type", p.req.AgentType, "wait", wait)

		if t.onAdmit != nil {
			if err := t.onAdmit(p.req); err != nil {
				p.done <- Result{Err: err, QueueWait: wait}
				return
			}
		}

		began := time.Now()
		value, err := runTask(p.ctx, p.req)
		p.done <- Result{
			Value:         value,
			Err:           err,
			Admitted:      true,
			QueueWait:     wait,
			ExecutionTime: time.Since(began),
		}
	}()
}

func runTask(ctx context.Context, req *Request) (value any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%s: %w: %v", req.AgentID, ErrTaskPanicked, r)
		}
	}()
	return req.Run(ctx)
}

// release frees a slot exactly once and cancels the task context.
func (t *Throttler) release(agentID string, s *slot) {
	s.once.Do(func() {
		t.mu.Lock()
		t.active--
		if t.running[agentID] == s {
			delete(t.running, agentID)
		}
		t.mu.Unlock()
		t.kick()
	})
	s.cancel()
}

// Release frees the slot held by agentID and cancels its context. The task
// itself is not stopped; it is only asked to stop. Releasing an agent that
// holds no slot is a no-op and returns false.
func (t *Throttler) Release(agentID string) bool {
	t.mu.Lock()
	s, ok := t.running[agentID]
	t.mu.Unlock()
	if !ok {
		return false
	}
	t.release(agentID, s)
	return true
}

// Shutdown stops admitting, fails queued requests with ErrShuttingDown and
// waits for the admission loop and running tasks until ctx is done.
func (t *Throttler) Shutdown(ctx context.Context) error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	queued := t.queue
	t.queue = nil
	cancel := t.cancel
	stopped := t.stopped
	t.mu.Unlock()

	for _, p := range queued {
		p.done <- Result{Err: ErrShuttingDown, QueueWait: time.Since(p.req.Submitted)}
	}
	if len(queued) > 0 {
		t.logger.Info("failed queued requests on shutdown", "count", len(queued))
	}

	if cancel != nil {
		cancel()
	}

	drained := make(chan struct{})
	go func() {
		if stopped != nil {
			<-stopped
		}
		t.tasks.Wait()
		close(drained)
	}()

	select {
	case <-drained:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("throttler shutdown: %w", ctx.Err())
	}
}

// Config returns the current configuration.
func (t *Throttler) Config() Config {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.config
}

// SetConfig applies new limits. A raised limit is used on the next tick;
// a lowered one only stops new admissions. The poll interval is fixed at
// Start.
func (t *Throttler) SetConfig(config Config) {
	t.mu.Lock()
	t.config = normalizeConfig(config)
	t.mu.Unlock()
	t.kick()
}

// Stats returns current counters.
func (t *Throttler) Stats() Stats {
	t.mu.Lock()
	defer t.mu.Unlock()

	s := t.stats
	s.Active = t.active
	s.Queued = len(t.queue)
	s.MaxConcurrent = t.config.MaxConcurrentAgents
	return s
}

// QueueSize returns the number of waiting requests.
func (t *Throttler) QueueSize() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.queue)
}

// Active returns the number of held slots.
func (t *Throttler) Active() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.active
}
