package gate

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/adalundhe/agentgate/core/circuit"
	"github.com/adalundhe/agentgate/core/events"
	"github.com/adalundhe/agentgate/core/registry"
	"github.com/adalundhe/agentgate/core/throttle"
)

// TerminateFunc stops the external work behind a task. It is called when the
// monitor times the task out.
type TerminateFunc func(ctx context.Context, reason string) error

// Task is one unit of agent work.
type Task struct {
	// ID is the agent ID. A random UUID is used when empty.
	ID string

	// Type is the capability name; it selects the circuit breaker.
	Type string

	Run func(ctx context.Context, progress *Progress) (any, error)

	// Terminate is optional.
	Terminate TerminateFunc
}

// Outcome describes how a submission ended. Status is empty when the task
// was never admitted.
type Outcome struct {
	AgentID       string          `json:"agent_id"`
	AgentType     string          `json:"agent_type"`
	Status        registry.Status `json:"status,omitempty"`
	Value         any             `json:"-"`
	Err           error           `json:"-"`
	Kind          circuit.Kind    `json:"kind"`
	QueueWait     time.Duration   `json:"queue_wait"`
	ExecutionTime time.Duration   `json:"execution_time"`
}

// Admitted reports whether the task got a slot and was registered.
func (o Outcome) Admitted() bool {
	return o.Status != ""
}

type submission struct {
	task   Task
	result circuit.Result[any]
	ran    bool

	// record and recorded are set by the task goroutine when it moved the
	// agent to its terminal status, before the slot was released.
	record   registry.AgentRecord
	recorded bool
}

// Submit runs task through the breaker pre-check, the throttle queue, the
// admission filter and the breaker-wrapped execution, and records the
// terminal status. It blocks until the task has finished or was refused.
func (g *Gate) Submit(ctx context.Context, task Task) Outcome {
	if task.Type == "" || task.Run == nil {
		return Outcome{AgentID: task.ID, Err: fmt.Errorf("%w: type and run are required", ErrInvalidTask), Kind: circuit.KindUnexpected}
	}
	if task.ID == "" {
		task.ID = uuid.NewString()
	}
	out := Outcome{AgentID: task.ID, AgentType: task.Type}

	if !g.started() {
		out.Err = ErrNotStarted
		out.Kind = circuit.KindUnexpected
		return out
	}

	breaker := g.breakers.Get(task.Type)
	if !breaker.Allow() {
		out.Err = openError(breaker)
		out.Kind = circuit.KindCircuitOpen
		g.reject(out)
		return out
	}

	sub := &submission{task: task}
	if _, loaded := g.inflight.LoadOrStore(task.ID, sub); loaded {
		out.Err = fmt.Errorf("%s: %w", task.ID, throttle.ErrDuplicateAgent)
		out.Kind = circuit.KindUnexpected
		g.reject(out)
		return out
	}
	defer g.inflight.Delete(task.ID)

	req := &throttle.Request{
		AgentID:   task.ID,
		AgentType: task.Type,
		Run: func(runCtx context.Context) (any, error) {
			progress := &Progress{agentID: task.ID, registry: g.registry}
			sub.result = circuit.Execute(runCtx, breaker, func(ctx context.Context) (any, error) {
				value, err := task.Run(ctx, progress)
				return value, g.uncountedIfFailed(task.ID, err)
			})
			sub.ran = true

			// the record must leave active before the throttler frees the slot
			status, reason := finalStatus(ctx, sub.result.Err)
			if rec, err := g.registry.Transition(task.ID, status, reason); err == nil {
				sub.record = rec
				sub.recorded = true
			}
			return sub.result.Value, sub.result.Err
		},
	}

	res := g.throttler.Submit(ctx, req)
	out.QueueWait = res.QueueWait

	if !res.Admitted {
		out.Err = res.Err
		out.Kind = circuit.KindUnexpected
		if circuit.IsOpen(res.Err) {
			out.Kind = circuit.KindCircuitOpen
		}
		g.reject(out)
		return out
	}

	out.Value = res.Value
	out.Err = res.Err
	out.ExecutionTime = res.ExecutionTime
	if sub.ran {
		out.Kind = sub.result.Kind
	}

	if !sub.recorded {
		// the monitor recovered the agent first; its status stands
		if cur, ok := g.registry.Get(task.ID); ok {
			out.Status = cur.Status
		}
		g.refreshGauges()
		return out
	}
	out.Status = sub.record.Status
	g.finish(sub.record, out)
	return out
}

// uncountedIfFailed marks err as already counted when the agent was reported
// failed while running; ReportFailure has charged the breaker for it.
func (g *Gate) uncountedIfFailed(agentID string, err error) error {
	if err == nil {
		return nil
	}
	if rec, ok := g.registry.Get(agentID); ok && rec.Status == registry.StatusFailed {
		return fmt.Errorf("%w: %w", circuit.ErrAlreadyCounted, err)
	}
	return err
}

// ReportFailure marks a running agent failed from outside its Run function
// and counts the failure against its capability's breaker.
func (g *Gate) ReportFailure(ctx context.Context, agentID, reason string) error {
	return g.monitor.ReportFailure(ctx, agentID, reason)
}

func finalStatus(ctx context.Context, err error) (registry.Status, string) {
	switch {
	case err == nil:
		return registry.StatusCompleted, ""
	case ctx.Err() != nil && errors.Is(err, ctx.Err()):
		return registry.StatusCancelled, "cancelled by caller"
	default:
		return registry.StatusFailed, err.Error()
	}
}

func (g *Gate) filter(req *throttle.Request) error {
	b := g.breakers.Get(req.AgentType)
	if b.Allow() {
		return nil
	}
	return openError(b)
}

func (g *Gate) admit(req *throttle.Request) error {
	if err := g.registry.Register(req.AgentID, req.AgentType); err != nil {
		return err
	}
	wait := time.Since(req.Submitted)

	g.logger.Info("agent admitted", "agent", req.AgentID, "type", req.AgentType, "queue_wait", wait.Round(time.Millisecond))
	g.recorder.Admitted(req.AgentType, wait)
	g.refreshGauges()

	ev := events.New(events.TypeAdmitted)
	ev.AgentID = req.AgentID
	ev.AgentType = req.AgentType
	ev.Status = string(registry.StatusActive)
	ev.QueueWaitMS = wait.Milliseconds()
	if rec, ok := g.registry.Get(req.AgentID); ok {
		ev.StartTime = rec.StartTime
	}
	g.emit(ev)
	return nil
}

func (g *Gate) finish(rec registry.AgentRecord, out Outcome) {
	elapsed := rec.Elapsed(time.Now())

	t := events.TypeCompleted
	switch rec.Status {
	case registry.StatusFailed:
		t = events.TypeFailed
		g.logger.Warn("agent failed", "agent", rec.AgentID, "type", rec.AgentType, "kind", out.Kind.String(), "error", out.Err)
	case registry.StatusCancelled:
		t = events.TypeCancelled
		g.logger.Info("agent cancelled", "agent", rec.AgentID, "type", rec.AgentType)
	default:
		g.logger.Info("agent completed", "agent", rec.AgentID, "type", rec.AgentType, "duration", elapsed.Round(time.Millisecond))
	}

	g.recorder.Finished(rec.AgentType, string(rec.Status), elapsed)
	g.refreshGauges()

	ev := events.New(t)
	ev.AgentID = rec.AgentID
	ev.AgentType = rec.AgentType
	ev.Status = string(rec.Status)
	ev.Reason = rec.Reason
	ev.StartTime = rec.StartTime
	ev.LastActivity = rec.LastActivity
	ev.DurationMS = elapsed.Milliseconds()
	ev.QueueWaitMS = out.QueueWait.Milliseconds()
	ev.ToolUsageCount = rec.ToolUsageCount
	g.emit(ev)
}

func (g *Gate) reject(out Outcome) {
	label := rejectLabel(out.Err)
	g.logger.Warn("task rejected", "agent", out.AgentID, "type", out.AgentType, "reason", label, "error", out.Err)
	g.recorder.Rejected(out.AgentType, label)
	g.refreshGauges()

	ev := events.New(events.TypeQueueRejected)
	ev.AgentID = out.AgentID
	ev.AgentType = out.AgentType
	ev.Reason = out.Err.Error()
	ev.QueueWaitMS = out.QueueWait.Milliseconds()
	g.emit(ev)
}

func rejectLabel(err error) string {
	switch {
	case circuit.IsOpen(err):
		return "circuit_open"
	case errors.Is(err, throttle.ErrQueueFull):
		return "queue_full"
	case errors.Is(err, throttle.ErrQueueTimeout):
		return "queue_timeout"
	case errors.Is(err, throttle.ErrQueueCancelled):
		return "cancelled"
	case errors.Is(err, throttle.ErrShuttingDown):
		return "shutdown"
	case errors.Is(err, throttle.ErrDuplicateAgent), errors.Is(err, registry.ErrAgentExists):
		return "duplicate"
	default:
		return "error"
	}
}

func openError(b *circuit.Breaker) error {
	snap := b.Snapshot()
	return &circuit.OpenError{Name: snap.Name, State: snap.State, RetryIn: snap.TimeUntilRetry}
}
