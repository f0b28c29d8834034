// Package events records agent lifecycle and recovery events to an
// append-only JSONL log consumed by external tooling.
package events

import (
	"errors"
	"time"

	"github.com/google/uuid"
)

// Type identifies an event.
type Type string

const (
	TypeAdmitted      Type = "agent.admitted"
	TypeCompleted     Type = "agent.completed"
	TypeFailed        Type = "agent.failed"
	TypeCancelled     Type = "agent.cancelled"
	TypeStalled       Type = "agent.stalled"
	TypeTimeout       Type = "agent.timeout"
	TypeQueueRejected Type = "queue.rejected"
	TypeCircuitState  Type = "circuit.state_changed"
)

// Event is one log record. Counters and durations are included when the
// event carries them.
type Event struct {
	ID             string    `json:"id"`
	Type           Type      `json:"type"`
	Time           time.Time `json:"time"`
	AgentID        string    `json:"agent_id,omitempty"`
	AgentType      string    `json:"agent_type,omitempty"`
	Status         string    `json:"status,omitempty"`
	Reason         string    `json:"reason,omitempty"`
	StartTime      time.Time `json:"start_time,omitempty"`
	LastActivity   time.Time `json:"last_activity,omitempty"`
	DurationMS     int64     `json:"duration_ms,omitempty"`
	QueueWaitMS    int64     `json:"queue_wait_ms,omitempty"`
	ToolUsageCount int       `json:"tool_usage_count,omitempty"`
	RecentProgress []string  `json:"recent_progress,omitempty"`
	Circuit        string    `json:"circuit,omitempty"`
	FromState      string    `json:"from_state,omitempty"`
	ToState        string    `json:"to_state,omitempty"`
	FailureCount   int       `json:"failure_count,omitempty"`
}

// New returns an event of type t stamped with a fresh ID and the current
// time.
func New(t Type) Event {
	return Event{ID: uuid.NewString(), Type: t, Time: time.Now()}
}

// Sink receives events.
type Sink interface {
	Emit(ev Event) error
}

// NopSink discards events.
type NopSink struct{}

func (NopSink) Emit(Event) error { return nil }

// MultiSink fans an event out to every sink and joins their errors.
type MultiSink []Sink

func (m MultiSink) Emit(ev Event) error {
	var errs []error
	for _, s := range m {
		if err := s.Emit(ev); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Filter selects events for display.
type Filter struct {
	AgentID string
	Type    Type
	Since   time.Time

	// Limit keeps only the newest matches when positive.
	Limit int
}

// Match reports whether ev passes the filter.
func (f Filter) Match(ev Event) bool {
	if f.AgentID != "" && ev.AgentID != f.AgentID {
		return false
	}
	if f.Type != "" && ev.Type != f.Type {
		return false
	}
	if !f.Since.IsZero() && ev.Time.Before(f.Since) {
		return false
	}
	return true
}

// Apply returns the matching events in log order.
func (f Filter) Apply(evs []Event) []Event {
	out := make([]Event, 0, len(evs))
	for _, ev := range evs {
		if f.Match(ev) {
			out = append(out, ev)
		}
	}
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[len(out)-f.Limit:]
	}
	return out
}
