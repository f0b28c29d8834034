package registry

import "time"

// Status is the lifecycle status of an admitted agent.
type Status string

const (
	StatusActive             Status = "active"
	StatusCompleted          Status = "completed"
	StatusFailed             Status = "failed"
	StatusCancelled          Status = "cancelled"
	StatusRecoveredFromStall Status = "recovered_from_stall"
	StatusTimeout            Status = "timeout"
)

// Terminal reports whether the status ends the agent's active lifetime.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled, StatusRecoveredFromStall, StatusTimeout:
		return true
	default:
		return false
	}
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	return s == StatusActive || s.Terminal()
}

// ProgressEntry is one activity description reported by a running agent.
type ProgressEntry struct {
	Time        time.Time `json:"time"`
	Description string    `json:"description"`
}

// AgentRecord is the registry's view of one admitted task. Values handed out
// by the registry are copies; mutating them has no effect on the registry.
type AgentRecord struct {
	AgentID        string          `json:"agent_id"`
	AgentType      string          `json:"agent_type"`
	Status         Status          `json:"status"`
	StartTime      time.Time       `json:"start_time"`
	LastActivity   time.Time       `json:"last_activity"`
	EndTime        time.Time       `json:"end_time,omitempty"`
	ToolUsageCount int             `json:"tool_usage_count"`
	ProgressLog    []ProgressEntry `json:"progress_log,omitempty"`
	Reason         string          `json:"reason,omitempty"`
}

// Elapsed returns how long the agent has been (or was) running.
func (r AgentRecord) Elapsed(now time.Time) time.Duration {
	if !r.EndTime.IsZero() {
		return r.EndTime.Sub(r.StartTime)
	}
	return now.Sub(r.StartTime)
}

// RecentProgress returns up to n of the newest progress entries, oldest first.
func (r AgentRecord) RecentProgress(n int) []ProgressEntry {
	if n <= 0 || len(r.ProgressLog) == 0 {
		return nil
	}
	if n > len(r.ProgressLog) {
		n = len(r.ProgressLog)
	}
	out := make([]ProgressEntry, n)
	copy(out, r.ProgressLog[len(r.ProgressLog)-n:])
	return out
}

func (r *AgentRecord) clone() AgentRecord {
	c := *r
	if r.ProgressLog != nil {
		c.ProgressLog = make([]ProgressEntry, len(r.ProgressLog))
		copy(c.ProgressLog, r.ProgressLog)
	}
	return c
}

// appendProgressLocked appends an entry, dropping the oldest beyond limit.
// REQUIRES: caller holds the registry lock.
func (r *AgentRecord) appendProgressLocked(entry ProgressEntry, limit int) {
	if limit <= 0 {
		return
	}
	if len(r.ProgressLog) >= limit {
		copy(r.ProgressLog, r.ProgressLog[len(r.ProgressLog)-limit+1:])
		r.ProgressLog = r.ProgressLog[:limit-1]
	}
	r.ProgressLog = append(r.ProgressLog, entry)
}

// Totals summarises the registry. Active is current; the terminal counts are
// cumulative and survive cleanup.
type Totals struct {
	Active             int `json:"active"`
	Completed          int `json:"completed"`
	Failed             int `json:"failed"`
	Cancelled          int `json:"cancelled"`
	RecoveredFromStall int `json:"recovered_from_stall"`
	TimedOut           int `json:"timed_out"`
}

func (t *Totals) count(s Status) {
	switch s {
	case StatusCompleted:
		t.Completed++
	case StatusFailed:
		t.Failed++
	case StatusCancelled:
		t.Cancelled++
	case StatusRecoveredFromStall:
		t.RecoveredFromStall++
	case StatusTimeout:
		t.TimedOut++
	}
}
