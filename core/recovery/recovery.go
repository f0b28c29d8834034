// Package recovery watches admitted agents for stalls and timeouts and
// recovers from them.
//
// Recovery is cooperative. A stalled or timed-out agent is marked terminal in
// the registry, its concurrency slot is freed and its context is cancelled,
// but the running closure is not forced to return. Hard termination only
// happens when the host supplies a Terminator that can stop the underlying
// work, such as a process group.
package recovery

import (
	"time"

	"github.com/adalundhe/agentgate/core/registry"
)

// Health is the classification of one agent on a sweep.
type Health int

const (
	Running Health = iota
	Stalled
	TimedOut
	Failed
)

var healthNames = map[Health]string{
	Running:  "RUNNING",
	Stalled:  "STALLED",
	TimedOut: "TIMEOUT",
	Failed:   "FAILED",
}

func (h Health) String() string {
	if name, ok := healthNames[h]; ok {
		return name
	}
	return "UNKNOWN"
}

// Default monitor configuration.
const (
	DefaultStallThreshold   = 120 * time.Second
	DefaultTimeoutThreshold = 300 * time.Second
	DefaultNoActivityGrace  = 60 * time.Second
	DefaultSweepInterval    = 5 * time.Second
	DefaultReportEntries    = 5
	DefaultTombstoneSize    = 4096
)

// Config configures the monitor.
type Config struct {
	StallThreshold   time.Duration
	TimeoutThreshold time.Duration

	// NoActivityGrace is how long an agent may run without a single
	// recorded activity before it counts as stalled.
	NoActivityGrace time.Duration

	SweepInterval time.Duration

	// ReportEntries is how many recent progress entries a stall report
	// carries.
	ReportEntries int

	// TombstoneSize bounds the set of already-recovered agent IDs.
	TombstoneSize int
}

// DefaultConfig returns the default monitor configuration.
func DefaultConfig() Config {
	return Config{
		StallThreshold:   DefaultStallThreshold,
		TimeoutThreshold: DefaultTimeoutThreshold,
		NoActivityGrace:  DefaultNoActivityGrace,
		SweepInterval:    DefaultSweepInterval,
		ReportEntries:    DefaultReportEntries,
		TombstoneSize:    DefaultTombstoneSize,
	}
}

func normalizeConfig(c Config) Config {
	d := DefaultConfig()
	if c.StallThreshold <= 0 {
		c.StallThreshold = d.StallThreshold
	}
	if c.TimeoutThreshold <= 0 {
		c.TimeoutThreshold = d.TimeoutThreshold
	}
	if c.NoActivityGrace <= 0 {
		c.NoActivityGrace = d.NoActivityGrace
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = d.SweepInterval
	}
	if c.ReportEntries <= 0 {
		c.ReportEntries = d.ReportEntries
	}
	if c.TombstoneSize <= 0 {
		c.TombstoneSize = d.TombstoneSize
	}
	return c
}

// Classify returns the health of rec at now. Timeout is checked before
// stall, so a long-running agent with recent activity still times out.
func (c Config) Classify(rec registry.AgentRecord, now time.Time) Health {
	if rec.Status != registry.StatusActive {
		return Running
	}
	if now.Sub(rec.StartTime) > c.TimeoutThreshold {
		return TimedOut
	}
	if now.Sub(rec.LastActivity) > c.StallThreshold {
		return Stalled
	}
	if rec.ToolUsageCount == 0 && now.Sub(rec.StartTime) > c.NoActivityGrace {
		return Stalled
	}
	return Running
}

// Report describes one recovery action. It is logged and emitted as an
// event.
type Report struct {
	AgentID        string
	AgentType      string
	Health         Health
	Reason         string
	Elapsed        time.Duration
	Idle           time.Duration
	ToolUsageCount int
	RecentProgress []string
}

func newReport(rec registry.AgentRecord, health Health, reason string, entries int, now time.Time) Report {
	r := Report{
		AgentID:        rec.AgentID,
		AgentType:      rec.AgentType,
		Health:         health,
		Reason:         reason,
		Elapsed:        rec.Elapsed(now),
		Idle:           now.Sub(rec.LastActivity),
		ToolUsageCount: rec.ToolUsageCount,
	}
	for _, p := range rec.RecentProgress(entries) {
		r.RecentProgress = append(r.RecentProgress, p.Description)
	}
	return r
}
