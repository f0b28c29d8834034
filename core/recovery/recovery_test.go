package recovery

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/adalundhe/agentgate/core/registry"
)

func activeRecord(start, lastActivity time.Time, toolUsage int) registry.AgentRecord {
	return registry.AgentRecord{
		AgentID:        "a1",
		AgentType:      "coder",
		Status:         registry.StatusActive,
		StartTime:      start,
		LastActivity:   lastActivity,
		ToolUsageCount: toolUsage,
	}
}

func TestClassify_Running(t *testing.T) {
	cfg := DefaultConfig()
	now := time.Now()

	rec := activeRecord(now.Add(-30*time.Second), now.Add(-5*time.Second), 3)
	assert.Equal(t, Running, cfg.Classify(rec, now))

	fresh := activeRecord(now.Add(-10*time.Second), now.Add(-10*time.Second), 0)
	assert.Equal(t, Running, cfg.Classify(fresh, now), "inside the no-activity grace")
}

func TestClassify_StaleActivityIsStalledDespiteToolUsage(t *testing.T) {
	cfg := DefaultConfig()
	now := time.Now()

	rec := activeRecord(now.Add(-200*time.Second), now.Add(-121*time.Second), 42)
	assert.Equal(t, Stalled, cfg.Classify(rec, now))
}

func TestClassify_NoActivityGrace(t *testing.T) {
	cfg := DefaultConfig()
	now := time.Now()

	rec := activeRecord(now.Add(-61*time.Second), now.Add(-61*time.Second), 0)
	assert.Equal(t, Stalled, cfg.Classify(rec, now))

	rec.ToolUsageCount = 1
	rec.LastActivity = now.Add(-time.Second)
	assert.Equal(t, Running, cfg.Classify(rec, now))
}

func TestClassify_TimeoutPrecedesStall(t *testing.T) {
	cfg := DefaultConfig()
	now := time.Now()

	recent := activeRecord(now.Add(-301*time.Second), now.Add(-time.Second), 10)
	assert.Equal(t, TimedOut, cfg.Classify(recent, now))

	idle := activeRecord(now.Add(-301*time.Second), now.Add(-250*time.Second), 0)
	assert.Equal(t, TimedOut, cfg.Classify(idle, now))
}

func TestClassify_BoundariesAreExclusive(t *testing.T) {
	cfg := DefaultConfig()
	now := time.Now()

	rec := activeRecord(now.Add(-cfg.TimeoutThreshold), now.Add(-cfg.StallThreshold), 1)
	assert.Equal(t, Running, cfg.Classify(rec, now))
}

func TestClassify_TerminalRecordsAreIgnored(t *testing.T) {
	cfg := DefaultConfig()
	now := time.Now()

	rec := activeRecord(now.Add(-time.Hour), now.Add(-time.Hour), 0)
	rec.Status = registry.StatusCompleted
	assert.Equal(t, Running, cfg.Classify(rec, now))
}

func TestHealth_String(t *testing.T) {
	assert.Equal(t, "STALLED", Stalled.String())
	assert.Equal(t, "TIMEOUT", TimedOut.String())
	assert.Equal(t, "UNKNOWN", Health(42).String())
}

func TestConfig_Validate(t *testing.T) {
	assert.NoError(t, DefaultConfig().Validate())

	cfg := DefaultConfig()
	cfg.StallThreshold = 0
	assert.Error(t, cfg.Validate())

	cfg = DefaultConfig()
	cfg.SweepInterval = time.Millisecond
	assert.Error(t, cfg.Validate())
}

func TestNewReport(t *testing.T) {
	now := time.Now()
	rec := activeRecord(now.Add(-time.Minute), now.Add(-10*time.Second), 3)
	rec.ProgressLog = []registry.ProgressEntry{
		{Time: now, Description: "one"},
		{Time: now, Description: "two"},
		{Time: now, Description: "three"},
	}

	r := newReport(rec, Stalled, "idle", 2, now)
	assert.Equal(t, []string{"two", "three"}, r.RecentProgress)
	assert.Equal(t, time.Minute, r.Elapsed)
	assert.Equal(t, 10*time.Second, r.Idle)
	assert.Equal(t, 3, r.ToolUsageCount)
}
