package recovery

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/adalundhe/agentgate/core/events"
	"github.com/adalundhe/agentgate/core/registry"
)

// Strategy recovers one agent. rec is the registry record as it was when
// recovery started.
type Strategy func(ctx context.Context, rec registry.AgentRecord, reason string) error

// SetStrategy replaces the strategy for a classification. Running cannot be
// given a strategy.
func (m *Monitor) SetStrategy(h Health, s Strategy) {
	if h == Running || s == nil {
		return
	}
	m.mu.Lock()
	m.strategies[h] = s
	m.mu.Unlock()
}

func (m *Monitor) strategy(h Health) Strategy {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.strategies[h]
}

// tombstoneKey identifies one admission of an agent. IDs may be reused once
// a record is purged, so the start time is part of the key.
type tombstoneKey struct {
	agentID string
	start   int64
}

func keyFor(rec registry.AgentRecord) tombstoneKey {
	return tombstoneKey{agentID: rec.AgentID, start: rec.StartTime.UnixNano()}
}

// Recover dispatches the strategy for health. Recovering an agent that was
// already recovered, already terminal, or purged is a no-op. When a stall
// or timeout strategy fails, the agent is escalated to FAILED.
func (m *Monitor) Recover(ctx context.Context, agentID string, health Health, reason string) error {
	if health == Running {
		return nil
	}
	rec, ok := m.registry.Get(agentID)
	if !ok {
		return nil
	}
	key := keyFor(rec)
	if m.tombstones.Contains(key) {
		return nil
	}
	if rec.Status.Terminal() {
		m.tombstones.Add(key, health)
		return nil
	}

	strategy := m.strategy(health)
	if strategy == nil {
		return fmt.Errorf("no recovery strategy for %s", health)
	}

	err := strategy(ctx, rec, reason)
	if alreadyHandled(err) {
		m.tombstones.Add(key, health)
		return nil
	}
	if err != nil && health != Failed {
		m.logger.Error("recovery strategy failed, escalating", "agent", agentID, "health", health.String(), "error", err)
		m.escalate(rec, fmt.Sprintf("%s recovery failed: %v", strings.ToLower(health.String()), err))
		m.tombstones.Add(key, Failed)
		return nil
	}
	m.tombstones.Add(key, health)
	return err
}

// ReportFailure marks a running agent failed and counts the failure against
// its capability's circuit breaker.
func (m *Monitor) ReportFailure(ctx context.Context, agentID, reason string) error {
	return m.Recover(ctx, agentID, Failed, reason)
}

// Recovered reports how the agent currently registered under agentID was
// handled, if it was.
func (m *Monitor) Recovered(agentID string) (Health, bool) {
	rec, ok := m.registry.Get(agentID)
	if !ok {
		return Running, false
	}
	return m.tombstones.Peek(keyFor(rec))
}

func alreadyHandled(err error) bool {
	return errors.Is(err, registry.ErrAlreadyTerminal) || errors.Is(err, registry.ErrAgentNotFound)
}

func (m *Monitor) recoverStall(ctx context.Context, rec registry.AgentRecord, reason string) error {
	updated, err := m.registry.Transition(rec.AgentID, registry.StatusRecoveredFromStall, reason)
	if err != nil {
		return err
	}
	m.releaseSlot(rec.AgentID)

	report := newReport(updated, Stalled, reason, m.Config().ReportEntries, time.Now())
	m.logger.Warn("agent stalled, released from active tracking",
		"agent", report.AgentID,
		"type", report.AgentType,
		"idle", report.Idle.Round(time.Millisecond),
		"tool_usage", report.ToolUsageCount,
		"recent_progress", report.RecentProgress,
		"reason", reason,
	)
	m.emit(events.TypeStalled, updated, report)
	m.record(Stalled)
	return nil
}

func (m *Monitor) recoverTimeout(ctx context.Context, rec registry.AgentRecord, reason string) error {
	updated, err := m.registry.Transition(rec.AgentID, registry.StatusTimeout, reason)
	if err != nil {
		return err
	}

	// stop the external work before the slot is handed to the next agent
	var termErr error
	if m.terminator != nil {
		termErr = m.terminator.Terminate(ctx, rec.AgentID, reason)
	}
	m.releaseSlot(rec.AgentID)

	report := newReport(updated, TimedOut, reason, m.Config().ReportEntries, time.Now())
	m.logger.Warn("agent timed out",
		"agent", report.AgentID,
		"type", report.AgentType,
		"duration", report.Elapsed.Round(time.Millisecond),
		"tool_usage", report.ToolUsageCount,
		"reason", reason,
	)
	m.emit(events.TypeTimeout, updated, report)
	m.record(TimedOut)

	if termErr != nil {
		return fmt.Errorf("terminate %s: %w", rec.AgentID, termErr)
	}
	return nil
}

func (m *Monitor) recoverFailure(ctx context.Context, rec registry.AgentRecord, reason string) error {
	updated, err := m.registry.Transition(rec.AgentID, registry.StatusFailed, reason)
	if err != nil {
		return err
	}
	m.fail(updated, reason)
	return nil
}

// escalate reports a failure for an agent whose stall or timeout recovery
// did not complete. The registry status is set to failed when the agent is
// still active; otherwise the earlier terminal status stands.
func (m *Monitor) escalate(rec registry.AgentRecord, reason string) {
	updated, err := m.registry.Transition(rec.AgentID, registry.StatusFailed, reason)
	if err != nil {
		updated = rec
		if cur, ok := m.registry.Get(rec.AgentID); ok {
			updated = cur
		}
	}
	m.fail(updated, reason)
}

func (m *Monitor) fail(rec registry.AgentRecord, reason string) {
	m.releaseSlot(rec.AgentID)
	m.logger.Error("agent failed", "agent", rec.AgentID, "type", rec.AgentType, "reason", reason)

	if m.failures != nil {
		m.failures.ReportFailure(rec.AgentType, fmt.Sprintf("agent %s failed: %s", rec.AgentID, reason))
	}
	m.emit(events.TypeFailed, rec, newReport(rec, Failed, reason, m.Config().ReportEntries, time.Now()))
	m.record(Failed)
}

func (m *Monitor) releaseSlot(agentID string) {
	if m.slots != nil {
		m.slots.Release(agentID)
	}
}

func (m *Monitor) record(h Health) {
	if m.recorder != nil {
		m.recorder.Recovered(strings.ToLower(h.String()))
	}
}

func (m *Monitor) emit(t events.Type, rec registry.AgentRecord, report Report) {
	ev := events.New(t)
	ev.AgentID = rec.AgentID
	ev.AgentType = rec.AgentType
	ev.Status = string(rec.Status)
	ev.Reason = report.Reason
	ev.StartTime = rec.StartTime
	ev.LastActivity = rec.LastActivity
	ev.DurationMS = report.Elapsed.Milliseconds()
	ev.ToolUsageCount = report.ToolUsageCount
	ev.RecentProgress = report.RecentProgress

	if err := m.sink.Emit(ev); err != nil {
		m.logger.Warn("emit recovery event failed", "agent", rec.AgentID, "type", string(t), "error", err)
	}
}
