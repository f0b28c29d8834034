package gate

import (
	"context"
	"time"

	"github.com/adalundhe/agentgate/core/circuit"
	"github.com/adalundhe/agentgate/core/registry"
	"github.com/adalundhe/agentgate/core/resources"
	"github.com/adalundhe/agentgate/core/throttle"
)

// AgentStatus is the reporting view of one active agent.
type AgentStatus struct {
	AgentID        string        `json:"agent_id"`
	AgentType      string        `json:"agent_type"`
	Health         string        `json:"health"`
	Elapsed        time.Duration `json:"elapsed"`
	Idle           time.Duration `json:"idle"`
	ToolUsageCount int           `json:"tool_usage_count"`
	LastProgress   string        `json:"last_progress,omitempty"`
}

// Report is a point-in-time view of the whole gate.
type Report struct {
	Time      time.Time           `json:"time"`
	Totals    registry.Totals     `json:"totals"`
	Throttle  throttle.Stats      `json:"throttle"`
	Active    []AgentStatus       `json:"active"`
	Breakers  []circuit.Snapshot  `json:"breakers"`
	Resources *resources.Snapshot `json:"resources,omitempty"`
}

// Status builds a Report. Resource figures are omitted when sampling fails.
func (g *Gate) Status(ctx context.Context) Report {
	now := time.Now()
	r := Report{
		Time:     now,
		Totals:   g.registry.Totals(),
		Throttle: g.throttler.Stats(),
		Breakers: g.breakers.Snapshots(),
		Active:   []AgentStatus{},
	}

	for _, rec := range g.registry.Active() {
		s := AgentStatus{
			AgentID:        rec.AgentID,
			AgentType:      rec.AgentType,
			Health:         g.monitor.Classify(rec, now).String(),
			Elapsed:        rec.Elapsed(now),
			Idle:           now.Sub(rec.LastActivity),
			ToolUsageCount: rec.ToolUsageCount,
		}
		if last := rec.RecentProgress(1); len(last) == 1 {
			s.LastProgress = last[0].Description
		}
		r.Active = append(r.Active, s)
	}

	if snap, err := g.checker.Sample(ctx); err == nil {
		r.Resources = &snap
	} else {
		g.logger.Debug("status resource sample failed", "error", err)
	}
	return r
}
