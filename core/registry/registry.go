// Package registry is the single source of truth for which agent tasks are
// currently admitted. Every other component holds agent IDs only and goes
// through the registry to read or mutate a record.
package registry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"
)

var (
	// ErrAgentExists indicates an agent ID is already registered.
	ErrAgentExists = errors.New("agent already registered")

	// ErrAgentNotFound indicates the agent is unknown or already purged.
	ErrAgentNotFound = errors.New("agent not found")

	// ErrAlreadyTerminal indicates the agent already reached a terminal status.
	ErrAlreadyTerminal = errors.New("agent already in terminal status")

	// ErrInvalidStatus indicates a status that cannot be set explicitly.
	ErrInvalidStatus = errors.New("invalid agent status")
)

const (
	DefaultProgressLogSize = 50
	DefaultCleanupInterval = time.Minute
	DefaultRetention       = 5 * time.Minute
)

// Archiver receives records purged by cleanup. It is called without the
// registry lock held.
type Archiver interface {
	Archive(ctx context.Context, records []AgentRecord) error
}

// Config configures the registry.
type Config struct {
	// ProgressLogSize bounds the per-agent progress log.
	ProgressLogSize int

	// CleanupInterval is how often RunCleanup purges terminal records.
	CleanupInterval time.Duration

	// Retention is how long a terminal record stays queryable before purge.
	Retention time.Duration
}

// DefaultConfig returns the default registry configuration.
func DefaultConfig() Config {
	return Config{
		ProgressLogSize: DefaultProgressLogSize,
		CleanupInterval: DefaultCleanupInterval,
		Retention:       DefaultRetention,
	}
}

// Registry maps agent IDs to lifecycle records.
type Registry struct {
	config   Config
	archiver Archiver
	logger   *slog.Logger

	mu      sync.RWMutex
	records map[string]*AgentRecord
	totals  Totals
}

// New creates an empty registry. archiver may be nil.
func New(config Config, archiver Archiver, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	if config.ProgressLogSize <= 0 {
		config.ProgressLogSize = DefaultProgressLogSize
	}
	if config.CleanupInterval <= 0 {
		config.CleanupInterval = DefaultCleanupInterval
	}
	return &Registry{
		config:   config,
		archiver: archiver,
		logger:   logger,
		records:  make(map[string]*AgentRecord),
	}
}

// Register admits a new agent with status active.
func (r *Registry) Register(agentID, agentType string) error {
	if agentID == "" {
		return fmt.Errorf("register: %w: empty agent id", ErrInvalidStatus)
	}

	now := time.Now()

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.records[agentID]; exists {
		return fmt.Errorf("register %s: %w", agentID, ErrAgentExists)
	}
	r.records[agentID] = &AgentRecord{
		AgentID:      agentID,
		AgentType:    agentType,
		Status:       StatusActive,
		StartTime:    now,
		LastActivity: now,
	}
	return nil
}

// RecordActivity is a heartbeat that also counts as observable progress: it
// refreshes the activity time, increments the tool-usage counter and, when
// description is non-empty, appends to the progress log.
func (r *Registry) RecordActivity(agentID, description string) error {
	now := time.Now()

	r.mu.Lock()
	defer r.mu.Unlock()

	rec, err := r.activeLocked(agentID)
	if err != nil {
		return err
	}
	rec.LastActivity = now
	rec.ToolUsageCount++
	if description != "" {
		rec.appendProgressLocked(ProgressEntry{Time: now, Description: description}, r.config.ProgressLogSize)
	}
	return nil
}

// Touch refreshes the activity time without counting tool usage.
func (r *Registry) Touch(agentID string) error {
	now := time.Now()

	r.mu.Lock()
	defer r.mu.Unlock()

	rec, err := r.activeLocked(agentID)
	if err != nil {
		return err
	}
	rec.LastActivity = now
	return nil
}

// activeLocked looks up a record that must still be active.
// REQUIRES: caller holds r.mu.
func (r *Registry) activeLocked(agentID string) (*AgentRecord, error) {
	rec, ok := r.records[agentID]
	if !ok {
		return nil, fmt.Errorf("%s: %w", agentID, ErrAgentNotFound)
	}
	if rec.Status.Terminal() {
		return nil, fmt.Errorf("%s is %s: %w", agentID, rec.Status, ErrAlreadyTerminal)
	}
	return rec, nil
}

// UpdateStatus moves an active agent to a terminal status.
func (r *Registry) UpdateStatus(agentID string, status Status, reason string) error {
	_, err := r.Transition(agentID, status, reason)
	return err
}

// Transition atomically moves an active agent to a terminal status and
// returns the record as it was after the transition. Exactly one of any
// number of racing callers succeeds; the rest get ErrAlreadyTerminal or
// ErrAgentNotFound.
func (r *Registry) Transition(agentID string, status Status, reason string) (AgentRecord, error) {
	if !status.Terminal() {
		return AgentRecord{}, fmt.Errorf("transition %s to %q: %w", agentID, status, ErrInvalidStatus)
	}

	now := time.Now()

	r.mu.Lock()
	defer r.mu.Unlock()

	rec, err := r.activeLocked(agentID)
	if err != nil {
		return AgentRecord{}, err
	}
	rec.Status = status
	rec.EndTime = now
	rec.Reason = reason
	r.totals.count(status)
	return rec.clone(), nil
}

// Get returns a copy of the agent's record.
func (r *Registry) Get(agentID string) (AgentRecord, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	rec, ok := r.records[agentID]
	if !ok {
		return AgentRecord{}, false
	}
	return rec.clone(), true
}

// ActiveCount returns the number of records whose status is active.
func (r *Registry) ActiveCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.activeCountLocked()
}

// activeCountLocked counts active records.
// REQUIRES: caller holds r.mu (read or write).
func (r *Registry) activeCountLocked() int {
	n := 0
	for _, rec := range r.records {
		if rec.Status == StatusActive {
			n++
		}
	}
	return n
}

// Active returns copies of all active records ordered by start time.
func (r *Registry) Active() []AgentRecord {
	r.mu.RLock()
	out := make([]AgentRecord, 0, len(r.records))
	for _, rec := range r.records {
		if rec.Status == StatusActive {
			out = append(out, rec.clone())
		}
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		return out[i].StartTime.Before(out[j].StartTime)
	})
	return out
}

// Totals returns current and cumulative counts.
func (r *Registry) Totals() Totals {
	r.mu.RLock()
	defer r.mu.RUnlock()

	t := r.totals
	t.Active = r.activeCountLocked()
	return t
}

// Len returns the number of records held, active or terminal.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.records)
}

// CleanupCompleted purges terminal records that ended more than olderThan
// ago and hands them to the archiver. It returns the number purged.
func (r *Registry) CleanupCompleted(ctx context.Context, olderThan time.Duration) (int, error) {
	purged := r.purge(time.Now().Add(-olderThan))
	if len(purged) == 0 {
		return 0, nil
	}

	r.logger.Debug("purged terminal agents", "count", len(purged))

	if r.archiver == nil {
		return len(purged), nil
	}
	if err := r.archiver.Archive(ctx, purged); err != nil {
		return len(purged), fmt.Errorf("archive %d records: %w", len(purged), err)
	}
	return len(purged), nil
}

func (r *Registry) purge(cutoff time.Time) []AgentRecord {
	r.mu.Lock()
	defer r.mu.Unlock()

	var purged []AgentRecord
	for id, rec := range r.records {
		if !rec.Status.Terminal() || rec.EndTime.After(cutoff) {
			continue
		}
		purged = append(purged, rec.clone())
		delete(r.records, id)
	}
	return purged
}

// RunCleanup purges terminal records on the configured interval until ctx
// is cancelled.
func (r *Registry) RunCleanup(ctx context.Context) {
	ticker := time.NewTicker(r.config.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := r.CleanupCompleted(ctx, r.config.Retention); err != nil {
				r.logger.Warn("registry cleanup failed", "error", err)
			}
		}
	}
}
