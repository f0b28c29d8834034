package archive

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/adalundhe/agentgate/core/registry"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(Config{Path: filepath.Join(t.TempDir(), "history.db"), CacheEntries: 16}, nil)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func record(id, agentType string, status registry.Status, end time.Time) registry.AgentRecord {
	return registry.AgentRecord{
		AgentID:        id,
		AgentType:      agentType,
		Status:         status,
		StartTime:      end.Add(-time.Minute),
		LastActivity:   end.Add(-time.Second),
		EndTime:        end,
		ToolUsageCount: 4,
		Reason:         "done",
		ProgressLog: []registry.ProgressEntry{
			{Time: end.Add(-30 * time.Second), Description: "read file"},
			{Time: end.Add(-time.Second), Description: "wrote patch"},
		},
	}
}

func TestArchiveAndLookup(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	end := time.Now()

	require.NoError(t, s.Archive(ctx, []registry.AgentRecord{record("a1", "coder", registry.StatusCompleted, end)}))

	e, ok, err := s.Lookup(ctx, "a1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "coder", e.AgentType)
	assert.Equal(t, registry.StatusCompleted, e.Status)
	assert.Equal(t, 4, e.ToolUsageCount)
	assert.True(t, e.EndTime.Equal(end))
	assert.Len(t, e.ProgressLog, 2)
	assert.False(t, e.ArchivedAt.IsZero())

	_, ok, err = s.Lookup(ctx, "missing")
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, int64(1), s.Stats().Misses)
}

func TestLookupFallsBackToDatabase(t *testing.T) {
	path := filepath.Join(t.TempDir(), "history.db")
	ctx := context.Background()
	end := time.Now()

	s, err := Open(Config{Path: path}, nil)
	require.NoError(t, err)
	require.NoError(t, s.Archive(ctx, []registry.AgentRecord{record("a1", "coder", registry.StatusTimeout, end)}))
	require.NoError(t, s.Close())

	reopened, err := Open(Config{Path: path}, nil)
	require.NoError(t, err)
	defer reopened.Close()

	e, ok, err := reopened.Lookup(ctx, "a1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, registry.StatusTimeout, e.Status)
	assert.Equal(t, "done", e.Reason)
	assert.Equal(t, []string{"read file", "wrote patch"}, []string{e.ProgressLog[0].Description, e.ProgressLog[1].Description})
	assert.Equal(t, int64(1), reopened.Stats().ColdHits)
}

func TestRecentOrderingAndFilters(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	base := time.Now().Add(-time.Hour)

	require.NoError(t, s.Archive(ctx, []registry.AgentRecord{
		record("a1", "coder", registry.StatusCompleted, base),
		record("a2", "reviewer", registry.StatusFailed, base.Add(time.Minute)),
		record("a3", "coder", registry.StatusRecoveredFromStall, base.Add(2*time.Minute)),
	}))

	all, err := s.Recent(ctx, Query{})
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, "a3", all[0].AgentID)
	assert.Equal(t, "a1", all[2].AgentID)

	coders, err := s.Recent(ctx, Query{AgentType: "coder"})
	require.NoError(t, err)
	assert.Len(t, coders, 2)

	failed, err := s.Recent(ctx, Query{Status: registry.StatusFailed})
	require.NoError(t, err)
	require.Len(t, failed, 1)
	assert.Equal(t, "a2", failed[0].AgentID)

	limited, err := s.Recent(ctx, Query{Limit: 1})
	require.NoError(t, err)
	require.Len(t, limited, 1)
	assert.Equal(t, "a3", limited[0].AgentID)
}

func TestArchiveReplacesExistingEntry(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	end := time.Now()

	require.NoError(t, s.Archive(ctx, []registry.AgentRecord{record("a1", "coder", registry.StatusCompleted, end)}))
	updated := record("a1", "coder", registry.StatusFailed, end)
	require.NoError(t, s.Archive(ctx, []registry.AgentRecord{updated}))

	all, err := s.Recent(ctx, Query{})
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, registry.StatusFailed, all[0].Status)
}

func TestPrune(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Archive(ctx, []registry.AgentRecord{record("a1", "coder", registry.StatusCompleted, time.Now())}))

	n, err := s.Prune(ctx, time.Now().Add(time.Second))
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	_, ok, err := s.Lookup(ctx, "a1")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestClosedStore(t *testing.T) {
	s := openTestStore(t)
	require.NoError(t, s.Close())
	require.NoError(t, s.Close())

	ctx := context.Background()
	assert.ErrorIs(t, s.Archive(ctx, []registry.AgentRecord{record("a1", "coder", registry.StatusCompleted, time.Now())}), ErrClosed)
	_, _, err := s.Lookup(ctx, "a1")
	assert.ErrorIs(t, err, ErrClosed)
	_, err = s.Recent(ctx, Query{})
	assert.ErrorIs(t, err, ErrClosed)
}

func TestRegistryCleanupArchives(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	reg := registry.New(registry.DefaultConfig(), s, nil)
	require.NoError(t, reg.Register("a1", "coder"))
	require.NoError(t, reg.RecordActivity("a1", "ran tests"))
	require.NoError(t, reg.UpdateStatus("a1", registry.StatusCompleted, "ok"))

	n, err := reg.CleanupCompleted(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	e, ok, err := s.Lookup(ctx, "a1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, registry.StatusCompleted, e.Status)
	require.Len(t, e.ProgressLog, 1)
	assert.Equal(t, "ran tests", e.ProgressLog[0].Description)
}
