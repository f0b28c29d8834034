// Package archive keeps the history of agents purged from the registry.
//
// Records are written to a SQLite agent_history table (cold tier) and kept
// in a Ristretto cache (hot tier) so recent lookups do not touch the disk.
// The table is authoritative; the cache may drop entries at any time.
package archive

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dgraph-io/ristretto"
	_ "modernc.org/sqlite"

	"github.com/adalundhe/agentgate/core/registry"
)

const (
	DefaultPath         = ".agentgate/history.db"
	DefaultCacheEntries = 1024
	defaultBufferItems  = 64
)

var ErrClosed = errors.New("archive closed")

// Entry is an archived agent record.
type Entry struct {
	registry.AgentRecord
	ArchivedAt time.Time `json:"archived_at"`
}

type Config struct {
	Path         string
	CacheEntries int
}

func DefaultConfig() Config {
	return Config{Path: DefaultPath, CacheEntries: DefaultCacheEntries}
}

// Query selects entries for Recent. Zero fields match everything.
type Query struct {
	AgentID   string
	AgentType string
	Status    registry.Status
	Limit     int
}

type Stats struct {
	HotHits  int64 `json:"hot_hits"`
	ColdHits int64 `json:"cold_hits"`
	Misses   int64 `json:"misses"`
	Archived int64 `json:"archived"`
}

type Store struct {
	db     *sql.DB
	cache  *ristretto.Cache
	path   string
	logger *slog.Logger

	closeOnce sync.Once
	closed    atomic.Bool

	hotHits  atomic.Int64
	coldHits atomic.Int64
	misses   atomic.Int64
	archived atomic.Int64
}

// Open opens (creating if needed) the archive at cfg.Path.
func Open(cfg Config, logger *slog.Logger) (*Store, error) {
	if cfg.Path == "" {
		cfg.Path = DefaultPath
	}
	if cfg.CacheEntries <= 0 {
		cfg.CacheEntries = DefaultCacheEntries
	}
	if logger == nil {
		logger = slog.Default()
	}

	db, err := openDB(cfg.Path)
	if err != nil {
		return nil, err
	}

	cache, err := ristretto.NewCache(&ristretto.Config{
		NumCounters:        int64(cfg.CacheEntries) * 10,
		MaxCost:            int64(cfg.CacheEntries),
		BufferItems:        defaultBufferItems,
		IgnoreInternalCost: true,
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("init archive cache: %w", err)
	}

	return &Store{db: db, cache: cache, path: cfg.Path, logger: logger}, nil
}

func openDB(path string) (*sql.DB, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("create archive directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open archive %s: %w", path, err)
	}
	// A single connection keeps :memory: databases shared and serialises
	// writers, which SQLite does anyway.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable WAL: %w", err)
	}

	schema := `
	CREATE TABLE IF NOT EXISTS agent_history (
		agent_id TEXT PRIMARY KEY,
		agent_type TEXT NOT NULL,
		status TEXT NOT NULL,
		reason TEXT,
		start_time INTEGER NOT NULL,
		last_activity INTEGER NOT NULL,
		end_time INTEGER,
		tool_usage_count INTEGER NOT NULL,
		progress_log TEXT,
		archived_at INTEGER NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_history_type ON agent_history(agent_type);
	CREATE INDEX IF NOT EXISTS idx_history_status ON agent_history(status);
	CREATE INDEX IF NOT EXISTS idx_history_archived ON agent_history(archived_at);
	`
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create archive schema: %w", err)
	}
	return db, nil
}

func (s *Store) Path() string {
	return s.path
}

// Archive writes records in one transaction and caches them. It satisfies
// registry.Archiver.
func (s *Store) Archive(ctx context.Context, records []registry.AgentRecord) error {
	if s.closed.Load() {
		return ErrClosed
	}
	if len(records) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin archive: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT OR REPLACE INTO agent_history
		(agent_id, agent_type, status, reason, start_time, last_activity,
		 end_time, tool_usage_count, progress_log, archived_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return fmt.Errorf("prepare archive: %w", err)
	}
	defer stmt.Close()

	now := time.Now()
	entries := make([]Entry, 0, len(records))
	for _, rec := range records {
		progress, err := json.Marshal(rec.ProgressLog)
		if err != nil {
			return fmt.Errorf("encode progress for %s: %w", rec.AgentID, err)
		}
		_, err = stmt.ExecContext(ctx,
			rec.AgentID, rec.AgentType, string(rec.Status), rec.Reason,
			unixNano(rec.StartTime), unixNano(rec.LastActivity), unixNano(rec.EndTime),
			rec.ToolUsageCount, string(progress), now.UnixNano(),
		)
		if err != nil {
			return fmt.Errorf("archive %s: %w", rec.AgentID, err)
		}
		entries = append(entries, Entry{AgentRecord: rec, ArchivedAt: now})
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit archive: %w", err)
	}

	for _, e := range entries {
		s.cache.Set(e.AgentID, e, 1)
	}
	s.cache.Wait()
	s.archived.Add(int64(len(entries)))

	s.logger.Debug("archived agent records", "count", len(entries), "path", s.path)
	return nil
}

// Lookup returns the archived entry for agentID, checking the cache first.
func (s *Store) Lookup(ctx context.Context, agentID string) (Entry, bool, error) {
	if s.closed.Load() {
		return Entry{}, false, ErrClosed
	}
	if v, ok := s.cache.Get(agentID); ok {
		s.hotHits.Add(1)
		return v.(Entry), true, nil
	}

	row := s.db.QueryRowContext(ctx, selectColumns+` WHERE agent_id = ?`, agentID)
	e, err := scanEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		s.misses.Add(1)
		return Entry{}, false, nil
	}
	if err != nil {
		return Entry{}, false, fmt.Errorf("lookup %s: %w", agentID, err)
	}

	s.coldHits.Add(1)
	s.cache.Set(agentID, e, 1)
	return e, true, nil
}

// Recent returns entries matching q, most recently finished first.
func (s *Store) Recent(ctx context.Context, q Query) ([]Entry, error) {
	if s.closed.Load() {
		return nil, ErrClosed
	}

	query := selectColumns + ` WHERE 1=1`
	var args []any
	if q.AgentID != "" {
		query += ` AND agent_id = ?`
		args = append(args, q.AgentID)
	}
	if q.AgentType != "" {
		query += ` AND agent_type = ?`
		args = append(args, q.AgentType)
	}
	if q.Status != "" {
		query += ` AND status = ?`
		args = append(args, string(q.Status))
	}
	query += ` ORDER BY end_time DESC, archived_at DESC`
	if q.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, q.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query history: %w", err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("scan history: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// Prune deletes entries archived before cutoff.
func (s *Store) Prune(ctx context.Context, cutoff time.Time) (int64, error) {
	if s.closed.Load() {
		return 0, ErrClosed
	}
	res, err := s.db.ExecContext(ctx, `DELETE FROM agent_history WHERE archived_at < ?`, cutoff.UnixNano())
	if err != nil {
		return 0, fmt.Errorf("prune history: %w", err)
	}
	s.cache.Clear()
	return res.RowsAffected()
}

func (s *Store) Stats() Stats {
	return Stats{
		HotHits:  s.hotHits.Load(),
		ColdHits: s.coldHits.Load(),
		Misses:   s.misses.Load(),
		Archived: s.archived.Load(),
	}
}

func (s *Store) Close() error {
	var err error
	s.closeOnce.Do(func() {
		s.closed.Store(true)
		s.cache.Close()
		err = s.db.Close()
	})
	return err
}

const selectColumns = `
	SELECT agent_id, agent_type, status, reason, start_time, last_activity,
	       end_time, tool_usage_count, progress_log, archived_at
	FROM agent_history`

type scanner interface {
	Scan(dest ...any) error
}

func scanEntry(row scanner) (Entry, error) {
	var (
		e                     Entry
		status                string
		reason, progress      sql.NullString
		start, last, archived int64
		end                   sql.NullInt64
	)
	err := row.Scan(&e.AgentID, &e.AgentType, &status, &reason, &start, &last,
		&end, &e.ToolUsageCount, &progress, &archived)
	if err != nil {
		return Entry{}, err
	}

	e.Status = registry.Status(status)
	e.Reason = reason.String
	e.StartTime = fromUnixNano(start)
	e.LastActivity = fromUnixNano(last)
	if end.Valid {
		e.EndTime = fromUnixNano(end.Int64)
	}
	e.ArchivedAt = fromUnixNano(archived)
	if progress.Valid && progress.String != "" && progress.String != "null" {
		if err := json.Unmarshal([]byte(progress.String), &e.ProgressLog); err != nil {
			return Entry{}, fmt.Errorf("decode progress for %s: %w", e.AgentID, err)
		}
	}
	return e, nil
}

func unixNano(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func fromUnixNano(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n)
}
