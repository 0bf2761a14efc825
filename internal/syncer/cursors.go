package syncer

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/gramsetu/syncache/internal/sqlitemigrate"
	"github.com/gramsetu/syncache/internal/syncer/migrations"
)

// CursorStore persists the last fully-applied origin position per
// collection. A restart resumes from the stored cursor instead of
// re-pulling history.
type CursorStore interface {
	Get(ctx context.Context, collection string) (string, error)
	Set(ctx context.Context, collection, cursor string) error
	All(ctx context.Context) (map[string]string, error)
	Close(ctx context.Context) error
}

// SQLiteCursors is the durable cursor store.
type SQLiteCursors struct {
	sqlDB *sql.DB
}

var _ CursorStore = (*SQLiteCursors)(nil)

// OpenSQLiteCursors opens the cursor database at path and applies embedded
// migrations.
func OpenSQLiteCursors(ctx context.Context, path string) (*SQLiteCursors, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("syncer: cursor db path is required")
	}
	dsn := filepath.Clean(path) + "?_journal_mode=WAL&_foreign_keys=ON&_busy_timeout=5000&_synchronous=NORMAL"
	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("syncer: open cursor db: %w", err)
	}
	if err := sqlDB.PingContext(ctx); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("syncer: ping cursor db: %w", err)
	}
	if err := sqlitemigrate.Apply(ctx, sqlDB, migrations.FS); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("syncer: run cursor migrations: %w", err)
	}
	return &SQLiteCursors{sqlDB: sqlDB}, nil
}

// Get returns the stored cursor for the collection, empty when none.
func (s *SQLiteCursors) Get(ctx context.Context, collection string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if s == nil || s.sqlDB == nil {
		return "", errors.New("syncer: cursor store not configured")
	}
	var cursor string
	err := s.sqlDB.QueryRowContext(ctx, `SELECT cursor FROM sync_cursors WHERE collection = ?`, collection).Scan(&cursor)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", nil
		}
		return "", fmt.Errorf("syncer: get cursor: %w", err)
	}
	return cursor, nil
}

// Set records the cursor for the collection.
func (s *SQLiteCursors) Set(ctx context.Context, collection, cursor string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.sqlDB == nil {
		return errors.New("syncer: cursor store not configured")
	}
	if strings.TrimSpace(collection) == "" {
		return errors.New("syncer: collection is required")
	}
	_, err := s.sqlDB.ExecContext(ctx, `
INSERT INTO sync_cursors (collection, cursor, updated_at)
VALUES (?, ?, ?)
ON CONFLICT (collection) DO UPDATE SET
    cursor = excluded.cursor,
    updated_at = excluded.updated_at
`, collection, cursor, time.Now().UTC().UnixMilli())
	if err != nil {
		return fmt.Errorf("syncer: set cursor: %w", err)
	}
	return nil
}

// All returns every stored cursor keyed by collection.
func (s *SQLiteCursors) All(ctx context.Context) (map[string]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s == nil || s.sqlDB == nil {
		return nil, errors.New("syncer: cursor store not configured")
	}
	rows, err := s.sqlDB.QueryContext(ctx, `SELECT collection, cursor FROM sync_cursors`)
	if err != nil {
		return nil, fmt.Errorf("syncer: list cursors: %w", err)
	}
	defer rows.Close()

	cursors := make(map[string]string)
	for rows.Next() {
		var collection, cursor string
		if err := rows.Scan(&collection, &cursor); err != nil {
			return nil, fmt.Errorf("syncer: scan cursor: %w", err)
		}
		cursors[collection] = cursor
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("syncer: iterate cursors: %w", err)
	}
	return cursors, nil
}

// Close releases the underlying database handle.
func (s *SQLiteCursors) Close(context.Context) error {
	if s == nil || s.sqlDB == nil {
		return nil
	}
	if err := s.sqlDB.Close(); err != nil {
		return fmt.Errorf("syncer: close cursor db: %w", err)
	}
	return nil
}

// MemoryCursors keeps cursors in memory for tests and ephemeral runs.
type MemoryCursors struct {
	mu      sync.RWMutex
	cursors map[string]string
}

var _ CursorStore = (*MemoryCursors)(nil)

// NewMemoryCursors builds an empty in-memory cursor store.
func NewMemoryCursors() *MemoryCursors {
	return &MemoryCursors{cursors: make(map[string]string)}
}

func (m *MemoryCursors) Get(ctx context.Context, collection string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.cursors[collection], nil
}

func (m *MemoryCursors) Set(ctx context.Context, collection, cursor string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if strings.TrimSpace(collection) == "" {
		return errors.New("syncer: collection is required")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cursors[collection] = cursor
	return nil
}

func (m *MemoryCursors) All(ctx context.Context) (map[string]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	cursors := make(map[string]string, len(m.cursors))
	for collection, cursor := range m.cursors {
		cursors[collection] = cursor
	}
	return cursors, nil
}

func (m *MemoryCursors) Close(context.Context) error { return nil }
