package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/gramsetu/syncache/internal/sqlitemigrate"
	"github.com/gramsetu/syncache/internal/store/migrations"
)

// SQLiteStore persists cache entries in a local SQLite database. It is the
// default backend: content survives restarts and power loss, which is the
// whole point of an offline cache.
type SQLiteStore struct {
	sqlDB *sql.DB
}

// OpenSQLite opens the content database at path and applies embedded
// migrations. WAL mode keeps reads from blocking behind sync writes.
func OpenSQLite(ctx context.Context, path string) (*SQLiteStore, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("store: sqlite path is required")
	}
	cleanPath := filepath.Clean(path)
	dsn := cleanPath + "?_journal_mode=WAL&_foreign_keys=ON&_busy_timeout=5000&_synchronous=NORMAL"
	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("store: open sqlite db: %w", err)
	}
	if err := sqlDB.PingContext(ctx); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("store: ping sqlite db: %w", err)
	}
	if err := sqlitemigrate.Apply(ctx, sqlDB, migrations.FS); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("store: run migrations: %w", err)
	}
	return &SQLiteStore{sqlDB: sqlDB}, nil
}

func timeToMillis(value time.Time) int64 {
	if value.IsZero() {
		return 0
	}
	return value.UTC().UnixMilli()
}

func millisToTime(value int64) time.Time {
	if value == 0 {
		return time.Time{}
	}
	return time.UnixMilli(value).UTC()
}

func (s *SQLiteStore) Put(ctx context.Context, entry CacheEntry) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	if s == nil || s.sqlDB == nil {
		return false, errors.New("store: sqlite not configured")
	}
	if err := validateEntry(entry); err != nil {
		return false, err
	}
	now := time.Now().UTC()
	if entry.CachedAt.IsZero() {
		entry.CachedAt = now
	}
	if entry.LastAccess.IsZero() {
		entry.LastAccess = entry.CachedAt
	}
	var lat, lon sql.NullFloat64
	if entry.Location != nil {
		lat = sql.NullFloat64{Float64: entry.Location.Lat, Valid: true}
		lon = sql.NullFloat64{Float64: entry.Location.Lon, Valid: true}
	}
	// The version guard on the upsert makes stale writes a no-op in one
	// atomic statement.
	result, err := s.sqlDB.ExecContext(ctx, `
INSERT INTO cache_entries (
    id, kind, language, payload, version, priority, category, importance,
    deadline, latitude, longitude, session_id, size_bytes, cached_at, expires_at, last_access
) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT (id, kind, language) DO UPDATE SET
    payload = excluded.payload,
    version = excluded.version,
    priority = excluded.priority,
    category = excluded.category,
    importance = excluded.importance,
    deadline = excluded.deadline,
    latitude = excluded.latitude,
    longitude = excluded.longitude,
    session_id = excluded.session_id,
    size_bytes = excluded.size_bytes,
    cached_at = excluded.cached_at,
    expires_at = excluded.expires_at,
    last_access = excluded.last_access
WHERE excluded.version > cache_entries.version`,
		entry.ID, string(entry.Kind), entry.Language, []byte(entry.Payload), entry.Version,
		entry.Priority, entry.Category, entry.Importance, timeToMillis(entry.Deadline),
		lat, lon, entry.SessionID, entry.SizeBytes(), timeToMillis(entry.CachedAt),
		timeToMillis(entry.ExpiresAt), timeToMillis(entry.LastAccess),
	)
	if err != nil {
		return false, fmt.Errorf("store: sqlite put: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("store: sqlite put rows affected: %w", err)
	}
	return affected == 1, nil
}

const entryColumns = `id, kind, language, payload, version, priority, category, importance,
    deadline, latitude, longitude, session_id, cached_at, expires_at, last_access`

func (s *SQLiteStore) Get(ctx context.Context, key EntryKey) (CacheEntry, bool, error) {
	if err := ctx.Err(); err != nil {
		return CacheEntry{}, false, err
	}
	if s == nil || s.sqlDB == nil {
		return CacheEntry{}, false, errors.New("store: sqlite not configured")
	}
	row := s.sqlDB.QueryRowContext(ctx,
		`SELECT `+entryColumns+` FROM cache_entries WHERE id = ? AND kind = ? AND language = ?`,
		key.ID, string(key.Kind), key.Language,
	)
	entry, err := scanEntry(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return CacheEntry{}, false, nil
		}
		return CacheEntry{}, false, fmt.Errorf("store: sqlite get: %w", err)
	}
	if !json.Valid(entry.Payload) {
		if err := s.Delete(ctx, key); err != nil {
			return CacheEntry{}, false, fmt.Errorf("store: sqlite drop corrupt entry: %w", err)
		}
		return CacheEntry{}, false, ErrCorruptEntry
	}
	// Touch is advisory; a failed touch must not hide the entry.
	entry.LastAccess = time.Now().UTC()
	_, _ = s.sqlDB.ExecContext(ctx,
		`UPDATE cache_entries SET last_access = ? WHERE id = ? AND kind = ? AND language = ?`,
		timeToMillis(entry.LastAccess), key.ID, string(key.Kind), key.Language,
	)
	return entry, true, nil
}

func (s *SQLiteStore) Delete(ctx context.Context, key EntryKey) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.sqlDB == nil {
		return errors.New("store: sqlite not configured")
	}
	_, err := s.sqlDB.ExecContext(ctx,
		`DELETE FROM cache_entries WHERE id = ? AND kind = ? AND language = ?`,
		key.ID, string(key.Kind), key.Language,
	)
	if err != nil {
		return fmt.Errorf("store: sqlite delete: %w", err)
	}
	return nil
}

func (s *SQLiteStore) SetPriority(ctx context.Context, key EntryKey, priority int) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.sqlDB == nil {
		return errors.New("store: sqlite not configured")
	}
	_, err := s.sqlDB.ExecContext(ctx,
		`UPDATE cache_entries SET priority = ? WHERE id = ? AND kind = ? AND language = ?`,
		priority, key.ID, string(key.Kind), key.Language,
	)
	if err != nil {
		return fmt.Errorf("store: sqlite set priority: %w", err)
	}
	return nil
}

func (s *SQLiteStore) ListKind(ctx context.Context, kind Kind) ([]CacheEntry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s == nil || s.sqlDB == nil {
		return nil, errors.New("store: sqlite not configured")
	}
	rows, err := s.sqlDB.QueryContext(ctx,
		`SELECT `+entryColumns+` FROM cache_entries WHERE kind = ? ORDER BY id, language`,
		string(kind),
	)
	if err != nil {
		return nil, fmt.Errorf("store: sqlite list: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var entries []CacheEntry
	for rows.Next() {
		entry, err := scanEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("store: sqlite list scan: %w", err)
		}
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: sqlite list rows: %w", err)
	}
	return entries, nil
}

func (s *SQLiteStore) Usage(ctx context.Context, kind Kind) (KindUsage, error) {
	if err := ctx.Err(); err != nil {
		return KindUsage{}, err
	}
	if s == nil || s.sqlDB == nil {
		return KindUsage{}, errors.New("store: sqlite not configured")
	}
	var usage KindUsage
	row := s.sqlDB.QueryRowContext(ctx,
		`SELECT COUNT(*), COALESCE(SUM(size_bytes), 0) FROM cache_entries WHERE kind = ?`,
		string(kind),
	)
	if err := row.Scan(&usage.Items, &usage.Bytes); err != nil {
		return KindUsage{}, fmt.Errorf("store: sqlite usage: %w", err)
	}
	return usage, nil
}

func (s *SQLiteStore) DeleteExpired(ctx context.Context, kind Kind, now time.Time) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	if s == nil || s.sqlDB == nil {
		return 0, errors.New("store: sqlite not configured")
	}
	result, err := s.sqlDB.ExecContext(ctx,
		`DELETE FROM cache_entries WHERE kind = ? AND expires_at > 0 AND expires_at < ?`,
		string(kind), timeToMillis(now),
	)
	if err != nil {
		return 0, fmt.Errorf("store: sqlite delete expired: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("store: sqlite delete expired rows affected: %w", err)
	}
	return int(affected), nil
}

func (s *SQLiteStore) PurgeSession(ctx context.Context, sessionID string) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	if s == nil || s.sqlDB == nil {
		return 0, errors.New("store: sqlite not configured")
	}
	if sessionID == "" {
		return 0, nil
	}
	result, err := s.sqlDB.ExecContext(ctx,
		`DELETE FROM cache_entries WHERE session_id = ?`, sessionID,
	)
	if err != nil {
		return 0, fmt.Errorf("store: sqlite purge session: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("store: sqlite purge session rows affected: %w", err)
	}
	return int(affected), nil
}

func (s *SQLiteStore) Close(context.Context) error {
	if s == nil || s.sqlDB == nil {
		return nil
	}
	return s.sqlDB.Close()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEntry(row rowScanner) (CacheEntry, error) {
	var (
		entry      CacheEntry
		kind       string
		payload    []byte
		deadline   int64
		lat, lon   sql.NullFloat64
		cachedAt   int64
		expiresAt  int64
		lastAccess int64
	)
	err := row.Scan(
		&entry.ID, &kind, &entry.Language, &payload, &entry.Version,
		&entry.Priority, &entry.Category, &entry.Importance, &deadline,
		&lat, &lon, &entry.SessionID, &cachedAt, &expiresAt, &lastAccess,
	)
	if err != nil {
		return CacheEntry{}, err
	}
	entry.Kind = Kind(kind)
	entry.Payload = json.RawMessage(payload)
	entry.Deadline = millisToTime(deadline)
	if lat.Valid && lon.Valid {
		entry.Location = &GeoPoint{Lat: lat.Float64, Lon: lon.Float64}
	}
	entry.CachedAt = millisToTime(cachedAt)
	entry.ExpiresAt = millisToTime(expiresAt)
	entry.LastAccess = millisToTime(lastAccess)
	return entry, nil
}

var _ ContentStore = (*SQLiteStore)(nil)
