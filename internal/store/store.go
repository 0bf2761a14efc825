// Package store persists versioned content entries for offline serving.
// Backends share one contract: writes carrying a version lower than or equal
// to the cached one are rejected as stale, reads never mutate versions, and
// per-key operations are atomic.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Kind partitions cached content into independently budgeted classes.
type Kind string

const (
	KindScheme      Kind = "scheme"
	KindResource    Kind = "resource"
	KindOpportunity Kind = "opportunity"
	KindResponse    Kind = "response"
)

// Kinds returns every content kind in stable order.
func Kinds() []Kind {
	return []Kind{KindScheme, KindResource, KindOpportunity, KindResponse}
}

// Valid reports whether k names a known content kind.
func (k Kind) Valid() bool {
	switch k {
	case KindScheme, KindResource, KindOpportunity, KindResponse:
		return true
	}
	return false
}

// GeoPoint is a WGS84 coordinate attached to location-bound content.
type GeoPoint struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
}

// EntryKey uniquely identifies a cached entry. The same logical content may
// be cached once per language.
type EntryKey struct {
	ID       string `json:"id"`
	Kind     Kind   `json:"kind"`
	Language string `json:"language"`
}

// CacheEntry is one unit of cached content plus the metadata the ranker and
// eviction planner need. Payload is opaque JSON owned by the origin.
type CacheEntry struct {
	ID         string          `json:"id"`
	Kind       Kind            `json:"kind"`
	Language   string          `json:"language"`
	Payload    json.RawMessage `json:"payload"`
	Version    int64           `json:"version"`
	Priority   int             `json:"priority"`
	Category   string          `json:"category,omitempty"`
	Importance int             `json:"importance,omitempty"`
	Deadline   time.Time       `json:"deadline"`
	Location   *GeoPoint       `json:"location,omitempty"`
	SessionID  string          `json:"sessionId,omitempty"`
	CachedAt   time.Time       `json:"cachedAt"`
	ExpiresAt  time.Time       `json:"expiresAt"`
	LastAccess time.Time       `json:"lastAccess"`
}

// Key returns the entry's identity tuple.
func (e CacheEntry) Key() EntryKey {
	return EntryKey{ID: e.ID, Kind: e.Kind, Language: e.Language}
}

// SizeBytes is the budget cost of the entry.
func (e CacheEntry) SizeBytes() int64 {
	return int64(len(e.Payload))
}

// Expired reports whether the entry's freshness window has closed. A zero
// ExpiresAt means the entry never expires.
func (e CacheEntry) Expired(now time.Time) bool {
	return !e.ExpiresAt.IsZero() && now.After(e.ExpiresAt)
}

// KindUsage summarizes space consumption for one content kind.
type KindUsage struct {
	Items int   `json:"items"`
	Bytes int64 `json:"bytes"`
}

// ErrCorruptEntry marks a cached payload that failed integrity checks. The
// backend has already deleted the row; callers treat the key as absent.
var ErrCorruptEntry = errors.New("store: corrupt entry")

// ErrInvalidEntry rejects a write whose entry fails validation. Sync
// skips such entries instead of poisoning the batch they arrived in.
var ErrInvalidEntry = errors.New("store: invalid entry")

// ContentStore is the staleness-protected cache shared by the sync
// coordinator, the eviction planner, and the read path.
type ContentStore interface {
	// Put stores the entry unless an equal or newer version is already
	// cached. It returns false with a nil error when the write was
	// rejected as stale.
	Put(ctx context.Context, entry CacheEntry) (bool, error)
	// Get returns the entry for key and refreshes its last access time.
	// Expired entries are still returned; staleness is the caller's
	// signal to surface, not a reason to hide data while offline.
	Get(ctx context.Context, key EntryKey) (CacheEntry, bool, error)
	// Delete removes the entry for key. Deleting an absent key is not an error.
	Delete(ctx context.Context, key EntryKey) error
	// SetPriority rewrites the entry's priority without touching its version.
	SetPriority(ctx context.Context, key EntryKey, priority int) error
	// ListKind returns every entry of one kind.
	ListKind(ctx context.Context, kind Kind) ([]CacheEntry, error)
	// Usage reports item count and payload bytes for one kind.
	Usage(ctx context.Context, kind Kind) (KindUsage, error)
	// DeleteExpired removes entries of one kind whose expiry passed before now.
	DeleteExpired(ctx context.Context, kind Kind, now time.Time) (int, error)
	// PurgeSession removes every entry bound to the session.
	PurgeSession(ctx context.Context, sessionID string) (int, error)
	Close(ctx context.Context) error
}

func validateEntry(entry CacheEntry) error {
	if entry.ID == "" {
		return fmt.Errorf("%w: id required", ErrInvalidEntry)
	}
	if !entry.Kind.Valid() {
		return fmt.Errorf("%w: unknown kind %q", ErrInvalidEntry, entry.Kind)
	}
	if entry.Language == "" {
		return fmt.Errorf("%w: language required", ErrInvalidEntry)
	}
	if entry.Version < 1 {
		return fmt.Errorf("%w: version must be positive", ErrInvalidEntry)
	}
	if len(entry.Payload) == 0 || !json.Valid(entry.Payload) {
		return fmt.Errorf("%w: payload must be valid JSON", ErrInvalidEntry)
	}
	return nil
}
