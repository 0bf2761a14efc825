package store

import (
	"context"
	"sync"
	"time"
)

type memoryStore struct {
	mu      sync.RWMutex
	entries map[EntryKey]CacheEntry
}

// NewMemory returns a ContentStore that keeps everything in process memory.
// Useful for tests and for kiosks whose content volume fits in RAM; nothing
// survives a restart.
func NewMemory() ContentStore {
	return &memoryStore{entries: make(map[EntryKey]CacheEntry)}
}

func (s *memoryStore) Put(_ context.Context, entry CacheEntry) (bool, error) {
	if err := validateEntry(entry); err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	key := entry.Key()
	if existing, ok := s.entries[key]; ok && entry.Version <= existing.Version {
		return false, nil
	}
	if entry.CachedAt.IsZero() {
		entry.CachedAt = time.Now().UTC()
	}
	if entry.LastAccess.IsZero() {
		entry.LastAccess = entry.CachedAt
	}
	s.entries[key] = cloneEntry(entry)
	return true, nil
}

func (s *memoryStore) Get(_ context.Context, key EntryKey) (CacheEntry, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.entries[key]
	if !ok {
		return CacheEntry{}, false, nil
	}
	entry.LastAccess = time.Now().UTC()
	s.entries[key] = entry
	return cloneEntry(entry), true, nil
}

func (s *memoryStore) Delete(_ context.Context, key EntryKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, key)
	return nil
}

func (s *memoryStore) SetPriority(_ context.Context, key EntryKey, priority int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.entries[key]
	if !ok {
		return nil
	}
	entry.Priority = priority
	s.entries[key] = entry
	return nil
}

func (s *memoryStore) ListKind(_ context.Context, kind Kind) ([]CacheEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []CacheEntry
	for key, entry := range s.entries {
		if key.Kind == kind {
			out = append(out, cloneEntry(entry))
		}
	}
	return out, nil
}

func (s *memoryStore) Usage(_ context.Context, kind Kind) (KindUsage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var usage KindUsage
	for key, entry := range s.entries {
		if key.Kind == kind {
			usage.Items++
			usage.Bytes += entry.SizeBytes()
		}
	}
	return usage, nil
}

func (s *memoryStore) DeleteExpired(_ context.Context, kind Kind, now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	removed := 0
	for key, entry := range s.entries {
		if key.Kind == kind && entry.Expired(now) {
			delete(s.entries, key)
			removed++
		}
	}
	return removed, nil
}

func (s *memoryStore) PurgeSession(_ context.Context, sessionID string) (int, error) {
	if sessionID == "" {
		return 0, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	removed := 0
	for key, entry := range s.entries {
		if entry.SessionID == sessionID {
			delete(s.entries, key)
			removed++
		}
	}
	return removed, nil
}

func (s *memoryStore) Close(context.Context) error {
	return nil
}

func cloneEntry(in CacheEntry) CacheEntry {
	out := in
	if len(in.Payload) > 0 {
		out.Payload = append([]byte(nil), in.Payload...)
	}
	if in.Location != nil {
		loc := *in.Location
		out.Location = &loc
	}
	return out
}
