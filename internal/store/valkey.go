package store

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	valkey "github.com/valkey-io/valkey-go"
)

// ValkeyTLSConfig enables TLS for the valkey backend.
type ValkeyTLSConfig struct {
	Enabled bool
	CAFile  string
}

// ValkeyConfig carries connection details for NewValkey.
type ValkeyConfig struct {
	Address  string
	Username string
	Password string
	DB       int
	TLS      ValkeyTLSConfig
}

// valkeyStore keeps cache entries in a valkey server, one JSON value per
// entry key. Deployments with several kiosks behind one box share a cache
// this way. Entries carry no server-side TTL: expired content is still
// served offline until the eviction planner removes it.
type valkeyStore struct {
	client valkey.Client
}

// NewValkey connects to the configured valkey server and verifies it with a
// ping before returning the store.
func NewValkey(cfg ValkeyConfig) (ContentStore, error) {
	if cfg.Address == "" {
		return nil, errors.New("store: valkey address required")
	}

	option := valkey.ClientOption{
		InitAddress:       []string{cfg.Address},
		Username:          cfg.Username,
		Password:          cfg.Password,
		SelectDB:          cfg.DB,
		AlwaysRESP2:       true,
		ForceSingleClient: true,
		DisableCache:      true,
	}

	if cfg.TLS.Enabled {
		tlsConfig := &tls.Config{}
		if cfg.TLS.CAFile != "" {
			caData, err := os.ReadFile(cfg.TLS.CAFile)
			if err != nil {
				return nil, fmt.Errorf("store: read valkey ca file: %w", err)
			}
			pool := x509.NewCertPool()
			if !pool.AppendCertsFromPEM(caData) {
				return nil, errors.New("store: valkey ca file contains no certificates")
			}
			tlsConfig.RootCAs = pool
		}
		option.TLSConfig = tlsConfig
	}

	client, err := valkey.NewClient(option)
	if err != nil {
		return nil, fmt.Errorf("store: valkey client: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Do(ctx, client.B().Ping().Build()).Error(); err != nil {
		client.Close()
		return nil, fmt.Errorf("store: valkey ping: %w", err)
	}

	return &valkeyStore{client: client}, nil
}

func entryKeyName(key EntryKey) string {
	return "entry:" + string(key.Kind) + ":" + key.Language + ":" + key.ID
}

func kindPattern(kind Kind) string {
	return "entry:" + string(kind) + ":*"
}

func (s *valkeyStore) Put(ctx context.Context, entry CacheEntry) (bool, error) {
	if err := validateEntry(entry); err != nil {
		return false, err
	}
	if entry.CachedAt.IsZero() {
		entry.CachedAt = time.Now().UTC()
	}
	if entry.LastAccess.IsZero() {
		entry.LastAccess = entry.CachedAt
	}
	// Version check and set are separate commands. The sync coordinator is
	// the only writer of content entries, so the window is harmless.
	existing, ok, err := s.fetch(ctx, entry.Key())
	if err != nil && !errors.Is(err, ErrCorruptEntry) {
		return false, err
	}
	if ok && entry.Version <= existing.Version {
		return false, nil
	}
	if err := s.set(ctx, entry); err != nil {
		return false, err
	}
	return true, nil
}

func (s *valkeyStore) Get(ctx context.Context, key EntryKey) (CacheEntry, bool, error) {
	entry, ok, err := s.fetch(ctx, key)
	if err != nil {
		if errors.Is(err, ErrCorruptEntry) {
			if delErr := s.Delete(ctx, key); delErr != nil {
				return CacheEntry{}, false, delErr
			}
			return CacheEntry{}, false, ErrCorruptEntry
		}
		return CacheEntry{}, false, err
	}
	if !ok {
		return CacheEntry{}, false, nil
	}
	entry.LastAccess = time.Now().UTC()
	// Touch is advisory.
	_ = s.set(ctx, entry)
	return entry, true, nil
}

func (s *valkeyStore) Delete(ctx context.Context, key EntryKey) error {
	cmd := s.client.B().Del().Key(entryKeyName(key)).Build()
	if err := s.client.Do(ctx, cmd).Error(); err != nil {
		return fmt.Errorf("store: valkey del: %w", err)
	}
	return nil
}

func (s *valkeyStore) SetPriority(ctx context.Context, key EntryKey, priority int) error {
	entry, ok, err := s.fetch(ctx, key)
	if err != nil || !ok {
		if errors.Is(err, ErrCorruptEntry) {
			return nil
		}
		return err
	}
	entry.Priority = priority
	return s.set(ctx, entry)
}

func (s *valkeyStore) ListKind(ctx context.Context, kind Kind) ([]CacheEntry, error) {
	keys, err := s.scan(ctx, kindPattern(kind))
	if err != nil {
		return nil, err
	}
	var entries []CacheEntry
	for _, name := range keys {
		entry, ok, err := s.fetchByName(ctx, name)
		if err != nil {
			if errors.Is(err, ErrCorruptEntry) {
				continue
			}
			return nil, err
		}
		if ok {
			entries = append(entries, entry)
		}
	}
	return entries, nil
}

func (s *valkeyStore) Usage(ctx context.Context, kind Kind) (KindUsage, error) {
	entries, err := s.ListKind(ctx, kind)
	if err != nil {
		return KindUsage{}, err
	}
	var usage KindUsage
	for _, entry := range entries {
		usage.Items++
		usage.Bytes += entry.SizeBytes()
	}
	return usage, nil
}

func (s *valkeyStore) DeleteExpired(ctx context.Context, kind Kind, now time.Time) (int, error) {
	entries, err := s.ListKind(ctx, kind)
	if err != nil {
		return 0, err
	}
	removed := 0
	for _, entry := range entries {
		if !entry.Expired(now) {
			continue
		}
		if err := s.Delete(ctx, entry.Key()); err != nil {
			return removed, err
		}
		removed++
	}
	return removed, nil
}

func (s *valkeyStore) PurgeSession(ctx context.Context, sessionID string) (int, error) {
	if sessionID == "" {
		return 0, nil
	}
	keys, err := s.scan(ctx, "entry:*")
	if err != nil {
		return 0, err
	}
	removed := 0
	for _, name := range keys {
		entry, ok, err := s.fetchByName(ctx, name)
		if err != nil {
			if errors.Is(err, ErrCorruptEntry) {
				continue
			}
			return removed, err
		}
		if !ok || entry.SessionID != sessionID {
			continue
		}
		if err := s.Delete(ctx, entry.Key()); err != nil {
			return removed, err
		}
		removed++
	}
	return removed, nil
}

func (s *valkeyStore) Close(context.Context) error {
	s.client.Close()
	return nil
}

func (s *valkeyStore) fetch(ctx context.Context, key EntryKey) (CacheEntry, bool, error) {
	return s.fetchByName(ctx, entryKeyName(key))
}

func (s *valkeyStore) fetchByName(ctx context.Context, name string) (CacheEntry, bool, error) {
	resp := s.client.Do(ctx, s.client.B().Get().Key(name).Build())
	if err := resp.Error(); err != nil {
		if errors.Is(err, valkey.Nil) {
			return CacheEntry{}, false, nil
		}
		return CacheEntry{}, false, fmt.Errorf("store: valkey get: %w", err)
	}
	payload, err := resp.AsBytes()
	if err != nil {
		return CacheEntry{}, false, fmt.Errorf("store: valkey get bytes: %w", err)
	}
	var entry CacheEntry
	if err := json.Unmarshal(payload, &entry); err != nil {
		return CacheEntry{}, false, ErrCorruptEntry
	}
	return entry, true, nil
}

func (s *valkeyStore) set(ctx context.Context, entry CacheEntry) error {
	payload, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("store: valkey marshal: %w", err)
	}
	cmd := s.client.B().Set().Key(entryKeyName(entry.Key())).Value(string(payload)).Build()
	if err := s.client.Do(ctx, cmd).Error(); err != nil {
		return fmt.Errorf("store: valkey set: %w", err)
	}
	return nil
}

func (s *valkeyStore) scan(ctx context.Context, pattern string) ([]string, error) {
	var keys []string
	var cursor uint64
	for {
		cmd := s.client.B().Scan().Cursor(cursor).Match(pattern).Count(512).Build()
		entry, err := s.client.Do(ctx, cmd).AsScanEntry()
		if err != nil {
			return nil, fmt.Errorf("store: valkey scan: %w", err)
		}
		keys = append(keys, entry.Elements...)
		cursor = entry.Cursor
		if cursor == 0 {
			return keys, nil
		}
	}
}
