package evict

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/gramsetu/syncache/internal/config"
	"github.com/gramsetu/syncache/internal/store"
)

func seedEntry(t *testing.T, cs store.ContentStore, entry store.CacheEntry) {
	t.Helper()
	if entry.Language == "" {
		entry.Language = "hi"
	}
	if len(entry.Payload) == 0 {
		entry.Payload = json.RawMessage(`{"seed":true}`)
	}
	if entry.Version == 0 {
		entry.Version = 1
	}
	stored, err := cs.Put(context.Background(), entry)
	require.NoError(t, err)
	require.True(t, stored)
}

// payloadOfSize builds a valid JSON payload of exactly size bytes.
func payloadOfSize(size int) json.RawMessage {
	return json.RawMessage(`{"pad":"` + strings.Repeat("x", size-10) + `"}`)
}

func remainingIDs(t *testing.T, cs store.ContentStore, kind store.Kind) []string {
	t.Helper()
	entries, err := cs.ListKind(context.Background(), kind)
	require.NoError(t, err)
	ids := make([]string, 0, len(entries))
	for _, entry := range entries {
		ids = append(ids, entry.ID)
	}
	return ids
}

func TestSweepRemovesExpiredFirst(t *testing.T) {
	cs := store.NewMemory()
	now := time.Now().UTC()

	seedEntry(t, cs, store.CacheEntry{ID: "fresh", Kind: store.KindScheme, Priority: 1, CachedAt: now})
	seedEntry(t, cs, store.CacheEntry{ID: "expired", Kind: store.KindScheme, Priority: 99, CachedAt: now, ExpiresAt: now.Add(-time.Hour)})

	planner := NewPlanner(cs, Config{Budgets: map[store.Kind]Budget{store.KindScheme: {MaxItems: 10}}})
	result, err := planner.Sweep(context.Background(), store.KindScheme, now)
	require.NoError(t, err)

	require.Equal(t, 1, result.ExpiredRemoved)
	require.Zero(t, result.Evicted)
	require.Equal(t, []string{"fresh"}, remainingIDs(t, cs, store.KindScheme),
		"expired entries go even when the budget has room and their priority is high")
}

func TestSweepKeepsHighestScorePrefix(t *testing.T) {
	cs := store.NewMemory()
	now := time.Now().UTC()

	for _, entry := range []store.CacheEntry{
		{ID: "top", Kind: store.KindScheme, Priority: 90, CachedAt: now},
		{ID: "mid", Kind: store.KindScheme, Priority: 50, CachedAt: now},
		{ID: "low", Kind: store.KindScheme, Priority: 10, CachedAt: now},
	} {
		seedEntry(t, cs, entry)
	}

	planner := NewPlanner(cs, Config{Budgets: map[store.Kind]Budget{store.KindScheme: {MaxItems: 2}}})
	result, err := planner.Sweep(context.Background(), store.KindScheme, now)
	require.NoError(t, err)

	require.Equal(t, 1, result.Evicted)
	require.Equal(t, 2, result.RetainedItems)
	require.ElementsMatch(t, []string{"top", "mid"}, remainingIDs(t, cs, store.KindScheme))
}

func TestSweepByteBudgetIsPrefixNotBestFit(t *testing.T) {
	cs := store.NewMemory()
	now := time.Now().UTC()

	seedEntry(t, cs, store.CacheEntry{ID: "a-big", Kind: store.KindResource, Priority: 100, CachedAt: now, Payload: payloadOfSize(400)})
	seedEntry(t, cs, store.CacheEntry{ID: "b-huge", Kind: store.KindResource, Priority: 90, CachedAt: now, Payload: payloadOfSize(700)})
	seedEntry(t, cs, store.CacheEntry{ID: "c-tiny", Kind: store.KindResource, Priority: 80, CachedAt: now, Payload: payloadOfSize(50)})

	planner := NewPlanner(cs, Config{Budgets: map[store.Kind]Budget{store.KindResource: {MaxBytes: 500}}})
	result, err := planner.Sweep(context.Background(), store.KindResource, now)
	require.NoError(t, err)

	// b-huge breaks the budget at position two; the prefix rule drops it
	// and everything after it, even though c-tiny alone would still fit.
	require.Equal(t, 2, result.Evicted)
	require.Equal(t, []string{"a-big"}, remainingIDs(t, cs, store.KindResource))
	require.Equal(t, int64(400), result.RetainedBytes)
}

func TestSweepScoreShapedByRecencyAndFreshness(t *testing.T) {
	cs := store.NewMemory()
	now := time.Now().UTC()

	// Same priority everywhere; the curves decide.
	seedEntry(t, cs, store.CacheEntry{ID: "new-arrival", Kind: store.KindScheme, Priority: 50, CachedAt: now})
	seedEntry(t, cs, store.CacheEntry{ID: "old-arrival", Kind: store.KindScheme, Priority: 50, CachedAt: now.Add(-30 * 24 * time.Hour)})
	seedEntry(t, cs, store.CacheEntry{ID: "nearly-stale", Kind: store.KindScheme, Priority: 50, CachedAt: now, ExpiresAt: now.Add(time.Hour)})

	planner := NewPlanner(cs, Config{
		Budgets:         map[store.Kind]Budget{store.KindScheme: {MaxItems: 1}},
		RecencyHalfLife: 168 * time.Hour,
		FreshnessLeadup: 336 * time.Hour,
	})
	result, err := planner.Sweep(context.Background(), store.KindScheme, now)
	require.NoError(t, err)

	require.Equal(t, 2, result.Evicted)
	require.Equal(t, []string{"new-arrival"}, remainingIDs(t, cs, store.KindScheme),
		"a fresh recent arrival outscores an old one and one about to expire")
}

func TestSweepTieBreaksOnLowerID(t *testing.T) {
	cs := store.NewMemory()
	now := time.Now().UTC()

	seedEntry(t, cs, store.CacheEntry{ID: "b", Kind: store.KindScheme, Priority: 50, CachedAt: now})
	seedEntry(t, cs, store.CacheEntry{ID: "a", Kind: store.KindScheme, Priority: 50, CachedAt: now})

	planner := NewPlanner(cs, Config{Budgets: map[store.Kind]Budget{store.KindScheme: {MaxItems: 1}}})
	_, err := planner.Sweep(context.Background(), store.KindScheme, now)
	require.NoError(t, err)

	require.Equal(t, []string{"a"}, remainingIDs(t, cs, store.KindScheme))
}

func TestSweepNeverDeletesPinnedEntries(t *testing.T) {
	cs := store.NewMemory()
	now := time.Now().UTC()

	seedEntry(t, cs, store.CacheEntry{ID: "pinned-low", Kind: store.KindScheme, Priority: 1, Category: "agriculture", CachedAt: now})
	seedEntry(t, cs, store.CacheEntry{ID: "loose-high", Kind: store.KindScheme, Priority: 99, Category: "transport", CachedAt: now})

	pins, err := NewPinSet([]config.PinConfig{
		{Expression: `entry.category == "agriculture"`, Source: "policy/pins.yaml"},
	}, nil)
	require.NoError(t, err)
	require.Equal(t, 1, pins.Len())

	planner := NewPlanner(cs, Config{
		Budgets: map[store.Kind]Budget{store.KindScheme: {MaxItems: 1}},
		Pins:    pins,
	})
	result, err := planner.Sweep(context.Background(), store.KindScheme, now)
	require.NoError(t, err)

	// The pin consumes the whole item budget, so the higher-priority
	// loose entry is the one that goes.
	require.Equal(t, 1, result.PinnedKept)
	require.Equal(t, 1, result.Evicted)
	require.Equal(t, []string{"pinned-low"}, remainingIDs(t, cs, store.KindScheme))
	require.False(t, result.BudgetViolated)
}

func TestSweepReportsViolationWhenPinsExceedBudget(t *testing.T) {
	cs := store.NewMemory()
	now := time.Now().UTC()

	seedEntry(t, cs, store.CacheEntry{ID: "pin-1", Kind: store.KindScheme, Priority: 1, Category: "agriculture", CachedAt: now})
	seedEntry(t, cs, store.CacheEntry{ID: "pin-2", Kind: store.KindScheme, Priority: 1, Category: "agriculture", CachedAt: now})

	pins, err := NewPinSet([]config.PinConfig{
		{Expression: `entry.category == "agriculture"`, Source: "policy/pins.yaml"},
	}, nil)
	require.NoError(t, err)

	planner := NewPlanner(cs, Config{
		Budgets: map[store.Kind]Budget{store.KindScheme: {MaxItems: 1}},
		Pins:    pins,
	})
	result, err := planner.Sweep(context.Background(), store.KindScheme, now)
	require.NoError(t, err)

	require.True(t, result.BudgetViolated)
	require.Equal(t, 2, result.PinnedKept)
	require.Len(t, remainingIDs(t, cs, store.KindScheme), 2, "pinned entries survive even over budget")
}

func TestSweepUnboundedKindOnlyDropsExpired(t *testing.T) {
	cs := store.NewMemory()
	now := time.Now().UTC()

	seedEntry(t, cs, store.CacheEntry{ID: "keep-1", Kind: store.KindOpportunity, Priority: 0, CachedAt: now})
	seedEntry(t, cs, store.CacheEntry{ID: "gone", Kind: store.KindOpportunity, Priority: 0, CachedAt: now, ExpiresAt: now.Add(-time.Minute)})

	planner := NewPlanner(cs, Config{})
	result, err := planner.Sweep(context.Background(), store.KindOpportunity, now)
	require.NoError(t, err)

	require.Equal(t, 1, result.ExpiredRemoved)
	require.Zero(t, result.Evicted)
	require.Equal(t, []string{"keep-1"}, remainingIDs(t, cs, store.KindOpportunity))
}

func TestSweepAllCoversEveryKind(t *testing.T) {
	cs := store.NewMemory()
	now := time.Now().UTC()

	seedEntry(t, cs, store.CacheEntry{ID: "s", Kind: store.KindScheme, Priority: 1, CachedAt: now})
	seedEntry(t, cs, store.CacheEntry{ID: "r", Kind: store.KindResource, Priority: 1, CachedAt: now})

	planner := NewPlanner(cs, Config{Budgets: map[store.Kind]Budget{
		store.KindScheme:      {MaxItems: 5},
		store.KindResource:    {MaxItems: 5},
		store.KindOpportunity: {MaxItems: 5},
		store.KindResponse:    {MaxItems: 5},
	}})
	results, err := planner.SweepAll(context.Background(), now)
	require.NoError(t, err)
	require.Len(t, results, len(store.Kinds()))

	kinds := make([]store.Kind, 0, len(results))
	for _, result := range results {
		kinds = append(kinds, result.Kind)
	}
	require.ElementsMatch(t, store.Kinds(), kinds)
}

func TestPinSetEvaluation(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	pins, err := NewPinSet([]config.PinConfig{
		{Expression: `entry.kind == "scheme" && has_field(entry, "deadline")`, Source: "a.yaml"},
		{Expression: `this is not CEL`, Source: "b.yaml"},
	}, logger)
	require.NoError(t, err)
	require.Equal(t, 1, pins.Len(), "uncompilable expressions are skipped")

	now := time.Now().UTC()
	withDeadline := store.CacheEntry{ID: "x", Kind: store.KindScheme, Deadline: now.Add(time.Hour)}
	withoutDeadline := store.CacheEntry{ID: "y", Kind: store.KindScheme}

	require.True(t, pins.Pinned(withDeadline, now))
	require.False(t, pins.Pinned(withoutDeadline, now))

	var nilSet *PinSet
	require.False(t, nilSet.Pinned(withDeadline, now))
}
