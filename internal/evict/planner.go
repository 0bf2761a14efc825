// Package evict trims each content kind back under its cache budget after
// a sync pass. Expired entries go first, then the lowest-value remainder:
// value is priority shaped by how long ago the entry arrived and how close
// it is to expiring.
package evict

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"time"

	"github.com/gramsetu/syncache/internal/store"
)

// Budget bounds one content kind. A zero bound means that axis is
// unlimited.
type Budget struct {
	MaxBytes int64
	MaxItems int
}

func (b Budget) fits(bytes int64, items int) bool {
	if b.MaxBytes > 0 && bytes > b.MaxBytes {
		return false
	}
	if b.MaxItems > 0 && items > b.MaxItems {
		return false
	}
	return true
}

// Config is one immutable policy snapshot for the planner. Policy reloads
// build a new planner rather than mutating a running one.
type Config struct {
	Budgets map[store.Kind]Budget
	// RecencyHalfLife shapes how fast retained value decays with entry age.
	RecencyHalfLife time.Duration
	// FreshnessLeadup is the window before expiry in which value fades to
	// zero.
	FreshnessLeadup time.Duration
	Pins            *PinSet
	Logger          *slog.Logger
}

func (c Config) normalized() Config {
	if c.RecencyHalfLife <= 0 {
		c.RecencyHalfLife = 168 * time.Hour
	}
	if c.FreshnessLeadup <= 0 {
		c.FreshnessLeadup = 336 * time.Hour
	}
	return c
}

// Result summarizes one sweep over one kind.
type Result struct {
	Kind           store.Kind `json:"kind"`
	ExpiredRemoved int        `json:"expiredRemoved"`
	Evicted        int        `json:"evicted"`
	PinnedKept     int        `json:"pinnedKept"`
	RetainedItems  int        `json:"retainedItems"`
	RetainedBytes  int64      `json:"retainedBytes"`
	// BudgetViolated reports that pinned entries alone exceed the budget.
	// The planner never deletes pinned entries, so the overrun persists
	// until the policy changes.
	BudgetViolated bool `json:"budgetViolated"`
}

// Planner enforces cache budgets against a content store.
type Planner struct {
	contentStore store.ContentStore
	cfg          Config
}

// NewPlanner builds a planner over the given store and policy snapshot.
func NewPlanner(contentStore store.ContentStore, cfg Config) *Planner {
	return &Planner{contentStore: contentStore, cfg: cfg.normalized()}
}

type scoredEntry struct {
	entry store.CacheEntry
	score float64
}

// Sweep brings one kind at or under its budget. Deletions are durable one
// by one; a crash mid-sweep leaves a valid store that is merely larger
// than intended until the next pass.
func (p *Planner) Sweep(ctx context.Context, kind store.Kind, now time.Time) (Result, error) {
	if err := ctx.Err(); err != nil {
		return Result{}, err
	}
	if now.IsZero() {
		now = time.Now().UTC()
	}
	result := Result{Kind: kind}

	entries, err := p.contentStore.ListKind(ctx, kind)
	if err != nil {
		return result, fmt.Errorf("evict: list %s entries: %w", kind, err)
	}

	budget, bounded := p.cfg.Budgets[kind]

	var pinnedBytes int64
	var candidates []scoredEntry
	for _, entry := range entries {
		if p.cfg.Pins.Pinned(entry, now) {
			result.PinnedKept++
			pinnedBytes += entry.SizeBytes()
			continue
		}
		if entry.Expired(now) {
			if err := p.contentStore.Delete(ctx, entry.Key()); err != nil {
				return result, fmt.Errorf("evict: delete expired %s: %w", entry.ID, err)
			}
			result.ExpiredRemoved++
			continue
		}
		candidates = append(candidates, scoredEntry{entry: entry, score: p.score(entry, now)})
	}

	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].score != candidates[j].score {
			return candidates[i].score > candidates[j].score
		}
		return candidates[i].entry.ID < candidates[j].entry.ID
	})

	retainedBytes := pinnedBytes
	retainedItems := result.PinnedKept
	if bounded && !budget.fits(pinnedBytes, result.PinnedKept) {
		result.BudgetViolated = true
		if p.cfg.Logger != nil {
			p.cfg.Logger.Warn("pinned entries alone exceed the cache budget",
				slog.String("kind", string(kind)),
				slog.Int64("pinned_bytes", pinnedBytes),
				slog.Int("pinned_items", result.PinnedKept),
			)
		}
	}

	// Keep the highest-value prefix that fits; everything after the first
	// entry that does not fit is deleted, preserving the deterministic
	// prefix property.
	cut := len(candidates)
	if bounded {
		for i, candidate := range candidates {
			size := candidate.entry.SizeBytes()
			if !budget.fits(retainedBytes+size, retainedItems+1) {
				cut = i
				break
			}
			retainedBytes += size
			retainedItems++
		}
	} else {
		for _, candidate := range candidates {
			retainedBytes += candidate.entry.SizeBytes()
			retainedItems++
		}
	}

	for _, candidate := range candidates[cut:] {
		if err := ctx.Err(); err != nil {
			return result, err
		}
		if err := p.contentStore.Delete(ctx, candidate.entry.Key()); err != nil {
			return result, fmt.Errorf("evict: delete %s: %w", candidate.entry.ID, err)
		}
		result.Evicted++
	}

	result.RetainedItems = retainedItems
	result.RetainedBytes = retainedBytes
	return result, nil
}

// SweepAll sweeps every content kind in declaration order.
func (p *Planner) SweepAll(ctx context.Context, now time.Time) ([]Result, error) {
	results := make([]Result, 0, len(store.Kinds()))
	for _, kind := range store.Kinds() {
		result, err := p.Sweep(ctx, kind, now)
		if err != nil {
			return results, err
		}
		results = append(results, result)
	}
	return results, nil
}

// score is the retained value of a non-expired entry: priority shaped by
// arrival age and remaining freshness.
func (p *Planner) score(entry store.CacheEntry, now time.Time) float64 {
	return float64(entry.Priority) * p.recencyWeight(entry, now) * p.freshnessWeight(entry, now)
}

func (p *Planner) recencyWeight(entry store.CacheEntry, now time.Time) float64 {
	if entry.CachedAt.IsZero() {
		return 0
	}
	age := now.Sub(entry.CachedAt)
	if age <= 0 {
		return 1
	}
	return math.Exp2(-age.Hours() / p.cfg.RecencyHalfLife.Hours())
}

func (p *Planner) freshnessWeight(entry store.CacheEntry, now time.Time) float64 {
	if entry.ExpiresAt.IsZero() {
		return 1
	}
	remaining := entry.ExpiresAt.Sub(now)
	if remaining <= 0 {
		return 0
	}
	if remaining >= p.cfg.FreshnessLeadup {
		return 1
	}
	return remaining.Hours() / p.cfg.FreshnessLeadup.Hours()
}
