package evict

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/gramsetu/syncache/internal/config"
	"github.com/gramsetu/syncache/internal/expr"
	"github.com/gramsetu/syncache/internal/store"
)

// PinSet holds the compiled pin expressions from the active policy. A
// pinned entry is exempt from eviction: field teams use pins to guarantee
// that, say, every agriculture scheme stays available offline during
// sowing season.
type PinSet struct {
	programs []expr.Program
	logger   *slog.Logger
}

// NewPinSet compiles the policy's pin expressions. Expressions that fail
// to compile are skipped and logged; the policy loader already quarantines
// them, so a failure here means the bundle was built by hand.
func NewPinSet(pins []config.PinConfig, logger *slog.Logger) (*PinSet, error) {
	environment, err := expr.NewEnvironment()
	if err != nil {
		return nil, fmt.Errorf("evict: build pin environment: %w", err)
	}
	set := &PinSet{logger: logger}
	for _, pin := range pins {
		program, err := environment.Compile(pin.Expression)
		if err != nil {
			if logger != nil {
				logger.Warn("skipping uncompilable pin expression",
					slog.String("expression", pin.Expression),
					slog.String("source", pin.Source),
					slog.Any("error", err),
				)
			}
			continue
		}
		set.programs = append(set.programs, program)
	}
	return set, nil
}

// Len reports how many pin expressions are active.
func (ps *PinSet) Len() int {
	if ps == nil {
		return 0
	}
	return len(ps.programs)
}

// Pinned reports whether any pin expression claims the entry. Evaluation
// errors count as not pinned; a broken expression must not quietly exempt
// the whole cache from eviction.
func (ps *PinSet) Pinned(entry store.CacheEntry, now time.Time) bool {
	if ps == nil || len(ps.programs) == 0 {
		return false
	}
	vars := entryVars(entry, now)
	for _, program := range ps.programs {
		matched, err := program.EvalBool(vars)
		if err != nil {
			if ps.logger != nil {
				ps.logger.Warn("pin evaluation failed",
					slog.String("expression", program.Source()),
					slog.Any("error", err),
				)
			}
			continue
		}
		if matched {
			return true
		}
	}
	return false
}

// entryVars projects a cache entry into the string-keyed map the pin
// environment declares. Zero timestamps and their derived hour counts are
// omitted so has_field works.
func entryVars(entry store.CacheEntry, now time.Time) map[string]any {
	entryMap := map[string]any{
		"id":         entry.ID,
		"kind":       string(entry.Kind),
		"language":   entry.Language,
		"version":    entry.Version,
		"priority":   entry.Priority,
		"category":   entry.Category,
		"importance": entry.Importance,
		"sessionId":  entry.SessionID,
		"sizeBytes":  entry.SizeBytes(),
	}
	if !entry.CachedAt.IsZero() {
		entryMap["cachedAt"] = entry.CachedAt
		entryMap["ageHours"] = now.Sub(entry.CachedAt).Hours()
	}
	if !entry.ExpiresAt.IsZero() {
		entryMap["expiresAt"] = entry.ExpiresAt
		entryMap["expiresInHours"] = entry.ExpiresAt.Sub(now).Hours()
	}
	if !entry.Deadline.IsZero() {
		entryMap["deadline"] = entry.Deadline
	}
	if entry.Location != nil {
		entryMap["lat"] = entry.Location.Lat
		entryMap["lon"] = entry.Location.Lon
	}
	return map[string]any{
		"entry": entryMap,
		"now":   now,
	}
}
