// Package engine composes the content store, query queue, connectivity
// monitor, and sync coordinator into the single surface the transports
// talk to. It owns the active policy snapshot (budgets, ranking weights,
// pins) and the user signal snapshot, and swaps both atomically so readers
// never observe a half-applied reload.
package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gramsetu/syncache/internal/config"
	"github.com/gramsetu/syncache/internal/connectivity"
	"github.com/gramsetu/syncache/internal/evict"
	"github.com/gramsetu/syncache/internal/metrics"
	"github.com/gramsetu/syncache/internal/queue"
	"github.com/gramsetu/syncache/internal/rank"
	"github.com/gramsetu/syncache/internal/store"
	"github.com/gramsetu/syncache/internal/syncer"
)

// ErrNotFound reports an entry the cache cannot serve, whether it was
// never cached, expired out, or was dropped as corrupt.
var ErrNotFound = errors.New("engine: entry not found")

const (
	defaultSearchLimit = 20
	maxSearchLimit     = 100
)

// Options wires the engine's collaborators. Content, Requests, Cursors,
// Feed, Answers, and Tiers are required; the rest defaults.
type Options struct {
	Content  store.ContentStore
	Requests *queue.Queue
	Cursors  syncer.CursorStore
	Feed     syncer.ChangeFeed
	Answers  syncer.AnswerService
	Tiers    syncer.TierSource

	Collections  []string
	BatchSize    int
	SyncInterval time.Duration

	// LoadPolicy produces the current policy bundle. Defaults to the
	// built-in policy when nil.
	LoadPolicy func(ctx context.Context) (config.PolicyBundle, error)

	// RunProbe, when set, is started alongside the coordinator and drives
	// the connectivity monitor's sampling loop.
	RunProbe func(ctx context.Context)

	Metrics *metrics.Recorder
	Logger  *slog.Logger
}

// policySnapshot is one immutable compiled policy. Reloads build a fresh
// snapshot and swap the pointer.
type policySnapshot struct {
	bundle  config.PolicyBundle
	ranker  rank.Ranker
	planner *evict.Planner
}

// Engine is the keep-working-offline surface: reads and searches are
// served from the local cache at any tier, writes defer to the queue, and
// the embedded coordinator reconciles with the origin when Online.
type Engine struct {
	content     store.ContentStore
	requests    *queue.Queue
	cursors     syncer.CursorStore
	tiers       syncer.TierSource
	coordinator *syncer.Coordinator

	loadPolicy func(ctx context.Context) (config.PolicyBundle, error)
	runProbe   func(ctx context.Context)

	policy  atomic.Pointer[policySnapshot]
	signals atomic.Pointer[rank.Signals]

	recorder *metrics.Recorder
	logger   *slog.Logger

	mu      sync.Mutex
	started bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	closeOnce sync.Once
	closeErr  error
}

// New validates the wiring, compiles the initial policy, and returns a
// stopped engine. Start launches the background loops.
func New(ctx context.Context, opts Options) (*Engine, error) {
	if opts.Content == nil {
		return nil, errors.New("engine: content store is required")
	}
	if opts.Requests == nil {
		return nil, errors.New("engine: request queue is required")
	}
	if opts.Cursors == nil {
		return nil, errors.New("engine: cursor store is required")
	}
	if opts.Feed == nil {
		return nil, errors.New("engine: change feed is required")
	}
	if opts.Answers == nil {
		return nil, errors.New("engine: answer service is required")
	}
	if opts.Tiers == nil {
		return nil, errors.New("engine: tier source is required")
	}

	loadPolicy := opts.LoadPolicy
	if loadPolicy == nil {
		loadPolicy = func(context.Context) (config.PolicyBundle, error) {
			return config.DefaultPolicy(), nil
		}
	}

	e := &Engine{
		content:    opts.Content,
		requests:   opts.Requests,
		cursors:    opts.Cursors,
		tiers:      opts.Tiers,
		loadPolicy: loadPolicy,
		runProbe:   opts.RunProbe,
		recorder:   opts.Metrics,
		logger:     opts.Logger,
	}
	e.signals.Store(&rank.Signals{})

	if err := e.ReloadPolicy(ctx); err != nil {
		return nil, err
	}

	coordinator, err := syncer.New(syncer.Options{
		Collections:  opts.Collections,
		BatchSize:    opts.BatchSize,
		Interval:     opts.SyncInterval,
		ContentStore: opts.Content,
		Requests:     opts.Requests,
		Cursors:      opts.Cursors,
		Feed:         opts.Feed,
		Answers:      opts.Answers,
		Tiers:        opts.Tiers,
		Ranker:       e.ranker,
		Signals:      e.Signals,
		Planner:      e.planner,
		Metrics:      opts.Metrics,
		Logger:       opts.Logger,
	})
	if err != nil {
		return nil, err
	}
	e.coordinator = coordinator
	return e, nil
}

// Start launches the probe and coordinator loops. Safe to call once;
// subsequent calls are no-ops.
func (e *Engine) Start(ctx context.Context) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.started {
		return
	}
	e.started = true

	runCtx, cancel := context.WithCancel(ctx)
	e.cancel = cancel

	if e.runProbe != nil {
		e.wg.Add(1)
		go func() {
			defer e.wg.Done()
			e.runProbe(runCtx)
		}()
	}
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.coordinator.Run(runCtx)
	}()
}

// Close stops the loops, waits for them to drain, then closes the queue,
// cursors, and store in that order. The ctx bounds the drain wait.
func (e *Engine) Close(ctx context.Context) error {
	e.closeOnce.Do(func() {
		e.mu.Lock()
		if e.cancel != nil {
			e.cancel()
		}
		e.mu.Unlock()

		done := make(chan struct{})
		go func() {
			e.wg.Wait()
			close(done)
		}()
		select {
		case <-done:
		case <-ctx.Done():
			if e.logger != nil {
				e.logger.Warn("engine close abandoned background loops", slog.Any("error", ctx.Err()))
			}
		}

		e.closeErr = errors.Join(
			e.requests.Close(ctx),
			e.cursors.Close(ctx),
			e.content.Close(ctx),
		)
	})
	return e.closeErr
}

func (e *Engine) ranker() rank.Ranker {
	return e.policy.Load().ranker
}

func (e *Engine) planner() *evict.Planner {
	return e.policy.Load().planner
}

// Policy reports the active bundle, for the status surface.
func (e *Engine) Policy() config.PolicyBundle {
	return e.policy.Load().bundle
}

// Signals returns the current user signal snapshot with Now anchored.
func (e *Engine) Signals() rank.Signals {
	signals := *e.signals.Load()
	signals.Now = time.Now().UTC()
	return signals
}

// SetSignals installs the query processor's latest view of the user:
// location and recent query categories. Ranking picks it up immediately;
// cached priorities follow at the next sync pass.
func (e *Engine) SetSignals(signals rank.Signals) {
	copied := signals
	copied.Categories = append([]string(nil), signals.Categories...)
	if signals.Location != nil {
		location := *signals.Location
		copied.Location = &location
	}
	e.signals.Store(&copied)
}

// ReloadPolicy loads the policy bundle and swaps in a freshly compiled
// snapshot. On load failure the previous snapshot stays active.
func (e *Engine) ReloadPolicy(ctx context.Context) error {
	bundle, err := e.loadPolicy(ctx)
	if err != nil {
		return fmt.Errorf("engine: load policy: %w", err)
	}
	return e.InstallPolicy(bundle)
}

// InstallPolicy compiles an already-loaded bundle and swaps it in. The
// policy watcher pushes reloaded bundles through here.
func (e *Engine) InstallPolicy(bundle config.PolicyBundle) error {
	pins, err := evict.NewPinSet(bundle.Pins, e.logger)
	if err != nil {
		return fmt.Errorf("engine: compile pins: %w", err)
	}

	ranker := rank.New(rank.Weights{
		CategoryMatch: bundle.Ranking.Weights.CategoryMatch,
		Proximity:     bundle.Ranking.Weights.Proximity,
		Recency:       bundle.Ranking.Weights.Recency,
		Importance:    bundle.Ranking.Weights.Importance,
	}, bundle.Ranking.RadiusKm, bundle.Ranking.HalfLife())

	budgets := make(map[store.Kind]evict.Budget, len(bundle.Budgets))
	for name, budget := range bundle.Budgets {
		kind := store.Kind(strings.ToLower(name))
		if !kind.Valid() {
			continue
		}
		budgets[kind] = evict.Budget{MaxBytes: budget.MaxBytes, MaxItems: budget.MaxItems}
	}
	planner := evict.NewPlanner(e.content, evict.Config{
		Budgets:         budgets,
		RecencyHalfLife: bundle.Eviction.HalfLife(),
		FreshnessLeadup: bundle.Eviction.Leadup(),
		Pins:            pins,
		Logger:          e.logger,
	})

	e.policy.Store(&policySnapshot{bundle: bundle, ranker: ranker, planner: planner})

	if e.logger != nil {
		e.logger.Info("policy installed",
			slog.Int("budgets", len(budgets)),
			slog.Int("pins", pins.Len()),
			slog.Int("skipped", len(bundle.Skipped)),
			slog.Int("sources", len(bundle.Sources)),
		)
		for _, skip := range bundle.Skipped {
			e.logger.Warn("policy definition skipped",
				slog.String("kind", skip.Kind),
				slog.String("name", skip.Name),
				slog.String("reason", skip.Reason),
			)
		}
	}
	return nil
}

// Tier reports the current connectivity tier.
func (e *Engine) Tier() connectivity.Tier {
	return e.tiers.Tier()
}

// TriggerSync requests a sync pass; concurrent triggers coalesce.
func (e *Engine) TriggerSync() {
	e.coordinator.TriggerSync()
}

// Read serves one entry from the cache. Expired entries are still served;
// offline, stale information beats none. Absent and corrupt entries both
// come back as ErrNotFound.
func (e *Engine) Read(ctx context.Context, key store.EntryKey) (store.CacheEntry, error) {
	started := time.Now()
	entry, ok, err := e.content.Get(ctx, key)
	elapsed := time.Since(started)

	switch {
	case errors.Is(err, store.ErrCorruptEntry):
		e.recorder.ObserveLookup(string(key.Kind), "corrupt", elapsed)
		return store.CacheEntry{}, fmt.Errorf("%w: %s", ErrNotFound, key.ID)
	case err != nil:
		e.recorder.ObserveLookup(string(key.Kind), "error", elapsed)
		return store.CacheEntry{}, fmt.Errorf("engine: read %s: %w", key.ID, err)
	case !ok:
		e.recorder.ObserveLookup(string(key.Kind), "miss", elapsed)
		return store.CacheEntry{}, fmt.Errorf("%w: %s", ErrNotFound, key.ID)
	}
	e.recorder.ObserveLookup(string(key.Kind), "hit", elapsed)
	return entry, nil
}

// SearchQuery filters and ranks cached entries of one kind.
type SearchQuery struct {
	Kind     store.Kind
	Language string
	// Text is a case-insensitive substring match over id, category, and
	// payload. Empty matches everything.
	Text string
	// Category, when set, overrides the signal snapshot's categories.
	Category string
	// Location, when set, overrides the signal snapshot's location.
	Location *store.GeoPoint
	Limit    int
}

// Match is one ranked search hit.
type Match struct {
	Entry store.CacheEntry `json:"entry"`
	Score int              `json:"score"`
}

// Search lists cached entries of a kind ranked by the live scoring
// signals. Entries beyond the service radius of the effective location are
// excluded outright. Works at every tier; this is the offline read path.
func (e *Engine) Search(ctx context.Context, query SearchQuery) ([]Match, error) {
	if !query.Kind.Valid() {
		return nil, fmt.Errorf("engine: unknown content kind %q", query.Kind)
	}
	limit := query.Limit
	if limit <= 0 {
		limit = defaultSearchLimit
	}
	if limit > maxSearchLimit {
		limit = maxSearchLimit
	}

	entries, err := e.content.ListKind(ctx, query.Kind)
	if err != nil {
		return nil, fmt.Errorf("engine: search %s: %w", query.Kind, err)
	}

	signals := e.Signals()
	if query.Location != nil {
		signals.Location = query.Location
	}
	if query.Category != "" {
		signals.Categories = []string{query.Category}
	}
	ranker := e.ranker()
	needle := strings.ToLower(strings.TrimSpace(query.Text))

	matches := make([]Match, 0, len(entries))
	for _, entry := range entries {
		if query.Language != "" && !strings.EqualFold(entry.Language, query.Language) {
			continue
		}
		if needle != "" && !entryMatches(entry, needle) {
			continue
		}
		if signals.Location != nil && entry.Location != nil &&
			rank.DistanceKm(*signals.Location, *entry.Location) > ranker.RadiusKm() {
			continue
		}
		matches = append(matches, Match{Entry: entry, Score: ranker.Score(entry, signals)})
	}

	sort.Slice(matches, func(i, j int) bool {
		if matches[i].Score != matches[j].Score {
			return matches[i].Score > matches[j].Score
		}
		return matches[i].Entry.ID < matches[j].Entry.ID
	})
	if len(matches) > limit {
		matches = matches[:limit]
	}
	return matches, nil
}

func entryMatches(entry store.CacheEntry, needle string) bool {
	if strings.Contains(strings.ToLower(entry.ID), needle) {
		return true
	}
	if strings.Contains(strings.ToLower(entry.Category), needle) {
		return true
	}
	return strings.Contains(strings.ToLower(string(entry.Payload)), needle)
}

// Enqueue defers a query for the next flush. When already Online a sync
// pass is triggered immediately so the caller rarely waits a full
// interval.
func (e *Engine) Enqueue(ctx context.Context, payload json.RawMessage, language, sessionID string) (queue.Request, error) {
	request, err := e.requests.Enqueue(ctx, payload, language, sessionID)
	if err != nil {
		e.recorder.ObserveQueueOp("enqueue", "error")
		return queue.Request{}, err
	}
	e.recorder.ObserveQueueOp("enqueue", "ok")
	if e.Tier() == connectivity.TierOnline {
		e.TriggerSync()
	}
	return request, nil
}

// QueueStatus reports one deferred request's lifecycle state.
func (e *Engine) QueueStatus(ctx context.Context, id string) (queue.Request, error) {
	return e.requests.Get(ctx, id)
}

// TakeResult hands out a terminal request's outcome exactly once and
// destroys the row. A repeat call reports queue.ErrNotFound.
func (e *Engine) TakeResult(ctx context.Context, id string) (queue.Outcome, error) {
	outcome, err := e.requests.TakeResult(ctx, id)
	if err != nil {
		return queue.Outcome{}, err
	}
	e.recorder.ObserveQueueOp("takeout", string(outcome.Status))
	return outcome, nil
}

// SessionPurge counts what a session teardown removed.
type SessionPurge struct {
	Entries  int `json:"entries"`
	Requests int `json:"requests"`
}

/// EndSession destroys everything scoped to a session: response-kind cache
// entries and queued requests. Nothing session-scoped survives.
func (e *Engine) EndSession(ctx context.Context, sessionID string) (SessionPurge, error) {
	if strings.TrimSpace(sessionID) == "" {
		return SessionPurge{}, errors.New("engine: session id is required")
	}
	entries, err := e.content.PurgeSession(ctx, sessionID)
	if err != nil {
		return SessionPurge{}, fmt.Errorf("engine: purge session entries: %w", err)
	}
	requests, err := e.requests.PurgeSession(ctx, sessionID)
	if err != nil {
		return SessionPurge{Entries: entries}, fmt.Errorf("engine: purge session requests: %w", err)
	}
	if e.logger != nil {
		e.logger.Info("session ended",
			slog.String("session_id", sessionID),
			slog.Int("entries", entries),
			slog.Int("requests", requests),
		)
	}
	return SessionPurge{Entries: entries, Requests: requests}, nil
}

// Status is the cache-status document for the UI's offline indicator.
type Status struct {
	Tier  string                         `json:"tier"`
	Sync  syncer.Snapshot                `json:"sync"`
	Kinds map[store.Kind]store.KindUsage `json:"kinds"`
	Queue queue.Depth                    `json:"queue"`
}

// Status reports tier, sync progress, per-kind usage, and queue depth.
func (e *Engine) Status(ctx context.Context) (Status, error) {
	status := Status{
		Tier:  string(e.Tier()),
		Sync:  e.coordinator.Status(ctx),
		Kinds: make(map[store.Kind]store.KindUsage, len(store.Kinds())),
	}
	for _, kind := range store.Kinds() {
		usage, err := e.content.Usage(ctx, kind)
		if err != nil {
			return Status{}, fmt.Errorf("engine: usage %s: %w", kind, err)
		}
		status.Kinds[kind] = usage
	}
	depth, err := e.requests.Depth(ctx)
	if err != nil {
		return Status{}, fmt.Errorf("engine: queue depth: %w", err)
	}
	status.Queue = depth
	return status, nil
}

// RunPass executes one synchronous sync pass. Exposed for tests and for
// operational forcing through the trigger endpoint.
func (e *Engine) RunPass(ctx context.Context) error {
	return e.coordinator.RunPass(ctx)
}
