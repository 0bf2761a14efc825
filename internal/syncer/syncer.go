// Package syncer drives the sync pass: pull origin changes, flush deferred
// queries, reconcile versions, evict over budget. One pass runs at a time;
// triggers arriving mid-pass coalesce into exactly one follow-up.
package syncer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gramsetu/syncache/internal/connectivity"
	"github.com/gramsetu/syncache/internal/evict"
	"github.com/gramsetu/syncache/internal/metrics"
	"github.com/gramsetu/syncache/internal/queue"
	"github.com/gramsetu/syncache/internal/rank"
	"github.com/gramsetu/syncache/internal/store"
)

// State names the coordinator's current phase.
type State string

const (
	StateIdle        State = "idle"
	StatePulling     State = "pulling"
	StateFlushing    State = "flushing"
	StateReconciling State = "reconciling"
	StateEvicting    State = "evicting"
)

// ErrAborted reports a pass cut short by connectivity loss. Partial
// progress is kept: advanced cursors and finished queue rows stand, so the
// next pass resumes incrementally.
var ErrAborted = errors.New("syncer: pass aborted by connectivity loss")

// PullResult is one change feed batch.
type PullResult struct {
	Changes    []store.CacheEntry
	NextCursor string
}

// ChangeFeed pulls origin changes per collection from a cursor.
type ChangeFeed interface {
	Pull(ctx context.Context, collection, sinceCursor string, limit int) (PullResult, error)
}

// AnswerService submits a deferred request to the origin.
type AnswerService interface {
	Answer(ctx context.Context, request queue.Request) (json.RawMessage, error)
}

// TierSource exposes the debounced connectivity tier. The monitor
// satisfies it; tests inject synthetic tiers.
type TierSource interface {
	Tier() connectivity.Tier
	Subscribe() (<-chan connectivity.Transition, func())
}

// Options wires the coordinator's collaborators. Ranker, Signals, and
// Planner are funcs so policy reloads swap in fresh snapshots without
// restarting the coordinator.
type Options struct {
	Collections []string
	BatchSize   int
	Interval    time.Duration

	ContentStore store.ContentStore
	Requests     *queue.Queue
	Cursors      CursorStore
	Feed         ChangeFeed
	Answers      AnswerService
	Tiers        TierSource

	Ranker  func() rank.Ranker
	Signals func() rank.Signals
	Planner func() *evict.Planner

	Metrics *metrics.Recorder
	Logger  *slog.Logger
}

// Snapshot is the coordinator's observable status.
type Snapshot struct {
	State    State             `json:"state"`
	LastSync time.Time         `json:"lastSync"`
	LastErr  string            `json:"lastError,omitempty"`
	Cursors  map[string]string `json:"cursors,omitempty"`
}

// Coordinator owns the sync state machine.
type Coordinator struct {
	opts Options

	mu       sync.Mutex
	state    State
	running  bool
	followUp bool
	lastSync time.Time
	lastErr  string

	wake chan struct{}
}

// New validates the wiring and returns an idle coordinator.
func New(opts Options) (*Coordinator, error) {
	if opts.ContentStore == nil {
		return nil, errors.New("syncer: content store is required")
	}
	if opts.Requests == nil {
		return nil, errors.New("syncer: request queue is required")
	}
	if opts.Cursors == nil {
		return nil, errors.New("syncer: cursor store is required")
	}
	if opts.Feed == nil {
		return nil, errors.New("syncer: change feed is required")
	}
	if opts.Answers == nil {
		return nil, errors.New("syncer: answer service is required")
	}
	if opts.Tiers == nil {
		return nil, errors.New("syncer: tier source is required")
	}
	if len(opts.Collections) == 0 {
		return nil, errors.New("syncer: at least one collection is required")
	}
	if opts.BatchSize < 1 {
		opts.BatchSize = 200
	}
	if opts.Interval <= 0 {
		opts.Interval = 5 * time.Minute
	}
	if opts.Ranker == nil {
		opts.Ranker = func() rank.Ranker { return rank.New(rank.DefaultWeights(), 0, 0) }
	}
	if opts.Signals == nil {
		opts.Signals = func() rank.Signals { return rank.Signals{} }
	}
	return &Coordinator{opts: opts, state: StateIdle, wake: make(chan struct{}, 1)}, nil
}

// Status reports the current phase, last pass outcome, and cursors.
func (c *Coordinator) Status(ctx context.Context) Snapshot {
	c.mu.Lock()
	snapshot := Snapshot{State: c.state, LastSync: c.lastSync, LastErr: c.lastErr}
	c.mu.Unlock()

	if cursors, err := c.opts.Cursors.All(ctx); err == nil {
		snapshot.Cursors = cursors
	}
	return snapshot
}

// TriggerSync requests a pass. While a pass is running the request
// coalesces into a single follow-up pass, never an unbounded backlog.
func (c *Coordinator) TriggerSync() {
	c.mu.Lock()
	if c.running {
		c.followUp = true
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()
	select {
	case c.wake <- struct{}{}:
	default:
	}
}

// Run drives passes until the context ends: one on every transition to
// Online, one per interval tick while Online, and one per TriggerSync.
func (c *Coordinator) Run(ctx context.Context) {
	transitions, cancel := c.opts.Tiers.Subscribe()
	defer cancel()

	ticker := time.NewTicker(c.opts.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case transition := <-transitions:
			if transition.To == connectivity.TierOnline {
				c.TriggerSync()
			}
		case <-ticker.C:
			if c.opts.Tiers.Tier() == connectivity.TierOnline {
				c.TriggerSync()
			}
		case <-c.wake:
			c.drainPasses(ctx)
		}
	}
}

// RunPass executes one pass synchronously plus any follow-up passes that
// were requested while it ran. Exposed for the driving loop and tests.
func (c *Coordinator) RunPass(ctx context.Context) error {
	return c.drainPasses(ctx)
}

func (c *Coordinator) drainPasses(ctx context.Context) error {
	for {
		c.mu.Lock()
		if c.running {
			c.followUp = true
			c.mu.Unlock()
			return nil
		}
		c.running = true
		c.mu.Unlock()

		err := c.runPass(ctx)

		c.mu.Lock()
		c.running = false
		c.state = StateIdle
		again := c.followUp
		c.followUp = false
		if err == nil {
			c.lastSync = time.Now().UTC()
			c.lastErr = ""
		} else {
			c.lastErr = err.Error()
		}
		c.mu.Unlock()

		if err != nil || !again {
			return err
		}
	}
}

func (c *Coordinator) setState(state State) {
	c.mu.Lock()
	c.state = state
	c.mu.Unlock()
}

func (c *Coordinator) online() bool {
	return c.opts.Tiers.Tier() == connectivity.TierOnline
}

func (c *Coordinator) logger() *slog.Logger {
	return c.opts.Logger
}

// runPass walks Pulling -> Flushing -> Reconciling -> Evicting. Any origin
// failure or tier drop aborts back to Idle keeping committed progress.
func (c *Coordinator) runPass(ctx context.Context) error {
	started := time.Now()
	if !c.online() {
		c.opts.Metrics.ObserveSyncPass("skipped", time.Since(started))
		return nil
	}

	staleWrites, err := c.pull(ctx)
	if err != nil {
		c.observePassFailure(started, err)
		return err
	}

	if err := c.flush(ctx); err != nil {
		c.observePassFailure(started, err)
		return err
	}

	if err := c.reconcile(ctx, staleWrites); err != nil {
		c.observePassFailure(started, err)
		return err
	}

	if err := c.evictPhase(ctx); err != nil {
		c.observePassFailure(started, err)
		return err
	}

	c.opts.Metrics.ObserveSyncPass("completed", time.Since(started))
	if logger := c.logger(); logger != nil {
		logger.Info("sync pass completed",
			slog.Duration("elapsed", time.Since(started)),
			slog.Int("stale_writes", staleWrites),
		)
	}
	return nil
}

func (c *Coordinator) observePassFailure(started time.Time, err error) {
	outcome := "failed"
	if errors.Is(err, ErrAborted) {
		outcome = "aborted"
	}
	c.opts.Metrics.ObserveSyncPass(outcome, time.Since(started))
	if logger := c.logger(); logger != nil {
		logger.Warn("sync pass did not complete", slog.Any("error", err))
	}
}

// pull applies origin changes batch by batch. The cursor advances only
// after its whole batch applied, so an abort re-pulls at most one batch
// and the staleness rule makes the replay idempotent.
func (c *Coordinator) pull(ctx context.Context) (int, error) {
	c.setState(StatePulling)
	phaseStart := time.Now()
	defer func() {
		c.opts.Metrics.ObserveSyncPhase(string(StatePulling), time.Since(phaseStart))
	}()

	ranker := c.opts.Ranker()
	signals := c.opts.Signals()
	staleWrites := 0

	for _, collection := range c.opts.Collections {
		for {
			if err := ctx.Err(); err != nil {
				return staleWrites, err
			}
			if !c.online() {
				return staleWrites, ErrAborted
			}

			cursor, err := c.opts.Cursors.Get(ctx, collection)
			if err != nil {
				return staleWrites, err
			}
			result, err := c.opts.Feed.Pull(ctx, collection, cursor, c.opts.BatchSize)
			if err != nil {
				return staleWrites, fmt.Errorf("syncer: pull %s: %w", collection, err)
			}
			if len(result.Changes) == 0 {
				break
			}

			for _, entry := range result.Changes {
				if err := ctx.Err(); err != nil {
					return staleWrites, err
				}
				if !c.online() {
					// The cursor stays put; the next pass replays
					// this batch and stale writes are ignored.
					return staleWrites, ErrAborted
				}
				entry.Priority = ranker.Score(entry, signals)
				writeStart := time.Now()
				stored, err := c.opts.ContentStore.Put(ctx, entry)
				if err != nil {
					c.opts.Metrics.ObserveWrite(string(entry.Kind), metrics.WriteError, time.Since(writeStart))
					// A malformed feed entry must not wedge the batch
					// behind an unadvanceable cursor.
					if errors.Is(err, store.ErrInvalidEntry) {
						c.opts.Metrics.ObservePullChange(collection, "invalid")
						if logger := c.logger(); logger != nil {
							logger.Warn("skipping invalid feed entry",
								slog.String("collection", collection),
								slog.String("id", entry.ID),
								slog.Any("error", err),
							)
						}
						continue
					}
					return staleWrites, fmt.Errorf("syncer: apply %s/%s: %w", collection, entry.ID, err)
				}
				if stored {
					c.opts.Metrics.ObserveWrite(string(entry.Kind), metrics.WriteStored, time.Since(writeStart))
					c.opts.Metrics.ObservePullChange(collection, "stored")
				} else {
					staleWrites++
					c.opts.Metrics.ObserveWrite(string(entry.Kind), metrics.WriteStale, time.Since(writeStart))
					c.opts.Metrics.ObservePullChange(collection, "stale")
					if logger := c.logger(); logger != nil {
						logger.Debug("stale write ignored",
							slog.String("collection", collection),
							slog.String("id", entry.ID),
							slog.Int64("version", entry.Version),
						)
					}
				}
			}

			if result.NextCursor == "" || result.NextCursor == cursor {
				break
			}
			if err := c.opts.Cursors.Set(ctx, collection, result.NextCursor); err != nil {
				return staleWrites, fmt.Errorf("syncer: advance %s cursor: %w", collection, err)
			}
			if len(result.Changes) < c.opts.BatchSize {
				break
			}
		}
	}
	return staleWrites, nil
}

// flush drains due requests oldest-first. A tier drop halts the drain and
// leaves the remainder pending for the next Online transition.
func (c *Coordinator) flush(ctx context.Context) error {
	c.setState(StateFlushing)
	phaseStart := time.Now()
	defer func() {
		c.opts.Metrics.ObserveSyncPhase(string(StateFlushing), time.Since(phaseStart))
		c.publishQueueDepth(ctx)
	}()

	due, err := c.opts.Requests.ListDue(ctx, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("syncer: list due requests: %w", err)
	}

	for _, request := range due {
		if err := ctx.Err(); err != nil {
			return err
		}
		if !c.online() {
			return ErrAborted
		}

		claimed, err := c.opts.Requests.MarkInFlight(ctx, request.ID)
		if err != nil {
			if errors.Is(err, queue.ErrNotClaimable) || errors.Is(err, queue.ErrNotFound) {
				continue
			}
			return fmt.Errorf("syncer: claim request %s: %w", request.ID, err)
		}
		c.opts.Metrics.ObserveQueueOp("claim", "ok")

		result, answerErr := c.opts.Answers.Answer(ctx, claimed)
		if answerErr != nil {
			if failErr := c.opts.Requests.Fail(ctx, claimed.ID, answerErr.Error()); failErr != nil {
				return fmt.Errorf("syncer: record failed attempt %s: %w", claimed.ID, failErr)
			}
			c.opts.Metrics.ObserveQueueOp("answer", "error")
			if logger := c.logger(); logger != nil {
				logger.Warn("deferred request attempt failed",
					slog.String("id", claimed.ID),
					slog.Int("attempt", claimed.RetryCount+1),
					slog.Any("error", answerErr),
				)
			}
			continue
		}

		if err := c.opts.Requests.Complete(ctx, claimed.ID, result); err != nil {
			return fmt.Errorf("syncer: complete request %s: %w", claimed.ID, err)
		}
		c.opts.Metrics.ObserveQueueOp("answer", "completed")
	}
	return nil
}

// reconcile settles cached state after pull and flush. Version conflicts
// were already reduced to origin-wins by the staleness rule during pull
// (local mutation of cached entries is disallowed); what remains is
// priority drift: cached scores go stale as the user's signals move, so
// every entry is re-ranked against the live snapshot before eviction runs.
func (c *Coordinator) reconcile(ctx context.Context, staleWrites int) error {
	c.setState(StateReconciling)
	phaseStart := time.Now()
	defer func() {
		c.opts.Metrics.ObserveSyncPhase(string(StateReconciling), time.Since(phaseStart))
	}()

	if staleWrites > 0 {
		if logger := c.logger(); logger != nil {
			logger.Info("reconciled by origin-wins", slog.Int("stale_writes", staleWrites))
		}
	}

	ranker := c.opts.Ranker()
	signals := c.opts.Signals()
	rescored := 0
	for _, kind := range store.Kinds() {
		if err := ctx.Err(); err != nil {
			return err
		}
		if !c.online() {
			return ErrAborted
		}
		entries, err := c.opts.ContentStore.ListKind(ctx, kind)
		if err != nil {
			return fmt.Errorf("syncer: rescore %s: %w", kind, err)
		}
		for _, entry := range entries {
			score := ranker.Score(entry, signals)
			if score == entry.Priority {
				continue
			}
			if err := c.opts.ContentStore.SetPriority(ctx, entry.Key(), score); err != nil {
				return fmt.Errorf("syncer: rescore %s/%s: %w", kind, entry.ID, err)
			}
			rescored++
		}
	}
	if rescored > 0 {
		if logger := c.logger(); logger != nil {
			logger.Debug("priorities re-ranked", slog.Int("entries", rescored))
		}
	}
	return nil
}

func (c *Coordinator) evictPhase(ctx context.Context) error {
	c.setState(StateEvicting)
	phaseStart := time.Now()
	defer func() {
		c.opts.Metrics.ObserveSyncPhase(string(StateEvicting), time.Since(phaseStart))
	}()

	if c.opts.Planner == nil {
		return nil
	}
	planner := c.opts.Planner()
	if planner == nil {
		return nil
	}

	results, err := planner.SweepAll(ctx, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("syncer: eviction sweep: %w", err)
	}
	for _, result := range results {
		if result.ExpiredRemoved > 0 {
			c.opts.Metrics.ObserveEvictions(string(result.Kind), "expired", result.ExpiredRemoved)
		}
		if result.Evicted > 0 {
			c.opts.Metrics.ObserveEvictions(string(result.Kind), "budget", result.Evicted)
		}
		if result.BudgetViolated {
			c.opts.Metrics.ObserveBudgetViolation(string(result.Kind))
		}
	}
	return nil
}

func (c *Coordinator) publishQueueDepth(ctx context.Context) {
	depth, err := c.opts.Requests.Depth(ctx)
	if err != nil {
		return
	}
	c.opts.Metrics.SetQueueDepth(string(queue.StatusPending), depth.Pending)
	c.opts.Metrics.SetQueueDepth(string(queue.StatusInFlight), depth.InFlight)
	c.opts.Metrics.SetQueueDepth(string(queue.StatusCompleted), depth.Completed)
	c.opts.Metrics.SetQueueDepth(string(queue.StatusFailed), depth.Failed)
}
