package syncer

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/gramsetu/syncache/internal/connectivity"
	"github.com/gramsetu/syncache/internal/evict"
	"github.com/gramsetu/syncache/internal/queue"
	"github.com/gramsetu/syncache/internal/rank"
	"github.com/gramsetu/syncache/internal/store"
)

// fakeFeed serves change batches from a fixed slice per collection, using
// the numeric offset as the cursor the way the real origin does.
type fakeFeed struct {
	mu     sync.Mutex
	data   map[string][]store.CacheEntry
	pulls  int
	onPull func(pull int)
	err    error
}

func (f *fakeFeed) Pull(ctx context.Context, collection, since string, limit int) (PullResult, error) {
	f.mu.Lock()
	f.pulls++
	pull := f.pulls
	onPull := f.onPull
	err := f.err
	entries := f.data[collection]
	f.mu.Unlock()

	if onPull != nil {
		onPull(pull)
	}
	if err != nil {
		return PullResult{}, err
	}

	start := 0
	if since != "" {
		parsed, parseErr := strconv.Atoi(since)
		if parseErr != nil {
			return PullResult{}, parseErr
		}
		start = parsed
	}
	if start >= len(entries) {
		return PullResult{NextCursor: since}, nil
	}
	end := start + limit
	if end > len(entries) {
		end = len(entries)
	}
	batch := make([]store.CacheEntry, end-start)
	copy(batch, entries[start:end])
	return PullResult{Changes: batch, NextCursor: strconv.Itoa(end)}, nil
}

func (f *fakeFeed) pullCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.pulls
}

// fakeAnswers answers deferred requests, optionally failing the first N
// calls.
type fakeAnswers struct {
	mu       sync.Mutex
	calls    int
	failures int
	answered []string
	onAnswer func(call int)
}

func (a *fakeAnswers) Answer(ctx context.Context, request queue.Request) (json.RawMessage, error) {
	a.mu.Lock()
	a.calls++
	call := a.calls
	fail := call <= a.failures
	if !fail {
		a.answered = append(a.answered, string(request.Payload))
	}
	onAnswer := a.onAnswer
	a.mu.Unlock()

	if onAnswer != nil {
		onAnswer(call)
	}
	if fail {
		return nil, errors.New("origin unavailable")
	}
	return json.RawMessage(`{"answer":"reply-` + strconv.Itoa(call) + `"}`), nil
}

func (a *fakeAnswers) order() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]string, len(a.answered))
	copy(out, a.answered)
	return out
}

// stubTiers injects synthetic connectivity without a probe loop.
type stubTiers struct {
	mu   sync.Mutex
	tier connectivity.Tier
	subs []chan connectivity.Transition
}

func newStubTiers(tier connectivity.Tier) *stubTiers {
	return &stubTiers{tier: tier}
}

func (s *stubTiers) Tier() connectivity.Tier {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tier
}

func (s *stubTiers) Subscribe() (<-chan connectivity.Transition, func()) {
	ch := make(chan connectivity.Transition, 8)
	s.mu.Lock()
	s.subs = append(s.subs, ch)
	s.mu.Unlock()
	return ch, func() {}
}

func (s *stubTiers) set(tier connectivity.Tier) {
	s.mu.Lock()
	transition := connectivity.Transition{From: s.tier, To: tier, At: time.Now().UTC()}
	s.tier = tier
	for _, sub := range s.subs {
		select {
		case sub <- transition:
		default:
		}
	}
	s.mu.Unlock()
}

func feedEntry(id string, version int64) store.CacheEntry {
	return store.CacheEntry{
		ID:       id,
		Kind:     store.KindScheme,
		Language: "hi",
		Payload:  json.RawMessage(`{"title":"` + id + `"}`),
		Version:  version,
		Category: "agriculture",
	}
}

type testRig struct {
	coordinator *Coordinator
	content     store.ContentStore
	requests    *queue.Queue
	cursors     *MemoryCursors
	feed        *fakeFeed
	answers     *fakeAnswers
	tiers       *stubTiers
}

func newTestRig(t *testing.T, feedData map[string][]store.CacheEntry, queuePolicy queue.Policy, planner func() *evict.Planner) *testRig {
	t.Helper()

	requests, err := queue.Open(context.Background(), filepath.Join(t.TempDir(), "queue.db"), queuePolicy)
	if err != nil {
		t.Fatalf("open queue: %v", err)
	}
	t.Cleanup(func() { _ = requests.Close(context.Background()) })

	rig := &testRig{
		content:  store.NewMemory(),
		requests: requests,
		cursors:  NewMemoryCursors(),
		feed:     &fakeFeed{data: feedData},
		answers:  &fakeAnswers{},
		tiers:    newStubTiers(connectivity.TierOnline),
	}

	coordinator, err := New(Options{
		Collections:  []string{"schemes"},
		BatchSize:    2,
		Interval:     time.Hour,
		ContentStore: rig.content,
		Requests:     rig.requests,
		Cursors:      rig.cursors,
		Feed:         rig.feed,
		Answers:      rig.answers,
		Tiers:        rig.tiers,
		Ranker:       func() rank.Ranker { return rank.New(rank.DefaultWeights(), 50, 72*time.Hour) },
		Signals:      func() rank.Signals { return rank.Signals{Categories: []string{"agriculture"}} },
		Planner:      planner,
	})
	if err != nil {
		t.Fatalf("new coordinator: %v", err)
	}
	rig.coordinator = coordinator
	return rig
}

func mustGet(t *testing.T, cs store.ContentStore, id string) store.CacheEntry {
	t.Helper()
	entry, ok, err := cs.Get(context.Background(), store.EntryKey{ID: id, Kind: store.KindScheme, Language: "hi"})
	if err != nil {
		t.Fatalf("get %s: %v", id, err)
	}
	if !ok {
		t.Fatalf("expected %s to be cached", id)
	}
	return entry
}

func TestPassPullsAppliesAndAdvancesCursor(t *testing.T) {
	rig := newTestRig(t, map[string][]store.CacheEntry{
		"schemes": {feedEntry("s-1", 1), feedEntry("s-2", 1), feedEntry("s-3", 1)},
	}, queue.Policy{}, nil)
	ctx := context.Background()

	if err := rig.coordinator.RunPass(ctx); err != nil {
		t.Fatalf("run pass: %v", err)
	}

	for _, id := range []string{"s-1", "s-2", "s-3"} {
		entry := mustGet(t, rig.content, id)
		if entry.Priority <= 0 {
			t.Fatalf("entry %s priority = %d, want ranker-assigned positive score", id, entry.Priority)
		}
	}

	cursor, err := rig.cursors.Get(ctx, "schemes")
	if err != nil {
		t.Fatalf("get cursor: %v", err)
	}
	if cursor != "3" {
		t.Fatalf("cursor = %q, want %q after applying all batches", cursor, "3")
	}

	status := rig.coordinator.Status(ctx)
	if status.State != StateIdle {
		t.Fatalf("state = %q, want %q", status.State, StateIdle)
	}
	if status.LastSync.IsZero() {
		t.Fatal("expected last sync to be recorded")
	}
}

func TestPullIsIdempotentAcrossPasses(t *testing.T) {
	rig := newTestRig(t, map[string][]store.CacheEntry{
		"schemes": {feedEntry("s-1", 1), feedEntry("s-2", 1)},
	}, queue.Policy{}, nil)
	ctx := context.Background()

	if err := rig.coordinator.RunPass(ctx); err != nil {
		t.Fatalf("first pass: %v", err)
	}
	firstPulls := rig.feed.pullCount()

	if err := rig.coordinator.RunPass(ctx); err != nil {
		t.Fatalf("second pass: %v", err)
	}

	usage, err := rig.content.Usage(ctx, store.KindScheme)
	if err != nil {
		t.Fatalf("usage: %v", err)
	}
	if usage.Items != 2 {
		t.Fatalf("items after replayed pass = %d, want 2 (no duplicates)", usage.Items)
	}
	if rig.feed.pullCount() != firstPulls+1 {
		t.Fatalf("second pass pulls = %d, want exactly 1 empty pull from the stored cursor", rig.feed.pullCount()-firstPulls)
	}
}

func TestOutOfOrderVersionsEndAtNewest(t *testing.T) {
	// Version 3 arrives in the first batch, a stale version 2 for the same
	// key in a later one.
	rig := newTestRig(t, map[string][]store.CacheEntry{
		"schemes": {feedEntry("s-1", 3), feedEntry("s-2", 1), feedEntry("s-1", 2)},
	}, queue.Policy{}, nil)
	ctx := context.Background()

	if err := rig.coordinator.RunPass(ctx); err != nil {
		t.Fatalf("run pass: %v", err)
	}

	entry := mustGet(t, rig.content, "s-1")
	if entry.Version != 3 {
		t.Fatalf("version = %d, want 3 (stale write ignored)", entry.Version)
	}
}

func TestReconcileReranksCachedEntriesAgainstLiveSignals(t *testing.T) {
	requests, err := queue.Open(context.Background(), filepath.Join(t.TempDir(), "queue.db"), queue.Policy{})
	if err != nil {
		t.Fatalf("open queue: %v", err)
	}
	t.Cleanup(func() { _ = requests.Close(context.Background()) })

	content := store.NewMemory()
	feed := &fakeFeed{data: map[string][]store.CacheEntry{
		"schemes": {
			{ID: "s-agr", Kind: store.KindScheme, Language: "hi", Payload: json.RawMessage(`{"title":"crop support"}`), Version: 1, Category: "agriculture"},
			{ID: "s-pen", Kind: store.KindScheme, Language: "hi", Payload: json.RawMessage(`{"title":"old age pension"}`), Version: 1, Category: "pension"},
		},
	}}

	var signalsMu sync.Mutex
	signals := rank.Signals{Categories: []string{"agriculture"}}

	coordinator, err := New(Options{
		Collections:  []string{"schemes"},
		BatchSize:    2,
		Interval:     time.Hour,
		ContentStore: content,
		Requests:     requests,
		Cursors:      NewMemoryCursors(),
		Feed:         feed,
		Answers:      &fakeAnswers{},
		Tiers:        newStubTiers(connectivity.TierOnline),
		Ranker:       func() rank.Ranker { return rank.New(rank.DefaultWeights(), 50, 72*time.Hour) },
		Signals: func() rank.Signals {
			signalsMu.Lock()
			defer signalsMu.Unlock()
			return signals
		},
	})
	if err != nil {
		t.Fatalf("new coordinator: %v", err)
	}
	ctx := context.Background()

	if err := coordinator.RunPass(ctx); err != nil {
		t.Fatalf("first pass: %v", err)
	}
	agr, pen := mustGet(t, content, "s-agr"), mustGet(t, content, "s-pen")
	if agr.Priority <= pen.Priority {
		t.Fatalf("priorities after first pass = %d vs %d, want the agriculture entry ahead", agr.Priority, pen.Priority)
	}

	// The user's interest moves; the feed has nothing new to say.
	signalsMu.Lock()
	signals = rank.Signals{Categories: []string{"pension"}}
	signalsMu.Unlock()

	if err := coordinator.RunPass(ctx); err != nil {
		t.Fatalf("second pass: %v", err)
	}
	agr, pen = mustGet(t, content, "s-agr"), mustGet(t, content, "s-pen")
	if pen.Priority <= agr.Priority {
		t.Fatalf("priorities after re-rank = %d vs %d, want the pension entry ahead", agr.Priority, pen.Priority)
	}
}

func TestAbortMidPullKeepsCommittedProgress(t *testing.T) {
	rig := newTestRig(t, map[string][]store.CacheEntry{
		"schemes": {feedEntry("s-1", 1), feedEntry("s-2", 1), feedEntry("s-3", 1), feedEntry("s-4", 1)},
	}, queue.Policy{}, nil)
	ctx := context.Background()

	// The link drops while the second batch is in flight.
	rig.feed.onPull = func(pull int) {
		if pull == 2 {
			rig.tiers.set(connectivity.TierOffline)
		}
	}

	err := rig.coordinator.RunPass(ctx)
	if !errors.Is(err, ErrAborted) {
		t.Fatalf("pass err = %v, want ErrAborted", err)
	}

	cursor, err := rig.cursors.Get(ctx, "schemes")
	if err != nil {
		t.Fatalf("get cursor: %v", err)
	}
	if cursor != "2" {
		t.Fatalf("cursor = %q, want %q (last fully-committed batch)", cursor, "2")
	}
	mustGet(t, rig.content, "s-1")
	mustGet(t, rig.content, "s-2")
	if _, ok, _ := rig.content.Get(ctx, store.EntryKey{ID: "s-3", Kind: store.KindScheme, Language: "hi"}); ok {
		t.Fatal("entry from the aborted batch must not be applied")
	}

	// Connectivity returns; the next pass resumes from the cursor and the
	// cursor only moves forward.
	rig.feed.onPull = nil
	rig.tiers.set(connectivity.TierOnline)
	if err := rig.coordinator.RunPass(ctx); err != nil {
		t.Fatalf("resume pass: %v", err)
	}
	cursor, _ = rig.cursors.Get(ctx, "schemes")
	if cursor != "4" {
		t.Fatalf("cursor after resume = %q, want %q", cursor, "4")
	}
	mustGet(t, rig.content, "s-3")
	mustGet(t, rig.content, "s-4")
}

func TestFlushDrainsOldestFirstAndResultIsTakenOnce(t *testing.T) {
	rig := newTestRig(t, map[string][]store.CacheEntry{}, queue.Policy{}, nil)
	ctx := context.Background()

	// Requests pile up while offline.
	rig.tiers.set(connectivity.TierOffline)
	var ids []string
	for _, text := range []string{"first", "second", "third"} {
		request, err := rig.requests.Enqueue(ctx, json.RawMessage(`{"q":"`+text+`"}`), "hi", "")
		if err != nil {
			t.Fatalf("enqueue: %v", err)
		}
		ids = append(ids, request.ID)
	}

	// Connectivity returns and a pass flushes everything.
	rig.tiers.set(connectivity.TierOnline)
	if err := rig.coordinator.RunPass(ctx); err != nil {
		t.Fatalf("run pass: %v", err)
	}

	want := []string{`{"q":"first"}`, `{"q":"second"}`, `{"q":"third"}`}
	got := rig.answers.order()
	if len(got) != len(want) {
		t.Fatalf("answered %d requests, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("answer order[%d] = %s, want %s", i, got[i], want[i])
		}
	}

	outcome, err := rig.requests.TakeResult(ctx, ids[0])
	if err != nil {
		t.Fatalf("take result: %v", err)
	}
	if outcome.Status != queue.StatusCompleted || len(outcome.Result) == 0 {
		t.Fatalf("outcome = %+v, want completed with a result", outcome)
	}
	if _, err := rig.requests.TakeResult(ctx, ids[0]); !errors.Is(err, queue.ErrNotFound) {
		t.Fatalf("second takeout err = %v, want ErrNotFound (exactly once)", err)
	}
}

func TestFlushHaltsOnTierDropLeavingRemainderPending(t *testing.T) {
	rig := newTestRig(t, map[string][]store.CacheEntry{}, queue.Policy{}, nil)
	ctx := context.Background()

	for _, text := range []string{"a", "b", "c"} {
		if _, err := rig.requests.Enqueue(ctx, json.RawMessage(`{"q":"`+text+`"}`), "hi", ""); err != nil {
			t.Fatalf("enqueue: %v", err)
		}
	}

	rig.answers.onAnswer = func(call int) {
		if call == 1 {
			rig.tiers.set(connectivity.TierOffline)
		}
	}

	err := rig.coordinator.RunPass(ctx)
	if !errors.Is(err, ErrAborted) {
		t.Fatalf("pass err = %v, want ErrAborted", err)
	}

	depth, err := rig.requests.Depth(ctx)
	if err != nil {
		t.Fatalf("depth: %v", err)
	}
	if depth.Completed != 1 || depth.Pending != 2 {
		t.Fatalf("depth = %+v, want 1 completed and 2 still pending", depth)
	}
}

func TestFlushRetriesToTerminalFailure(t *testing.T) {
	rig := newTestRig(t, map[string][]store.CacheEntry{},
		queue.Policy{MaxAttempts: 2, BaseDelay: time.Millisecond, MaxDelay: time.Second}, nil)
	ctx := context.Background()

	rig.answers.failures = 10

	request, err := rig.requests.Enqueue(ctx, json.RawMessage(`{"q":"doomed"}`), "hi", "")
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	if err := rig.coordinator.RunPass(ctx); err != nil {
		t.Fatalf("first pass: %v", err)
	}
	after, err := rig.requests.Get(ctx, request.ID)
	if err != nil {
		t.Fatalf("get after first pass: %v", err)
	}
	if after.Status != queue.StatusPending || after.RetryCount != 1 {
		t.Fatalf("request = %+v, want pending with one recorded attempt", after)
	}

	time.Sleep(10 * time.Millisecond)

	if err := rig.coordinator.RunPass(ctx); err != nil {
		t.Fatalf("second pass: %v", err)
	}
	after, err = rig.requests.Get(ctx, request.ID)
	if err != nil {
		t.Fatalf("get after ceiling: %v", err)
	}
	if after.Status != queue.StatusFailed {
		t.Fatalf("status = %q, want %q after the attempt ceiling", after.Status, queue.StatusFailed)
	}
	if after.Reason == "" {
		t.Fatal("expected a terminal failure reason")
	}
}

func TestPassSkippedWhileNotOnline(t *testing.T) {
	rig := newTestRig(t, map[string][]store.CacheEntry{
		"schemes": {feedEntry("s-1", 1)},
	}, queue.Policy{}, nil)
	ctx := context.Background()

	rig.tiers.set(connectivity.TierDegraded)
	if err := rig.coordinator.RunPass(ctx); err != nil {
		t.Fatalf("run pass: %v", err)
	}
	if rig.feed.pullCount() != 0 {
		t.Fatalf("pulls = %d, want 0 while degraded", rig.feed.pullCount())
	}
	if _, ok, _ := rig.content.Get(ctx, store.EntryKey{ID: "s-1", Kind: store.KindScheme, Language: "hi"}); ok {
		t.Fatal("nothing should be applied while degraded")
	}
}

func TestEvictPhaseEnforcesBudget(t *testing.T) {
	var contentRef store.ContentStore
	planner := func() *evict.Planner {
		return evict.NewPlanner(contentRef, evict.Config{
			Budgets: map[store.Kind]evict.Budget{store.KindScheme: {MaxItems: 1}},
		})
	}
	rig := newTestRig(t, map[string][]store.CacheEntry{
		"schemes": {feedEntry("s-1", 1), feedEntry("s-2", 1), feedEntry("s-3", 1)},
	}, queue.Policy{}, planner)
	contentRef = rig.content
	ctx := context.Background()

	if err := rig.coordinator.RunPass(ctx); err != nil {
		t.Fatalf("run pass: %v", err)
	}

	usage, err := rig.content.Usage(ctx, store.KindScheme)
	if err != nil {
		t.Fatalf("usage: %v", err)
	}
	if usage.Items != 1 {
		t.Fatalf("items after eviction = %d, want the budget of 1", usage.Items)
	}
}

func TestTriggersCoalesceIntoOneFollowUp(t *testing.T) {
	rig := newTestRig(t, map[string][]store.CacheEntry{
		"schemes": {feedEntry("s-1", 1)},
	}, queue.Policy{}, nil)

	release := make(chan struct{})
	started := make(chan struct{}, 8)
	rig.feed.onPull = func(pull int) {
		if pull == 1 {
			started <- struct{}{}
			<-release
		}
	}

	done := make(chan error, 1)
	go func() {
		done <- rig.coordinator.RunPass(context.Background())
	}()

	<-started
	// Three triggers land while the pass is blocked mid-pull.
	rig.coordinator.TriggerSync()
	rig.coordinator.TriggerSync()
	rig.coordinator.TriggerSync()
	close(release)

	if err := <-done; err != nil {
		t.Fatalf("run pass: %v", err)
	}

	// Pass one pulled the single batch; the coalesced follow-up pass made
	// exactly one empty pull. Three triggers did not mean three passes.
	if got := rig.feed.pullCount(); got != 2 {
		t.Fatalf("pulls = %d, want 2 (initial pass + one coalesced follow-up)", got)
	}
}

func TestRunFiresPassOnOnlineTransition(t *testing.T) {
	rig := newTestRig(t, map[string][]store.CacheEntry{
		"schemes": {feedEntry("s-1", 1)},
	}, queue.Policy{}, nil)
	rig.tiers.set(connectivity.TierOffline)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go rig.coordinator.Run(ctx)

	// Give Run a moment to subscribe, then come back online.
	time.Sleep(20 * time.Millisecond)
	rig.tiers.set(connectivity.TierOnline)

	deadline := time.After(2 * time.Second)
	for {
		if _, ok, _ := rig.content.Get(context.Background(), store.EntryKey{ID: "s-1", Kind: store.KindScheme, Language: "hi"}); ok {
			return
		}
		select {
		case <-deadline:
			t.Fatal("expected the online transition to trigger a pass")
		case <-time.After(10 * time.Millisecond):
		}
	}
}
