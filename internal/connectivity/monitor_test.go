package connectivity

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func onlineSample() Sample {
	return Sample{RTT: 40 * time.Millisecond, ThroughputKbps: 5000}
}

func degradedSample() Sample {
	return Sample{RTT: 300 * time.Millisecond, ThroughputKbps: 500}
}

func offlineSample() Sample {
	return Sample{RTT: 2 * time.Second, ThroughputKbps: 10}
}

func timeoutSample() Sample {
	return Sample{TimedOut: true}
}

func TestFirstSampleEstablishesTier(t *testing.T) {
	m := NewMonitor(Options{DebounceSamples: 3})
	if got := m.Tier(); got != TierOffline {
		t.Fatalf("boot tier = %q, want %q", got, TierOffline)
	}

	m.Observe(onlineSample())
	if got := m.Tier(); got != TierOnline {
		t.Fatalf("tier after first sample = %q, want %q (no debounce at boot)", got, TierOnline)
	}
}

func TestDebounceRequiresConsecutiveSamples(t *testing.T) {
	m := NewMonitor(Options{DebounceSamples: 3})
	m.Observe(onlineSample())

	m.Observe(degradedSample())
	m.Observe(degradedSample())
	if got := m.Tier(); got != TierOnline {
		t.Fatalf("tier after 2 degraded samples = %q, want still %q", got, TierOnline)
	}

	m.Observe(degradedSample())
	if got := m.Tier(); got != TierDegraded {
		t.Fatalf("tier after 3 degraded samples = %q, want %q", got, TierDegraded)
	}
}

func TestDebounceResetsOnDisagreement(t *testing.T) {
	m := NewMonitor(Options{DebounceSamples: 3})
	m.Observe(onlineSample())

	m.Observe(degradedSample())
	m.Observe(degradedSample())
	m.Observe(onlineSample())
	m.Observe(degradedSample())
	m.Observe(degradedSample())
	if got := m.Tier(); got != TierOnline {
		t.Fatalf("tier = %q, want %q (confirmation streak was broken)", got, TierOnline)
	}

	m.Observe(degradedSample())
	if got := m.Tier(); got != TierDegraded {
		t.Fatalf("tier = %q, want %q after a full streak", got, TierDegraded)
	}
}

func TestConsecutiveTimeoutsForceOffline(t *testing.T) {
	m := NewMonitor(Options{DebounceSamples: 10, TimeoutStrikes: 3})
	m.Observe(onlineSample())

	m.Observe(timeoutSample())
	m.Observe(timeoutSample())
	if got := m.Tier(); got != TierOnline {
		t.Fatalf("tier after 2 timeouts = %q, want still %q", got, TierOnline)
	}

	m.Observe(timeoutSample())
	if got := m.Tier(); got != TierOffline {
		t.Fatalf("tier after 3 timeouts = %q, want %q despite wide debounce", got, TierOffline)
	}
}

func TestClassificationThresholds(t *testing.T) {
	m := NewMonitor(Options{OfflineBelowKbps: 64, DegradedBelowKbps: 2000})
	cases := []struct {
		kbps int
		want Tier
	}{
		{kbps: 10, want: TierOffline},
		{kbps: 63, want: TierOffline},
		{kbps: 64, want: TierDegraded},
		{kbps: 1999, want: TierDegraded},
		{kbps: 2000, want: TierOnline},
		{kbps: 50000, want: TierOnline},
	}
	for _, tc := range cases {
		got := m.classify(Sample{ThroughputKbps: tc.kbps})
		if got != tc.want {
			t.Fatalf("classify(%d kbps) = %q, want %q", tc.kbps, got, tc.want)
		}
	}
}

func TestSubscribeDeliversTransitions(t *testing.T) {
	m := NewMonitor(Options{DebounceSamples: 1})
	events, cancel := m.Subscribe()
	defer cancel()

	m.Observe(onlineSample())

	select {
	case transition := <-events:
		if transition.From != TierOffline || transition.To != TierOnline {
			t.Fatalf("transition = %+v, want offline -> online", transition)
		}
	case <-time.After(time.Second):
		t.Fatal("expected a transition event")
	}

	m.Observe(offlineSample())
	select {
	case transition := <-events:
		if transition.To != TierOffline {
			t.Fatalf("transition to = %q, want %q", transition.To, TierOffline)
		}
	case <-time.After(time.Second):
		t.Fatal("expected a second transition event")
	}

	// Samples agreeing with the current tier emit nothing.
	m.Observe(offlineSample())
	select {
	case transition := <-events:
		t.Fatalf("unexpected transition %+v", transition)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestHTTPProberMeasuresThroughput(t *testing.T) {
	payload := strings.Repeat("x", 64*1024)
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(payload))
	}))
	defer origin.Close()

	prober := NewHTTPProber(origin.URL, time.Second)
	sample := prober.Probe(context.Background())
	if sample.TimedOut {
		t.Fatal("expected probe to succeed")
	}
	if sample.ThroughputKbps <= 0 {
		t.Fatalf("throughput = %d, want > 0", sample.ThroughputKbps)
	}
	if sample.RTT <= 0 {
		t.Fatalf("rtt = %v, want > 0", sample.RTT)
	}
}

func TestHTTPProberTimeout(t *testing.T) {
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(300 * time.Millisecond)
	}))
	defer origin.Close()

	prober := NewHTTPProber(origin.URL, 30*time.Millisecond)
	sample := prober.Probe(context.Background())
	if !sample.TimedOut {
		t.Fatal("expected probe to time out")
	}
}

func TestHTTPProberOriginFailure(t *testing.T) {
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer origin.Close()

	prober := NewHTTPProber(origin.URL, time.Second)
	sample := prober.Probe(context.Background())
	if !sample.TimedOut {
		t.Fatal("expected origin failure to read as timed out")
	}
}
