// Package connectivity classifies the link to the origin into coarse tiers
// from periodic probe samples. The monitor only observes and reports; it
// never retries or caches anything itself.
package connectivity

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Tier is the debounced connectivity classification.
type Tier string

const (
	TierOnline   Tier = "online"
	TierDegraded Tier = "degraded"
	TierOffline  Tier = "offline"
)

// Sample is one probe measurement. TimedOut marks a probe that produced no
// usable throughput number: a timeout, a transport error, or an origin
// failure.
type Sample struct {
	RTT            time.Duration
	ThroughputKbps int
	TimedOut       bool
	At             time.Time
}

// NewSample derives a sample from a completed network call. Throughput is
// estimated from the bytes moved over the elapsed wall time.
func NewSample(elapsed time.Duration, bytes int, timedOut bool) Sample {
	sample := Sample{RTT: elapsed, TimedOut: timedOut, At: time.Now().UTC()}
	if timedOut || elapsed <= 0 || bytes <= 0 {
		return sample
	}
	sample.ThroughputKbps = int(float64(bytes*8) / elapsed.Seconds() / 1000)
	return sample
}

// Transition reports a debounced tier change.
type Transition struct {
	From Tier
	To   Tier
	At   time.Time
}

// Options tunes classification thresholds and debounce behavior.
// Thresholds are throughput in kilobits per second.
type Options struct {
	OfflineBelowKbps  int
	DegradedBelowKbps int
	// DebounceSamples is how many consecutive samples must agree before
	// the tier changes. The very first sample establishes the tier
	// immediately so boot does not sit in a stale state.
	DebounceSamples int
	// TimeoutStrikes consecutive timed-out probes force Offline without
	// waiting out the debounce window.
	TimeoutStrikes int
	Logger         *slog.Logger
}

func (o Options) normalized() Options {
	if o.OfflineBelowKbps <= 0 {
		o.OfflineBelowKbps = 64
	}
	if o.DegradedBelowKbps <= o.OfflineBelowKbps {
		o.DegradedBelowKbps = 2000
	}
	if o.DebounceSamples < 1 {
		o.DebounceSamples = 3
	}
	if o.TimeoutStrikes < 1 {
		o.TimeoutStrikes = 3
	}
	return o
}

// Monitor holds the current tier and notifies subscribers on changes.
// Until the first sample arrives the tier reads Offline, the safe posture
// for an offline-first cache.
type Monitor struct {
	opts Options

	mu          sync.Mutex
	tier        Tier
	established bool
	candidate   Tier
	confirm     int
	timeouts    int
	subscribers []chan Transition
}

// NewMonitor builds a monitor starting at TierOffline.
func NewMonitor(opts Options) *Monitor {
	return &Monitor{opts: opts.normalized(), tier: TierOffline, candidate: TierOffline}
}

// Tier returns the current debounced tier.
func (m *Monitor) Tier() Tier {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.tier
}

// Subscribe registers a listener for tier transitions. Slow listeners miss
// transitions rather than blocking the sampling loop; use Tier for the
// current truth. The returned cancel removes the subscription.
func (m *Monitor) Subscribe() (<-chan Transition, func()) {
	ch := make(chan Transition, 8)
	m.mu.Lock()
	m.subscribers = append(m.subscribers, ch)
	m.mu.Unlock()

	cancel := func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		for i, sub := range m.subscribers {
			if sub == ch {
				m.subscribers = append(m.subscribers[:i], m.subscribers[i+1:]...)
				close(ch)
				return
			}
		}
	}
	return ch, cancel
}

func (m *Monitor) classify(sample Sample) Tier {
	if sample.TimedOut {
		return TierOffline
	}
	if sample.ThroughputKbps < m.opts.OfflineBelowKbps {
		return TierOffline
	}
	if sample.ThroughputKbps < m.opts.DegradedBelowKbps {
		return TierDegraded
	}
	return TierOnline
}

// Observe feeds one sample into the state machine. Samples come from the
// probe loop and from instrumented origin calls alike.
func (m *Monitor) Observe(sample Sample) {
	if sample.At.IsZero() {
		sample.At = time.Now().UTC()
	}

	m.mu.Lock()
	if sample.TimedOut {
		m.timeouts++
	} else {
		m.timeouts = 0
	}

	observed := m.classify(sample)
	var transition *Transition

	switch {
	case !m.established:
		m.established = true
		if observed != m.tier {
			transition = &Transition{From: m.tier, To: observed, At: sample.At}
			m.tier = observed
		}
		m.candidate = m.tier
		m.confirm = 0
	case m.timeouts >= m.opts.TimeoutStrikes && m.tier != TierOffline:
		transition = &Transition{From: m.tier, To: TierOffline, At: sample.At}
		m.tier = TierOffline
		m.candidate = TierOffline
		m.confirm = 0
	case observed == m.tier:
		m.candidate = m.tier
		m.confirm = 0
	default:
		if observed == m.candidate {
			m.confirm++
		} else {
			m.candidate = observed
			m.confirm = 1
		}
		if m.confirm >= m.opts.DebounceSamples {
			transition = &Transition{From: m.tier, To: observed, At: sample.At}
			m.tier = observed
			m.confirm = 0
		}
	}

	// Sends stay under the lock so a concurrent cancel cannot close a
	// channel mid-send. They are non-blocking, so the lock is held briefly.
	if transition != nil {
		for _, sub := range m.subscribers {
			select {
			case sub <- *transition:
			default:
			}
		}
	}
	m.mu.Unlock()

	if transition != nil && m.opts.Logger != nil {
		m.opts.Logger.Info("connectivity tier changed",
			slog.String("from", string(transition.From)),
			slog.String("to", string(transition.To)),
		)
	}
}

// Run probes on the given interval until the context ends. The first probe
// fires immediately so the tier is established at boot.
func (m *Monitor) Run(ctx context.Context, prober Prober, interval time.Duration) {
	if prober == nil || interval <= 0 {
		return
	}
	m.Observe(prober.Probe(ctx))

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Observe(prober.Probe(ctx))
		}
	}
}
