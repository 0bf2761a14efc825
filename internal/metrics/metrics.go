package metrics

import (
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// LookupOutcome captures the result of a content store read.
type LookupOutcome string

const (
	// LookupHit indicates the read returned a cached entry.
	LookupHit LookupOutcome = "hit"
	// LookupMiss indicates no entry was present.
	LookupMiss LookupOutcome = "miss"
	// LookupCorrupt indicates the stored payload failed integrity checks and was dropped.
	LookupCorrupt LookupOutcome = "corrupt"
	// LookupError indicates the read failed due to a backend error.
	LookupError LookupOutcome = "error"
)

// WriteOutcome captures the result of a content store write.
type WriteOutcome string

const (
	// WriteStored indicates the entry was persisted.
	WriteStored WriteOutcome = "stored"
	// WriteStale indicates the write lost to a newer cached version.
	WriteStale WriteOutcome = "stale"
	// WriteError indicates the write failed due to a backend error.
	WriteError WriteOutcome = "error"
)

var tierLabels = []string{"online", "degraded", "offline"}

// Recorder publishes Prometheus metrics for engine activity.
type Recorder struct {
	gatherer prometheus.Gatherer
	handler  http.Handler

	storeLookups *prometheus.CounterVec
	storeWrites  *prometheus.CounterVec
	storeLatency *prometheus.HistogramVec

	tierState       *prometheus.GaugeVec
	tierTransitions *prometheus.CounterVec

	syncPasses  *prometheus.CounterVec
	syncPhases  *prometheus.HistogramVec
	pullChanges *prometheus.CounterVec

	queueOps   *prometheus.CounterVec
	queueDepth *prometheus.GaugeVec

	evictions        *prometheus.CounterVec
	budgetViolations *prometheus.CounterVec
}

// NewRecorder constructs a Prometheus-backed Recorder. When reg is nil a
// dedicated registry is created so multiple recorders can coexist without
// conflicting with the global default registerer.
func NewRecorder(reg *prometheus.Registry) *Recorder {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}

	reg.MustRegister(
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		collectors.NewGoCollector(),
	)

	storeLookups := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "syncache",
		Subsystem: "store",
		Name:      "lookups_total",
		Help:      "Content store reads partitioned by kind and outcome.",
	}, []string{"kind", "result"})

	storeWrites := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "syncache",
		Subsystem: "store",
		Name:      "writes_total",
		Help:      "Content store writes partitioned by kind and outcome.",
	}, []string{"kind", "result"})

	storeLatency := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "syncache",
		Subsystem: "store",
		Name:      "operation_duration_seconds",
		Help:      "Latency distribution for content store operations.",
		Buckets:   []float64{0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5},
	}, []string{"operation"})

	tierState := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "syncache",
		Subsystem: "connectivity",
		Name:      "tier_state",
		Help:      "Current connectivity tier; the active tier reads 1, the rest 0.",
	}, []string{"tier"})

	tierTransitions := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "syncache",
		Subsystem: "connectivity",
		Name:      "tier_transitions_total",
		Help:      "Debounced connectivity tier transitions.",
	}, []string{"from", "to"})

	syncPasses := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "syncache",
		Subsystem: "sync",
		Name:      "passes_total",
		Help:      "Sync passes partitioned by terminal outcome.",
	}, []string{"outcome"})

	syncPhases := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "syncache",
		Subsystem: "sync",
		Name:      "phase_duration_seconds",
		Help:      "Latency distribution for individual sync phases.",
		Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
	}, []string{"phase"})

	pullChanges := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "syncache",
		Subsystem: "sync",
		Name:      "pull_changes_total",
		Help:      "Change feed entries processed during pulls.",
	}, []string{"collection", "result"})

	queueOps := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "syncache",
		Subsystem: "queue",
		Name:      "operations_total",
		Help:      "Query queue operations partitioned by result.",
	}, []string{"operation", "result"})

	queueDepth := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "syncache",
		Subsystem: "queue",
		Name:      "depth",
		Help:      "Queued requests by status, refreshed on each observation.",
	}, []string{"status"})

	evictions := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "syncache",
		Subsystem: "evict",
		Name:      "entries_total",
		Help:      "Cache entries removed by the eviction planner.",
	}, []string{"kind", "reason"})

	budgetViolations := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "syncache",
		Subsystem: "evict",
		Name:      "budget_violations_total",
		Help:      "Sweeps that ended with a kind still over budget due to pins.",
	}, []string{"kind"})

	reg.MustRegister(
		storeLookups, storeWrites, storeLatency,
		tierState, tierTransitions,
		syncPasses, syncPhases, pullChanges,
		queueOps, queueDepth,
		evictions, budgetViolations,
	)

	handler := promhttp.HandlerFor(reg, promhttp.HandlerOpts{})

	return &Recorder{
		gatherer:         reg,
		handler:          handler,
		storeLookups:     storeLookups,
		storeWrites:      storeWrites,
		storeLatency:     storeLatency,
		tierState:        tierState,
		tierTransitions:  tierTransitions,
		syncPasses:       syncPasses,
		syncPhases:       syncPhases,
		pullChanges:      pullChanges,
		queueOps:         queueOps,
		queueDepth:       queueDepth,
		evictions:        evictions,
		budgetViolations: budgetViolations,
	}
}

// Handler exposes the Prometheus HTTP handler for the recorder's registry.
func (r *Recorder) Handler() http.Handler {
	if r == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			http.Error(w, "metrics unavailable", http.StatusServiceUnavailable)
		})
	}
	return r.handler
}

// Gatherer returns the underlying Prometheus gatherer for tests and advanced
// integrations.
func (r *Recorder) Gatherer() prometheus.Gatherer {
	if r == nil {
		return prometheus.NewRegistry()
	}
	return r.gatherer
}

// ObserveLookup records the outcome and latency of a content store read.
func (r *Recorder) ObserveLookup(kind string, result LookupOutcome, duration time.Duration) {
	if r == nil {
		return
	}
	resultLabel := string(result)
	if resultLabel == "" {
		resultLabel = string(LookupMiss)
	}
	r.storeLookups.WithLabelValues(normalizeLabel(kind), resultLabel).Inc()
	r.storeLatency.WithLabelValues("lookup").Observe(duration.Seconds())
}

// ObserveWrite records the outcome and latency of a content store write.
func (r *Recorder) ObserveWrite(kind string, result WriteOutcome, duration time.Duration) {
	if r == nil {
		return
	}
	resultLabel := string(result)
	if resultLabel == "" {
		resultLabel = string(WriteError)
	}
	r.storeWrites.WithLabelValues(normalizeLabel(kind), resultLabel).Inc()
	r.storeLatency.WithLabelValues("write").Observe(duration.Seconds())
}

// SetTier marks the active connectivity tier.
func (r *Recorder) SetTier(tier string) {
	if r == nil {
		return
	}
	active := normalizeLabel(strings.ToLower(tier))
	for _, label := range tierLabels {
		value := 0.0
		if label == active {
			value = 1.0
		}
		r.tierState.WithLabelValues(label).Set(value)
	}
}

// ObserveTransition records a debounced tier transition.
func (r *Recorder) ObserveTransition(from, to string) {
	if r == nil {
		return
	}
	r.tierTransitions.WithLabelValues(normalizeLabel(from), normalizeLabel(to)).Inc()
}

// ObserveSyncPass records the terminal outcome and duration of a sync pass.
func (r *Recorder) ObserveSyncPass(outcome string, duration time.Duration) {
	if r == nil {
		return
	}
	r.syncPasses.WithLabelValues(normalizeLabel(outcome)).Inc()
	r.syncPhases.WithLabelValues("total").Observe(duration.Seconds())
}

// ObserveSyncPhase records the duration of one phase inside a sync pass.
func (r *Recorder) ObserveSyncPhase(phase string, duration time.Duration) {
	if r == nil {
		return
	}
	r.syncPhases.WithLabelValues(normalizeLabel(phase)).Observe(duration.Seconds())
}

// ObservePullChange counts one change feed entry by how it was applied.
func (r *Recorder) ObservePullChange(collection, result string) {
	if r == nil {
		return
	}
	r.pullChanges.WithLabelValues(normalizeLabel(collection), normalizeLabel(result)).Inc()
}

// ObserveQueueOp counts one queue operation by result.
func (r *Recorder) ObserveQueueOp(operation, result string) {
	if r == nil {
		return
	}
	r.queueOps.WithLabelValues(normalizeLabel(operation), normalizeLabel(result)).Inc()
}

// SetQueueDepth publishes the number of queued requests in one status.
func (r *Recorder) SetQueueDepth(status string, depth int) {
	if r == nil {
		return
	}
	r.queueDepth.WithLabelValues(normalizeLabel(status)).Set(float64(depth))
}

// ObserveEvictions counts entries removed for one kind and reason.
func (r *Recorder) ObserveEvictions(kind, reason string, count int) {
	if r == nil || count <= 0 {
		return
	}
	r.evictions.WithLabelValues(normalizeLabel(kind), normalizeLabel(reason)).Add(float64(count))
}

// ObserveBudgetViolation counts a sweep that could not fit a kind under budget.
func (r *Recorder) ObserveBudgetViolation(kind string) {
	if r == nil {
		return
	}
	r.budgetViolations.WithLabelValues(normalizeLabel(kind)).Inc()
}

func normalizeLabel(value string) string {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return "unknown"
	}
	return trimmed
}
