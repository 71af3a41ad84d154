package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// LedgerMetrics records the health of ledger engine operations.
type LedgerMetrics struct {
	duration   *prometheus.HistogramVec
	retries    *prometheus.CounterVec
	contention *prometheus.CounterVec
	cacheHit   *prometheus.CounterVec
	cacheMiss  *prometheus.CounterVec
}

// NewLedgerMetrics registers the ledger metrics on the provided registerer.
func NewLedgerMetrics(reg prometheus.Registerer) *LedgerMetrics {
	if reg == nil {
		return &LedgerMetrics{}
	}
	duration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "ledger_operation_duration_seconds",
		Help:    "Duration of ledger operations in seconds.",
		Buckets: prometheus.DefBuckets,
	}, []string{"operation"})
	retries := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "ledger_operation_retries",
		Help: "Optimistic-lock retries per ledger operation.",
	}, []string{"operation"})
	contention := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "ledger_operation_contention",
		Help: "Ledger operations that exhausted the retry budget.",
	}, []string{"operation"})
	cacheHit := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "ledger_cache_hits",
		Help: "Query facade cache hits.",
	}, []string{"view"})
	cacheMiss := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "ledger_cache_misses",
		Help: "Query facade cache misses.",
	}, []string{"view"})
	reg.MustRegister(duration, retries, contention, cacheHit, cacheMiss)
	return &LedgerMetrics{
		duration:   duration,
		retries:    retries,
		contention: contention,
		cacheHit:   cacheHit,
		cacheMiss:  cacheMiss,
	}
}

// ObserveDuration records the duration of the named operation.
func (m *LedgerMetrics) ObserveDuration(operation string, duration time.Duration) {
	if m == nil || m.duration == nil {
		return
	}
	m.duration.WithLabelValues(normalizeLabel(operation)).Observe(duration.Seconds())
}

// IncRetry counts one optimistic-lock retry for the named operation.
func (m *LedgerMetrics) IncRetry(operation string) {
	if m == nil || m.retries == nil {
		return
	}
	m.retries.WithLabelValues(normalizeLabel(operation)).Inc()
}

// IncContention counts one retry-budget exhaustion for the named operation.
func (m *LedgerMetrics) IncContention(operation string) {
	if m == nil || m.contention == nil {
		return
	}
	m.contention.WithLabelValues(normalizeLabel(operation)).Inc()
}

// IncCacheHit counts one cache hit for the named read view.
func (m *LedgerMetrics) IncCacheHit(view string) {
	if m == nil || m.cacheHit == nil {
		return
	}
	m.cacheHit.WithLabelValues(normalizeLabel(view)).Inc()
}

// IncCacheMiss counts one cache miss for the named read view.
func (m *LedgerMetrics) IncCacheMiss(view string) {
	if m == nil || m.cacheMiss == nil {
		return
	}
	m.cacheMiss.WithLabelValues(normalizeLabel(view)).Inc()
}

func normalizeLabel(value string) string {
	if value == "" {
		return "unknown"
	}
	return value
}
