package monitoring

import (
	"log/slog"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"visitor-tracker/pkg/remotesync"
)

// SyncMetrics counts remote synchronisation outcomes and logs failures. It
// implements remotesync.Observer.
type SyncMetrics struct {
	logger *slog.Logger

	results   *prometheus.CounterVec
	fallbacks prometheus.Counter
	duration  *prometheus.HistogramVec

	mutex  sync.Mutex
	counts map[remotesync.Op]SyncCounts
}

// SyncCounts is the per-operation tally kept alongside the Prometheus series.
type SyncCounts struct {
	Succeeded int64 `json:"succeeded"`
	Failed    int64 `json:"failed"`
	FellBack  int64 `json:"fell_back"`
}

func NewSyncMetrics(reg prometheus.Registerer, logger *slog.Logger) *SyncMetrics {
	m := &SyncMetrics{
		logger: logger,
		results: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "visitor_tracker",
			Subsystem: "sync",
			Name:      "results_total",
			Help:      "Remote store synchronisation results by operation and outcome.",
		}, []string{"op", "outcome"}),
		fallbacks: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "visitor_tracker",
			Subsystem: "sync",
			Name:      "increment_fallbacks_total",
			Help:      "Atomic increments that fell back to reconciliation.",
		}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "visitor_tracker",
			Subsystem: "sync",
			Name:      "duration_seconds",
			Help:      "Synchronisation latency by operation.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"op"}),
		counts: make(map[remotesync.Op]SyncCounts),
	}
	if reg != nil {
		reg.MustRegister(m.results, m.fallbacks, m.duration)
	}
	return m
}

func (m *SyncMetrics) Observe(res remotesync.Result) {
	outcome := "ok"
	if res.Err != nil {
		outcome = "error"
	}
	m.results.WithLabelValues(string(res.Op), outcome).Inc()
	m.duration.WithLabelValues(string(res.Op)).Observe(res.Duration.Seconds())
	if res.Fallback != nil {
		m.fallbacks.Inc()
	}

	m.mutex.Lock()
	c := m.counts[res.Op]
	if res.Err != nil {
		c.Failed++
	} else {
		c.Succeeded++
	}
	if res.Fallback != nil {
		c.FellBack++
	}
	m.counts[res.Op] = c
	m.mutex.Unlock()

	if res.Err == nil {
		m.logger.Debug("sync: ok", "op", res.Op, "visitor", res.VisitorID, "domain", res.Domain)
		return
	}
	if res.Fallback != nil {
		m.logger.Warn("sync: atomic increment failed, reconciled instead",
			"visitor", res.VisitorID, "domain", res.Domain, "error", res.Err,
			"fallback_error", res.Fallback.Err)
		return
	}
	m.logger.Error("sync: failed", "op", res.Op, "visitor", res.VisitorID, "error", res.Err)
}

// Counts returns a copy of the per-operation counts.
func (m *SyncMetrics) Counts() map[remotesync.Op]SyncCounts {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	out := make(map[remotesync.Op]SyncCounts, len(m.counts))
	for op, c := range m.counts {
		out[op] = c
	}
	return out
}
