package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"visitor-tracker/pkg/models"
	"visitor-tracker/pkg/monitoring"
	"visitor-tracker/pkg/storage"
)

const healthTimeout = 2 * time.Second

// HealthHandler reports 200 while the store answers pings and 503 otherwise.
func HealthHandler(store storage.Store, started time.Time) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), healthTimeout)
		defer cancel()

		health := models.HealthStatus{
			Status:    "healthy",
			Store:     "ok",
			Uptime:    time.Since(started).Round(time.Second).String(),
			Timestamp: time.Now().UTC(),
		}
		status := http.StatusOK
		if err := store.Ping(ctx); err != nil {
			health.Status = "unhealthy"
			health.Store = err.Error()
			status = http.StatusServiceUnavailable
		}
		writeJSON(w, status, health)
	}
}

type collectionStatser interface {
	Stats() []storage.CollectionStats
}

// SystemStats is the payload of StatsHandler.
type SystemStats struct {
	Requests    *monitoring.PerformanceMetrics `json:"requests"`
	Collections []storage.CollectionStats      `json:"collections,omitempty"`
}

// StatsHandler reports request metrics and, for stores that keep them,
// per-collection document counts.
func StatsHandler(collector *monitoring.MetricsCollector, store storage.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			writeError(w, http.StatusMethodNotAllowed, CodeMethodNotAllowed, "Method not allowed")
			return
		}
		stats := SystemStats{Requests: collector.GetMetrics()}
		if s, ok := store.(collectionStatser); ok {
			stats.Collections = s.Stats()
		}
		writeSuccess(w, http.StatusOK, stats)
	}
}

func ConfigurationHandler(config *models.Configuration) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			writeError(w, http.StatusMethodNotAllowed, CodeMethodNotAllowed, "Method not allowed")
			return
		}
		writeSuccess(w, http.StatusOK, config)
	}
}

// MetricsHandler exposes the Prometheus registry.
func MetricsHandler(gatherer prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}
