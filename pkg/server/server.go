package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/coder/quartz"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"visitor-tracker/pkg/handlers"
	"visitor-tracker/pkg/models"
	"visitor-tracker/pkg/monitoring"
	"visitor-tracker/pkg/storage"
)

const shutdownTimeout = 10 * time.Second

// Server exposes a storage.Store as the document API that HTTPStore clients
// talk to.
type Server struct {
	store     storage.Store
	router    *mux.Router
	config    *models.Configuration
	collector *monitoring.MetricsCollector
	registry  *prometheus.Registry
	logger    *slog.Logger
	clock     quartz.Clock
	started   time.Time
}

// NewServer returns a server on port backed by a fresh in-memory store.
func NewServer(port string) *Server {
	config := models.DefaultConfiguration()
	config.Port = port
	return NewServerWithConfig(config, storage.NewMemoryStore(), slog.Default())
}

func NewServerWithConfig(config *models.Configuration, store storage.Store, logger *slog.Logger) *Server {
	if config == nil {
		config = models.DefaultConfiguration()
	}
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return &Server{
		store:     store,
		router:    mux.NewRouter(),
		config:    config,
		collector: monitoring.NewMetricsCollector(registry),
		registry:  registry,
		logger:    logger,
		clock:     quartz.NewReal(),
		started:   time.Now(),
	}
}

// WithClock replaces the clock driving the retention sweep.
func (s *Server) WithClock(clock quartz.Clock) *Server {
	s.clock = clock
	return s
}

func (s *Server) wrap(h http.HandlerFunc) http.HandlerFunc {
	h = handlers.CORSMiddleware(s.config.AllowedOrigin, h)
	if s.config.EnableMetrics {
		h = handlers.PerformanceMiddleware(s.collector, h)
	}
	return handlers.LoggingMiddleware(s.logger, h)
}

func (s *Server) SetupRoutes() {
	api := s.router.PathPrefix("/v1").Subrouter()
	api.HandleFunc("/documents/{collection}/{id}",
		s.wrap(handlers.GetDocumentHandler(s.store))).Methods(http.MethodGet)
	api.HandleFunc("/documents/{collection}/{id}",
		s.wrap(handlers.ContentTypeMiddleware(handlers.SetDocumentHandler(s.store, s.config.MaxBodyBytes)))).
		Methods(http.MethodPatch, http.MethodOptions)
	api.HandleFunc("/visitors/{id}/clicks",
		s.wrap(handlers.VisitorClicksHandler(s.store, s.config.Collection))).Methods(http.MethodGet)
	api.HandleFunc("/stats", s.wrap(handlers.StatsHandler(s.collector, s.store))).Methods(http.MethodGet)
	api.HandleFunc("/config", s.wrap(handlers.ConfigurationHandler(s.config))).Methods(http.MethodGet)

	s.router.HandleFunc("/health", s.wrap(handlers.HealthHandler(s.store, s.started))).Methods(http.MethodGet)
	if s.config.EnableMetrics {
		s.router.Handle("/metrics", handlers.MetricsHandler(s.registry)).Methods(http.MethodGet)
	}
}

func (s *Server) Router() http.Handler {
	return s.router
}

func (s *Server) GetStore() storage.Store {
	return s.store
}

func (s *Server) GetMetricsCollector() *monitoring.MetricsCollector {
	return s.collector
}

// Registry is the Prometheus registry served on /metrics.
func (s *Server) Registry() *prometheus.Registry {
	return s.registry
}

// Start serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	s.SetupRoutes()

	srv := &http.Server{
		Addr:              ":" + s.config.Port,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	sweepCtx, stopSweep := context.WithCancel(ctx)
	defer stopSweep()
	go s.RunRetention(sweepCtx)

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("document server listening",
			"addr", srv.Addr,
			"collection", s.config.Collection,
			"metrics", s.config.EnableMetrics)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("server: listen: %w", err)
	case <-ctx.Done():
	}

	s.logger.Info("document server shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server: shutdown: %w", err)
	}
	return nil
}

// RunRetention periodically drops documents older than the configured
// retention. It returns when ctx ends, or at once when the store cannot
// expire documents or retention is disabled.
func (s *Server) RunRetention(ctx context.Context) {
	expirer, ok := s.store.(storage.Expirer)
	if !ok || s.config.Retention <= 0 || s.config.CleanupInterval <= 0 {
		return
	}

	ticker := s.clock.NewTicker(s.config.CleanupInterval, "server", "retention")
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			cutoff := s.clock.Now().Add(-s.config.Retention)
			removed, err := expirer.DeleteBefore(ctx, cutoff)
			if err != nil {
				s.logger.Error("retention sweep failed", "error", err)
				continue
			}
			if removed > 0 {
				s.logger.Info("retention sweep", "removed", removed, "cutoff", cutoff)
			}
		}
	}
}
