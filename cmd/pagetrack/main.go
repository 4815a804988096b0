// Command pagetrack opens a page in Chrome and tracks the visitor's clicks on
// external links into the configured document store.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/coder/quartz"
	"github.com/go-rod/rod/lib/proto"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"visitor-tracker/pkg/browser"
	"visitor-tracker/pkg/config"
	"visitor-tracker/pkg/localstore"
	"visitor-tracker/pkg/monitoring"
	"visitor-tracker/pkg/storage"
	"visitor-tracker/pkg/tracker"
)

func main() {
	configPath := flag.String("config", "", "path to a YAML configuration file")
	pageURL := flag.String("url", "", "page to open (overrides browser.url)")
	metricsAddr := flag.String("metrics-addr", "", "serve sync metrics on this address, e.g. :9102")
	flag.Parse()

	if err := run(*configPath, *pageURL, *metricsAddr); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(configPath, pageURL, metricsAddr string) error {
	cfg := config.Default()
	if configPath != "" {
		loaded, err := config.LoadFile(configPath)
		if err != nil {
			return err
		}
		cfg = loaded
	}
	if pageURL != "" {
		cfg.Browser.URL = pageURL
	}
	if cfg.Browser.URL == "" {
		return errors.New("pagetrack: a page url is required (-url or browser.url)")
	}

	logger := cfg.Log.NewLogger(os.Stderr)
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, err := storage.Open(cfg.Store, storage.MemoryConfig{}, quartz.NewReal())
	if err != nil {
		return err
	}
	defer store.Close()

	registry := prometheus.NewRegistry()
	syncMetrics := monitoring.NewSyncMetrics(registry, logger)
	if metricsAddr != "" {
		go serveMetrics(ctx, metricsAddr, registry, logger)
	}

	b, err := browser.Connect(cfg.Browser, logger)
	if err != nil {
		return err
	}
	defer b.Close()

	page, err := b.Page(proto.TargetCreateTarget{URL: cfg.Browser.URL})
	if err != nil {
		return fmt.Errorf("pagetrack: open %s: %w", cfg.Browser.URL, err)
	}
	if err := page.Context(ctx).WaitLoad(); err != nil {
		logger.Warn("pagetrack: wait load", "url", cfg.Browser.URL, "error", err)
	}
	p := browser.NewPage(page)

	href, err := p.URL(ctx)
	if err != nil {
		return err
	}
	userAgent, err := p.UserAgent(ctx)
	if err != nil {
		logger.Warn("pagetrack: could not read user agent", "error", err)
	}

	var local localstore.KeyValueStore = p
	if cfg.Tracker.LocalStorePath != "" {
		kv, err := localstore.OpenSQLite(cfg.Tracker.LocalStorePath)
		if err != nil {
			return err
		}
		defer kv.Close()
		local = kv
	}

	tr, err := tracker.New(tracker.Options{
		Store:             store,
		Local:             local,
		Cookies:           p,
		PageURL:           href,
		UserAgent:         userAgent,
		Collection:        cfg.Store.Collection,
		IdentifierKey:     cfg.Tracker.IdentifierKey,
		ReadyPollInterval: cfg.Tracker.ReadyPollInterval,
		ReadyMaxAttempts:  cfg.Tracker.ReadyMaxAttempts,
		InitialSaveDelay:  cfg.Tracker.InitialSaveDelay,
		ReconcileInterval: cfg.Tracker.ReconcileInterval,
		Logger:            logger,
		Observer:          syncMetrics,
	})
	if err != nil {
		return err
	}
	defer tr.Close()

	session, err := browser.Attach(ctx, page, tr, logger)
	if err != nil {
		return err
	}
	defer session.Close()

	if err := tr.Start(ctx); err != nil {
		return err
	}
	logger.Info("pagetrack: tracking", "url", href, "visitor", tr.VisitorID())

	<-ctx.Done()

	unloadCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if res := tr.Unload(unloadCtx); res.Err != nil {
		logger.Warn("pagetrack: final reconcile failed", "error", res.Err)
	}
	return nil
}

func serveMetrics(ctx context.Context, addr string, registry *prometheus.Registry, logger *slog.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		<-ctx.Done()
		srv.Close()
	}()
	logger.Info("pagetrack: serving metrics", "addr", addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("pagetrack: metrics server", "error", err)
	}
}
