package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/coder/quartz"

	"visitor-tracker/pkg/config"
	"visitor-tracker/pkg/server"
	"visitor-tracker/pkg/storage"
)

func main() {
	configPath := flag.String("config", "", "path to a YAML configuration file")
	port := flag.String("port", "", "listen port (overrides the configuration)")
	backend := flag.String("store", "", "store backend: memory or sqlite (overrides the configuration)")
	flag.Parse()

	if err := run(*configPath, *port, *backend); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(configPath, port, backend string) error {
	cfg := config.Default()
	if configPath != "" {
		loaded, err := config.LoadFile(configPath)
		if err != nil {
			return err
		}
		cfg = loaded
	}
	if port != "" {
		cfg.Server.Port = port
	}
	if backend != "" {
		cfg.Store.Backend = backend
	}
	if cfg.Store.Backend == "http" {
		return fmt.Errorf("the document server cannot use the http backend")
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	logger := cfg.Log.NewLogger(os.Stderr)

	store, err := storage.Open(cfg.Store, storage.MemoryConfig{
		Retention:    cfg.Server.Retention,
		MaxDocuments: cfg.Server.MaxDocuments,
	}, quartz.NewReal())
	if err != nil {
		return err
	}
	defer store.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	srv := server.NewServerWithConfig(cfg.Configuration(), store, logger)
	logger.Info("starting document server",
		"port", cfg.Server.Port,
		"backend", cfg.Store.Backend,
		"collection", cfg.Store.Collection)
	return srv.Start(ctx)
}
