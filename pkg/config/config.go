// Package config loads visitor-tracker configuration from YAML files.
package config

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"visitor-tracker/pkg/models"
)

// Config is the top-level configuration shared by the server and pagetrack.
type Config struct {
	Server  ServerConfig  `yaml:"server"`
	Store   StoreConfig   `yaml:"store"`
	Tracker TrackerConfig `yaml:"tracker"`
	Browser BrowserConfig `yaml:"browser"`
	Log     LogConfig     `yaml:"log"`
}

// ServerConfig controls the document server.
type ServerConfig struct {
	Port            string        `yaml:"port"`
	AllowedOrigin   string        `yaml:"allowed_origin"`
	MaxBodyBytes    int64         `yaml:"max_body_bytes"`
	Retention       time.Duration `yaml:"retention"`
	CleanupInterval time.Duration `yaml:"cleanup_interval"`
	MaxDocuments    int           `yaml:"max_documents"`
	DisableMetrics  bool          `yaml:"disable_metrics"`
}

// StoreConfig selects and connects the remote document store.
type StoreConfig struct {
	Backend    string        `yaml:"backend"` // memory | sqlite | http
	Path       string        `yaml:"path"`    // sqlite
	URL        string        `yaml:"url"`     // http
	Timeout    time.Duration `yaml:"timeout"`
	Collection string        `yaml:"collection"`
}

// TrackerConfig controls the visitor tracker timings.
type TrackerConfig struct {
	IdentifierKey     string        `yaml:"identifier_key"`
	ReadyPollInterval time.Duration `yaml:"ready_poll_interval"`
	ReadyMaxAttempts  int           `yaml:"ready_max_attempts"`
	InitialSaveDelay  time.Duration `yaml:"initial_save_delay"`
	ReconcileInterval time.Duration `yaml:"reconcile_interval"`
	LocalStorePath    string        `yaml:"local_store_path"`
}

// BrowserConfig controls the rod-driven page tracker.
type BrowserConfig struct {
	Remote   string `yaml:"remote"` // DevTools websocket URL; empty launches a local browser
	URL      string `yaml:"url"`
	Headless bool   `yaml:"headless"`
}

// LogConfig controls slog output.
type LogConfig struct {
	Level string `yaml:"level"` // debug | info | warn | error
}

// Default returns a Config with every default applied.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

// LoadFile reads a YAML configuration file.
func LoadFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	return Parse(data)
}

// Parse decodes YAML bytes and applies defaults.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: parse: %w", err)
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate reports configuration values that cannot be used.
func (c *Config) Validate() error {
	switch c.Store.Backend {
	case "memory":
	case "sqlite":
		if c.Store.Path == "" {
			return fmt.Errorf("config: store.path is required for the sqlite backend")
		}
	case "http":
		if c.Store.URL == "" {
			return fmt.Errorf("config: store.url is required for the http backend")
		}
	default:
		return fmt.Errorf("config: unknown store backend %q", c.Store.Backend)
	}
	return nil
}

func (c *Config) applyDefaults() {
	if c.Server.Port == "" {
		c.Server.Port = "8080"
	}
	if c.Server.AllowedOrigin == "" {
		c.Server.AllowedOrigin = "*"
	}
	if c.Server.MaxBodyBytes <= 0 {
		c.Server.MaxBodyBytes = 1 << 20
	}
	if c.Server.Retention <= 0 {
		c.Server.Retention = 90 * 24 * time.Hour
	}
	if c.Server.CleanupInterval <= 0 {
		c.Server.CleanupInterval = 5 * time.Minute
	}
	if c.Server.MaxDocuments <= 0 {
		c.Server.MaxDocuments = 100000
	}
	if c.Store.Backend == "" {
		c.Store.Backend = "memory"
	}
	if c.Store.Timeout <= 0 {
		c.Store.Timeout = 10 * time.Second
	}
	if c.Store.Collection == "" {
		c.Store.Collection = "userTracking"
	}
	if c.Tracker.IdentifierKey == "" {
		c.Tracker.IdentifierKey = "userTrackingId"
	}
	if c.Tracker.ReadyPollInterval <= 0 {
		c.Tracker.ReadyPollInterval = 100 * time.Millisecond
	}
	if c.Tracker.ReadyMaxAttempts <= 0 {
		c.Tracker.ReadyMaxAttempts = 30
	}
	if c.Tracker.InitialSaveDelay <= 0 {
		c.Tracker.InitialSaveDelay = time.Second
	}
	if c.Tracker.ReconcileInterval <= 0 {
		c.Tracker.ReconcileInterval = 5 * time.Minute
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
}

// Configuration converts the server section into the runtime
// configuration served by the document server.
func (c *Config) Configuration() *models.Configuration {
	return &models.Configuration{
		Port:            c.Server.Port,
		Collection:      c.Store.Collection,
		Retention:       c.Server.Retention,
		CleanupInterval: c.Server.CleanupInterval,
		MaxDocuments:    c.Server.MaxDocuments,
		MaxBodyBytes:    c.Server.MaxBodyBytes,
		EnableMetrics:   !c.Server.DisableMetrics,
		AllowedOrigin:   c.Server.AllowedOrigin,
	}
}

// NewLogger builds the JSON slog logger used by the commands.
func (l LogConfig) NewLogger(w io.Writer) *slog.Logger {
	var level slog.Level
	switch l.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{Level: level}))
}
