package storage

import (
	"fmt"

	"github.com/coder/quartz"

	"visitor-tracker/pkg/config"
)

// Open connects the document store selected by cfg.Backend. mem applies to
// the memory backend only.
func Open(cfg config.StoreConfig, mem MemoryConfig, clock quartz.Clock) (Store, error) {
	if clock == nil {
		clock = quartz.NewReal()
	}
	switch cfg.Backend {
	case "", "memory":
		return NewMemoryStoreWithConfig(mem, clock), nil
	case "sqlite":
		return OpenSQLite(cfg.Path, clock)
	case "http":
		if cfg.URL == "" {
			return nil, fmt.Errorf("storage: http backend requires a url")
		}
		return NewHTTPStore(cfg.URL, cfg.Timeout), nil
	default:
		return nil, fmt.Errorf("storage: unknown backend %q", cfg.Backend)
	}
}
