// Package backend opens the storage backend selected in configuration.
package backend

import (
	"context"
	"fmt"

	"github.com/wikiedu/wikitrack/internal/storage"
	"github.com/wikiedu/wikitrack/internal/storage/postgres"
	"github.com/wikiedu/wikitrack/internal/storage/sqlite"
)

// Open creates the storage backend named by cfg.Backend
func Open(ctx context.Context, cfg *storage.Config) (storage.Storage, error) {
	if cfg == nil {
		cfg = storage.DefaultConfig()
	}

	switch cfg.Backend {
	case "", storage.BackendSQLite:
		path := cfg.Path
		if path == "" {
			path = storage.DefaultConfig().Path
		}
		store, err := sqlite.New(ctx, path)
		if err != nil {
			return nil, err
		}
		return store, nil
	case storage.BackendPostgres:
		if cfg.DSN == "" {
			return nil, fmt.Errorf("postgres backend requires a dsn")
		}
		pgCfg := postgres.DefaultConfig()
		pgCfg.DSN = cfg.DSN
		store, err := postgres.New(ctx, pgCfg)
		if err != nil {
			return nil, err
		}
		return store, nil
	default:
		return nil, fmt.Errorf("unknown storage backend %q", cfg.Backend)
	}
}

// Migrate brings the configured database's schema up to date and reports
// the resulting version. Opening a backend already migrates it.
func Migrate(ctx context.Context, cfg *storage.Config) (int, error) {
	if cfg == nil {
		cfg = storage.DefaultConfig()
	}
	store, err := Open(ctx, cfg)
	if err != nil {
		return 0, err
	}
	defer store.Close()

	type versioned interface {
		SchemaVersion(ctx context.Context) (int, error)
	}
	v, ok := store.(versioned)
	if !ok {
		return 0, fmt.Errorf("backend %q does not report a schema version", cfg.Backend)
	}
	return v.SchemaVersion(ctx)
}
