// Package backend opens the storage.Repository selected by configuration.
package backend

import (
	"context"
	"fmt"

	"github.com/censys/scan-browser/pkg/config"
	"github.com/censys/scan-browser/pkg/storage"
	pgstore "github.com/censys/scan-browser/pkg/storage/postgres"
	"github.com/censys/scan-browser/pkg/storage/sqlite"
)

// Open connects to the configured database. Callers must Close the result.
func Open(ctx context.Context, cfg config.DatabaseConfig) (storage.Repository, error) {
	switch cfg.Driver {
	case config.DriverPostgres:
		pool, err := pgstore.NewDB(ctx, cfg.URL, pgstore.Options{MaxConns: cfg.MaxConns, MinConns: cfg.MinConns})
		if err != nil {
			return nil, err
		}
		return pgstore.NewRepository(pool), nil
	case config.DriverSQLite:
		return sqlite.Open(ctx, cfg.URL)
	default:
		return nil, fmt.Errorf("unsupported database driver %q", cfg.Driver)
	}
}
