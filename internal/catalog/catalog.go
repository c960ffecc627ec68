// Package catalog selects the store that caches remote discovery listings.
package catalog

import (
	"context"
	"fmt"
	"os"

	"modos/internal/infra/persistence/memory"
	"modos/internal/infra/persistence/postgres"
	"modos/internal/infra/persistence/sqlite"
	"modos/pkg/domain"
)

// Driver identifies a concrete catalog backend.
type Driver string

const (
	DriverMemory   Driver = "memory"   // process lifetime only
	DriverSQLite   Driver = "sqlite"   // embedded sqlite file
	DriverPostgres Driver = "postgres" // shared PostgreSQL server
)

type (
	// Store caches listings per endpoint.
	Store = domain.CatalogStore
	// Entry is one discovered object.
	Entry = domain.CatalogEntry
	// Listing is the cached result of one endpoint.
	Listing = domain.CatalogListing
)

// Config selects and parameterises a backend.
type Config struct {
	Driver      Driver
	SQLitePath  string
	PostgresDSN string
}

// ConfigFromEnv reads the catalog variables.
//
//	MODOS_CATALOG_DRIVER: memory|sqlite|postgres (default memory)
//	MODOS_CATALOG_SQLITE_PATH: sqlite file (default ./modos-catalog.db)
//	MODOS_CATALOG_POSTGRES_DSN: DSN when driver=postgres
func ConfigFromEnv() Config {
	return Config{
		Driver:      Driver(os.Getenv("MODOS_CATALOG_DRIVER")),
		SQLitePath:  os.Getenv("MODOS_CATALOG_SQLITE_PATH"),
		PostgresDSN: os.Getenv("MODOS_CATALOG_POSTGRES_DSN"),
	}
}

// Open constructs the backend named by cfg.Driver.
func Open(ctx context.Context, cfg Config) (Store, error) {
	driver := cfg.Driver
	if driver == "" {
		driver = DriverMemory
	}
	switch driver {
	case DriverMemory:
		return memory.NewStore(), nil
	case DriverSQLite:
		return sqlite.NewStore(cfg.SQLitePath)
	case DriverPostgres:
		return postgres.NewStore(ctx, cfg.PostgresDSN)
	default:
		return nil, fmt.Errorf("unknown catalog driver %s", driver)
	}
}

// OpenFromEnv is Open(ctx, ConfigFromEnv()).
func OpenFromEnv(ctx context.Context) (Store, error) {
	return Open(ctx, ConfigFromEnv())
}
