package core

import (
	"context"
	"fmt"

	"astmlis/internal/infra/persistence/memory"
)

// StorageDriver identifies a concrete result store implementation.
type StorageDriver string

const (
	StorageMemory   StorageDriver = "memory"   // in-memory only (tests / ephemeral)
	StorageSQLite   StorageDriver = "sqlite"   // embedded sqlite file
	StoragePostgres StorageDriver = "postgres" // PostgreSQL server
)

// StorageConfig selects and parameterises the result store.
type StorageConfig struct {
	Driver      StorageDriver
	SQLitePath  string
	PostgresDSN string
}

// OpenResultStore opens the configured backend, applying the schema for SQL
// drivers. An empty driver defaults to sqlite.
func OpenResultStore(ctx context.Context, cfg StorageConfig) (ResultStore, error) {
	switch cfg.Driver {
	case StorageMemory:
		return memory.NewStore(), nil
	case "", StorageSQLite:
		store, err := NewSQLiteStore(cfg.SQLitePath)
		if err != nil {
			return nil, err
		}
		return store, nil
	case StoragePostgres:
		store, err := NewPostgresStore(ctx, cfg.PostgresDSN)
		if err != nil {
			return nil, err
		}
		return store, nil
	default:
		return nil, fmt.Errorf("unknown storage driver %s", cfg.Driver)
	}
}

// Migrate applies the results schema for cfg and closes the connection.
// The memory driver has no schema.
func Migrate(ctx context.Context, cfg StorageConfig) error {
	store, err := OpenResultStore(ctx, cfg)
	if err != nil {
		return fmt.Errorf("migrate %s: %w", cfg.Driver, err)
	}
	return store.Close()
}
