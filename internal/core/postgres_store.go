package core

import (
	"context"

	"astmlis/internal/infra/persistence/postgres"
)

// NewPostgresStore constructs a Postgres-backed result store from the provided DSN.
func NewPostgresStore(ctx context.Context, dsn string) (*postgres.Store, error) {
	return postgres.NewStore(ctx, dsn)
}
