// Package postgres provides a Postgres-backed result store that applies the
// astm_results DDL on startup.
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"

	"astmlis/internal/infra/persistence/sqlbundle"
	"astmlis/pkg/domain"

	_ "github.com/jackc/pgx/v5/stdlib" // register pgx as a database/sql driver
)

// Compile-time contract assertion ensuring the store satisfies the domain interface.
var _ domain.ResultStore = (*Store)(nil)

const (
	defaultDriver = "pgx"
	// DefaultDSN is used when no DSN is configured.
	DefaultDSN = "postgres://localhost/astm_lis?sslmode=disable"
)

var (
	sqlOpen = sql.Open
	openMu  sync.Mutex
)

// Store persists one astm_results row per Insert.
type Store struct {
	db *sql.DB
}

// NewStore opens a Postgres-backed store using the provided DSN (falls back to DefaultDSN),
// pings it and applies the results DDL.
func NewStore(ctx context.Context, dsn string) (*Store, error) {
	if dsn == "" {
		dsn = DefaultDSN
	}
	openMu.Lock()
	db, err := sqlOpen(defaultDriver, dsn)
	openMu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	if err := sqlbundle.Apply(ctx, db, sqlbundle.Postgres()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Store{db: db}, nil
}

// Insert writes rec as a new row.
func (s *Store) Insert(ctx context.Context, rec domain.StoredResult) error {
	d := sqlbundle.PostgresDialect
	if _, err := s.db.ExecContext(ctx, d.InsertSQL(), d.InsertArgs(rec)...); err != nil {
		return fmt.Errorf("insert result %s: %w", rec.ID, err)
	}
	return nil
}

// Recent returns at most limit rows newest first.
func (s *Store) Recent(ctx context.Context, limit int) ([]domain.StoredResult, error) {
	if limit <= 0 {
		return nil, nil
	}
	rows, err := s.db.QueryContext(ctx, sqlbundle.PostgresDialect.RecentSQL(), limit)
	if err != nil {
		return nil, fmt.Errorf("select results: %w", err)
	}
	defer func() { _ = rows.Close() }()
	var out []domain.StoredResult
	for rows.Next() {
		rec, err := sqlbundle.ScanResult(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate results: %w", err)
	}
	return out, nil
}

// Get returns the row with id.
func (s *Store) Get(ctx context.Context, id string) (domain.StoredResult, error) {
	rec, err := sqlbundle.ScanResult(s.db.QueryRowContext(ctx, sqlbundle.PostgresDialect.GetSQL(), id))
	if errors.Is(err, sql.ErrNoRows) {
		return domain.StoredResult{}, fmt.Errorf("record %s: %w", id, domain.ErrNotFound)
	}
	if err != nil {
		return domain.StoredResult{}, fmt.Errorf("select result %s: %w", id, err)
	}
	return rec, nil
}

// DB exposes the underlying sql.DB for integration testing hooks.
func (s *Store) DB() *sql.DB { return s.db }

// Close releases the pool.
func (s *Store) Close() error { return s.db.Close() }

// OverrideSQLOpen swaps the sqlOpen function for tests and returns a restore function.
func OverrideSQLOpen(fn func(driverName, dataSourceName string) (*sql.DB, error)) func() {
	openMu.Lock()
	defer openMu.Unlock()
	prev := sqlOpen
	sqlOpen = fn
	return func() {
		openMu.Lock()
		defer openMu.Unlock()
		sqlOpen = prev
	}
}
