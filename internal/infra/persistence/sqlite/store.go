// Package sqlite provides the default SQLite-backed result store.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"astmlis/internal/infra/persistence/sqlbundle"
	"astmlis/pkg/domain"

	_ "modernc.org/sqlite" // pure go sqlite driver
)

var _ domain.ResultStore = (*Store)(nil)

const defaultPath = "astmlis.db"

// Store writes one astm_results row per Insert. The pool is limited to a
// single connection; SQLite serialises writers anyway and this avoids
// SQLITE_BUSY under concurrent ingestion.
type Store struct {
	db   *sql.DB
	path string
}

// NewStore opens (creating if needed) the database at path and applies the schema.
func NewStore(path string) (*Store, error) {
	if path == "" {
		path = defaultPath
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil && !errors.Is(err, os.ErrExist) {
		return nil, fmt.Errorf("create dirs: %w", err)
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	ctx := context.Background()
	if _, err := db.ExecContext(ctx, `PRAGMA busy_timeout = 5000`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("configure sqlite: %w", err)
	}
	if err := sqlbundle.Apply(ctx, db, sqlbundle.SQLite()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Store{db: db, path: path}, nil
}

// Insert writes rec as a new row.
func (s *Store) Insert(ctx context.Context, rec domain.StoredResult) error {
	if _, err := s.db.ExecContext(ctx, sqlbundle.SQLiteDialect.InsertSQL(), sqlbundle.SQLiteDialect.InsertArgs(rec)...); err != nil {
		return fmt.Errorf("insert result %s: %w", rec.ID, err)
	}
	return nil
}

// Recent returns at most limit rows newest first.
func (s *Store) Recent(ctx context.Context, limit int) ([]domain.StoredResult, error) {
	if limit <= 0 {
		return nil, nil
	}
	rows, err := s.db.QueryContext(ctx, sqlbundle.SQLiteDialect.RecentSQL(), limit)
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

// Path returns the database file path.
func (s *Store) Path() string { return s.path }

// Get returns the row with id.
func (s *Store) Get(ctx context.Context, id string) (domain.StoredResult, error) {
	rec, err := sqlbundle.ScanResult(s.db.QueryRowContext(ctx, sqlbundle.SQLiteDialect.GetSQL(), id))
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

// Close releases the database handle.
func (s *Store) Close() error { return s.db.Close() }
