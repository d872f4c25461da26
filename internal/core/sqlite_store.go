package core

import "astmlis/internal/infra/persistence/sqlite"

// NewSQLiteStore constructs a SQLite-backed result store at path (empty for the default file).
func NewSQLiteStore(path string) (*sqlite.Store, error) {
	return sqlite.NewStore(path)
}
