// Package memory provides an in-memory result store used for tests and
// ephemeral environments.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"astmlis/pkg/domain"
)

// Compile-time contract assertion ensuring memory.Store adheres to the domain persistence interface.
var _ domain.ResultStore = (*Store)(nil)

// Store keeps stored results in process memory. Records are cloned on the way
// in and out so callers never share pointers with the store.
type Store struct {
	mu      sync.RWMutex
	records []domain.StoredResult
	ids     map[string]struct{}
	closed  bool
}

// NewStore constructs an empty in-memory store.
func NewStore() *Store {
	return &Store{ids: make(map[string]struct{})}
}

// Insert appends rec. Duplicate ids are rejected.
func (s *Store) Insert(ctx context.Context, rec domain.StoredResult) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return fmt.Errorf("memory store closed")
	}
	if rec.ID == "" {
		return fmt.Errorf("record id required")
	}
	if _, dup := s.ids[rec.ID]; dup {
		return fmt.Errorf("record %s already exists", rec.ID)
	}
	s.ids[rec.ID] = struct{}{}
	s.records = append(s.records, clone(rec))
	return nil
}

// Recent returns at most limit records ordered newest first.
func (s *Store) Recent(ctx context.Context, limit int) ([]domain.StoredResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if limit <= 0 {
		return nil, nil
	}
	s.mu.RLock()
	out := make([]domain.StoredResult, 0, len(s.records))
	for _, rec := range s.records {
		out = append(out, clone(rec))
	}
	s.mu.RUnlock()
	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].ReceivedAt.Equal(out[j].ReceivedAt) {
			return out[i].ReceivedAt.After(out[j].ReceivedAt)
		}
		return out[i].ID > out[j].ID
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Get returns the record with id.
func (s *Store) Get(ctx context.Context, id string) (domain.StoredResult, error) {
	if err := ctx.Err(); err != nil {
		return domain.StoredResult{}, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, rec := range s.records {
		if rec.ID == id {
			return clone(rec), nil
		}
	}
	return domain.StoredResult{}, fmt.Errorf("record %s: %w", id, domain.ErrNotFound)
}

// Len reports how many records are stored.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records)
}

// Close marks the store closed; later inserts fail.
func (s *Store) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}

func clone(rec domain.StoredResult) domain.StoredResult {
	rec.Result = rec.Result.Clone()
	return rec
}
