package domain

import (
	"context"
	"errors"
	"time"

	"astmlis/pkg/astm"
)

// ErrNotFound reports a record id the store does not hold.
var ErrNotFound = errors.New("result not found")

// StoredResult is the persisted unit: one row per processed message.
type StoredResult struct {
	ID         string    `json:"id"`
	ReceivedAt time.Time `json:"received_at"`
	astm.Result
	RawMessage string `json:"raw_message"`
	// ArchiveKey locates the copy of RawMessage in the raw archive; empty when archiving is off.
	ArchiveKey string `json:"archive_key,omitempty"`
}

// ResultStore is a minimal abstraction over durable backends. Implementations
// must be safe for concurrent use and create exactly one record per Insert.
type ResultStore interface {
	Insert(ctx context.Context, rec StoredResult) error
	// Recent returns at most limit records, newest first.
	Recent(ctx context.Context, limit int) ([]StoredResult, error)
	// Get returns the record with id, or an error wrapping ErrNotFound.
	Get(ctx context.Context, id string) (StoredResult, error)
	Close() error
}
