package core

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"astmlis/internal/blob"
)

// Failure stages reported in StoreError.Op.
const (
	StoreOpArchive = "archive"
	StoreOpInsert  = "insert"
	StoreOpRecent  = "recent"
	StoreOpGet     = "get"
	StoreOpRaw     = "raw"
	StoreOpList    = "list"
)

var (
	// ErrArchiveDisabled reports a raw archive read on a gateway without one.
	ErrArchiveDisabled = errors.New("raw archive disabled")
	// ErrNotArchived reports a record whose archive write failed or was skipped.
	ErrNotArchived = errors.New("record has no archived raw copy")
)

// archiveContentType tags raw archive blobs.
const archiveContentType = "application/x-astm"

// StoreError describes a persistence failure. ID and ArchiveKey are set when
// the failure happened after they were assigned, so an operator can locate the
// raw copy of a message whose row was not written.
type StoreError struct {
	Op         string
	ID         string
	ArchiveKey string
	Err        error
}

func (e *StoreError) Error() string {
	var b strings.Builder
	b.WriteString("persistence ")
	b.WriteString(e.Op)
	if e.ID != "" {
		b.WriteString(" record ")
		b.WriteString(e.ID)
	}
	if e.ArchiveKey != "" {
		b.WriteString(" (raw archived at ")
		b.WriteString(e.ArchiveKey)
		b.WriteString(")")
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *StoreError) Unwrap() error { return e.Err }

// Gateway is the single write path for decoded messages. It assigns the
// record id and receive time, copies the raw bytes to the archive when one is
// configured and inserts the row. Safe for concurrent use.
type Gateway struct {
	store   ResultStore
	archive blob.Store
	clock   Clock
	logger  Logger
	metrics MetricsRecorder
	tracer  Tracer
	newID   func() string
}

// GatewayOption customises a Gateway.
type GatewayOption func(*Gateway)

// WithArchive enables the raw archive. A nil store leaves archiving disabled.
func WithArchive(store blob.Store) GatewayOption {
	return func(g *Gateway) { g.archive = store }
}

// WithClock overrides the receive-time source.
func WithClock(clock Clock) GatewayOption {
	return func(g *Gateway) {
		if clock != nil {
			g.clock = clock
		}
	}
}

// WithLogger sets the gateway logger.
func WithLogger(logger Logger) GatewayOption {
	return func(g *Gateway) {
		if logger != nil {
			g.logger = logger
		}
	}
}

// WithMetricsRecorder sets the metrics sink.
func WithMetricsRecorder(rec MetricsRecorder) GatewayOption {
	return func(g *Gateway) {
		if rec != nil {
			g.metrics = rec
		}
	}
}

// WithTracer sets the span source.
func WithTracer(tracer Tracer) GatewayOption {
	return func(g *Gateway) {
		if tracer != nil {
			g.tracer = tracer
		}
	}
}

// WithIDGenerator overrides record id generation (UUIDv4 by default).
func WithIDGenerator(fn func() string) GatewayOption {
	return func(g *Gateway) {
		if fn != nil {
			g.newID = fn
		}
	}
}

// NewGateway wraps store with the default clock, UUIDv4 ids and no-op observability.
func NewGateway(store ResultStore, opts ...GatewayOption) *Gateway {
	g := &Gateway{
		store:   store,
		clock:   systemClock(),
		logger:  NoopLogger(),
		metrics: NoopMetricsRecorder(),
		tracer:  NoopTracer(),
		newID:   func() string { return uuid.NewString() },
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// ArchiveKey returns the archive location of record id received at t.
func ArchiveKey(id string, receivedAt time.Time) string {
	return receivedAt.UTC().Format("raw/2006/01/02/") + id + ".astm"
}

// SaveMessage persists one decoded message as a new record. The archive
// receives msg.Wire unchanged; the row carries the decoded text. Failures come
// back as *StoreError; a panicking store is converted into an error.
func (g *Gateway) SaveMessage(ctx context.Context, msg Message) (rec StoredResult, err error) {
	ctx, span := g.tracer.Start(ctx, OpGatewaySave)
	started := time.Now()
	rec = StoredResult{
		ID:         g.newID(),
		ReceivedAt: g.clock.Now().UTC(),
		Result:     msg.Result.Clone(),
		RawMessage: msg.Raw,
	}
	defer func() {
		if r := recover(); r != nil {
			err = &StoreError{Op: StoreOpInsert, ID: rec.ID, ArchiveKey: rec.ArchiveKey, Err: fmt.Errorf("panic: %v", r)}
		}
		g.metrics.Observe(ctx, OpGatewaySave, err == nil, time.Since(started))
		span.End(err)
	}()

	if g.archive != nil {
		wire := msg.Wire
		if wire == nil {
			wire = []byte(msg.Raw)
		}
		rec.ArchiveKey = g.archiveRaw(ctx, rec, wire, msg.Charset)
	}
	if err := g.store.Insert(ctx, rec); err != nil {
		return rec, &StoreError{Op: StoreOpInsert, ID: rec.ID, ArchiveKey: rec.ArchiveKey, Err: err}
	}
	g.logger.Debug("result stored", "id", rec.ID, "archive_key", rec.ArchiveKey, "raw_bytes", len(msg.Wire))
	return rec, nil
}

// archiveRaw writes the wire bytes and returns their key, or "" when the write
// failed. The row carries raw_message regardless, so an archive failure is
// logged and does not fail the save.
func (g *Gateway) archiveRaw(ctx context.Context, rec StoredResult, wire []byte, charset string) string {
	ctx, span := g.tracer.Start(ctx, OpGatewayArchive)
	started := time.Now()
	key := ArchiveKey(rec.ID, rec.ReceivedAt)
	meta := map[string]string{
		"record-id":   rec.ID,
		"received-at": rec.ReceivedAt.Format(time.RFC3339Nano),
		"raw-bytes":   strconv.Itoa(len(wire)),
	}
	if charset != "" {
		meta["charset"] = charset
	}
	_, err := g.archive.Put(ctx, key, bytes.NewReader(wire), blob.PutOptions{
		ContentType: archiveContentType,
		Metadata:    meta,
	})
	g.metrics.Observe(ctx, OpGatewayArchive, err == nil, time.Since(started))
	span.End(err)
	if err != nil {
		g.logger.Warn("raw archive write failed", "id", rec.ID, "archive_key", key, "driver", string(g.archive.Driver()), "error", err.Error())
		return ""
	}
	return key
}

// Recent returns the newest n records, newest first.
func (g *Gateway) Recent(ctx context.Context, n int) ([]StoredResult, error) {
	if n <= 0 {
		return nil, nil
	}
	out, err := g.store.Recent(ctx, n)
	if err != nil {
		return nil, &StoreError{Op: StoreOpRecent, Err: err}
	}
	return out, nil
}

// Result returns the record with id. A missing id wraps ErrNotFound.
func (g *Gateway) Result(ctx context.Context, id string) (StoredResult, error) {
	rec, err := g.store.Get(ctx, id)
	if err != nil {
		return StoredResult{}, &StoreError{Op: StoreOpGet, ID: id, Err: err}
	}
	return rec, nil
}

// RawInfo returns the record with id and the metadata of its archived wire bytes.
func (g *Gateway) RawInfo(ctx context.Context, id string) (StoredResult, blob.Info, error) {
	rec, err := g.archivedResult(ctx, id)
	if err != nil {
		return rec, blob.Info{}, err
	}
	info, err := g.archive.Head(ctx, rec.ArchiveKey)
	if err != nil {
		return rec, blob.Info{}, &StoreError{Op: StoreOpRaw, ID: id, ArchiveKey: rec.ArchiveKey, Err: err}
	}
	return rec, info, nil
}

// OpenRaw streams the archived wire bytes of record id. Callers close the reader.
func (g *Gateway) OpenRaw(ctx context.Context, id string) (blob.Info, io.ReadCloser, error) {
	rec, err := g.archivedResult(ctx, id)
	if err != nil {
		return blob.Info{}, nil, err
	}
	info, rc, err := g.archive.Get(ctx, rec.ArchiveKey)
	if err != nil {
		return blob.Info{}, nil, &StoreError{Op: StoreOpRaw, ID: id, ArchiveKey: rec.ArchiveKey, Err: err}
	}
	return info, rc, nil
}

func (g *Gateway) archivedResult(ctx context.Context, id string) (StoredResult, error) {
	if g.archive == nil {
		return StoredResult{}, &StoreError{Op: StoreOpRaw, ID: id, Err: ErrArchiveDisabled}
	}
	rec, err := g.Result(ctx, id)
	if err != nil {
		return rec, err
	}
	if rec.ArchiveKey == "" {
		return rec, &StoreError{Op: StoreOpRaw, ID: id, Err: ErrNotArchived}
	}
	return rec, nil
}

// ListArchive returns archived blobs under prefix, ordered by key.
func (g *Gateway) ListArchive(ctx context.Context, prefix string) ([]blob.Info, error) {
	if g.archive == nil {
		return nil, &StoreError{Op: StoreOpList, Err: ErrArchiveDisabled}
	}
	out, err := g.archive.List(ctx, prefix)
	if err != nil {
		return nil, &StoreError{Op: StoreOpList, Err: err}
	}
	return out, nil
}

// Close releases the result store.
func (g *Gateway) Close() error {
	if g.store == nil {
		return nil
	}
	if err := g.store.Close(); err != nil {
		return fmt.Errorf("close result store: %w", err)
	}
	return nil
}
