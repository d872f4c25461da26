package core

import (
	"bytes"
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"astmlis/internal/blob"
	"astmlis/pkg/astm"
)

type stubClock struct{ t time.Time }

func (s stubClock) Now() time.Time { return s.t }

type captureLogger struct {
	mu    sync.Mutex
	calls []string
}

func (c *captureLogger) record(s string) {
	c.mu.Lock()
	c.calls = append(c.calls, s)
	c.mu.Unlock()
}

func (c *captureLogger) Debug(msg string, _ ...any) { c.record("d:" + msg) }
func (c *captureLogger) Info(msg string, _ ...any)  { c.record("i:" + msg) }
func (c *captureLogger) Warn(msg string, _ ...any)  { c.record("w:" + msg) }
func (c *captureLogger) Error(msg string, _ ...any) { c.record("e:" + msg) }

// fakeStore records inserts and fails or panics on demand.
type fakeStore struct {
	mu        sync.Mutex
	rows      []StoredResult
	insertErr error
	recentErr error
	panicMsg  string
	closed    bool
}

func (f *fakeStore) Insert(_ context.Context, rec StoredResult) error {
	if f.panicMsg != "" {
		panic(f.panicMsg)
	}
	if f.insertErr != nil {
		return f.insertErr
	}
	f.mu.Lock()
	f.rows = append(f.rows, rec)
	f.mu.Unlock()
	return nil
}

func (f *fakeStore) Recent(_ context.Context, limit int) ([]StoredResult, error) {
	if f.recentErr != nil {
		return nil, f.recentErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if limit > len(f.rows) {
		limit = len(f.rows)
	}
	return append([]StoredResult(nil), f.rows[:limit]...), nil
}

func (f *fakeStore) Get(_ context.Context, id string) (StoredResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, rec := range f.rows {
		if rec.ID == id {
			return rec, nil
		}
	}
	return StoredResult{}, ErrNotFound
}

func (f *fakeStore) Close() error {
	f.closed = true
	return nil
}

// failingArchive rejects every write.
type failingArchive struct{ blob.Store }

func (failingArchive) Put(context.Context, string, io.Reader, blob.PutOptions) (blob.Info, error) {
	return blob.Info{}, errors.New("bucket unavailable")
}

func (failingArchive) Driver() blob.Driver { return blob.DriverS3 }

func str(v string) *string { return &v }

// saveText saves a message whose wire bytes are the decoded text.
func saveText(ctx context.Context, gw *Gateway, raw string, parsed astm.Result) (StoredResult, error) {
	return gw.SaveMessage(ctx, Message{Wire: []byte(raw), Raw: raw, Result: parsed})
}

var fixedNow = time.Date(2025, 11, 2, 14, 5, 0, 0, time.UTC)

func TestGatewaySaveAssignsEnvelope(t *testing.T) {
	ctx := context.Background()
	store := &fakeStore{}
	metrics := &captureMetricsRecorder{}
	tracer := &captureTracer{}
	gw := NewGateway(store,
		WithClock(stubClock{t: fixedNow}),
		WithIDGenerator(func() string { return "fixed-id" }),
		WithMetricsRecorder(metrics),
		WithTracer(tracer),
	)
	parsed := astm.Result{PatientID: str("123456"), TestCode: str("GLU")}
	rec, err := saveText(ctx, gw, "P|1|123456\rR|1|^^^GLU\r", parsed)
	if err != nil {
		t.Fatalf("save: %v", err)
	}
	if rec.ID != "fixed-id" || !rec.ReceivedAt.Equal(fixedNow) || rec.ArchiveKey != "" {
		t.Fatalf("unexpected envelope %+v", rec)
	}
	if len(store.rows) != 1 || store.rows[0].RawMessage != "P|1|123456\rR|1|^^^GLU\r" {
		t.Fatalf("expected raw message stored verbatim")
	}
	*parsed.PatientID = "mutated"
	if *store.rows[0].PatientID != "123456" {
		t.Fatalf("gateway must not share caller pointers")
	}
	if !metrics.has(OpGatewaySave, true) || !tracer.has(OpGatewaySave, true) {
		t.Fatalf("expected save observed")
	}
	if metrics.has(OpGatewayArchive, true) {
		t.Fatalf("archive disabled, nothing to observe")
	}
}

func TestGatewayDefaultIDsAreUnique(t *testing.T) {
	gw := NewGateway(&fakeStore{})
	seen := map[string]bool{}
	for i := 0; i < 100; i++ {
		rec, err := saveText(context.Background(), gw, "x", astm.Result{})
		if err != nil {
			t.Fatalf("save: %v", err)
		}
		if len(rec.ID) != 36 || seen[rec.ID] {
			t.Fatalf("bad or repeated id %q", rec.ID)
		}
		seen[rec.ID] = true
	}
}

func TestGatewayArchivesBeforeInsert(t *testing.T) {
	ctx := context.Background()
	archive := blob.NewMemory()
	store := &fakeStore{insertErr: errors.New("connection refused")}
	metrics := &captureMetricsRecorder{}
	gw := NewGateway(store,
		WithArchive(archive),
		WithClock(stubClock{t: fixedNow}),
		WithIDGenerator(func() string { return "abc" }),
		WithMetricsRecorder(metrics),
	)
	raw := "H|\\^&\rP|1|123456\r"
	_, err := saveText(ctx, gw, raw, astm.Result{})
	var storeErr *StoreError
	if !errors.As(err, &storeErr) {
		t.Fatalf("expected *StoreError, got %T %v", err, err)
	}
	wantKey := "raw/2025/11/02/abc.astm"
	if storeErr.Op != StoreOpInsert || storeErr.ID != "abc" || storeErr.ArchiveKey != wantKey {
		t.Fatalf("unexpected store error %+v", storeErr)
	}
	if !strings.Contains(err.Error(), "connection refused") || !strings.Contains(err.Error(), wantKey) {
		t.Fatalf("error should name cause and archive key: %v", err)
	}
	info, rc, err := archive.Get(ctx, wantKey)
	if err != nil {
		t.Fatalf("raw copy missing after failed insert: %v", err)
	}
	data, _ := io.ReadAll(rc)
	_ = rc.Close()
	if string(data) != raw || info.Metadata["record-id"] != "abc" || info.ContentType != archiveContentType {
		t.Fatalf("unexpected archived blob %q %+v", data, info)
	}
	if !metrics.has(OpGatewayArchive, true) || !metrics.has(OpGatewaySave, false) {
		t.Fatalf("expected archive success and save failure observed")
	}
}

func TestGatewayArchiveFailureStillInserts(t *testing.T) {
	store := &fakeStore{}
	logger := &captureLogger{}
	metrics := &captureMetricsRecorder{}
	gw := NewGateway(store, WithArchive(failingArchive{}), WithLogger(logger), WithMetricsRecorder(metrics))
	rec, err := saveText(context.Background(), gw, "P|1\r", astm.Result{})
	if err != nil {
		t.Fatalf("save should succeed without archive: %v", err)
	}
	if rec.ArchiveKey != "" || len(store.rows) != 1 || store.rows[0].ArchiveKey != "" {
		t.Fatalf("archive key must be empty when the write failed")
	}
	if !metrics.has(OpGatewayArchive, false) {
		t.Fatalf("expected archive failure observed")
	}
	var warned bool
	for _, c := range logger.calls {
		warned = warned || c == "w:raw archive write failed"
	}
	if !warned {
		t.Fatalf("expected warning, got %v", logger.calls)
	}
}

func TestGatewayRecoversStorePanic(t *testing.T) {
	tracer := &captureTracer{}
	gw := NewGateway(&fakeStore{panicMsg: "nil map"}, WithTracer(tracer))
	_, err := saveText(context.Background(), gw, "x", astm.Result{})
	var storeErr *StoreError
	if !errors.As(err, &storeErr) || !strings.Contains(storeErr.Err.Error(), "nil map") {
		t.Fatalf("expected recovered panic as StoreError, got %v", err)
	}
	if !tracer.has(OpGatewaySave, false) {
		t.Fatalf("expected failed span")
	}
}

func TestGatewayConcurrentSaves(t *testing.T) {
	store := &fakeStore{}
	gw := NewGateway(store, WithArchive(blob.NewMemory()))
	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := saveText(context.Background(), gw, "x", astm.Result{}); err != nil {
				t.Errorf("save: %v", err)
			}
		}()
	}
	wg.Wait()
	if len(store.rows) != 32 {
		t.Fatalf("expected 32 rows, got %d", len(store.rows))
	}
	list, err := gw.ListArchive(context.Background(), "raw/")
	if err != nil || len(list) != 32 {
		t.Fatalf("expected 32 archived blobs: %v %d", err, len(list))
	}
}

func TestGatewaySaveMessageArchivesWireBytes(t *testing.T) {
	cases := []struct {
		name    string
		charset string
		wire    []byte
		decoded string
	}{
		{name: "invalid utf-8", wire: []byte("P|1|12\xff3456\rR|1|^^^GLU|5.6\r"), decoded: "P|1|123456"},
		{name: "windows-1252", charset: "windows-1252", wire: []byte("P|1|1||M\xfcller^J\xf6rg\r"), decoded: "Müller^Jörg"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			ctx := context.Background()
			var opts []astm.DecoderOption
			if tc.charset != "" {
				opts = append(opts, astm.WithCharset(tc.charset))
			}
			dec, err := astm.NewDecoder(opts...)
			if err != nil {
				t.Fatalf("decoder: %v", err)
			}
			msg := dec.Decode(tc.wire)
			store := &fakeStore{}
			archive := blob.NewMemory()
			gw := NewGateway(store, WithArchive(archive), WithIDGenerator(func() string { return "w" }))
			rec, err := gw.SaveMessage(ctx, msg)
			if err != nil {
				t.Fatalf("save: %v", err)
			}
			if !strings.Contains(store.rows[0].RawMessage, tc.decoded) {
				t.Fatalf("row should carry decoded text, got %q", store.rows[0].RawMessage)
			}
			info, rc, err := archive.Get(ctx, rec.ArchiveKey)
			if err != nil {
				t.Fatalf("archive get: %v", err)
			}
			data, _ := io.ReadAll(rc)
			_ = rc.Close()
			if !bytes.Equal(data, tc.wire) {
				t.Fatalf("archive holds %q, want wire bytes %q", data, tc.wire)
			}
			if info.Size != int64(len(tc.wire)) || info.Metadata["charset"] != dec.Charset() {
				t.Fatalf("unexpected archive info %+v", info)
			}
		})
	}
}

func TestGatewayRawAccess(t *testing.T) {
	ctx := context.Background()
	store := &fakeStore{}
	gw := NewGateway(store, WithArchive(blob.NewMemory()), WithClock(stubClock{t: fixedNow}))
	wire := "P|1|123456\r"
	rec, err := saveText(ctx, gw, wire, astm.Result{PatientID: str("123456")})
	if err != nil {
		t.Fatalf("save: %v", err)
	}
	got, err := gw.Result(ctx, rec.ID)
	if err != nil || got.ArchiveKey != rec.ArchiveKey {
		t.Fatalf("result: %+v %v", got, err)
	}
	_, info, err := gw.RawInfo(ctx, rec.ID)
	if err != nil || info.Key != rec.ArchiveKey || info.Size != int64(len(wire)) {
		t.Fatalf("raw info: %+v %v", info, err)
	}
	_, rc, err := gw.OpenRaw(ctx, rec.ID)
	if err != nil {
		t.Fatalf("open raw: %v", err)
	}
	data, _ := io.ReadAll(rc)
	_ = rc.Close()
	if string(data) != wire {
		t.Fatalf("unexpected raw %q", data)
	}
	list, err := gw.ListArchive(ctx, "raw/2025/11/02/")
	if err != nil || len(list) != 1 || list[0].Key != rec.ArchiveKey {
		t.Fatalf("list: %+v %v", list, err)
	}

	if _, err := gw.Result(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if _, _, err := gw.OpenRaw(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound for raw, got %v", err)
	}
	store.rows = append(store.rows, StoredResult{ID: "bare"})
	if _, _, err := gw.RawInfo(ctx, "bare"); !errors.Is(err, ErrNotArchived) {
		t.Fatalf("expected ErrNotArchived, got %v", err)
	}
	store.rows = append(store.rows, StoredResult{ID: "lost", ArchiveKey: "raw/2025/11/02/lost.astm"})
	if _, _, err := gw.OpenRaw(ctx, "lost"); !errors.Is(err, blob.ErrNotFound) {
		t.Fatalf("expected blob ErrNotFound, got %v", err)
	}

	plain := NewGateway(store)
	if _, _, err := plain.OpenRaw(ctx, rec.ID); !errors.Is(err, ErrArchiveDisabled) {
		t.Fatalf("expected ErrArchiveDisabled, got %v", err)
	}
	if _, err := plain.ListArchive(ctx, ""); !errors.Is(err, ErrArchiveDisabled) {
		t.Fatalf("expected ErrArchiveDisabled for list, got %v", err)
	}
}

func TestGatewayRecentAndClose(t *testing.T) {
	store := &fakeStore{}
	gw := NewGateway(store)
	for i := 0; i < 3; i++ {
		if _, err := saveText(context.Background(), gw, "x", astm.Result{}); err != nil {
			t.Fatalf("save: %v", err)
		}
	}
	got, err := gw.Recent(context.Background(), 2)
	if err != nil || len(got) != 2 {
		t.Fatalf("recent: %v %d", err, len(got))
	}
	if none, err := gw.Recent(context.Background(), 0); err != nil || none != nil {
		t.Fatalf("expected nil for non-positive limit")
	}
	store.recentErr = errors.New("gone")
	var storeErr *StoreError
	if _, err := gw.Recent(context.Background(), 1); !errors.As(err, &storeErr) || storeErr.Op != StoreOpRecent {
		t.Fatalf("expected recent StoreError, got %v", err)
	}
	if err := gw.Close(); err != nil || !store.closed {
		t.Fatalf("expected store closed")
	}
}

func TestArchiveKeyUsesUTCDate(t *testing.T) {
	loc := time.FixedZone("UTC+10", 10*3600)
	at := time.Date(2025, 1, 1, 5, 0, 0, 0, loc) // 2024-12-31 19:00 UTC
	if got := ArchiveKey("id", at); got != "raw/2024/12/31/id.astm" {
		t.Fatalf("unexpected key %s", got)
	}
}

func TestStoreErrorMessage(t *testing.T) {
	err := &StoreError{Op: StoreOpRecent, Err: errors.New("boom")}
	if err.Error() != "persistence recent: boom" {
		t.Fatalf("unexpected message %q", err.Error())
	}
	if !errors.Is(err, err.Err) {
		t.Fatalf("expected unwrap to cause")
	}
}
