package ingest

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"runtime/debug"
	"time"

	"astmlis/internal/core"
	"astmlis/pkg/astm"
)

// ErrMessageTooLarge is returned when a connection sends more than the
// configured MaxMessageBytes before closing.
var ErrMessageTooLarge = errors.New("message exceeds size limit")

// ErrMessageTimeout is returned when a connection is still sending once
// MessageTimeout has elapsed since it was accepted.
var ErrMessageTimeout = errors.New("message exceeds time limit")

const readChunk = 32 << 10

// HandlerConfig bounds a single connection.
type HandlerConfig struct {
	// ReadTimeout is an idle deadline refreshed before every read. Zero disables it.
	ReadTimeout time.Duration
	// MaxMessageBytes caps one message. Zero disables the cap.
	MaxMessageBytes int64
	// MessageTimeout bounds the whole read, however steadily the peer sends.
	// Zero disables it.
	MessageTimeout time.Duration
}

// Handler processes one connection: one message, delimited by the peer
// closing its write side.
type Handler struct {
	decoder *astm.Decoder
	saver   Saver
	cfg     HandlerConfig
	settings
}

// NewHandler wires a decoder and a saver.
func NewHandler(decoder *astm.Decoder, saver Saver, cfg HandlerConfig, opts ...Option) *Handler {
	return &Handler{decoder: decoder, saver: saver, cfg: cfg, settings: newSettings(opts)}
}

// Handle reads the message, decodes it and persists it. It always closes conn
// and never panics or returns an error: every fault is logged here.
func (h *Handler) Handle(ctx context.Context, conn net.Conn) {
	peer := remote(conn)
	ctx, span := h.tracer.Start(ctx, core.OpIngestHandle)
	started := time.Now()
	var err error
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
			h.logger.Error("connection handler panic", "peer", peer, "panic", fmt.Sprint(r), "stack", string(debug.Stack()))
		}
		_ = conn.Close()
		h.metrics.Observe(ctx, core.OpIngestHandle, err == nil, time.Since(started))
		span.End(err)
	}()

	raw, err := h.readMessage(conn)
	if err != nil {
		switch {
		case errors.Is(err, ErrMessageTooLarge):
			h.logger.Warn("message rejected", "peer", peer, "bytes_read", len(raw), "max_message_bytes", h.cfg.MaxMessageBytes, "error", err.Error())
		case errors.Is(err, ErrMessageTimeout):
			h.logger.Warn("message rejected", "peer", peer, "bytes_read", len(raw), "message_timeout", h.cfg.MessageTimeout.String(), "error", err.Error())
		default:
			h.logger.Error("connection read failed", "peer", peer, "bytes_read", len(raw), "error", err.Error())
		}
		return
	}
	if len(raw) == 0 {
		h.logger.Debug("empty connection closed", "peer", peer)
		return
	}

	msg := h.decoder.Decode(raw)
	if msg.Result.IsZero() {
		h.logger.Warn("message carried no result fields", "peer", peer, "records", msg.Records, "raw_bytes", len(raw))
	}
	rec, err := h.saver.SaveMessage(ctx, msg)
	if err != nil {
		args := []any{"peer", peer, "raw_bytes", len(raw), "error", err.Error()}
		var storeErr *core.StoreError
		if errors.As(err, &storeErr) {
			args = append(args, "id", storeErr.ID, "archive_key", storeErr.ArchiveKey, "stage", storeErr.Op)
		}
		h.logger.Error("persist failed", args...)
		h.logger.Debug("unpersisted message", "peer", peer, "raw", msg.Raw)
		return
	}
	h.logger.Info("message stored",
		"peer", peer,
		"id", rec.ID,
		"records", msg.Records,
		"raw_bytes", len(raw),
		"sample_id", deref(rec.SampleID),
		"test_code", deref(rec.TestCode),
	)
}

// readMessage reads until EOF. The returned bytes are what was read so far
// even when err is non-nil.
func (h *Handler) readMessage(conn net.Conn) ([]byte, error) {
	var buf bytes.Buffer
	chunk := make([]byte, readChunk)
	var limit time.Time
	if h.cfg.MessageTimeout > 0 {
		limit = time.Now().Add(h.cfg.MessageTimeout)
	}
	for {
		if deadline := h.readDeadline(limit); !deadline.IsZero() {
			if err := conn.SetReadDeadline(deadline); err != nil {
				return buf.Bytes(), fmt.Errorf("set read deadline: %w", err)
			}
		}
		n, err := conn.Read(chunk)
		if n > 0 {
			if max := h.cfg.MaxMessageBytes; max > 0 && int64(buf.Len()+n) > max {
				buf.Write(chunk[:n])
				return buf.Bytes(), fmt.Errorf("%w: read %d bytes, limit %d", ErrMessageTooLarge, buf.Len(), max)
			}
			buf.Write(chunk[:n])
		}
		if errors.Is(err, io.EOF) {
			return buf.Bytes(), nil
		}
		if err != nil {
			if !limit.IsZero() && !time.Now().Before(limit) && isTimeout(err) {
				return buf.Bytes(), fmt.Errorf("%w: %s after accept", ErrMessageTimeout, h.cfg.MessageTimeout)
			}
			return buf.Bytes(), fmt.Errorf("read: %w", err)
		}
	}
}

// readDeadline is the earlier of the idle deadline and the message limit.
func (h *Handler) readDeadline(limit time.Time) time.Time {
	var idle time.Time
	if h.cfg.ReadTimeout > 0 {
		idle = time.Now().Add(h.cfg.ReadTimeout)
	}
	if idle.IsZero() || (!limit.IsZero() && limit.Before(idle)) {
		return limit
	}
	return idle
}

func isTimeout(err error) bool {
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

func remote(conn net.Conn) string {
	if addr := conn.RemoteAddr(); addr != nil {
		return addr.String()
	}
	return "unknown"
}

func deref(p *string) string {
	if p == nil {
		return ""
	}
	return *p
}
