// Package results serves the read side over HTTP: stored results, their
// archived wire bytes, liveness and Prometheus metrics.
package results

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"astmlis/internal/blob"
	"astmlis/internal/core"
)

// Limits for GET /api/v1/results.
const (
	DefaultLimit = 10
	MaxLimit     = 500
)

// Source reads stored results and the raw archive. *core.Gateway implements it.
type Source interface {
	Recent(ctx context.Context, n int) ([]core.StoredResult, error)
	Result(ctx context.Context, id string) (core.StoredResult, error)
	RawInfo(ctx context.Context, id string) (core.StoredResult, blob.Info, error)
	OpenRaw(ctx context.Context, id string) (blob.Info, io.ReadCloser, error)
	ListArchive(ctx context.Context, prefix string) ([]blob.Info, error)
}

// Handler provides HTTP access to stored results.
type Handler struct {
	Source Source
	Logger core.Logger
}

// NewHandler constructs a results HTTP handler.
func NewHandler(src Source, logger core.Logger) *Handler {
	if logger == nil {
		logger = core.NoopLogger()
	}
	return &Handler{Source: src, Logger: logger}
}

func (h *Handler) handleRecent(w http.ResponseWriter, r *http.Request) {
	if h.Source == nil {
		writeError(w, http.StatusInternalServerError, "result source not configured")
		return
	}
	limit, ok := parseLimit(r.URL.Query().Get("limit"))
	if !ok {
		writeError(w, http.StatusBadRequest, "limit must be an integer between 1 and "+strconv.Itoa(MaxLimit))
		return
	}
	recs, err := h.Source.Recent(r.Context(), limit)
	if err != nil {
		h.log().Error("recent results query failed", "limit", limit, "error", err.Error())
		writeError(w, http.StatusInternalServerError, "query failed")
		return
	}
	if recs == nil {
		recs = []core.StoredResult{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"results": recs})
}

func (h *Handler) handleResult(w http.ResponseWriter, r *http.Request) {
	if h.Source == nil {
		writeError(w, http.StatusInternalServerError, "result source not configured")
		return
	}
	id := chi.URLParam(r, "id")
	rec, err := h.Source.Result(r.Context(), id)
	if err != nil {
		h.writeReadError(w, "result lookup failed", id, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (h *Handler) log() core.Logger {
	if h.Logger == nil {
		return core.NoopLogger()
	}
	return h.Logger
}

func handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

func parseLimit(raw string) (int, bool) {
	if raw == "" {
		return DefaultLimit, true
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 1 || n > MaxLimit {
		return 0, false
	}
	return n, true
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]any{"error": message})
}
