package results

import (
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"astmlis/internal/blob"
	"astmlis/internal/core"
)

const fallbackContentType = "application/octet-stream"

// handleRaw streams the archived wire bytes of one record.
func (h *Handler) handleRaw(w http.ResponseWriter, r *http.Request) {
	if h.Source == nil {
		writeError(w, http.StatusInternalServerError, "result source not configured")
		return
	}
	id := chi.URLParam(r, "id")
	info, rc, err := h.Source.OpenRaw(r.Context(), id)
	if err != nil {
		h.writeReadError(w, "raw archive read failed", id, err)
		return
	}
	defer func() { _ = rc.Close() }()
	setRawHeaders(w, id, info)
	w.WriteHeader(http.StatusOK)
	if _, err := io.Copy(w, rc); err != nil {
		h.log().Warn("raw archive stream interrupted", "id", id, "archive_key", info.Key, "error", err.Error())
	}
}

func (h *Handler) handleRawHead(w http.ResponseWriter, r *http.Request) {
	if h.Source == nil {
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	id := chi.URLParam(r, "id")
	_, info, err := h.Source.RawInfo(r.Context(), id)
	if err != nil {
		status, _ := readErrorStatus(err)
		w.WriteHeader(status)
		return
	}
	setRawHeaders(w, id, info)
	w.WriteHeader(http.StatusOK)
}

// handleArchive lists archived blobs under ?prefix=.
func (h *Handler) handleArchive(w http.ResponseWriter, r *http.Request) {
	if h.Source == nil {
		writeError(w, http.StatusInternalServerError, "result source not configured")
		return
	}
	prefix := r.URL.Query().Get("prefix")
	list, err := h.Source.ListArchive(r.Context(), prefix)
	if err != nil {
		h.writeReadError(w, "raw archive list failed", "", err)
		return
	}
	if list == nil {
		list = []blob.Info{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"prefix": prefix, "blobs": list})
}

func setRawHeaders(w http.ResponseWriter, id string, info blob.Info) {
	ct := info.ContentType
	if ct == "" {
		ct = fallbackContentType
	}
	hdr := w.Header()
	hdr.Set("Content-Type", ct)
	hdr.Set("Content-Length", strconv.FormatInt(info.Size, 10))
	hdr.Set("X-Record-Id", id)
	hdr.Set("X-Archive-Key", info.Key)
	if etag := strings.Trim(info.ETag, `"`); etag != "" {
		hdr.Set("ETag", `"`+etag+`"`)
	}
	if !info.LastModified.IsZero() {
		hdr.Set("Last-Modified", info.LastModified.UTC().Format(http.TimeFormat))
	}
	if cs := info.Metadata["charset"]; cs != "" {
		hdr.Set("X-Wire-Charset", cs)
	}
}

// readErrorStatus maps gateway read errors onto a status and client message.
func readErrorStatus(err error) (int, string) {
	switch {
	case errors.Is(err, core.ErrNotFound):
		return http.StatusNotFound, "result not found"
	case errors.Is(err, core.ErrNotArchived), errors.Is(err, blob.ErrNotFound):
		return http.StatusNotFound, "raw copy not archived"
	case errors.Is(err, core.ErrArchiveDisabled):
		return http.StatusNotFound, "raw archive disabled"
	}
	return http.StatusInternalServerError, "query failed"
}

func (h *Handler) writeReadError(w http.ResponseWriter, msg, id string, err error) {
	status, client := readErrorStatus(err)
	if status == http.StatusInternalServerError {
		h.log().Error(msg, "id", id, "error", err.Error())
	}
	writeError(w, status, client)
}
