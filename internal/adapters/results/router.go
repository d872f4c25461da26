package results

import (
	"expvar"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"astmlis/internal/core"
)

// RequestTimeout bounds every API request.
const RequestTimeout = 60 * time.Second

// Router mounts the read API, the raw archive endpoints and the expvar dump. A nil gatherer leaves
// /metrics unmounted.
func Router(h *Handler, gatherer prometheus.Gatherer) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger(h.log()))
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(RequestTimeout))

	r.Get("/healthz", handleHealth)
	r.Get("/api/v1/results", h.handleRecent)
	r.Get("/api/v1/results/{id}", h.handleResult)
	r.Get("/api/v1/results/{id}/raw", h.handleRaw)
	r.Head("/api/v1/results/{id}/raw", h.handleRawHead)
	r.Get("/api/v1/archive", h.handleArchive)
	r.Get("/api/v1/openapi.yaml", handleOpenAPI)
	r.Method(http.MethodGet, "/debug/vars", expvar.Handler())
	if gatherer != nil {
		r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	}
	return r
}

// NewHTTPServer wraps Router in a server listening on addr.
func NewHTTPServer(addr string, h *Handler, gatherer prometheus.Gatherer) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           Router(h, gatherer),
		ReadHeaderTimeout: 10 * time.Second,
	}
}

func requestLogger(logger core.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			started := time.Now()
			next.ServeHTTP(ww, r)
			logger.Debug("http request",
				"method", r.Method,
				"path", r.URL.Path,
				"status", ww.Status(),
				"bytes", ww.BytesWritten(),
				"duration", time.Since(started).String(),
				"request_id", middleware.GetReqID(r.Context()),
			)
		})
	}
}
