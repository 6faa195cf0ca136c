package dispatcher

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/raibid-ci/raibid/internal/dispatcher/metrics"
)

// requestLogger returns a Chi-compatible middleware logging method, path,
// status, and latency for every request, wrapping the ResponseWriter with
// middleware.NewWrapResponseWriter to read back the status Chi otherwise
// hides. Chi's middleware.RequestID is expected to run first so the
// request id is already in context.
func requestLogger(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			next.ServeHTTP(ww, r)
			elapsed := time.Since(start)

			logger.Info("http request",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.Status()),
				zap.Int("bytes", ww.BytesWritten()),
				zap.Duration("elapsed", elapsed),
				zap.String("request_id", middleware.GetReqID(r.Context())),
				zap.String("remote_addr", r.RemoteAddr),
			)

			route := routePattern(r)
			metrics.ObserveHTTPRequest(route, r.Method, ww.Status(), elapsed)
		})
	}
}

// routePattern reads back the chi route pattern matched for this request
// (e.g. "/jobs/{id}") so metrics don't explode into one label per job id.
func routePattern(r *http.Request) string {
	if rctx := chi.RouteContext(r.Context()); rctx != nil {
		if p := rctx.RoutePattern(); p != "" {
			return p
		}
	}
	return r.URL.Path
}
