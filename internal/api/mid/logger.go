// Package mid contains the HTTP middleware shared by every route.
package mid

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/ahrav/taskpulse/pkg/common/logger"
	"github.com/ahrav/taskpulse/pkg/common/otel"
)

// RequestMetrics records per-request counters.
type RequestMetrics interface {
	IncRequestsTotal(ctx context.Context, method, path string, status int)
	ObserveRequestDuration(ctx context.Context, method, path string, duration time.Duration)
}

// Logger writes one record per request and, when m is non-nil, records the
// request in m. Paths are reported by route pattern.
func Logger(log *logger.Logger, m RequestMetrics) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

			defer func() {
				ctx := r.Context()
				path := routePattern(r)
				status := ww.Status()
				if status == 0 {
					status = http.StatusOK
				}
				elapsed := time.Since(start)

				log.Debug(ctx, "Request completed",
					"method", r.Method,
					"path", r.URL.Path,
					"route", path,
					"status", status,
					"duration", elapsed,
					"request_id", middleware.GetReqID(ctx),
					"trace_id", otel.GetTraceID(ctx),
				)
				if m != nil {
					m.IncRequestsTotal(ctx, r.Method, path, status)
					m.ObserveRequestDuration(ctx, r.Method, path, elapsed)
				}
			}()

			next.ServeHTTP(ww, r)
		})
	}
}

const unmatchedRoute = "unmatched"

func routePattern(r *http.Request) string {
	if rctx := chi.RouteContext(r.Context()); rctx != nil {
		if p := rctx.RoutePattern(); p != "" {
			return p
		}
	}
	return unmatchedRoute
}
