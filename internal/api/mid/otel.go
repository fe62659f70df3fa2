package mid

import (
	"net/http"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel/trace"
)

// Otel starts a server span per request. The span is renamed after the
// matched route pattern once routing has run, so /v1/tasks/{taskID} yields
// one span name rather than one per task.
func Otel(tp trace.TracerProvider) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		named := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			next.ServeHTTP(w, r)
			if p := routePattern(r); p != unmatchedRoute {
				trace.SpanFromContext(r.Context()).SetName(r.Method + " " + p)
			}
		})
		return otelhttp.NewHandler(named, "taskpulse.api", otelhttp.WithTracerProvider(tp))
	}
}
