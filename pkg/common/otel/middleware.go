package otel

import (
	"fmt"
	"net/http"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel/trace"
)

// Middleware returns an HTTP middleware that traces every request through
// otelhttp and makes the tracer available on the request context. Span names
// are "<METHOD> <path>" so routes are distinguishable in the trace backend.
func Middleware(tracer trace.Tracer) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		traced := otelhttp.NewHandler(next, "request",
			otelhttp.WithSpanNameFormatter(func(_ string, r *http.Request) string {
				return fmt.Sprintf("%s %s", r.Method, r.URL.Path)
			}),
		)

		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			r = r.WithContext(InjectTracing(r.Context(), tracer))
			traced.ServeHTTP(w, r)
		})
	}
}
