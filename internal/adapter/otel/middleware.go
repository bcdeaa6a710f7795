package otel

import (
	"net/http"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// HTTPMiddleware instruments the wrapped handler with server spans. Spans
// are named "<method> <path>" so session routes stay distinguishable in
// traces; the operation falls back to serviceName when unset.
func HTTPMiddleware(serviceName string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return otelhttp.NewHandler(next, serviceName,
			otelhttp.WithSpanNameFormatter(func(operation string, r *http.Request) string {
				if r.URL != nil && r.URL.Path != "" {
					return r.Method + " " + r.URL.Path
				}
				return operation
			}),
		)
	}
}
