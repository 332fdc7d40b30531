package observe

import (
	"net/http"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// statusRecorder captures the response status code for metric attributes.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// Middleware wraps next with HTTP request duration recording. The path
// attribute uses the matched route pattern rather than the raw URL so that
// high-cardinality path segments do not explode the metric.
func (m *Metrics) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(rec, r)

		pattern := r.Pattern
		if pattern == "" {
			pattern = "unmatched"
		}
		m.HTTPRequestDuration.Record(r.Context(), time.Since(start).Seconds(),
			metric.WithAttributes(
				attribute.String("method", r.Method),
				attribute.String("path", pattern),
				attribute.Int("status", rec.status),
			),
		)
	})
}
