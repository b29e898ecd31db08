package observability

import (
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// Middleware wraps an HTTP handler with a server span and RED metrics.
// Route patterns registered on a 1.22+ ServeMux surface via r.Pattern,
// keeping metric cardinality bounded.
func (p *Provider) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		ctx, span := p.StartSpan(r.Context(), r.Method,
			trace.WithSpanKind(trace.SpanKindServer),
			trace.WithAttributes(attribute.String("http.request.method", r.Method)),
		)
		defer span.End()

		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		req := r.WithContext(ctx)
		next.ServeHTTP(rec, req)

		// ServeMux fills in Pattern while routing, so the matched route is
		// only known once the handler has run. Falling back to the raw path
		// covers non-mux handlers.
		route := req.Pattern
		if route == "" {
			route = r.URL.Path
		} else if method, rest, ok := strings.Cut(route, " "); ok && method == r.Method {
			route = rest
		}
		span.SetName(r.Method + " " + route)

		attrs := []attribute.KeyValue{
			attribute.String("http.request.method", r.Method),
			attribute.String("http.route", route),
			attribute.Int("http.response.status_code", rec.status),
		}
		span.SetAttributes(attrs...)
		if rec.status >= 500 {
			span.SetStatus(codes.Error, http.StatusText(rec.status))
			if p.errorCounter != nil {
				p.errorCounter.Add(ctx, 1, metric.WithAttributes(attrs...))
			}
		}
		p.RecordRequest(ctx, attrs...)
		p.RecordDuration(ctx, time.Since(start), attrs...)
	})
}
