package metrics

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel/trace"
)

// countingWriter tracks the status code and body size of one response. The
// first explicit WriteHeader wins, matching net/http behavior.
type countingWriter struct {
	http.ResponseWriter
	code    int
	written int
}

func (w *countingWriter) WriteHeader(code int) {
	if w.code == 0 {
		w.code = code
	}
	w.ResponseWriter.WriteHeader(code)
}

func (w *countingWriter) Write(p []byte) (int, error) {
	if w.code == 0 {
		w.code = http.StatusOK
	}
	n, err := w.ResponseWriter.Write(p)
	w.written += n
	return n, err
}

// Middleware instruments requests with in-flight, count, latency, and
// response size series. The route label is the chi route pattern when one
// matched and "unmatched" otherwise, so raw URL paths never become label
// values.
func (m *ServerMetrics) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Share a route context with the mux below so its pattern is still
		// readable here after the handler returns.
		rctx := chi.RouteContext(r.Context())
		if rctx == nil {
			rctx = chi.NewRouteContext()
			r = r.WithContext(context.WithValue(r.Context(), chi.RouteCtxKey, rctx))
		}

		m.inFlight.Inc()
		defer m.inFlight.Dec()

		cw := &countingWriter{ResponseWriter: w}
		start := time.Now()
		next.ServeHTTP(cw, r)
		elapsed := time.Since(start).Seconds()

		code := cw.code
		if code == 0 {
			code = http.StatusOK
		}
		route := rctx.RoutePattern()
		if route == "" {
			route = "unmatched"
		}
		method := r.Method

		m.requests.WithLabelValues(method, route, strconv.Itoa(code)).Inc()
		if code >= 500 {
			m.errors.WithLabelValues(method, route).Inc()
		}
		m.observeDuration(r.Context(), method, route, elapsed)
		m.responseSize.WithLabelValues(method, route).Observe(float64(cw.written))
	})
}

// observeDuration records latency, attaching the trace ID as an exemplar
// when the request carries a sampled span.
func (m *ServerMetrics) observeDuration(ctx context.Context, method, route string, seconds float64) {
	obs := m.duration.WithLabelValues(method, route)
	if sc := trace.SpanContextFromContext(ctx); sc.IsValid() && sc.IsSampled() {
		if eo, ok := obs.(prometheus.ExemplarObserver); ok {
			eo.ObserveWithExemplar(seconds, prometheus.Labels{"trace_id": sc.TraceID().String()})
			return
		}
	}
	obs.Observe(seconds)
}
