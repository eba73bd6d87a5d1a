package httpmw

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// routePattern names the matched chi route, falling back to the raw path
// when the router never matched (404s, handlers mounted outside chi).
func routePattern(r *http.Request) string {
	if rc := chi.RouteContext(r.Context()); rc != nil {
		if p := rc.RoutePattern(); p != "" {
			return p
		}
	}
	return r.URL.Path
}

// AnnotateHTTPRoute renames the server span after the routed pattern. chi
// only knows the pattern once matching finishes, so this must be mounted
// inside the router and annotates after the handler returns.
func AnnotateHTTPRoute(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		next.ServeHTTP(w, r)

		span := trace.SpanFromContext(r.Context())
		if !span.IsRecording() {
			return
		}
		pat := routePattern(r)
		span.SetAttributes(attribute.String("http.route", pat))
		span.SetName(r.Method + " " + pat)
	})
}
