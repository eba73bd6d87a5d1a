package httpmw

import (
	"bufio"
	"context"
	"net"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/keithlinneman/guardhttp/internal/log"
	"github.com/keithlinneman/guardhttp/internal/xerrors"
)

const tracerName = "github.com/keithlinneman/guardhttp/internal/httpmw"

// statusWriter records what the handler did with the response: status,
// payload size, when the first byte left, and how long writes blocked on
// the client. It carries no tracing state; AccessLog reconstructs the write
// span from these timings afterward.
type statusWriter struct {
	http.ResponseWriter

	start      time.Time
	status     int
	bytes      int64
	wrote      bool
	firstWrite time.Duration
	blocked    time.Duration
	err        error
}

func (sw *statusWriter) WriteHeader(code int) {
	sw.mark()
	if sw.status == 0 {
		sw.status = code
	}
	t := time.Now()
	sw.ResponseWriter.WriteHeader(code)
	sw.blocked += time.Since(t)
}

func (sw *statusWriter) Write(p []byte) (int, error) {
	sw.mark()
	if sw.status == 0 {
		sw.status = http.StatusOK
	}
	t := time.Now()
	n, err := sw.ResponseWriter.Write(p)
	sw.blocked += time.Since(t)
	sw.bytes += int64(n)
	if err != nil && sw.err == nil {
		sw.err = err
	}
	return n, err
}

func (sw *statusWriter) mark() {
	if !sw.wrote {
		sw.wrote = true
		sw.firstWrite = time.Since(sw.start)
	}
}

func (sw *statusWriter) statusCode() int {
	if sw.status == 0 {
		// the handler wrote nothing; net/http sends 200 on its behalf
		return http.StatusOK
	}
	return sw.status
}

func (sw *statusWriter) Flush() {
	if f, ok := sw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (sw *statusWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if hj, ok := sw.ResponseWriter.(http.Hijacker); ok {
		return hj.Hijack()
	}
	return nil, nil, xerrors.New("response writer does not support hijacking")
}

// WithLogger seeds the context with a request-scoped logger carrying the
// request's identity fields, and mirrors them onto the recording span. Host
// and query are span-only; they are caller-controlled text and do not
// belong on every log line.
func WithLogger(base log.Logger) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()

			reqID := RequestIDFromContext(ctx)
			peer := r.RemoteAddr
			if a, ok := peerIP(r.RemoteAddr); ok {
				peer = a.String()
			}
			// resolved by the ClientIP middleware; the peer stands in when
			// it did not run
			client := ClientIPFromContext(ctx)
			if client == "" {
				client = peer
			}
			scheme := schemeFromRequest(r)

			if span := trace.SpanFromContext(ctx); span.IsRecording() {
				span.SetAttributes(
					attribute.String("request_id", reqID),
					attribute.String("server.address", r.Host),
					attribute.String("client.address", client),
					attribute.String("network.peer.address", peer),
					attribute.String("url.scheme", scheme),
				)
				if q := r.URL.RawQuery; q != "" {
					span.SetAttributes(attribute.String("url.query", q))
				}
			}

			scoped := base.With(
				"request_id", reqID,
				"client.address", client,
				"network.peer.address", peer,
				"http.request.method", r.Method,
				"url.path", r.URL.Path,
				"url.scheme", scheme,
			)
			next.ServeHTTP(w, r.WithContext(log.WithContext(ctx, scoped)))
		})
	}
}

// AccessLog emits one line per completed request and, when a span is
// recording, a response.write child span covering the time spent pushing
// bytes to the client. Probe endpoints are excluded; file responses are
// not, since serving files is what this server is for.
func AccessLog() Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			sw := &statusWriter{ResponseWriter: w, start: time.Now()}
			next.ServeHTTP(sw, r)

			finishWriteSpan(r.Context(), sw)

			if p := r.URL.Path; p == "/-/healthy" || p == "/-/ready" {
				return
			}

			reqBytes := r.ContentLength
			if reqBytes < 0 {
				reqBytes = 0
			}

			ctx := r.Context()
			log.FromContext(ctx).Info(ctx, "http request",
				"http.response.status_code", sw.statusCode(),
				"http.server.request.duration", time.Since(sw.start).Seconds(),
				"http.response.body.size", sw.bytes,
				"http.request.body.size", reqBytes,
				"http.route", routePattern(r),
			)
		})
	}
}

// finishWriteSpan backfills a child span for the response-writing phase
// using the writer's recorded timings. Nothing is created when the handler
// never wrote or no span is recording. The tracer comes from the parent
// span's provider so the child lands wherever the parent does.
func finishWriteSpan(ctx context.Context, sw *statusWriter) {
	parent := trace.SpanFromContext(ctx)
	if !sw.wrote || !parent.IsRecording() {
		return
	}
	_, span := parent.TracerProvider().Tracer(tracerName).Start(ctx, "response.write",
		trace.WithTimestamp(sw.start.Add(sw.firstWrite)),
		trace.WithAttributes(
			attribute.Float64("http.server.ttfb_seconds", sw.firstWrite.Seconds()),
			attribute.Int("http.response.status_code", sw.statusCode()),
			attribute.Int64("http.response.body.size", sw.bytes),
			attribute.Float64("http.server.write.block_seconds", sw.blocked.Seconds()),
		),
	)
	if sw.err != nil {
		span.RecordError(sw.err)
		span.SetStatus(codes.Error, sw.err.Error())
	}
	span.End(trace.WithTimestamp(time.Now()))
}

// schemeFromRequest decides what to report as url.scheme: a forwarded proto
// when one survived the ClientIP trust check, then the URL, then the
// connection itself.
func schemeFromRequest(r *http.Request) string {
	if p := r.Header.Get("X-Forwarded-Proto"); p != "" {
		first, _, _ := strings.Cut(p, ",")
		switch s := strings.ToLower(strings.TrimSpace(first)); s {
		case "http", "https":
			return s
		}
	}
	if r.URL != nil {
		switch s := strings.ToLower(r.URL.Scheme); s {
		case "http", "https":
			return s
		}
	}
	if r.TLS != nil {
		return "https"
	}
	return "http"
}

// Scope tags the request-scoped logger and span with the component serving
// the request. Mounted where a subtree changes hands, so every line below
// says which surface produced it.
func Scope(name string) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()
			ctx = log.WithContext(ctx, log.FromContext(ctx).With("handler", name))
			if span := trace.SpanFromContext(ctx); span.IsRecording() {
				span.SetAttributes(attribute.String("app.handler", name))
			}
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
