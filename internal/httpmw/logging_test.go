package httpmw

import (
	"context"
	"crypto/tls"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"testing"
	"time"

	"github.com/keithlinneman/guardhttp/internal/log"
)

// recLogger records With and Info calls so middleware output is assertable.
// With returns the receiver, so scoped loggers land in the same recorder.
type recLogger struct {
	mu      sync.Mutex
	with    []any
	entries []logEntry
}

type logEntry struct {
	msg string
	kv  []any
}

func (l *recLogger) With(kv ...any) log.Logger {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.with = append(l.with, kv...)
	return l
}

func (l *recLogger) Debug(context.Context, string, ...any) {}
func (l *recLogger) Warn(context.Context, string, ...any)  {}

func (l *recLogger) Info(_ context.Context, msg string, kv ...any) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries = append(l.entries, logEntry{msg: msg, kv: kv})
}

func (l *recLogger) Error(_ context.Context, _ error, msg string, kv ...any) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries = append(l.entries, logEntry{msg: msg, kv: kv})
}

func (l *recLogger) Sync() error { return nil }

func (l *recLogger) onlyEntry(t *testing.T) logEntry {
	t.Helper()
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.entries) != 1 {
		t.Fatalf("entries = %d, want 1", len(l.entries))
	}
	return l.entries[0]
}

func field(kv []any, key string) (any, bool) {
	for i := 0; i+1 < len(kv); i += 2 {
		if kv[i] == key {
			return kv[i+1], true
		}
	}
	return nil, false
}

func wantField(t *testing.T, kv []any, key string, want any) {
	t.Helper()
	got, ok := field(kv, key)
	if !ok {
		t.Fatalf("field %q missing from %v", key, kv)
	}
	if got != want {
		t.Fatalf("field %q = %v, want %v", key, got, want)
	}
}

// WithLogger

func TestWithLogger_ScopesRequestFields(t *testing.T) {
	rl := &recLogger{}
	var downstream log.Logger
	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		downstream = log.FromContext(r.Context())
	})

	r := httptest.NewRequest(http.MethodGet, "/files/report.pdf", http.NoBody)
	r.RemoteAddr = "203.0.113.77:5151"
	ctx := WithRequestID(r.Context(), "req-9")
	ctx = WithClientIP(ctx, "198.51.100.2")

	WithLogger(rl)(inner).ServeHTTP(httptest.NewRecorder(), r.WithContext(ctx))

	if downstream != log.Logger(rl) {
		t.Fatal("scoped logger did not reach the handler context")
	}
	wantField(t, rl.with, "request_id", "req-9")
	wantField(t, rl.with, "client.address", "198.51.100.2")
	wantField(t, rl.with, "network.peer.address", "203.0.113.77")
	wantField(t, rl.with, "http.request.method", http.MethodGet)
	wantField(t, rl.with, "url.path", "/files/report.pdf")
	wantField(t, rl.with, "url.scheme", "http")
}

func TestWithLogger_ClientFallsBackToPeer(t *testing.T) {
	rl := &recLogger{}
	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {})

	r := httptest.NewRequest(http.MethodGet, "/", http.NoBody)
	r.RemoteAddr = "192.0.2.33:4000"

	WithLogger(rl)(inner).ServeHTTP(httptest.NewRecorder(), r)

	wantField(t, rl.with, "client.address", "192.0.2.33")
	wantField(t, rl.with, "network.peer.address", "192.0.2.33")
}

// AccessLog

func serveAccessLog(t *testing.T, target string, inner http.HandlerFunc) (*recLogger, *httptest.ResponseRecorder) {
	t.Helper()
	rl := &recLogger{}
	r := httptest.NewRequest(http.MethodGet, target, http.NoBody)
	r = r.WithContext(log.WithContext(r.Context(), rl))
	rec := httptest.NewRecorder()
	AccessLog()(inner).ServeHTTP(rec, r)
	return rl, rec
}

func TestAccessLog_OneLinePerRequest(t *testing.T) {
	rl, _ := serveAccessLog(t, "/files/a.txt", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
		w.Write([]byte("short and stout"))
	})

	e := rl.onlyEntry(t)
	if e.msg != "http request" {
		t.Fatalf("msg = %q", e.msg)
	}
	wantField(t, e.kv, "http.response.status_code", http.StatusTeapot)
	wantField(t, e.kv, "http.response.body.size", int64(len("short and stout")))
	wantField(t, e.kv, "http.route", "/files/a.txt")

	d, ok := field(e.kv, "http.server.request.duration")
	if !ok {
		t.Fatal("duration missing")
	}
	if d.(float64) < 0 {
		t.Fatalf("duration = %v", d)
	}
}

func TestAccessLog_SilentHandlerLogsAs200(t *testing.T) {
	rl, _ := serveAccessLog(t, "/quiet", func(w http.ResponseWriter, r *http.Request) {})

	e := rl.onlyEntry(t)
	wantField(t, e.kv, "http.response.status_code", http.StatusOK)
	wantField(t, e.kv, "http.response.body.size", int64(0))
}

func TestAccessLog_SkipsProbePaths(t *testing.T) {
	for _, p := range []string{"/-/healthy", "/-/ready"} {
		rl, rec := serveAccessLog(t, p, func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusOK)
		})
		if rec.Code != http.StatusOK {
			t.Fatalf("%s: status = %d", p, rec.Code)
		}
		if len(rl.entries) != 0 {
			t.Fatalf("%s: probe request was logged: %v", p, rl.entries)
		}
	}
}

func TestAccessLog_ClampsUnknownRequestSize(t *testing.T) {
	rl := &recLogger{}
	r := httptest.NewRequest(http.MethodGet, "/up", http.NoBody)
	r.ContentLength = -1
	r = r.WithContext(log.WithContext(r.Context(), rl))

	AccessLog()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {})).
		ServeHTTP(httptest.NewRecorder(), r)

	e := rl.onlyEntry(t)
	wantField(t, e.kv, "http.request.body.size", int64(0))
}

func TestAccessLog_EmitsWriteSpan(t *testing.T) {
	ctx, sr, end := recordingSpan(t)

	rl := &recLogger{}
	ctx = log.WithContext(ctx, rl)
	r := httptest.NewRequest(http.MethodGet, "/files/big.bin", http.NoBody).WithContext(ctx)

	AccessLog()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("payload"))
	})).ServeHTTP(httptest.NewRecorder(), r)
	end()

	var found bool
	for _, s := range sr.Ended() {
		if s.Name() != "response.write" {
			continue
		}
		found = true
		if got, ok := spanAttr(s, "http.route"); ok {
			t.Fatalf("unexpected http.route on write span: %q", got)
		}
		for _, kv := range s.Attributes() {
			if kv.Key == "http.response.body.size" && kv.Value.AsInt64() != int64(len("payload")) {
				t.Fatalf("body size attr = %v", kv.Value.AsInt64())
			}
		}
	}
	if !found {
		t.Fatal("no response.write span recorded")
	}
}

func TestAccessLog_NoWriteSpanWithoutBody(t *testing.T) {
	ctx, sr, end := recordingSpan(t)

	rl := &recLogger{}
	ctx = log.WithContext(ctx, rl)
	r := httptest.NewRequest(http.MethodGet, "/nothing", http.NoBody).WithContext(ctx)

	AccessLog()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {})).
		ServeHTTP(httptest.NewRecorder(), r)
	end()

	for _, s := range sr.Ended() {
		if s.Name() == "response.write" {
			t.Fatal("write span recorded for a handler that never wrote")
		}
	}
}

// statusWriter

func TestStatusWriter_FirstStatusWins(t *testing.T) {
	rec := httptest.NewRecorder()
	sw := &statusWriter{ResponseWriter: rec, start: time.Now()}

	sw.WriteHeader(http.StatusNotFound)
	sw.WriteHeader(http.StatusOK)

	if sw.statusCode() != http.StatusNotFound {
		t.Fatalf("status = %d", sw.statusCode())
	}
}

func TestStatusWriter_CountsBytesAcrossWrites(t *testing.T) {
	rec := httptest.NewRecorder()
	sw := &statusWriter{ResponseWriter: rec, start: time.Now()}

	sw.Write([]byte("abc"))
	sw.Write([]byte("defg"))

	if sw.bytes != 7 {
		t.Fatalf("bytes = %d", sw.bytes)
	}
	if sw.statusCode() != http.StatusOK {
		t.Fatalf("implicit status = %d", sw.statusCode())
	}
	if !sw.wrote || sw.firstWrite < 0 {
		t.Fatalf("first write not marked: wrote=%v at=%v", sw.wrote, sw.firstWrite)
	}
}

func TestStatusWriter_FlushDelegates(t *testing.T) {
	rec := httptest.NewRecorder()
	sw := &statusWriter{ResponseWriter: rec, start: time.Now()}
	sw.Flush()
	if !rec.Flushed {
		t.Fatal("flush did not reach the underlying writer")
	}
}

func TestStatusWriter_HijackUnsupported(t *testing.T) {
	sw := &statusWriter{ResponseWriter: httptest.NewRecorder(), start: time.Now()}
	if _, _, err := sw.Hijack(); err == nil {
		t.Fatal("expected an error from a non-hijackable writer")
	}
}

// schemeFromRequest

func TestSchemeFromRequest(t *testing.T) {
	tests := []struct {
		name  string
		build func() *http.Request
		want  string
	}{
		{
			name: "forwarded proto https",
			build: func() *http.Request {
				r := httptest.NewRequest(http.MethodGet, "/", http.NoBody)
				r.Header.Set("X-Forwarded-Proto", "https")
				return r
			},
			want: "https",
		},
		{
			name: "forwarded proto chain takes first",
			build: func() *http.Request {
				r := httptest.NewRequest(http.MethodGet, "/", http.NoBody)
				r.Header.Set("X-Forwarded-Proto", " HTTPS , http")
				return r
			},
			want: "https",
		},
		{
			name: "forwarded proto garbage ignored",
			build: func() *http.Request {
				r := httptest.NewRequest(http.MethodGet, "/", http.NoBody)
				r.Header.Set("X-Forwarded-Proto", "gopher")
				return r
			},
			want: "http",
		},
		{
			name: "url scheme",
			build: func() *http.Request {
				return &http.Request{URL: &url.URL{Scheme: "https", Path: "/"}, Header: http.Header{}}
			},
			want: "https",
		},
		{
			name: "tls connection",
			build: func() *http.Request {
				r := httptest.NewRequest(http.MethodGet, "/", http.NoBody)
				r.TLS = &tls.ConnectionState{}
				return r
			},
			want: "https",
		},
		{
			name: "bare",
			build: func() *http.Request {
				return httptest.NewRequest(http.MethodGet, "/", http.NoBody)
			},
			want: "http",
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if got := schemeFromRequest(tc.build()); got != tc.want {
				t.Fatalf("scheme = %q, want %q", got, tc.want)
			}
		})
	}
}

// Scope

func TestScope_TagsDownstreamLogger(t *testing.T) {
	rl := &recLogger{}
	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		log.FromContext(r.Context()).Info(r.Context(), "inside")
	})

	r := httptest.NewRequest(http.MethodGet, "/", http.NoBody)
	r = r.WithContext(log.WithContext(r.Context(), rl))

	Scope("fileserver")(inner).ServeHTTP(httptest.NewRecorder(), r)

	wantField(t, rl.with, "handler", "fileserver")
	if e := rl.onlyEntry(t); e.msg != "inside" {
		t.Fatalf("msg = %q", e.msg)
	}
}
