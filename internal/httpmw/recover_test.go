package httpmw

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/keithlinneman/guardhttp/internal/log"
	"github.com/keithlinneman/guardhttp/internal/xerrors"
)

func TestRecover_PassThroughWhenCalm(t *testing.T) {
	rl := &recLogger{}
	h := Recover(rl, nil)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusAccepted)
	}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", http.NoBody))

	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d", rec.Code)
	}
	if len(rl.entries) != 0 {
		t.Fatalf("logged without a panic: %v", rl.entries)
	}
}

func TestRecover_ConvertsPanicTo500(t *testing.T) {
	rl := &recLogger{}
	h := Recover(rl, nil)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic("table flipped")
	}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/boom", http.NoBody))

	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), http.StatusText(http.StatusInternalServerError)) {
		t.Fatalf("body = %q", rec.Body.String())
	}

	e := rl.onlyEntry(t)
	if e.msg != "handler panic recovered" {
		t.Fatalf("msg = %q", e.msg)
	}
	wantField(t, rl.with, "path", "/boom")
}

func TestRecover_WrapsPanicValueWithStack(t *testing.T) {
	var logged error
	rl := &recLogger{}
	sentinel := errors.New("disk on fire")

	h := Recover(errSpy{rl, &logged}, nil)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic(sentinel)
	}))
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", http.NoBody))

	if !errors.Is(logged, sentinel) {
		t.Fatalf("logged error %v does not wrap the panic value", logged)
	}
	if !xerrors.Traced(logged) {
		t.Fatal("panic error logged without a captured stack")
	}
}

func TestRecover_NonErrorPanicBecomesError(t *testing.T) {
	var logged error
	rl := &recLogger{}

	h := Recover(errSpy{rl, &logged}, nil)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic(42)
	}))
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", http.NoBody))

	if logged == nil || !strings.Contains(logged.Error(), "42") {
		t.Fatalf("logged error = %v", logged)
	}
	if !xerrors.Traced(logged) {
		t.Fatal("converted panic lacks a captured stack")
	}
}

func TestRecover_ReRaisesAbortHandler(t *testing.T) {
	rl := &recLogger{}
	h := Recover(rl, nil)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic(http.ErrAbortHandler)
	}))

	defer func() {
		if v := recover(); v != http.ErrAbortHandler {
			t.Fatalf("recovered %v, want ErrAbortHandler re-raised", v)
		}
		if len(rl.entries) != 0 {
			t.Fatalf("abort was logged: %v", rl.entries)
		}
	}()
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", http.NoBody))
}

func TestRecover_RunsOnPanicHook(t *testing.T) {
	hooked := false
	h := Recover(&recLogger{}, func() { hooked = true })(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic("x")
	}))
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", http.NoBody))

	if !hooked {
		t.Fatal("onPanic hook never ran")
	}
}

// errSpy routes Error's err argument into a variable while the embedded
// recLogger keeps recording everything else. With must return the spy, not
// the recLogger, or the override would drop out of the chain.
type errSpy struct {
	*recLogger
	dst *error
}

func (s errSpy) With(kv ...any) log.Logger {
	s.recLogger.With(kv...)
	return s
}

func (s errSpy) Error(ctx context.Context, err error, msg string, kv ...any) {
	*s.dst = err
	s.recLogger.Error(ctx, err, msg, kv...)
}
