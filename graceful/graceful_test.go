package graceful

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/keithlinneman/guardhttp"
)

// blockingApp holds each request until one value is sent on release.
type blockingApp struct {
	guardhttp.Base
	mu      sync.Mutex
	calls   int
	release chan struct{}
}

func newBlockingApp() *blockingApp {
	return &blockingApp{release: make(chan struct{})}
}

func (b *blockingApp) Handle(w http.ResponseWriter, r *http.Request) (bool, error) {
	b.mu.Lock()
	b.calls++
	b.mu.Unlock()
	<-b.release
	w.WriteHeader(http.StatusOK)
	return true, nil
}

func (b *blockingApp) entered() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.calls
}

func waitUntil(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func closed(ch <-chan struct{}) bool {
	select {
	case <-ch:
		return true
	default:
		return false
	}
}

func TestShutdown_Idle_CompletesImmediately(t *testing.T) {
	h := New()
	if err := h.SetInner(newBlockingApp()); err != nil {
		t.Fatalf("SetInner: %v", err)
	}

	ch := h.Shutdown()
	if !closed(ch) {
		t.Fatal("shutdown of an idle handler did not complete immediately")
	}
	if !h.Draining() {
		t.Fatal("Draining = false after Shutdown")
	}
}

func TestShutdown_WaitsForInFlight(t *testing.T) {
	app := newBlockingApp()
	h := New()
	if err := h.SetInner(app); err != nil {
		t.Fatalf("SetInner: %v", err)
	}

	var wg sync.WaitGroup
	for range 2 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			h.Handle(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", http.NoBody))
		}()
	}
	waitUntil(t, "both requests counted", func() bool { return h.InFlight() == 2 })

	ch := h.Shutdown()
	if closed(ch) {
		t.Fatal("quiesced while two requests were in flight")
	}

	app.release <- struct{}{}
	waitUntil(t, "first request drained", func() bool { return h.InFlight() == 1 })
	if closed(ch) {
		t.Fatal("quiesced while one request was in flight")
	}

	app.release <- struct{}{}
	select {
	case <-ch:
	case <-time.After(5 * time.Second):
		t.Fatal("never quiesced after the last request drained")
	}
	wg.Wait()
}

func TestDraining_RejectsWithoutCounting(t *testing.T) {
	app := newBlockingApp()
	var rejected int
	h := New(WithOnRejected(func(*http.Request) { rejected++ }))
	if err := h.SetInner(app); err != nil {
		t.Fatalf("SetInner: %v", err)
	}

	h.Shutdown()

	rec := httptest.NewRecorder()
	handled, err := h.Handle(rec, httptest.NewRequest(http.MethodGet, "/", http.NoBody))
	if err != nil || !handled {
		t.Fatalf("Handle = (%v, %v), want (true, nil)", handled, err)
	}
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", rec.Code)
	}
	if got := rec.Header().Get("Connection"); got != "close" {
		t.Fatalf("Connection = %q, want close", got)
	}
	if h.InFlight() != 0 {
		t.Fatal("rejected request was counted")
	}
	if app.entered() != 0 {
		t.Fatal("rejected request reached the inner handler")
	}
	if rejected != 1 {
		t.Fatalf("rejected callback fired %d times, want 1", rejected)
	}
}

func TestShutdown_MultipleCallers_SameEvent(t *testing.T) {
	app := newBlockingApp()
	h := New()
	if err := h.SetInner(app); err != nil {
		t.Fatalf("SetInner: %v", err)
	}

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		h.Handle(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", http.NoBody))
	}()
	waitUntil(t, "request counted", func() bool { return h.InFlight() == 1 })

	ch1 := h.Shutdown()
	ch2 := h.Shutdown()
	if ch1 != ch2 {
		t.Fatal("repeated Shutdown calls returned different channels")
	}

	app.release <- struct{}{}
	for _, ch := range []<-chan struct{}{ch1, ch2} {
		select {
		case <-ch:
		case <-time.After(5 * time.Second):
			t.Fatal("a shutdown caller never observed quiescence")
		}
	}
	wg.Wait()
}

// selfStopper requests shutdown of the handler that is counting it.
type selfStopper struct {
	guardhttp.Base
	target *Handler
}

func (s *selfStopper) Handle(w http.ResponseWriter, r *http.Request) (bool, error) {
	s.target.Shutdown()
	w.WriteHeader(http.StatusOK)
	return true, nil
}

func TestShutdown_FromWithinCountedRequest_NoDeadlock(t *testing.T) {
	h := New()
	if err := h.SetInner(&selfStopper{target: h}); err != nil {
		t.Fatalf("SetInner: %v", err)
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		h.Handle(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", http.NoBody))
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("request never completed; shutdown-from-within deadlocked")
	}

	select {
	case <-h.Shutdown():
	case <-time.After(5 * time.Second):
		t.Fatal("never quiesced after the self-stopping request finished")
	}
}

// failingApp errors without writing.
type failingApp struct {
	guardhttp.Base
}

func (f *failingApp) Handle(w http.ResponseWriter, r *http.Request) (bool, error) {
	return false, errors.New("inner failure")
}

// panickyApp panics mid-request.
type panickyApp struct {
	guardhttp.Base
}

func (p *panickyApp) Handle(w http.ResponseWriter, r *http.Request) (bool, error) {
	panic("handler blew up")
}

func TestDecrement_Unconditional(t *testing.T) {
	t.Run("error", func(t *testing.T) {
		h := New()
		if err := h.SetInner(&failingApp{}); err != nil {
			t.Fatalf("SetInner: %v", err)
		}
		if _, err := h.Handle(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", http.NoBody)); err == nil {
			t.Fatal("expected inner error")
		}
		if h.InFlight() != 0 {
			t.Fatalf("InFlight = %d after error, want 0", h.InFlight())
		}
		if !closed(h.Shutdown()) {
			t.Fatal("errored request left the handler non-quiescent")
		}
	})

	t.Run("panic", func(t *testing.T) {
		h := New()
		if err := h.SetInner(&panickyApp{}); err != nil {
			t.Fatalf("SetInner: %v", err)
		}
		func() {
			defer func() {
				if recover() == nil {
					t.Fatal("panic did not propagate")
				}
			}()
			h.Handle(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", http.NoBody))
		}()
		if h.InFlight() != 0 {
			t.Fatalf("InFlight = %d after panic, want 0", h.InFlight())
		}
		if !closed(h.Shutdown()) {
			t.Fatal("panicked request left the handler non-quiescent")
		}
	})
}
