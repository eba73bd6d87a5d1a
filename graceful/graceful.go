// Package graceful lets an operator stop accepting new work while letting
// requests already in flight finish naturally.
//
// The handler counts every request it admits and decrements on completion,
// whether the request succeeded, errored, or panicked. Shutdown flips the
// handler into draining: new requests are turned away with 503 before being
// counted, and the returned channel closes once the in-flight count reaches
// zero. Every caller of Shutdown gets the same channel, so any number of
// goroutines can await the same quiescence event. Shutdown never blocks and
// is safe to call from inside a request the handler itself is counting.
package graceful

import (
	"net/http"
	"sync"

	"github.com/keithlinneman/guardhttp"
)

// Handler drains in-flight requests on shutdown and rejects new ones.
type Handler struct {
	guardhttp.Wrapper

	onRejected func(*http.Request)

	mu       sync.Mutex
	inflight int
	done     chan struct{}
}

// Option configures a Handler.
type Option func(*Handler)

// WithOnRejected registers a callback invoked for each request turned away
// while draining, before the 503 is written.
func WithOnRejected(fn func(*http.Request)) Option {
	return func(h *Handler) { h.onRejected = fn }
}

// New returns a Handler in the accepting state.
func New(opts ...Option) *Handler {
	h := &Handler{}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

func (h *Handler) Handle(w http.ResponseWriter, r *http.Request) (bool, error) {
	h.mu.Lock()
	if h.done != nil {
		h.mu.Unlock()
		if h.onRejected != nil {
			h.onRejected(r)
		}
		w.Header().Set("Connection", "close")
		w.Header().Set("Content-Type", "application/json; charset=utf-8")
		w.WriteHeader(http.StatusServiceUnavailable)
		w.Write([]byte(`{"error":"shutting down"}`))
		return true, nil
	}
	h.inflight++
	h.mu.Unlock()

	// the decrement must run no matter how the inner handler exits
	defer h.exit()
	return h.Wrapper.Handle(w, r)
}

// Shutdown moves the handler into draining and returns a channel that closes
// once every counted request has finished. Repeated calls return the same
// channel. If nothing is in flight the channel is closed before Shutdown
// returns. Shutdown itself never blocks.
func (h *Handler) Shutdown() <-chan struct{} {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.done == nil {
		h.done = make(chan struct{})
		if h.inflight == 0 {
			close(h.done)
		}
	}
	return h.done
}

func (h *Handler) exit() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.inflight--
	// once draining, the count only falls; it crosses zero exactly once
	if h.done != nil && h.inflight == 0 {
		close(h.done)
	}
}

// Draining reports whether Shutdown has been requested.
func (h *Handler) Draining() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.done != nil
}

// InFlight returns the number of requests currently counted.
func (h *Handler) InFlight() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.inflight
}
