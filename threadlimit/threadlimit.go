// Package threadlimit bounds concurrent request processing per originating
// client, so one abusive or heavy client cannot starve the rest of the
// worker pool.
//
// This is admission control, not rate limiting: requests over the per-key
// limit are never rejected, they are parked and admitted FIFO as slots for
// that key free up. Requests for different keys never wait on each other.
//
// The client key is the peer address by default. Deployments behind a
// trusted proxy layer can key on the nearest hop recorded in an
// X-Forwarded-For style header, or on the last for= parameter of an RFC 7239
// Forwarded header. Only enable header trust when the immediate peer is a
// proxy you control; otherwise clients pick their own key.
package threadlimit

import (
	"context"
	"net/http"
	"sync"

	"github.com/keithlinneman/guardhttp"
	"github.com/keithlinneman/guardhttp/internal/xerrors"
)

// TrustMode selects how the client key is derived from a request.
type TrustMode int

const (
	// TrustNone ignores all forwarding headers; the key is the peer address.
	TrustNone TrustMode = iota

	// TrustXForwardedFor keys on the last comma-separated token of the
	// configured forwarded-for header: the address appended by the nearest
	// trusted hop.
	TrustXForwardedFor

	// TrustForwarded keys on the last for= parameter across all instances
	// of the RFC 7239 Forwarded header.
	TrustForwarded
)

// DefaultForwardedForHeader is the header consulted by TrustXForwardedFor
// unless WithForwardedForHeader overrides it.
const DefaultForwardedForHeader = "X-Forwarded-For"

// entry is the ledger record for one client key. Entries are created on
// first sight of a key and kept for the life of the handler; the ledger is
// bounded by the number of distinct keys seen.
type entry struct {
	active  int
	waiters []chan struct{}
	// parked tracks whether this key has ever parked a request, so the
	// first-parked callback fires once per key
	parked bool
}

// Handler gates concurrent in-flight requests per client key before
// delegating inward.
type Handler struct {
	guardhttp.Wrapper

	limit     int
	mode      TrustMode
	header    string
	keyFunc   func(*http.Request) string
	limitFunc func(key string) int

	// OnParked is called every time a request parks waiting for a slot.
	// OnFirstParked is called the first time a given key parks, for
	// single-log-entry-per-offender style logging.
	OnParked      func(key string)
	OnFirstParked func(key string)

	mu      sync.Mutex
	entries map[string]*entry
}

type Option func(*Handler)

// WithTrust selects the client-key derivation policy.
func WithTrust(mode TrustMode) Option {
	return func(h *Handler) { h.mode = mode }
}

// WithForwardedForHeader sets the header name consulted by
// TrustXForwardedFor.
func WithForwardedForHeader(name string) Option {
	return func(h *Handler) { h.header = name }
}

// WithKeyFunc replaces header derivation entirely. An empty result falls
// back to the configured trust mode.
func WithKeyFunc(fn func(*http.Request) string) Option {
	return func(h *Handler) { h.keyFunc = fn }
}

// WithLimitFunc overrides the limit per key. It is consulted on every
// admission event, so a changed limit takes effect on the next arrival,
// release, or cancellation for that key, not retroactively. A result <= 0
// means unlimited for that key.
func WithLimitFunc(fn func(key string) int) Option {
	return func(h *Handler) { h.limitFunc = fn }
}

// WithOnParked sets a callback for every parked request, used for counters.
func WithOnParked(fn func(key string)) Option {
	return func(h *Handler) { h.OnParked = fn }
}

// WithOnFirstParked sets a callback for the first park per key, used for
// logging without log spam.
func WithOnFirstParked(fn func(key string)) Option {
	return func(h *Handler) { h.OnFirstParked = fn }
}

// New creates a Handler admitting at most limit concurrent requests per
// client key. limit <= 0 means unlimited.
func New(limit int, opts ...Option) *Handler {
	h := &Handler{
		limit:   limit,
		mode:    TrustNone,
		header:  DefaultForwardedForHeader,
		entries: make(map[string]*entry),
	}
	for _, o := range opts {
		o(h)
	}
	return h
}

// Handle derives the client key, waits for a slot if the key is at its
// limit, and delegates inward. The slot is returned on every exit path,
// including panics from inner handlers.
func (h *Handler) Handle(w http.ResponseWriter, r *http.Request) (bool, error) {
	key := h.key(r)
	release, err := h.acquire(r.Context(), key)
	if err != nil {
		// the client went away while parked; there is nobody to respond to
		return false, err
	}
	defer release()
	return h.Wrapper.Handle(w, r)
}

func (h *Handler) limitFor(key string) int {
	if h.limitFunc != nil {
		return h.limitFunc(key)
	}
	return h.limit
}

// acquire admits the request or parks it until a slot for key frees up.
// The returned release function must be called exactly once.
func (h *Handler) acquire(ctx context.Context, key string) (func(), error) {
	limit := h.limitFor(key)
	if limit <= 0 {
		return func() {}, nil
	}

	h.mu.Lock()
	e := h.entries[key]
	if e == nil {
		e = &entry{}
		h.entries[key] = e
	}
	if len(e.waiters) == 0 && e.active < limit {
		e.active++
		h.mu.Unlock()
		return func() { h.release(key) }, nil
	}

	// at capacity, or parking behind earlier arrivals to keep FIFO order
	ch := make(chan struct{})
	e.waiters = append(e.waiters, ch)
	h.pumpLocked(e, limit)

	admitted := false
	select {
	case <-ch:
		admitted = true
	default:
	}
	first := false
	if !admitted {
		first = !e.parked
		e.parked = true
	}
	h.mu.Unlock()

	if admitted {
		return func() { h.release(key) }, nil
	}
	// hooks run unlocked; they may log or touch metrics
	if first && h.OnFirstParked != nil {
		h.OnFirstParked(key)
	}
	if h.OnParked != nil {
		h.OnParked(key)
	}

	select {
	case <-ch:
		return func() { h.release(key) }, nil
	case <-ctx.Done():
		// re-read outside the lock; limitFunc is arbitrary caller code
		limit = h.limitFor(key)
		h.mu.Lock()
		removed := false
		for i, c := range e.waiters {
			if c == ch {
				e.waiters = append(e.waiters[:i], e.waiters[i+1:]...)
				removed = true
				break
			}
		}
		if !removed {
			// admission raced the cancellation; hand the slot onward
			e.active--
			h.pumpLocked(e, limit)
		}
		h.mu.Unlock()
		return nil, xerrors.EnsureTrace(ctx.Err())
	}
}

// release returns a slot and admits the next waiter, if any.
func (h *Handler) release(key string) {
	limit := h.limitFor(key)
	h.mu.Lock()
	if e := h.entries[key]; e != nil {
		e.active--
		h.pumpLocked(e, limit)
	}
	h.mu.Unlock()
}

// pumpLocked admits waiters from the head of the queue while capacity
// allows. Called with mu held on every admission event so limit changes are
// picked up.
func (h *Handler) pumpLocked(e *entry, limit int) {
	for len(e.waiters) > 0 && (limit <= 0 || e.active < limit) {
		ch := e.waiters[0]
		e.waiters = e.waiters[1:]
		e.active++
		close(ch)
	}
}

// InFlight reports the number of admitted requests currently running for
// key.
func (h *Handler) InFlight(key string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	if e := h.entries[key]; e != nil {
		return e.active
	}
	return 0
}

// Parked reports the number of requests waiting for a slot for key.
func (h *Handler) Parked(key string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	if e := h.entries[key]; e != nil {
		return len(e.waiters)
	}
	return 0
}

// Keys reports the number of distinct client keys seen so far.
func (h *Handler) Keys() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.entries)
}
