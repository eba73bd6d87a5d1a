package ratelimit

import (
	"context"
	"io"
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/keithlinneman/guardhttp/internal/httpmw"
)

// client pairs one key's bucket with its last activity.
type client struct {
	lim    *rate.Limiter
	seen   time.Time
	warned bool // first-denial hook already fired for this entry
}

// Limiter tracks a token bucket per client key and evicts idle entries in
// the background. Construct with New.
type Limiter struct {
	mu      sync.Mutex
	clients map[string]*client

	refill rate.Limit
	burst  int

	// ttl is how long an idle client stays tracked before eviction.
	ttl time.Duration

	// maxClients bounds the map so rotating source addresses cannot grow
	// it without limit. While full, unknown keys are refused and known
	// ones keep their normal budget. 0 removes the cap.
	maxClients int

	// capacityWarned is true once onCapacity has fired for the current
	// full episode. Re-armed when eviction brings the map under the cap.
	capacityWarned bool

	keyFn         func(*http.Request) string
	onDenied      func(key string)
	onFirstDenied func(key string)
	onCapacity    func()
}

type Option func(*Limiter)

// WithRate sets the bucket size and refill rate. burst is the bucket
// capacity; perSecond is how many tokens return each second. WithRate(10,
// 50) admits 50 requests at once and then sustains 10 per second.
func WithRate(perSecond float64, burst int) Option {
	return func(l *Limiter) {
		l.refill = rate.Limit(perSecond)
		l.burst = burst
	}
}

// WithTTL sets how long an idle client stays tracked before eviction.
func WithTTL(d time.Duration) Option {
	return func(l *Limiter) { l.ttl = d }
}

// WithMaxClients caps how many distinct keys are tracked at once. 0
// removes the cap.
func WithMaxClients(n int) Option {
	return func(l *Limiter) { l.maxClients = n }
}

// WithKeyFunc overrides how requests map to limiter keys. The default is
// the resolved client IP from the request context.
func WithKeyFunc(fn func(*http.Request) string) Option {
	return func(l *Limiter) { l.keyFn = fn }
}

// WithOnDenied sets a hook called on every denied request, typically a
// counter increment.
func WithOnDenied(fn func(key string)) Option {
	return func(l *Limiter) { l.onDenied = fn }
}

// WithOnFirstDenied sets a hook called the first time a tracked client is
// denied, typically one log line. It fires again only after the entry is
// evicted and recreated.
func WithOnFirstDenied(fn func(key string)) Option {
	return func(l *Limiter) { l.onFirstDenied = fn }
}

// WithOnCapacity sets a hook called once each time the client map fills.
func WithOnCapacity(fn func()) Option {
	return func(l *Limiter) { l.onCapacity = fn }
}

// New builds a Limiter and starts its eviction goroutine, which runs until
// ctx is cancelled.
func New(ctx context.Context, opts ...Option) *Limiter {
	l := &Limiter{
		clients:    make(map[string]*client),
		refill:     10,
		burst:      30,
		ttl:        5 * time.Minute,
		maxClients: 100000,
	}
	for _, o := range opts {
		o(l)
	}
	go l.evictLoop(ctx)
	return l
}

// verdict is the outcome of one admission check, computed under the lock
// so the hooks can fire outside it.
type verdict struct {
	allowed     bool
	firstDenial bool
	atCapacity  bool
}

func (l *Limiter) admit(key string) verdict {
	l.mu.Lock()
	defer l.mu.Unlock()

	c, ok := l.clients[key]
	if !ok {
		if l.maxClients > 0 && len(l.clients) >= l.maxClients {
			first := !l.capacityWarned
			l.capacityWarned = true
			return verdict{atCapacity: first}
		}
		c = &client{lim: rate.NewLimiter(l.refill, l.burst)}
		l.clients[key] = c
	}
	c.seen = time.Now()

	v := verdict{allowed: c.lim.Allow()}
	if !v.allowed && !c.warned {
		c.warned = true
		v.firstDenial = true
	}
	return v
}

// Allow reports whether a request under key may proceed, firing the
// configured hooks as a side effect. Hooks run outside the limiter lock,
// so they may do slow work without stalling other requests.
func (l *Limiter) Allow(key string) bool {
	v := l.admit(key)
	if v.atCapacity && l.onCapacity != nil {
		l.onCapacity()
	}
	if v.allowed {
		return true
	}
	if v.firstDenial && l.onFirstDenied != nil {
		l.onFirstDenied(key)
	}
	if l.onDenied != nil {
		l.onDenied(key)
	}
	return false
}

func (l *Limiter) evictLoop(ctx context.Context) {
	// Half the TTL keeps stale entries from outliving their deadline by
	// much without sweeping constantly.
	ticker := time.NewTicker(l.ttl / 2)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			l.sweep(now)
		}
	}
}

// sweep drops clients idle past the TTL and re-arms the capacity warning
// once the map is back under its cap.
func (l *Limiter) sweep(now time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for key, c := range l.clients {
		if now.Sub(c.seen) > l.ttl {
			delete(l.clients, key)
		}
	}
	if l.maxClients > 0 && len(l.clients) < l.maxClients {
		l.capacityWarned = false
	}
}

func (l *Limiter) key(r *http.Request) string {
	if l.keyFn != nil {
		return l.keyFn(r)
	}
	return httpmw.ClientIPFromContext(r.Context())
}

// Middleware rejects requests over their key's budget with a 429. The
// response body deliberately says nothing about limits or refill timing.
func (l *Limiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if l.Allow(l.key(r)) {
			next.ServeHTTP(w, r)
			return
		}
		w.Header().Set("Content-Type", "application/json; charset=utf-8")
		w.Header().Set("Retry-After", "30")
		w.WriteHeader(http.StatusTooManyRequests)
		io.WriteString(w, `{"error":"too many requests"}`)
	})
}
