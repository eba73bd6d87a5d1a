package httpmw

import (
	"context"
	"net/http"
	"net/netip"
	"strings"
)

type clientIPKey struct{}

// ClientIPOptions configures how far the listener trusts forwarding
// headers.
type ClientIPOptions struct {
	// TrustedHops is the number of reverse proxies between the client and
	// this listener. Zero means clients connect directly and
	// X-Forwarded-For is stripped unread. One trusts the rightmost entry,
	// two the entry before it, and so on.
	TrustedHops int
}

// ClientIP is ClientIPWithOptions with no trusted proxies.
func ClientIP(next http.Handler) http.Handler {
	return ClientIPWithOptions(ClientIPOptions{})(next)
}

// ClientIPWithOptions resolves the client address once, early, and parks it
// in the context for the logger, the rate limiter, and anything else that
// keys on callers. Peers outside our own network never get their forwarding
// headers believed, whatever the hop count says.
func ClientIPWithOptions(opts ClientIPOptions) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			addr := resolveClientAddr(r, opts.TrustedHops)
			next.ServeHTTP(w, r.WithContext(WithClientIP(r.Context(), addr)))
		})
	}
}

// WithClientIP returns a context carrying the resolved client address.
func WithClientIP(ctx context.Context, ip string) context.Context {
	if ip == "" {
		return ctx
	}
	return context.WithValue(ctx, clientIPKey{}, ip)
}

// ClientIPFromContext returns the address ClientIP resolved, or "" when the
// middleware did not run.
func ClientIPFromContext(ctx context.Context) string {
	ip, _ := ctx.Value(clientIPKey{}).(string)
	return ip
}

// unknownAddr stands in when the transport peer cannot be parsed at all.
const unknownAddr = "0.0.0.0"

func resolveClientAddr(r *http.Request, trustedHops int) string {
	peer, ok := peerIP(r.RemoteAddr)
	if !ok {
		return unknownAddr
	}

	// Forwarding headers are believable only when the peer is our own
	// infrastructure (private range or loopback) and the operator declared
	// how many proxies stand in front. Otherwise strip them so nothing
	// downstream trusts them by accident.
	if trustedHops <= 0 || !(peer.IsPrivate() || peer.IsLoopback()) {
		stripForwardingHeaders(r)
		return peer.String()
	}

	xff := r.Header.Get("X-Forwarded-For")
	if xff == "" {
		return peer.String()
	}
	entries := strings.Split(xff, ",")
	i := len(entries) - trustedHops
	if i < 0 {
		// fewer entries than declared proxies: tampering or a
		// misconfigured hop count, so fail closed on the peer address
		stripForwardingHeaders(r)
		return peer.String()
	}
	if a, err := netip.ParseAddr(strings.TrimSpace(entries[i])); err == nil {
		return a.Unmap().String()
	}
	return peer.String()
}

// peerIP parses the transport peer out of RemoteAddr, accepting the bare
// host form some listeners and tests produce.
func peerIP(remote string) (netip.Addr, bool) {
	if ap, err := netip.ParseAddrPort(remote); err == nil {
		return ap.Addr().Unmap(), true
	}
	if a, err := netip.ParseAddr(remote); err == nil {
		return a.Unmap(), true
	}
	return netip.Addr{}, false
}

// stripForwardingHeaders removes the headers no downstream consumer is
// allowed to believe.
func stripForwardingHeaders(r *http.Request) {
	r.Header.Del("X-Forwarded-For")
	r.Header.Del("X-Forwarded-Proto")
}
