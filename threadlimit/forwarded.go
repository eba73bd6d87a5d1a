package threadlimit

import (
	"net"
	"net/http"
	"strings"
)

// key derives the ledger key for a request. Header-derived keys fall back to
// the peer address when the header is absent or empty.
func (h *Handler) key(r *http.Request) string {
	if h.keyFunc != nil {
		if k := h.keyFunc(r); k != "" {
			return k
		}
	}
	switch h.mode {
	case TrustXForwardedFor:
		if k := lastForwardedFor(r.Header, h.header); k != "" {
			return k
		}
	case TrustForwarded:
		if k := lastForwarded(r.Header); k != "" {
			return k
		}
	}
	return peerAddr(r)
}

// peerAddr is the connection's remote address without the port.
func peerAddr(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// lastForwardedFor returns the final comma-separated token of the named
// header: the entry appended by the nearest hop. Multiple header instances
// join with commas per RFC 7230, so only the last instance matters.
func lastForwardedFor(hdr http.Header, name string) string {
	vals := hdr.Values(name)
	if len(vals) == 0 {
		return ""
	}
	last := vals[len(vals)-1]
	if i := strings.LastIndexByte(last, ','); i >= 0 {
		last = last[i+1:]
	}
	return strings.TrimSpace(last)
}

// lastForwarded returns the value of the final for= parameter across all
// instances of the RFC 7239 Forwarded header, reduced to a bare host.
func lastForwarded(hdr http.Header) string {
	var out string
	for _, v := range hdr.Values("Forwarded") {
		// elements are comma-separated, their parameters semicolon-separated
		for _, elem := range strings.Split(v, ",") {
			for _, param := range strings.Split(elem, ";") {
				k, val, ok := strings.Cut(param, "=")
				if !ok {
					continue
				}
				if !strings.EqualFold(strings.TrimSpace(k), "for") {
					continue
				}
				if host := forwardedHost(strings.TrimSpace(val)); host != "" {
					out = host
				}
			}
		}
	}
	return out
}

// forwardedHost strips RFC 7239 quoting, IPv6 brackets, and any port from a
// for= value: `"[2001:db8::1]:8080"` becomes `2001:db8::1`.
func forwardedHost(v string) string {
	v = strings.Trim(v, `"`)
	if v == "" {
		return ""
	}
	if v[0] == '[' {
		if i := strings.IndexByte(v, ']'); i > 0 {
			return v[1:i]
		}
		return v
	}
	// exactly one colon means host:port; more is a bare IPv6 literal
	if strings.Count(v, ":") == 1 {
		if host, _, err := net.SplitHostPort(v); err == nil {
			return host
		}
	}
	return v
}
