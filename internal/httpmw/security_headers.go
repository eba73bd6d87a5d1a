package httpmw

import "net/http"

// edgeHeaders is stamped on every response before the handler runs. The
// policy assumes what this server is: a sessionless file origin with no
// cookies, no forms, and no cross-origin embedding, so everything locks to
// 'self' and framing is refused outright.
var edgeHeaders = [...]struct{ name, value string }{
	{"Strict-Transport-Security", "max-age=63072000; includeSubDomains"},
	{"Content-Security-Policy", "default-src 'self'; base-uri 'self'; form-action 'self'; frame-ancestors 'none'; object-src 'none'"},
	{"X-Content-Type-Options", "nosniff"},
	{"X-Frame-Options", "DENY"},
	{"Referrer-Policy", "strict-origin-when-cross-origin"},
	{"Permissions-Policy", "camera=(), geolocation=(), microphone=(), payment=(), usb=()"},
	{"Cross-Origin-Embedder-Policy", "require-corp"},
	{"Cross-Origin-Opener-Policy", "same-origin"},
	{"Cross-Origin-Resource-Policy", "same-origin"},
}

// SecurityHeaders applies the browser hardening headers. CSRF defenses are
// absent on purpose: with no sessions and no state-changing methods there
// is nothing to forge.
func SecurityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := w.Header()
		for _, e := range edgeHeaders {
			h.Set(e.name, e.value)
		}
		next.ServeHTTP(w, r)
	})
}
