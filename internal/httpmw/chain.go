package httpmw

import "net/http"

// Middleware is the composition unit this package trades in: anything that
// wraps an http.Handler and returns one.
type Middleware func(http.Handler) http.Handler

// Chain wraps h so the first middleware listed is the outermost at serve
// time. Nil entries are skipped, which lets callers assemble the list
// conditionally.
func Chain(h http.Handler, mws ...Middleware) http.Handler {
	for i := len(mws) - 1; i >= 0; i-- {
		if mw := mws[i]; mw != nil {
			h = mw(h)
		}
	}
	return h
}
