package httpmw

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"net/http"
	"time"
)

type requestIDKey struct{}

// WithRequestID returns a context carrying id. An empty id leaves ctx
// untouched.
func WithRequestID(ctx context.Context, id string) context.Context {
	if id == "" {
		return ctx
	}
	return context.WithValue(ctx, requestIDKey{}, id)
}

// RequestIDFromContext returns the request id installed by RequestID, or ""
// when the middleware did not run.
func RequestIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

// RequestID keeps a caller-supplied id when it is well formed and mints one
// otherwise, then makes it available both downstream (context) and to the
// caller (echoed on the response header).
func RequestID(header string) Middleware {
	if header == "" {
		header = "X-Request-Id"
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id := sanitizeRequestID(r.Header.Get(header))
			if id == "" {
				id = mintRequestID()
			}
			w.Header().Set(header, id)
			next.ServeHTTP(w, r.WithContext(WithRequestID(r.Context(), id)))
		})
	}
}

// sanitizeRequestID accepts an inbound id only when it cannot corrupt a log
// line or a header: bounded length, letters, digits, and the separator
// punctuation common id schemes use. Anything else is discarded.
func sanitizeRequestID(id string) string {
	if id == "" || len(id) > 64 {
		return ""
	}
	for i := 0; i < len(id); i++ {
		switch c := id[i]; {
		case c >= 'a' && c <= 'z':
		case c >= 'A' && c <= 'Z':
		case c >= '0' && c <= '9':
		case c == '-' || c == '_' || c == '.':
		default:
			return ""
		}
	}
	return id
}

func mintRequestID() string {
	var b [16]byte
	if _, err := rand.Read(b[:]); err != nil {
		// an id only needs uniqueness, so a clock value covers the case
		// where the entropy pool is unreadable
		return fmt.Sprintf("t-%x", time.Now().UnixNano())
	}
	return hex.EncodeToString(b[:])
}
