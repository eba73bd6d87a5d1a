package log

import "context"

type ctxKey struct{}

// WithContext stores l in ctx. Middleware uses this to hand request-scoped
// loggers (request id, client address already attached) down the stack.
func WithContext(ctx context.Context, l Logger) context.Context {
	return context.WithValue(ctx, ctxKey{}, l)
}

// FromContext returns the Logger carried by ctx. When ctx has none the nop
// logger comes back, so callers can log unconditionally.
func FromContext(ctx context.Context) Logger {
	if l, ok := ctx.Value(ctxKey{}).(Logger); ok && l != nil {
		return l
	}
	return Nop()
}
