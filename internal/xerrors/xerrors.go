// Package xerrors decorates errors with the call site that raised them, so
// the logger can report where an error came from without every caller
// threading file/line information by hand.
//
// Errors keep their identity: errors.Is and errors.As see through every
// decorator this package adds. Wrap and Wrapf also prefix a message, the
// rest only attach the stack.
package xerrors

import (
	"errors"
	"fmt"
	"runtime"
)

// traced is the single decorator type: an error, an optional message prefix,
// and the program counters captured where the decorator was applied.
type traced struct {
	err error
	msg string
	pcs []uintptr
}

func (t *traced) Error() string {
	if t.msg == "" {
		return t.err.Error()
	}
	return t.msg + ": " + t.err.Error()
}

func (t *traced) Unwrap() error { return t.err }

func (t *traced) Callers() []uintptr { return t.pcs }

// stackDepth bounds the capture. Deep enough to reach main through any
// realistic handler chain; overflow drops the oldest frames, which are the
// least interesting ones.
const stackDepth = 48

func capture(skip int) []uintptr {
	pcs := make([]uintptr, stackDepth)
	// +2 skips runtime.Callers and capture itself
	n := runtime.Callers(skip+2, pcs)
	return pcs[:n]
}

// New returns a new error carrying the caller's stack.
func New(msg string) error {
	return &traced{err: errors.New(msg), pcs: capture(1)}
}

// Newf returns a new formatted error carrying the caller's stack. The %w
// verb works as in fmt.Errorf.
func Newf(format string, args ...any) error {
	return &traced{err: fmt.Errorf(format, args...), pcs: capture(1)}
}

// Wrap prefixes err with msg and records the caller. Returns nil for a nil
// err so call sites can wrap unconditionally.
func Wrap(err error, msg string) error {
	if err == nil {
		return nil
	}
	return &traced{err: err, msg: msg, pcs: capture(1)}
}

// Wrapf is Wrap with a format string.
func Wrapf(err error, format string, args ...any) error {
	if err == nil {
		return nil
	}
	return &traced{err: err, msg: fmt.Sprintf(format, args...), pcs: capture(1)}
}

// WithStack records the caller on err without changing its message. Used at
// the point a sentinel or stdlib error is raised, so errors.Is still matches
// the sentinel while the log shows where it happened.
func WithStack(err error) error {
	if err == nil {
		return nil
	}
	return &traced{err: err, pcs: capture(1)}
}

// EnsureTrace is WithStack unless err already carries a stack somewhere in
// its chain. Used on errors arriving from other packages, where decorating
// twice would bury the original capture point.
func EnsureTrace(err error) error {
	if err == nil || Traced(err) {
		return err
	}
	return &traced{err: err, pcs: capture(1)}
}

// carrier is what the logger looks for when rendering an error.
type carrier interface {
	Callers() []uintptr
}

// Traced reports whether err carries a captured stack anywhere in its chain.
func Traced(err error) bool {
	var c carrier
	return errors.As(err, &c) && len(c.Callers()) > 0
}

// Callers returns the captured stack nearest the surface of err's chain, or
// nil if no decorator in the chain has one.
func Callers(err error) []uintptr {
	var c carrier
	if errors.As(err, &c) {
		return c.Callers()
	}
	return nil
}
