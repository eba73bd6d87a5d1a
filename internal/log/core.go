package log

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"runtime"
	"strings"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/keithlinneman/guardhttp/internal/xerrors"
)

// core is the slog-backed Logger. It holds only a handler; With layers
// attributes onto the handler, so cores are immutable and freely shared.
type core struct {
	h       slog.Handler
	origins bool
}

func newCore(opts Options) (Logger, error) {
	w := opts.Writer
	if w == nil {
		w = os.Stdout
	}
	stackAt := opts.StackLevel
	if stackAt == 0 {
		stackAt = slog.LevelError
	}

	hopts := &slog.HandlerOptions{Level: opts.Level, AddSource: true}
	var h slog.Handler
	if opts.JSON {
		h = slog.NewJSONHandler(w, hopts)
	} else {
		h = slog.NewTextHandler(w, hopts)
	}
	h = &enrich{next: h, stackAt: stackAt}
	if opts.App != "" {
		h = h.WithAttrs([]slog.Attr{slog.String("app", opts.App)})
	}
	return &core{h: h, origins: opts.Origins}, nil
}

func (c *core) With(kv ...any) Logger {
	as := attrs(kv)
	if len(as) == 0 {
		return c
	}
	return &core{h: c.h.WithAttrs(as), origins: c.origins}
}

func (c *core) Debug(ctx context.Context, msg string, kv ...any) {
	c.emit(ctx, slog.LevelDebug, msg, kv)
}

func (c *core) Info(ctx context.Context, msg string, kv ...any) {
	c.emit(ctx, slog.LevelInfo, msg, kv)
}

func (c *core) Warn(ctx context.Context, msg string, kv ...any) {
	c.emit(ctx, slog.LevelWarn, msg, kv)
}

func (c *core) Error(ctx context.Context, err error, msg string, kv ...any) {
	if err != nil {
		kv = append(kv, "err", err, "err_type", rootType(err))
		if chain := wrapChain(err); len(chain) > 1 {
			kv = append(kv, "err_chain", chain)
		}
		if c.origins {
			if o := origin(err); o != "" {
				kv = append(kv, "err_origin", o)
			}
		}
	}
	c.emit(ctx, slog.LevelError, msg, kv)
}

func (c *core) Sync() error { return nil }

func (c *core) emit(ctx context.Context, lvl slog.Level, msg string, kv []any) {
	if !c.h.Enabled(ctx, lvl) {
		return
	}
	// the source attribute should name the Debug/Info/Warn/Error caller:
	// skip runtime.Callers, emit, and the level method
	var pcs [1]uintptr
	runtime.Callers(3, pcs[:])
	r := slog.NewRecord(time.Now(), lvl, msg, pcs[0])
	r.Add(kv...)
	_ = c.h.Handle(ctx, r)
}

func attrs(kv []any) []slog.Attr {
	out := make([]slog.Attr, 0, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		k, ok := kv[i].(string)
		if !ok {
			continue
		}
		out = append(out, slog.Any(k, kv[i+1]))
	}
	return out
}

// enrich decorates records on their way to the output handler: trace/span
// ids when the context carries a valid span, and a rendered stack for
// records at or above stackAt.
type enrich struct {
	next    slog.Handler
	stackAt slog.Level
}

func (e *enrich) Enabled(ctx context.Context, lvl slog.Level) bool {
	return e.next.Enabled(ctx, lvl)
}

func (e *enrich) WithAttrs(as []slog.Attr) slog.Handler {
	return &enrich{next: e.next.WithAttrs(as), stackAt: e.stackAt}
}

func (e *enrich) WithGroup(name string) slog.Handler {
	return &enrich{next: e.next.WithGroup(name), stackAt: e.stackAt}
}

func (e *enrich) Handle(ctx context.Context, r slog.Record) error {
	if sc := trace.SpanContextFromContext(ctx); sc.IsValid() {
		r.AddAttrs(
			slog.String("trace_id", sc.TraceID().String()),
			slog.String("span_id", sc.SpanID().String()),
		)
	}
	if r.Level >= e.stackAt {
		if s := stackFor(&r); s != "" {
			r.AddAttrs(slog.String("stack", s))
		}
	}
	return e.next.Handle(ctx, r)
}

// stackFor prefers the stack captured where the record's error was raised;
// failing that it renders the log call site's stack.
func stackFor(r *slog.Record) string {
	var pcs []uintptr
	r.Attrs(func(a slog.Attr) bool {
		if a.Key != "err" {
			return true
		}
		if err, ok := a.Value.Any().(error); ok {
			pcs = xerrors.Callers(err)
		}
		return false
	})
	if len(pcs) == 0 {
		buf := make([]uintptr, 32)
		// skip runtime.Callers and stackFor; plumbing frames fall to the
		// render filter
		pcs = buf[:runtime.Callers(2, buf)]
	}
	return renderStack(pcs)
}

// renderStack formats frames as "func\n\tfile:line", dropping this module's
// logging plumbing from the top and stopping at the goroutine root.
// Mid-stack runtime frames are skipped rather than treated as the end, so a
// capture taken during a panic still shows the frames below gopanic.
func renderStack(pcs []uintptr) string {
	if len(pcs) == 0 {
		return ""
	}
	var b strings.Builder
	frames := runtime.CallersFrames(pcs)
	emitting := false
	for {
		fr, more := frames.Next()
		switch {
		case fr.Function == "runtime.main" || fr.Function == "runtime.goexit":
			return strings.TrimSpace(b.String())
		case strings.HasPrefix(fr.Function, "runtime."):
		case emitting || !plumbingFrame(fr.Function):
			emitting = true
			fmt.Fprintf(&b, "%s\n\t%s:%d\n", fr.Function, fr.File, fr.Line)
		}
		if !more {
			break
		}
	}
	return strings.TrimSpace(b.String())
}

func plumbingFrame(fn string) bool {
	return strings.Contains(fn, "/internal/log.") ||
		strings.Contains(fn, "/internal/xerrors.") ||
		strings.HasPrefix(fn, "log/slog.")
}

// rootType names the dynamic type of the innermost error, the one a reader
// usually wants when the outer layers are message decorators.
func rootType(err error) string {
	root := err
	for {
		next := errors.Unwrap(root)
		if next == nil {
			return fmt.Sprintf("%T", root)
		}
		root = next
	}
}

// wrapChain lists each distinct message down the unwrap chain, outermost
// first. Decorators that only attach a stack repeat their child's message
// and are collapsed away.
func wrapChain(err error) []string {
	var out []string
	prev := ""
	for e := err; e != nil; e = errors.Unwrap(e) {
		if msg := e.Error(); msg != prev {
			out = append(out, msg)
			prev = msg
		}
	}
	return out
}

// origin renders the first non-plumbing frame of the stack captured nearest
// err's surface: the place the error was raised or first decorated.
func origin(err error) string {
	pcs := xerrors.Callers(err)
	if len(pcs) == 0 {
		return ""
	}
	frames := runtime.CallersFrames(pcs)
	for {
		fr, more := frames.Next()
		if fr.Function != "" &&
			!plumbingFrame(fr.Function) &&
			!strings.HasPrefix(fr.Function, "runtime.") {
			return fmt.Sprintf("%s %s:%d", fr.Function, fr.File, fr.Line)
		}
		if !more {
			return ""
		}
	}
}
