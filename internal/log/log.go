// Package log is the process-wide structured logging surface, a thin
// contract over log/slog.
//
// Every method takes a context first so records pick up ambient request
// facts (trace ids today, whatever else the enrichment layer learns
// tomorrow) without call sites threading them by hand. Errors get their own
// method: Error takes the error as an argument and the logger renders its
// type, wrap chain, and origin frame, so call sites never stringify errors
// themselves.
//
// The exported packages under the module root never log; they expose
// callbacks instead. Only the wiring in internal/ and cmd/ holds a Logger.
package log

import (
	"context"
	"io"
	"log/slog"
	"strings"

	"github.com/keithlinneman/guardhttp/internal/xerrors"
)

// Logger is implemented by the real slog-backed core and by Nop.
type Logger interface {
	// With returns a logger whose records all carry the given key/value
	// pairs. The receiver is unchanged; loggers are safe to share.
	With(kv ...any) Logger

	Debug(ctx context.Context, msg string, kv ...any)
	Info(ctx context.Context, msg string, kv ...any)
	Warn(ctx context.Context, msg string, kv ...any)

	// Error logs msg with err rendered into structured attributes. A nil
	// err degrades to a plain error-level record.
	Error(ctx context.Context, err error, msg string, kv ...any)

	// Sync flushes any buffered records. The slog core writes through, so
	// today this is a no-op kept for backends that buffer.
	Sync() error
}

// Options configures New.
type Options struct {
	// App is stamped on every record as the "app" attribute.
	App string

	// Level is the minimum level emitted.
	Level slog.Level

	// StackLevel is the level at or above which records carry a rendered
	// stack. The zero value means LevelError.
	StackLevel slog.Level

	// JSON selects JSON output; false means slog's text form.
	JSON bool

	// Origins adds an err_origin attribute (function and file:line where
	// the error was raised) to error records whose error carries a stack.
	Origins bool

	// Writer defaults to os.Stdout.
	Writer io.Writer
}

// New builds the slog-backed Logger.
func New(opts Options) (Logger, error) { return newCore(opts) }

// ParseLevel maps the config strings to slog levels.
func ParseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug, nil
	case "info":
		return slog.LevelInfo, nil
	case "warn":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	}
	return 0, xerrors.Newf("unknown log level %q (want debug|info|warn|error)", s)
}
