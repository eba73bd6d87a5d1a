// Package httpserver assembles the public listener: the middleware stack,
// the explicit routes, and the handler tree that serves everything else.
package httpserver

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"path"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/keithlinneman/guardhttp/internal/health"
	"github.com/keithlinneman/guardhttp/internal/httpmw"
	"github.com/keithlinneman/guardhttp/internal/log"
	"github.com/keithlinneman/guardhttp/internal/xerrors"
)

// NewHandler assembles the public handler: a chi router carrying the explicit
// routes, with the guarded tree as the fallback for everything unrouted, all
// wrapped in the outer middleware stack.
func NewHandler(opts Options) http.Handler {
	r := chi.NewRouter()

	// Compress text responses (HTML/CSS/JS/JSON/SVG)
	r.Use(middleware.Compress(5,
		"text/html",
		"text/css",
		"application/javascript",
		"text/javascript",
		"application/json",
		"image/svg+xml",
		"image/x-icon",
	))

	// Annotate logger and tracer with http.route from the chi route pattern
	r.Use(httpmw.AnnotateHTTPRoute)
	r.Use(httpmw.AccessLog())

	// Health routes on the traffic listener so the load balancer's target
	// checks see what clients see
	if opts.Health != nil {
		r.Get("/-/healthy", health.HealthzHandler(opts.Health))
	}
	if opts.Readiness != nil {
		r.Get("/-/ready", health.ReadyzHandler(opts.Readiness))
	}

	if opts.APIRoutes != nil {
		r.Group(func(api chi.Router) {
			api.Use(httpmw.Scope("api"))
			opts.APIRoutes(api)
		})
	}

	// Everything without an explicit route falls through to the tree
	if opts.Tree != nil {
		fall := httpmw.Scope("tree")(opts.Tree)
		r.NotFound(fall.ServeHTTP)
		r.MethodNotAllowed(fall.ServeHTTP)
	}

	var recoverMW httpmw.Middleware
	if opts.UseRecoverMW {
		recoverMW = httpmw.Recover(opts.Logger, opts.OnPanic)
	}

	// First entry is outermost at serve time. Nil entries (recovery off, no
	// metrics or rate limiter configured) drop out of the stack.
	return httpmw.Chain(r,
		httpmw.SecurityHeaders, // on every response, including panics caught below
		recoverMW,
		httpmw.RequestID("X-Request-Id"),
		httpmw.ClientIPWithOptions(opts.ClientIPOpts), // resolved before the limiter keys on it
		opts.RateLimitMW,
		tracing(), // refused requests never open spans
		httpmw.TraceResponseHeaders("X-Trace-Id", "X-Span-Id"),
		opts.MetricsMW,
		httpmw.WithLogger(opts.Logger), // inner so request logs carry trace ids
	)
}

// tracing wraps the inner stack in the otelhttp server instrumentation.
// Probes and static assets are filtered out so traces stay about real work.
func tracing() httpmw.Middleware {
	return func(next http.Handler) http.Handler {
		return otelhttp.NewHandler(next, "http.server",
			otelhttp.WithFilter(func(r *http.Request) bool {
				return traceworthy(r.URL.Path)
			}),
			otelhttp.WithSpanNameFormatter(func(_ string, r *http.Request) string {
				// AnnotateHTTPRoute renames the span once the route pattern is known
				return r.Method + " " + r.URL.Path
			}),
			otelhttp.WithPublicEndpointFn(func(*http.Request) bool { return true }),
		)
	}
}

func traceworthy(p string) bool {
	switch p {
	case "/favicon.ico", "/favicon.svg", "/robots.txt":
		return false
	case "/-/healthy", "/-/ready":
		return false
	}
	switch strings.ToLower(path.Ext(p)) {
	case ".css", ".js", ".png", ".jpg", ".jpeg", ".webp", ".svg", ".ico", ".woff", ".woff2", ".map":
		return false
	}
	return true
}

// Server timeout defaults, shared with opshttp.
const (
	DefaultReadHeaderTimeout = 5 * time.Second
	DefaultReadTimeout       = 10 * time.Second
	DefaultWriteTimeout      = 10 * time.Second
	DefaultIdleTimeout       = 60 * time.Second
	DefaultMaxHeaderBytes    = 1 << 20 // 1 MB
)

// shutdownGrace bounds how long Shutdown waits for in-flight requests once
// the drain phase is over.
const shutdownGrace = 5 * time.Second

func NewServer(addr string, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: DefaultReadHeaderTimeout,
		ReadTimeout:       DefaultReadTimeout,
		WriteTimeout:      DefaultWriteTimeout,
		IdleTimeout:       DefaultIdleTimeout,
		MaxHeaderBytes:    DefaultMaxHeaderBytes,
	}
}

// Start opens the public listener and returns stop(ctx) for graceful
// shutdown. The handler tree, if any, starts before the listener opens and
// stops after it closes. stop waits for the tree to drain first (bounded by
// the stop context), then shuts the listener down, so in-flight requests
// finish while new ones are already being turned away.
func Start(ctx context.Context, opts Options) (func(context.Context) error, error) {
	addr := fmt.Sprintf(":%d", opts.Port)
	if opts.Port == 0 {
		addr = ":8080"
	}

	if opts.Tree != nil {
		if err := opts.Tree.Start(); err != nil {
			return nil, xerrors.Wrap(err, "start handler tree")
		}
	}

	ln, err := (&net.ListenConfig{}).Listen(ctx, "tcp4", addr)
	if err != nil {
		if opts.Tree != nil {
			opts.Tree.Stop()
		}
		return nil, xerrors.EnsureTrace(err)
	}

	srv := NewServer(addr, NewHandler(opts))
	go serve(ctx, opts.Logger, srv, ln)

	var once sync.Once
	stop := func(sctx context.Context) (retErr error) {
		once.Do(func() { retErr = shutdown(sctx, srv, opts) })
		return retErr
	}
	return stop, nil
}

func serve(ctx context.Context, logger log.Logger, srv *http.Server, ln net.Listener) {
	logger.Info(ctx, "http server listening", "addr", ln.Addr().String())
	if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error(ctx, err, "http server error")
	}
}

// shutdown runs the ordered teardown: drain the tree, close the listener,
// stop the tree.
func shutdown(ctx context.Context, srv *http.Server, opts Options) error {
	opts.Logger.Info(ctx, "http server shutting down")

	if opts.Drain != nil {
		select {
		case <-opts.Drain():
		case <-ctx.Done():
			opts.Logger.Warn(ctx, "drain cut short by stop context")
		}
	}

	c, cancel := context.WithTimeout(ctx, shutdownGrace)
	defer cancel()
	err := srv.Shutdown(c)

	if opts.Tree != nil {
		if terr := opts.Tree.Stop(); terr != nil {
			opts.Logger.Error(ctx, terr, "handler tree stop")
		}
	}
	return err
}
