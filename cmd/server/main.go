// The guardhttp server is a hardened static-site listener with an ops
// sidecar. The public port serves the configured site directory (or an
// embedded placeholder) through the guarded handler tree; the admin port
// serves metrics, health probes, and pprof to internal monitoring only.
package main

import (
	"context"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/keithlinneman/guardhttp"
	"github.com/keithlinneman/guardhttp/alias"
	"github.com/keithlinneman/guardhttp/fileserver"
	"github.com/keithlinneman/guardhttp/graceful"
	"github.com/keithlinneman/guardhttp/sizelimit"
	"github.com/keithlinneman/guardhttp/threadlimit"

	"github.com/keithlinneman/guardhttp/internal/cfg"
	"github.com/keithlinneman/guardhttp/internal/health"
	"github.com/keithlinneman/guardhttp/internal/httpmw"
	"github.com/keithlinneman/guardhttp/internal/httpserver"
	"github.com/keithlinneman/guardhttp/internal/log"
	"github.com/keithlinneman/guardhttp/internal/metrics"
	"github.com/keithlinneman/guardhttp/internal/opshttp"
	"github.com/keithlinneman/guardhttp/internal/otelx"
	"github.com/keithlinneman/guardhttp/internal/prof"
	"github.com/keithlinneman/guardhttp/internal/ratelimit"
	v "github.com/keithlinneman/guardhttp/internal/version"
	"github.com/keithlinneman/guardhttp/internal/webassets"
	"github.com/keithlinneman/guardhttp/internal/xerrors"
)

const appName = "guardhttp"

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var conf cfg.App
	cfg.Register(flag.CommandLine, &conf)
	showVersion := flag.Bool("V", false, "print version and build identity, then exit")
	flag.Parse()

	vi := v.Get()
	if *showVersion {
		fmt.Printf("%s %s\n", appName, vi)
		return
	}

	cfg.FillFromEnv(flag.CommandLine, "GUARDHTTP_", func(format string, args ...any) {
		fmt.Fprintf(os.Stderr, format+"\n", args...)
	})
	if err := cfg.Validate(conf); err != nil {
		fmt.Fprintf(os.Stderr, "%s: %v\n", appName, err)
		os.Exit(1)
	}

	lg, err := newLogger(conf)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%s: logger: %v\n", appName, err)
		os.Exit(1)
	}

	L := lg.With("component", "server")
	ctx = log.WithContext(ctx, L)

	if err := run(ctx, L, conf, vi); err != nil {
		L.Error(context.Background(), err, "fatal")
		_ = lg.Sync()
		os.Exit(1)
	}
	_ = lg.Sync()
}

// newLogger resolves the two level knobs and builds the process logger.
// Validate has already vetted the strings, so a parse failure here means the
// config layer and the log layer disagree about level names.
func newLogger(conf cfg.App) (log.Logger, error) {
	lvl, err := log.ParseLevel(conf.LogLevel)
	if err != nil {
		return nil, err
	}
	stack, err := log.ParseLevel(conf.StackLevel)
	if err != nil {
		return nil, err
	}
	return log.New(log.Options{
		App:        appName,
		Level:      lvl,
		StackLevel: stack,
		JSON:       conf.LogJSON,
		Origins:    conf.LogOrigins,
	})
}

// run owns the process from "config is valid" to "drained and stopped".
// Startup failures return an error; a clean shutdown returns nil.
func run(ctx context.Context, L log.Logger, conf cfg.App, vi v.Info) error {
	logBoot(ctx, L, conf, vi)

	m := metrics.New()
	m.SetBuildInfoFromVersion(appName, "server", vi)

	stopOTEL, stopProf := startTelemetry(ctx, L, conf, vi, m)
	var telOnce sync.Once
	closeTelemetry := func(fctx context.Context) {
		telOnce.Do(func() {
			if err := stopOTEL(fctx); err != nil {
				L.Error(context.Background(), err, "trace flush")
			}
			stopProf()
		})
	}
	defer closeTelemetry(context.Background())

	tree, drain, err := buildTree(ctx, L, conf, m)
	if err != nil {
		return err
	}
	m.RegisterInFlight(func() float64 { return float64(drain.InFlight()) })

	// Readiness fails while draining and whenever the tree is not running,
	// so balancers stop sending before the listener goes away.
	var gate health.ShutdownGate
	readiness := health.All(gate.Probe(), treeReady(tree))

	siteStop, err := httpserver.Start(ctx, httpserver.Options{
		Logger:       L,
		Port:         conf.HTTPPort,
		UseRecoverMW: true,
		OnPanic:      m.IncPanic,
		MetricsMW:    m.Middleware,
		RateLimitMW:  newRateLimit(ctx, L, conf, m),
		ClientIPOpts: httpmw.ClientIPOptions{TrustedHops: conf.TrustedHops},
		Health:       health.Fixed(true, ""),
		Readiness:    readiness,
		Tree:         tree,
		Drain:        drain.Shutdown,
	})
	if err != nil {
		return xerrors.Wrap(err, "site listener")
	}
	defer func() { _ = siteStop(context.Background()) }()

	// The admin surface stays on its own port behind the network boundary;
	// opshttp additionally refuses forwarded and non-private traffic in case
	// that boundary is ever misconfigured.
	opsStop, err := opshttp.Start(ctx, L, &opshttp.Options{
		Port:         conf.AdminPort,
		Metrics:      m.Handler(),
		EnablePprof:  conf.EnablePprof,
		Health:       health.Fixed(true, ""),
		Readiness:    readiness,
		UseRecoverMW: true,
		OnPanic:      m.IncPanic,
	})
	if err != nil {
		return xerrors.Wrap(err, "ops listener")
	}
	defer func() { _ = opsStop(context.Background()) }()

	if notified, err := notifySystemd(); err != nil {
		// worst case systemd kills us on its start timeout
		L.Warn(ctx, "systemd ready notification failed", "error", err)
	} else if notified {
		L.Debug(ctx, "notified systemd")
	}

	<-ctx.Done()

	bg := context.Background()
	L.Info(bg, "shutdown signal received")

	// Fail readiness first so upstreams steer new traffic away while the
	// requests already in the house finish.
	gate.Set("draining")

	drainCtx, cancelDrain := context.WithTimeout(bg, conf.DrainTimeout)
	defer cancelDrain()
	// a second signal abandons the drain and forces the stop
	stopCtx, stopSignals := signal.NotifyContext(drainCtx, os.Interrupt, syscall.SIGTERM)
	defer stopSignals()

	if err := siteStop(stopCtx); err != nil {
		L.Error(bg, err, "site listener stop")
	}
	if stopCtx.Err() != nil && drainCtx.Err() == nil {
		L.Warn(bg, "second signal received, drain cut short")
	}

	flushCtx, cancelFlush := context.WithTimeout(bg, 10*time.Second)
	defer cancelFlush()
	if err := opsStop(flushCtx); err != nil {
		L.Error(bg, err, "ops listener stop")
	}
	closeTelemetry(flushCtx)

	L.Info(bg, "shutdown complete")
	return nil
}

// logBoot records the resolved configuration once at startup, so a single
// log line is enough to reconstruct how an instance was running.
func logBoot(ctx context.Context, L log.Logger, conf cfg.App, vi v.Info) {
	L.Info(ctx, "server starting",
		"version", vi.Version, "commit", vi.Commit,
		"build_id", vi.BuildID, "build_date", vi.BuildDate,
		"go_version", vi.GoVersion, "vcs_dirty", vi.VCSDirty,
		"http_port", conf.HTTPPort, "admin_port", conf.AdminPort,
		"log_level", conf.LogLevel, "log_json", conf.LogJSON,
		"stack_level", conf.StackLevel, "log_origins", conf.LogOrigins,
		"site_dir", conf.SiteDir, "site_index", conf.SiteIndex,
		"allow_symlinks", conf.AllowSymlinks, "trusted_hops", conf.TrustedHops,
		"thread_limit", conf.ThreadLimit, "thread_limit_trust", conf.ThreadLimitTrust,
		"thread_limit_header", conf.ThreadLimitHeader,
		"request_limit", conf.RequestLimit, "response_limit", conf.ResponseLimit,
		"rate_limit_rps", conf.RateLimitRPS, "rate_limit_burst", conf.RateLimitBurst,
		"drain_timeout", conf.DrainTimeout, "enable_pprof", conf.EnablePprof,
		"enable_tracing", conf.EnableTracing, "otlp_endpoint", conf.OTLPEndpoint,
		"trace_sample", conf.TraceSample, "enable_pyroscope", conf.EnablePyroscope,
		"pyro_server", conf.PyroServer, "pyro_tenant", conf.PyroTenantID,
	)
}

// startTelemetry brings up the pyroscope agent and the OTel trace pipeline.
// Neither is fatal: a server that cannot reach its collector still serves.
// Both returned stops are always safe to call.
func startTelemetry(ctx context.Context, L log.Logger, conf cfg.App, vi v.Info, m *metrics.ServerMetrics) (func(context.Context) error, func()) {
	stopProf, profErr := prof.Start(ctx, prof.Options{
		Enabled:       conf.EnablePyroscope,
		AppName:       appName,
		ServerAddress: conf.PyroServer,
		TenantID:      conf.PyroTenantID,
		Tags: map[string]string{
			"app":       appName,
			"component": "server",
			"version":   vi.Version,
			"commit":    vi.Commit,
			"build_id":  vi.BuildID,
		},
	})
	if profErr != nil {
		L.Error(ctx, profErr, "profiler start", "pyro_server", conf.PyroServer)
	}
	m.SetProfilingActive(conf.EnablePyroscope && profErr == nil)

	// Insecure because the collector is a localhost sidecar.
	stopOTEL, err := otelx.Init(ctx, otelx.Options{
		Enabled:   conf.EnableTracing,
		Endpoint:  conf.OTLPEndpoint,
		Insecure:  true,
		Sample:    conf.TraceSample,
		Service:   appName,
		Component: "server",
		Version:   vi.Version,
	})
	if err != nil {
		L.Error(ctx, err, "tracing init", "otlp_endpoint", conf.OTLPEndpoint)
	}
	return stopOTEL, stopProf
}

// buildTree assembles the handler tree: the content leaf wrapped by the
// guards, drain outermost so shutdown sees every in-flight request.
func buildTree(ctx context.Context, L log.Logger, conf cfg.App, m *metrics.ServerMetrics) (*guardhttp.Server, *graceful.Handler, error) {
	leaf, err := newLeaf(ctx, L, conf)
	if err != nil {
		return nil, nil, err
	}

	// sibling list so future leaves (more mounts, an API subtree) slot in
	var coll guardhttp.Collection
	if err := coll.Append(leaf); err != nil {
		return nil, nil, xerrors.Wrap(err, "assemble collection")
	}

	drain := graceful.New(graceful.WithOnRejected(func(*http.Request) {
		m.IncRejected("draining")
	}))

	wrappers := []guardhttp.Singleton{drain}
	if conf.ThreadLimit > 0 {
		wrappers = append(wrappers, newThreadLimit(ctx, L, conf, m))
	}
	if conf.RequestLimit > 0 || conf.ResponseLimit > 0 {
		wrappers = append(wrappers, sizelimit.New(conf.RequestLimit, conf.ResponseLimit,
			sizelimit.WithOnExceeded(func(r *http.Request, dir sizelimit.Direction) {
				m.IncPayloadTooLarge(dir.String())
				L.Warn(ctx, "payload budget exceeded", "direction", dir.String(), "path", r.URL.Path)
			}),
		))
	}

	chain, err := guardhttp.Wrap(&coll, wrappers...)
	if err != nil {
		return nil, nil, xerrors.Wrap(err, "wrap handler tree")
	}

	tree := guardhttp.NewServer(guardhttp.WithOnError(func(r *http.Request, err error) {
		m.IncTreeError()
		L.Error(ctx, err, "handler tree error", "method", r.Method, "path", r.URL.Path)
	}))
	if err := tree.SetInner(chain); err != nil {
		return nil, nil, xerrors.Wrap(err, "set tree inner")
	}
	return tree, drain, nil
}

// newLeaf builds the content handler: the configured site directory, or the
// embedded placeholder when none is set so a bare invocation still answers.
func newLeaf(ctx context.Context, L log.Logger, conf cfg.App) (guardhttp.Handler, error) {
	if conf.SiteDir == "" {
		L.Warn(ctx, "no site dir configured, serving built-in placeholder page")
		return fileserver.NewFS(webassets.PlaceholderFS()), nil
	}
	opts := []fileserver.Option{fileserver.WithIndexFile(conf.SiteIndex)}
	if conf.AllowSymlinks {
		sym, err := alias.NewSymlinkChecker(conf.SiteDir)
		if err != nil {
			return nil, xerrors.Wrap(err, "symlink checker")
		}
		opts = append(opts, fileserver.WithAliases(alias.Chain{sym}))
	}
	fsrv, err := fileserver.New(conf.SiteDir, opts...)
	if err != nil {
		return nil, xerrors.Wrap(err, "file server")
	}
	return fsrv, nil
}

// newThreadLimit builds the per-client concurrency guard with the configured
// identity trust mode.
func newThreadLimit(ctx context.Context, L log.Logger, conf cfg.App, m *metrics.ServerMetrics) guardhttp.Singleton {
	opts := []threadlimit.Option{
		threadlimit.WithOnParked(func(string) { m.IncParked() }),
		// first park per client only, so a hot client cannot flood the log
		threadlimit.WithOnFirstParked(func(key string) {
			m.IncFirstParked()
			L.Warn(ctx, "client hit concurrency limit", "client", key)
		}),
	}
	switch {
	case conf.ThreadLimitHeader != "":
		opts = append(opts,
			threadlimit.WithTrust(threadlimit.TrustXForwardedFor),
			threadlimit.WithForwardedForHeader(conf.ThreadLimitHeader),
		)
	case conf.ThreadLimitTrust == "xff":
		opts = append(opts, threadlimit.WithTrust(threadlimit.TrustXForwardedFor))
	case conf.ThreadLimitTrust == "forwarded":
		opts = append(opts, threadlimit.WithTrust(threadlimit.TrustForwarded))
	}
	return threadlimit.New(conf.ThreadLimit, opts...)
}

// newRateLimit builds the per-client request rate middleware for the site
// listener. Nil when no rate is configured, which the middleware chain skips.
func newRateLimit(ctx context.Context, L log.Logger, conf cfg.App, m *metrics.ServerMetrics) func(http.Handler) http.Handler {
	if conf.RateLimitRPS <= 0 {
		return nil
	}
	burst := conf.RateLimitBurst
	if burst <= 0 {
		burst = max(int(conf.RateLimitRPS), 1)
	}
	lim := ratelimit.New(ctx,
		ratelimit.WithRate(conf.RateLimitRPS, burst),
		ratelimit.WithOnDenied(func(string) { m.IncRateLimitDenied() }),
		// first denial per client only, same flood concern as above
		ratelimit.WithOnFirstDenied(func(key string) {
			L.Warn(ctx, "rate limit triggered", "client", key)
		}),
		ratelimit.WithOnCapacity(func() {
			m.IncRateLimitCapacity()
			L.Warn(ctx, "rate limiter at capacity, refusing new clients")
		}),
	)
	return lim.Middleware
}

func treeReady(tree *guardhttp.Server) health.CheckFunc {
	return func(context.Context) error {
		if st := tree.State(); st != guardhttp.StateRunning {
			return fmt.Errorf("handler tree not running (state %s)", st)
		}
		return nil
	}
}

// notifySystemd sends READY=1 when started under a systemd unit with
// Type=notify. An unset NOTIFY_SOCKET means we are not under systemd.
func notifySystemd() (bool, error) {
	addr := os.Getenv("NOTIFY_SOCKET")
	if addr == "" {
		return false, nil
	}
	conn, err := net.Dial("unixgram", addr)
	if err != nil {
		return true, err
	}
	if _, err := conn.Write([]byte("READY=1")); err != nil {
		conn.Close()
		return true, err
	}
	return true, conn.Close()
}
