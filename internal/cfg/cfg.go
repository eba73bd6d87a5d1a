package cfg

import (
	"errors"
	"flag"
	"fmt"
	"net"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/keithlinneman/guardhttp/internal/log"
)

// App is the full runtime configuration. Fields are grouped the way the
// server is wired: listeners, logging, the served site, the guard layers,
// and the optional telemetry exporters.
type App struct {
	// Listeners
	HTTPPort  int
	AdminPort int

	// Logging
	LogJSON    bool
	LogLevel   string
	StackLevel string
	LogOrigins bool

	// Site content
	SiteDir       string
	SiteIndex     string
	AllowSymlinks bool

	// Client identity
	TrustedHops int

	// Admission
	ThreadLimit       int
	ThreadLimitTrust  string
	ThreadLimitHeader string

	// Byte budgets
	RequestLimit  int64
	ResponseLimit int64

	// Rate limiting
	RateLimitRPS   float64
	RateLimitBurst int

	// Shutdown
	DrainTimeout time.Duration

	// Telemetry
	EnablePprof     bool
	EnableTracing   bool
	OTLPEndpoint    string
	TraceSample     float64
	EnablePyroscope bool
	PyroServer      string
	PyroTenantID    string
}

// Register binds every field to fs with its default. Defaults are chosen so
// a bare invocation serves the placeholder site safely on 8080/9000.
func Register(fs *flag.FlagSet, c *App) {
	fs.IntVar(&c.HTTPPort, "http-port", 8080, "public listen port (1..65535)")
	fs.IntVar(&c.AdminPort, "admin-port", 9000, "ops listen port for metrics, probes and pprof (1..65535)")

	fs.BoolVar(&c.LogJSON, "log-json", true, "emit JSON records (false for logfmt-style text)")
	fs.StringVar(&c.LogLevel, "log-level", "info", "minimum level: debug|info|warn|error")
	fs.StringVar(&c.StackLevel, "stack-level", "error", "level at which records carry a stack: debug|info|warn|error")
	fs.BoolVar(&c.LogOrigins, "log-origins", true, "attach err_origin (function and file:line) to error records")

	fs.StringVar(&c.SiteDir, "site-dir", "", "directory to serve (empty serves the built-in placeholder)")
	fs.StringVar(&c.SiteIndex, "site-index", "index.html", "directory index file name")
	fs.BoolVar(&c.AllowSymlinks, "allow-symlinks", false, "follow symlinks that resolve inside site-dir")

	fs.IntVar(&c.TrustedHops, "trusted-hops", 0, "reverse proxies in front of this server")

	fs.IntVar(&c.ThreadLimit, "thread-limit", 10, "max concurrent requests per client (0 disables)")
	fs.StringVar(&c.ThreadLimitTrust, "thread-limit-trust", "none", "client key source: none|xff|forwarded")
	fs.StringVar(&c.ThreadLimitHeader, "thread-limit-header", "", "custom forwarded-for header (implies -thread-limit-trust=xff)")

	fs.Int64Var(&c.RequestLimit, "request-limit", -1, "max request body bytes (-1 unlimited)")
	fs.Int64Var(&c.ResponseLimit, "response-limit", -1, "max response body bytes (-1 unlimited)")

	fs.Float64Var(&c.RateLimitRPS, "rate-limit-rps", 0, "per-client requests per second (0 disables)")
	fs.IntVar(&c.RateLimitBurst, "rate-limit-burst", 0, "per-client burst (0 uses rps)")

	fs.DurationVar(&c.DrainTimeout, "drain-timeout", 30*time.Second, "max wait for in-flight requests on shutdown")

	fs.BoolVar(&c.EnablePprof, "enable-pprof", true, "serve pprof on the ops listener")
	fs.BoolVar(&c.EnableTracing, "enable-tracing", false, "export OTLP traces to -otlp-endpoint")
	fs.StringVar(&c.OTLPEndpoint, "otlp-endpoint", "", "OTLP gRPC collector (host:port)")
	fs.Float64Var(&c.TraceSample, "trace-sample", 0.0, "trace sampling ratio (0..1)")
	fs.BoolVar(&c.EnablePyroscope, "enable-pyroscope", false, "push continuous profiles to -pyro-server")
	fs.StringVar(&c.PyroServer, "pyro-server", "", "pyroscope server url")
	fs.StringVar(&c.PyroTenantID, "pyro-tenant", "", "tenant (X-Scope-OrgID) for -pyro-server")
}

// FillFromEnv applies environment variables to any flag the command line
// left untouched. Flag "foo-bar" reads PREFIX_FOO_BAR; precedence is
// cli > env > default. logf, when non-nil, hears about shadowed and
// rejected values.
func FillFromEnv(fs *flag.FlagSet, prefix string, logf func(string, ...any)) {
	fromCLI := make(map[string]bool)
	fs.Visit(func(f *flag.Flag) { fromCLI[f.Name] = true })

	note := func(format string, args ...any) {
		if logf != nil {
			logf(format, args...)
		}
	}

	fs.VisitAll(func(f *flag.Flag) {
		key := envKey(prefix, f.Name)
		val, set := os.LookupEnv(key)
		if !set {
			return
		}
		if fromCLI[f.Name] {
			note("flag -%s: cli value %q overrides env %s=%q", f.Name, f.Value.String(), key, val)
			return
		}
		prev := f.Value.String()
		if err := fs.Set(f.Name, val); err != nil {
			_ = fs.Set(f.Name, prev)
			note("flag -%s: ignoring invalid env %s=%q: %v", f.Name, key, val, err)
		}
	})
}

func envKey(prefix, flagName string) string {
	return prefix + strings.ReplaceAll(strings.ToUpper(flagName), "-", "_")
}

// Validate checks ranges and cross-field requirements. Problems are
// collected and reported together so a bad deployment surfaces in one pass.
func Validate(c App) error {
	var errs []error
	bad := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf(format, args...))
	}

	if c.HTTPPort < 1 || c.HTTPPort > 65535 {
		bad("invalid HTTP_PORT %d (must be 1..65535)", c.HTTPPort)
	}
	if c.AdminPort < 1 || c.AdminPort > 65535 {
		bad("invalid ADMIN_PORT %d (must be 1..65535)", c.AdminPort)
	}
	if c.AdminPort == c.HTTPPort {
		bad("ADMIN_PORT and HTTP_PORT must differ (both %d)", c.HTTPPort)
	}

	if _, err := log.ParseLevel(c.LogLevel); err != nil {
		bad("invalid LOG_LEVEL %q: %w", c.LogLevel, err)
	}
	if c.StackLevel != "" {
		if _, err := log.ParseLevel(c.StackLevel); err != nil {
			bad("invalid STACK_LEVEL %q: %w", c.StackLevel, err)
		}
	}

	// An empty SITE_DIR serves the built-in placeholder; a configured dir is
	// verified at startup when the file server opens it.
	if c.SiteIndex == "" || strings.ContainsAny(c.SiteIndex, "/\\") {
		bad("SITE_INDEX must be a bare file name (got %q)", c.SiteIndex)
	}

	if c.TrustedHops < 0 {
		bad("TRUSTED_HOPS must be >= 0 (got %d)", c.TrustedHops)
	}

	if c.ThreadLimit < 0 {
		bad("THREAD_LIMIT must be >= 0 (got %d)", c.ThreadLimit)
	}
	switch c.ThreadLimitTrust {
	case "none", "xff", "forwarded":
	default:
		bad("THREAD_LIMIT_TRUST must be none|xff|forwarded (got %q)", c.ThreadLimitTrust)
	}
	if c.ThreadLimitHeader != "" && c.ThreadLimitTrust == "forwarded" {
		bad("THREAD_LIMIT_HEADER only applies with THREAD_LIMIT_TRUST=none or xff")
	}

	if c.RequestLimit < -1 {
		bad("REQUEST_LIMIT must be >= -1 (got %d)", c.RequestLimit)
	}
	if c.ResponseLimit < -1 {
		bad("RESPONSE_LIMIT must be >= -1 (got %d)", c.ResponseLimit)
	}

	if c.RateLimitRPS < 0 {
		bad("RATE_LIMIT_RPS must be >= 0 (got %.3f)", c.RateLimitRPS)
	}
	if c.RateLimitBurst < 0 {
		bad("RATE_LIMIT_BURST must be >= 0 (got %d)", c.RateLimitBurst)
	}

	if c.DrainTimeout < 0 {
		bad("DRAIN_TIMEOUT must be >= 0 (got %s)", c.DrainTimeout)
	}

	if c.TraceSample < 0 || c.TraceSample > 1 {
		bad("invalid TRACE_SAMPLE %.3f (must be 0..1)", c.TraceSample)
	}
	if c.EnableTracing {
		if c.OTLPEndpoint == "" {
			bad("OTLP_ENDPOINT required when ENABLE_TRACING=true")
		} else if _, _, err := net.SplitHostPort(c.OTLPEndpoint); err != nil {
			// the grpc exporter wants a bare host:port, no scheme
			bad("OTLP_ENDPOINT must be host:port (got %q): %v", c.OTLPEndpoint, err)
		}
	}
	if c.EnablePyroscope {
		if c.PyroServer == "" {
			bad("PYRO_SERVER required when ENABLE_PYROSCOPE=true")
		} else if u, err := url.Parse(c.PyroServer); err != nil || u.Scheme == "" || u.Host == "" {
			bad("PYRO_SERVER must be a URL (got %q)", c.PyroServer)
		}
		if c.PyroTenantID == "" {
			bad("PYRO_TENANT required when ENABLE_PYROSCOPE=true")
		}
	}

	return errors.Join(errs...)
}
