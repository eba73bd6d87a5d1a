package cfg

import (
	"flag"
	"fmt"
	"strings"
	"testing"
	"time"
)

// parseArgs registers the flags on a fresh FlagSet and parses args, keeping
// each test isolated from flag.CommandLine.
func parseArgs(t *testing.T, args ...string) App {
	t.Helper()
	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	var c App
	Register(fs, &c)
	if err := fs.Parse(args); err != nil {
		t.Fatalf("flag parse: %v", err)
	}
	return c
}

func mustMention(t *testing.T, err error, sub string) {
	t.Helper()
	if err == nil {
		t.Fatalf("want error mentioning %q, got nil", sub)
	}
	if !strings.Contains(err.Error(), sub) {
		t.Fatalf("error %q does not mention %q", err, sub)
	}
}

type fieldCheck struct {
	name string
	got  any
	want any
}

func checkFields(t *testing.T, checks []fieldCheck) {
	t.Helper()
	for _, ck := range checks {
		if ck.got != ck.want {
			t.Errorf("%s = %v, want %v", ck.name, ck.got, ck.want)
		}
	}
}

func TestRegister_Defaults(t *testing.T) {
	c := parseArgs(t)

	checkFields(t, []fieldCheck{
		{"HTTPPort", c.HTTPPort, 8080},
		{"AdminPort", c.AdminPort, 9000},
		{"LogJSON", c.LogJSON, true},
		{"LogLevel", c.LogLevel, "info"},
		{"StackLevel", c.StackLevel, "error"},
		{"LogOrigins", c.LogOrigins, true},
		{"SiteDir", c.SiteDir, ""},
		{"SiteIndex", c.SiteIndex, "index.html"},
		{"AllowSymlinks", c.AllowSymlinks, false},
		{"TrustedHops", c.TrustedHops, 0},
		{"ThreadLimit", c.ThreadLimit, 10},
		{"ThreadLimitTrust", c.ThreadLimitTrust, "none"},
		{"ThreadLimitHeader", c.ThreadLimitHeader, ""},
		{"RequestLimit", c.RequestLimit, int64(-1)},
		{"ResponseLimit", c.ResponseLimit, int64(-1)},
		{"RateLimitRPS", c.RateLimitRPS, 0.0},
		{"RateLimitBurst", c.RateLimitBurst, 0},
		{"DrainTimeout", c.DrainTimeout, 30 * time.Second},
		{"EnablePprof", c.EnablePprof, true},
		{"EnableTracing", c.EnableTracing, false},
		{"TraceSample", c.TraceSample, 0.0},
		{"EnablePyroscope", c.EnablePyroscope, false},
	})
}

func TestRegister_FlagsBindEveryField(t *testing.T) {
	c := parseArgs(t,
		"-http-port=9090",
		"-admin-port=9100",
		"-log-json=false",
		"-log-level=debug",
		"-stack-level=warn",
		"-log-origins=false",
		"-site-dir=/srv/www",
		"-site-index=default.html",
		"-allow-symlinks",
		"-trusted-hops=2",
		"-thread-limit=25",
		"-thread-limit-trust=xff",
		"-thread-limit-header=CF-Connecting-IP",
		"-request-limit=1048576",
		"-response-limit=10485760",
		"-rate-limit-rps=50",
		"-rate-limit-burst=100",
		"-drain-timeout=1m",
		"-enable-pprof=false",
		"-enable-tracing",
		"-otlp-endpoint=otel:4317",
		"-trace-sample=0.5",
		"-enable-pyroscope",
		"-pyro-server=https://pyro:4040",
		"-pyro-tenant=team-a",
	)

	checkFields(t, []fieldCheck{
		{"HTTPPort", c.HTTPPort, 9090},
		{"AdminPort", c.AdminPort, 9100},
		{"LogJSON", c.LogJSON, false},
		{"LogLevel", c.LogLevel, "debug"},
		{"StackLevel", c.StackLevel, "warn"},
		{"LogOrigins", c.LogOrigins, false},
		{"SiteDir", c.SiteDir, "/srv/www"},
		{"SiteIndex", c.SiteIndex, "default.html"},
		{"AllowSymlinks", c.AllowSymlinks, true},
		{"TrustedHops", c.TrustedHops, 2},
		{"ThreadLimit", c.ThreadLimit, 25},
		{"ThreadLimitTrust", c.ThreadLimitTrust, "xff"},
		{"ThreadLimitHeader", c.ThreadLimitHeader, "CF-Connecting-IP"},
		{"RequestLimit", c.RequestLimit, int64(1048576)},
		{"ResponseLimit", c.ResponseLimit, int64(10485760)},
		{"RateLimitRPS", c.RateLimitRPS, 50.0},
		{"RateLimitBurst", c.RateLimitBurst, 100},
		{"DrainTimeout", c.DrainTimeout, time.Minute},
		{"EnablePprof", c.EnablePprof, false},
		{"EnableTracing", c.EnableTracing, true},
		{"OTLPEndpoint", c.OTLPEndpoint, "otel:4317"},
		{"TraceSample", c.TraceSample, 0.5},
		{"EnablePyroscope", c.EnablePyroscope, true},
		{"PyroServer", c.PyroServer, "https://pyro:4040"},
		{"PyroTenantID", c.PyroTenantID, "team-a"},
	})
}

func TestEnvKey(t *testing.T) {
	if got := envKey("GUARDHTTP_", "thread-limit-trust"); got != "GUARDHTTP_THREAD_LIMIT_TRUST" {
		t.Fatalf("envKey = %q", got)
	}
}

func TestFillFromEnv_AppliesUntouchedFlags(t *testing.T) {
	pfx := "GHTEST_"
	for _, kv := range [][2]string{
		{"HTTP_PORT", "8088"},
		{"LOG_LEVEL", "debug"},
		{"STACK_LEVEL", "warn"},
		{"LOG_ORIGINS", "false"},
		{"SITE_DIR", "/srv/www"},
		{"ALLOW_SYMLINKS", "true"},
		{"THREAD_LIMIT", "42"},
		{"THREAD_LIMIT_TRUST", "forwarded"},
		{"REQUEST_LIMIT", "2048"},
		{"RATE_LIMIT_RPS", "12.5"},
		{"DRAIN_TIMEOUT", "45s"},
		{"ENABLE_TRACING", "true"},
		{"OTLP_ENDPOINT", "otel:4317"},
	} {
		t.Setenv(pfx+kv[0], kv[1])
	}

	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	var c App
	Register(fs, &c)
	if err := fs.Parse(nil); err != nil {
		t.Fatalf("flag parse: %v", err)
	}
	FillFromEnv(fs, pfx, nil)

	checkFields(t, []fieldCheck{
		{"HTTPPort", c.HTTPPort, 8088},
		{"LogLevel", c.LogLevel, "debug"},
		{"StackLevel", c.StackLevel, "warn"},
		{"LogOrigins", c.LogOrigins, false},
		{"SiteDir", c.SiteDir, "/srv/www"},
		{"AllowSymlinks", c.AllowSymlinks, true},
		{"ThreadLimit", c.ThreadLimit, 42},
		{"ThreadLimitTrust", c.ThreadLimitTrust, "forwarded"},
		{"RequestLimit", c.RequestLimit, int64(2048)},
		{"RateLimitRPS", c.RateLimitRPS, 12.5},
		{"DrainTimeout", c.DrainTimeout, 45 * time.Second},
		{"EnableTracing", c.EnableTracing, true},
		{"OTLPEndpoint", c.OTLPEndpoint, "otel:4317"},
	})
}

func TestFillFromEnv_CLIWins(t *testing.T) {
	pfx := "GHTEST2_"
	t.Setenv(pfx+"HTTP_PORT", "7777")
	t.Setenv(pfx+"LOG_LEVEL", "warn")
	t.Setenv(pfx+"ENABLE_PPROF", "false")

	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	var c App
	Register(fs, &c)
	if err := fs.Parse([]string{"-http-port=9090", "-log-level=debug", "-enable-pprof=true"}); err != nil {
		t.Fatalf("flag parse: %v", err)
	}

	var notes []string
	FillFromEnv(fs, pfx, func(format string, args ...any) {
		notes = append(notes, fmt.Sprintf(format, args...))
	})

	checkFields(t, []fieldCheck{
		{"HTTPPort", c.HTTPPort, 9090},
		{"LogLevel", c.LogLevel, "debug"},
		{"EnablePprof", c.EnablePprof, true},
	})

	if len(notes) != 3 {
		t.Fatalf("override notes = %d (%v), want one per shadowed env var", len(notes), notes)
	}
	for _, msg := range notes {
		if !strings.Contains(msg, "overrides env") {
			t.Errorf("note %q does not explain the shadowing", msg)
		}
	}
}

func TestFillFromEnv_BadValueKeepsDefault(t *testing.T) {
	pfx := "GHTEST3_"
	t.Setenv(pfx+"HTTP_PORT", "not-a-number")

	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	var c App
	Register(fs, &c)
	if err := fs.Parse(nil); err != nil {
		t.Fatalf("flag parse: %v", err)
	}

	var notes []string
	FillFromEnv(fs, pfx, func(format string, args ...any) {
		notes = append(notes, fmt.Sprintf(format, args...))
	})

	if c.HTTPPort != 8080 {
		t.Errorf("HTTPPort = %d, want the default after a bad env value", c.HTTPPort)
	}
	if len(notes) != 1 || !strings.Contains(notes[0], "ignoring invalid env") {
		t.Fatalf("notes = %v, want a single rejection message", notes)
	}
}

func TestValidate_Accepts(t *testing.T) {
	t.Run("defaults serve the placeholder site", func(t *testing.T) {
		if err := Validate(parseArgs(t)); err != nil {
			t.Fatalf("defaults should validate: %v", err)
		}
	})

	t.Run("fully configured", func(t *testing.T) {
		c := parseArgs(t,
			"-site-dir=/srv/www",
			"-thread-limit-trust=xff",
			"-thread-limit-header=CF-Connecting-IP",
			"-rate-limit-rps=10",
			"-enable-tracing",
			"-otlp-endpoint=otel:4317",
			"-trace-sample=0.2",
			"-enable-pyroscope",
			"-pyro-server=https://pyro:4040",
			"-pyro-tenant=team-a",
		)
		if err := Validate(c); err != nil {
			t.Fatalf("Validate: %v", err)
		}
	})
}

func TestValidate_RejectsBadValues(t *testing.T) {
	cases := []struct {
		name string
		args []string
		want string
	}{
		{"site index with separator", []string{"-site-index=sub/index.html"}, "SITE_INDEX must be a bare file name"},
		{"empty site index", []string{"-site-index="}, "SITE_INDEX must be a bare file name"},
		{"unknown trust mode", []string{"-thread-limit-trust=always"}, "THREAD_LIMIT_TRUST must be none|xff|forwarded"},
		{"header under forwarded trust", []string{"-thread-limit-trust=forwarded", "-thread-limit-header=CF-Connecting-IP"}, "THREAD_LIMIT_HEADER only applies"},
		{"port clash", []string{"-admin-port=8080"}, "must differ"},
		{"negative burst", []string{"-rate-limit-burst=-5"}, "RATE_LIMIT_BURST must be >= 0"},
		{"pyroscope without tenant", []string{"-enable-pyroscope", "-pyro-server=https://pyro:4040"}, "PYRO_TENANT required"},
		{"tracing without endpoint", []string{"-enable-tracing"}, "OTLP_ENDPOINT required"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			mustMention(t, Validate(parseArgs(t, tc.args...)), tc.want)
		})
	}
}

func TestValidate_ReportsEverythingAtOnce(t *testing.T) {
	c := parseArgs(t,
		"-http-port=0",
		"-admin-port=70000",
		"-log-level=nope",
		"-stack-level=loud",
		"-trace-sample=2.0",
		"-enable-pyroscope",
		"-pyro-server=not-a-url",
		"-enable-tracing",
		"-otlp-endpoint=otel",
		"-trusted-hops=-1",
		"-thread-limit=-1",
		"-request-limit=-2",
		"-response-limit=-5",
		"-rate-limit-rps=-1",
		"-drain-timeout=-10s",
	)

	err := Validate(c)
	if err == nil {
		t.Fatal("Validate accepted a config where everything is wrong")
	}

	for _, want := range []string{
		"invalid HTTP_PORT",
		"invalid ADMIN_PORT",
		"invalid LOG_LEVEL",
		"invalid STACK_LEVEL",
		"invalid TRACE_SAMPLE",
		"PYRO_SERVER must be a URL",
		"PYRO_TENANT required",
		"OTLP_ENDPOINT must be host:port",
		"TRUSTED_HOPS must be >= 0",
		"THREAD_LIMIT must be >= 0",
		"REQUEST_LIMIT must be >= -1",
		"RESPONSE_LIMIT must be >= -1",
		"RATE_LIMIT_RPS must be >= 0",
		"DRAIN_TIMEOUT must be >= 0",
	} {
		mustMention(t, err, want)
	}
}
