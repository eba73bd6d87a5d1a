// Package metrics owns the Prometheus registry for a server process:
// request instrumentation, guard-layer counters, and build metadata.
package metrics

import (
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/keithlinneman/guardhttp/internal/version"
)

// ServerMetrics is the metric set for one server process. Construct with
// New.
type ServerMetrics struct {
	reg     *prometheus.Registry
	handler http.Handler

	// request instrumentation, recorded by Middleware
	inFlight     prometheus.Gauge
	requests     *prometheus.CounterVec
	duration     *prometheus.HistogramVec
	responseSize *prometheus.HistogramVec
	errors       *prometheus.CounterVec

	// guard layer
	parked          prometheus.Counter
	parkedClients   prometheus.Counter
	rejected        *prometheus.CounterVec
	payloadTooLarge *prometheus.CounterVec
	treeErrors      prometheus.Counter

	// process level
	panics            prometheus.Counter
	buildInfo         *prometheus.GaugeVec
	profilingActive   prometheus.Gauge
	rateLimited       prometheus.Counter
	rateLimitCapacity prometheus.Counter
}

// New builds a fresh registry carrying the Go and process collectors plus
// every server series. Label sets are closed (method, route pattern, status
// code, small reason enums); raw request data never becomes a label value.
func New() *ServerMetrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	f := promauto.With(reg)
	m := &ServerMetrics{
		reg: reg,

		inFlight: f.NewGauge(prometheus.GaugeOpts{
			Name: "http_inflight_requests",
			Help: "Current number of in-flight HTTP requests",
		}),
		requests: f.NewCounterVec(prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total HTTP requests by method, route, and status",
		}, []string{"method", "route", "status"}),
		duration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "Request latency by method and route",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "route"}),
		responseSize: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "http_response_size_bytes",
			Help:    "Response size by method and route",
			Buckets: prometheus.ExponentialBuckets(256, 4, 10),
		}, []string{"method", "route"}),
		errors: f.NewCounterVec(prometheus.CounterOpts{
			Name: "http_errors_total",
			Help: "Total 5xx responses by method and route",
		}, []string{"method", "route"}),

		parked: f.NewCounter(prometheus.CounterOpts{
			Name: "http_requests_parked_total",
			Help: "Total requests parked waiting for a per-client concurrency slot",
		}),
		parkedClients: f.NewCounter(prometheus.CounterOpts{
			Name: "http_clients_parked_total",
			Help: "Total distinct client keys that have ever had a request parked",
		}),
		rejected: f.NewCounterVec(prometheus.CounterOpts{
			Name: "http_requests_rejected_total",
			Help: "Total requests refused before reaching a handler, by reason",
		}, []string{"reason"}),
		payloadTooLarge: f.NewCounterVec(prometheus.CounterOpts{
			Name: "http_payload_too_large_total",
			Help: "Total byte budget violations by direction (request or response)",
		}, []string{"direction"}),
		treeErrors: f.NewCounter(prometheus.CounterOpts{
			Name: "http_tree_errors_total",
			Help: "Total errors escaping the handler tree",
		}),

		panics: f.NewCounter(prometheus.CounterOpts{
			Name: "http_panic_total",
			Help: "Total recovered handler panics",
		}),
		buildInfo: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "build_info",
			Help: "Build metadata (value is always 1)",
		}, []string{"app", "component", "version", "commit", "commit_date", "build_id", "build_date", "vcs_dirty", "go_version"}),
		profilingActive: f.NewGauge(prometheus.GaugeOpts{
			Name: "profiling_active",
			Help: "Whether continuous profiling is active (1) or disabled/failed (0)",
		}),
		rateLimited: f.NewCounter(prometheus.CounterOpts{
			Name: "http_requests_rate_limited_total",
			Help: "Total requests rejected by the rate limiter",
		}),
		rateLimitCapacity: f.NewCounter(prometheus.CounterOpts{
			Name: "http_requests_rate_limited_capacity_total",
			Help: "Total times the rate limiter hit its tracked-client capacity",
		}),
	}

	m.handler = promhttp.HandlerFor(reg, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
	return m
}

// Handler serves the registry in text or OpenMetrics form.
func (m *ServerMetrics) Handler() http.Handler {
	return m.handler
}

// SetBuildInfoFromVersion publishes build metadata as a constant gauge. Set
// once at startup.
func (m *ServerMetrics) SetBuildInfoFromVersion(app, component string, vi version.Info) {
	dirty := "unknown"
	if vi.VCSDirty != nil {
		dirty = strconv.FormatBool(*vi.VCSDirty)
	}
	m.buildInfo.With(prometheus.Labels{
		"app":         app,
		"component":   component,
		"version":     vi.Version,
		"commit":      vi.Commit,
		"commit_date": vi.CommitDate,
		"build_id":    vi.BuildID,
		"build_date":  vi.BuildDate,
		"go_version":  vi.GoVersion,
		"vcs_dirty":   dirty,
	}).Set(1)
}

// IncPanic counts one recovered handler panic.
func (m *ServerMetrics) IncPanic() {
	m.panics.Inc()
}

func (m *ServerMetrics) IncRateLimitDenied() {
	m.rateLimited.Inc()
}

func (m *ServerMetrics) IncRateLimitCapacity() {
	m.rateLimitCapacity.Inc()
}

func (m *ServerMetrics) SetProfilingActive(active bool) {
	if active {
		m.profilingActive.Set(1)
	} else {
		m.profilingActive.Set(0)
	}
}

// IncParked counts one request parked waiting for a slot.
func (m *ServerMetrics) IncParked() {
	m.parked.Inc()
}

// IncFirstParked counts a client key parking for the first time.
func (m *ServerMetrics) IncFirstParked() {
	m.parkedClients.Inc()
}

// IncRejected counts a refused request. reason is a small closed set
// ("draining", "cancelled"), never request data.
func (m *ServerMetrics) IncRejected(reason string) {
	m.rejected.WithLabelValues(reason).Inc()
}

// IncPayloadTooLarge counts a byte budget violation. direction is "request"
// or "response".
func (m *ServerMetrics) IncPayloadTooLarge(direction string) {
	m.payloadTooLarge.WithLabelValues(direction).Inc()
}

// IncTreeError counts an error that escaped the handler tree.
func (m *ServerMetrics) IncTreeError() {
	m.treeErrors.Inc()
}

// RegisterInFlight exposes the handler tree's own in-flight count as a
// gauge. Register at most once per ServerMetrics.
func (m *ServerMetrics) RegisterInFlight(fn func() float64) {
	m.reg.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "http_tree_inflight_requests",
		Help: "Current in-flight requests inside the handler tree",
	}, fn))
}
