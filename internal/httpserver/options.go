package httpserver

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/keithlinneman/guardhttp"
	"github.com/keithlinneman/guardhttp/internal/health"
	"github.com/keithlinneman/guardhttp/internal/httpmw"
	"github.com/keithlinneman/guardhttp/internal/log"
)

type Options struct {
	Logger       log.Logger
	Port         int
	UseRecoverMW bool
	OnPanic      func()
	MetricsMW    func(http.Handler) http.Handler
	RateLimitMW  func(http.Handler) http.Handler
	ClientIPOpts httpmw.ClientIPOptions
	Health       health.Probe
	Readiness    health.Probe

	// APIRoutes registers explicit routes; they win over the tree.
	APIRoutes func(chi.Router)

	// Tree is the handler tree served for everything no explicit route
	// claims. Start drives its lifecycle: Start before the listener opens,
	// Stop after the listener has shut down.
	Tree *guardhttp.Server

	// Drain, when set, is invoked by the stop function before the listener
	// closes; stop waits for the returned channel (bounded by the stop
	// context) so in-flight work finishes while the load balancer still
	// routes elsewhere.
	Drain func() <-chan struct{}
}
