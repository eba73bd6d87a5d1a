package opshttp

import (
	"net/http"

	"github.com/keithlinneman/guardhttp/internal/health"
)

type Options struct {
	Port         int
	Metrics      http.Handler
	EnablePprof  bool
	Health       health.Probe
	Readiness    health.Probe
	UseRecoverMW bool
	OnPanic      func() // optional hook for recovered panics, e.g. a prometheus counter
}
