package opshttp

import (
	"net/http"
	"net/http/pprof"
)

// RegisterPprof mounts the standard pprof handlers on mux. Only called when
// profiling is explicitly enabled; the ops listener is private but pprof can
// still stall a small instance.
func RegisterPprof(mux *http.ServeMux) {
	mux.HandleFunc("/debug/pprof/", pprof.Index)
	mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
	mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
	mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
	mux.HandleFunc("/debug/pprof/trace", pprof.Trace)
}
