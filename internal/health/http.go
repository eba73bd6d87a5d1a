package health

import "net/http"

// probeHandler renders a probe as an endpoint: 200 with okBody when the
// probe passes (or is nil), 503 carrying the failure reason otherwise.
func probeHandler(p Probe, okBody string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if p != nil {
			if err := p.Check(r.Context()); err != nil {
				http.Error(w, err.Error(), http.StatusServiceUnavailable)
				return
			}
		}
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(okBody))
	}
}

// HealthzHandler serves liveness: is the process up and able to answer at
// all. Restart loops key off this, so it should fail only for conditions a
// restart could fix.
func HealthzHandler(p Probe) http.HandlerFunc { return probeHandler(p, "ok\n") }

// ReadyzHandler serves readiness: should the load balancer route traffic
// here. It fails during drain and while dependencies are unavailable.
func ReadyzHandler(p Probe) http.HandlerFunc { return probeHandler(p, "ready\n") }
