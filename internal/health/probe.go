package health

import (
	"context"
	"sync"

	"github.com/keithlinneman/guardhttp/internal/xerrors"
)

// Probe answers one question at request time: can this process do its job
// right now? nil means yes; an error carries the reason it cannot.
type Probe interface {
	Check(context.Context) error
}

// CheckFunc adapts a plain function into a Probe.
type CheckFunc func(context.Context) error

func (f CheckFunc) Check(ctx context.Context) error { return f(ctx) }

// Fixed returns a probe with a constant answer, for surfaces that demand a
// probe where the process has no real signal to offer.
func Fixed(ok bool, reason string) CheckFunc {
	if ok {
		return func(context.Context) error { return nil }
	}
	if reason == "" {
		reason = "unhealthy"
	}
	err := xerrors.New(reason)
	return func(context.Context) error { return err }
}

// All passes only when every probe passes; the first failure wins. Nil
// entries are tolerated so optional checks can be wired unconditionally.
func All(ps ...Probe) CheckFunc {
	return func(ctx context.Context) error {
		for _, p := range ps {
			if p == nil {
				continue
			}
			if err := p.Check(ctx); err != nil {
				return err
			}
		}
		return nil
	}
}

// Any passes as soon as one probe passes; probes after the first pass are
// not consulted. When none pass, the last failure is returned so the
// response names a concrete reason.
func Any(ps ...Probe) CheckFunc {
	return func(ctx context.Context) error {
		var last error
		for _, p := range ps {
			if p == nil {
				continue
			}
			if last = p.Check(ctx); last == nil {
				return nil
			}
		}
		if last == nil {
			last = xerrors.New("no probes to consult")
		}
		return last
	}
}

// ShutdownGate is the readiness kill switch for drain. The zero value is
// open (ready); Set flips every probe obtained from Probe to failing, so
// load balancers pull the instance while in-flight work finishes.
type ShutdownGate struct {
	mu     sync.Mutex
	closed bool
	reason string
}

// Set closes the gate. The reason is what failing probes report.
func (g *ShutdownGate) Set(reason string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.closed = true
	g.reason = reason
}

// Clear reopens the gate.
func (g *ShutdownGate) Clear() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.closed = false
	g.reason = ""
}

// Probe returns the readiness view of the gate. The probe reads the gate's
// state at check time, so it can be handed out before Set is ever called.
func (g *ShutdownGate) Probe() CheckFunc {
	return func(context.Context) error {
		g.mu.Lock()
		defer g.mu.Unlock()
		if !g.closed {
			return nil
		}
		reason := g.reason
		if reason == "" {
			reason = "draining"
		}
		return xerrors.New(reason)
	}
}
