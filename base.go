package guardhttp

import (
	"net/http"
	"sync"

	"github.com/keithlinneman/guardhttp/internal/xerrors"
)

// Base provides the lifecycle state machine, the server reference, and the
// identity anchor every handler needs. Terminal handlers embed it directly;
// middleware embeds Wrapper instead. The zero value is ready to use.
type Base struct {
	mu    sync.Mutex
	state State
	srv   *Server
}

func (b *Base) base() *Base { return b }

// Handle declines every request. Terminal handlers override it.
func (b *Base) Handle(w http.ResponseWriter, r *http.Request) (bool, error) {
	return false, nil
}

// Start moves an uninitialized leaf straight to running.
func (b *Base) Start() error {
	proceed, err := b.beginStart()
	if err != nil || !proceed {
		return err
	}
	b.finishStart()
	return nil
}

// Stop moves a running leaf to stopped.
func (b *Base) Stop() error {
	if b.beginStop() {
		b.finishStop()
	}
	return nil
}

func (b *Base) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// SetServer records the lifecycle root. Re-homing a node that already left
// the uninitialized state fails.
func (b *Base) SetServer(s *Server) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.srv == s {
		return nil
	}
	if b.state != StateUninitialized {
		return xerrors.WithStack(ErrStarted)
	}
	b.srv = s
	return nil
}

func (b *Base) Server() *Server {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.srv
}

// beginStart claims the starting transition. proceed is false when the node
// is already starting or running (callers treat that as a no-op); a node
// that has begun stopping can never start again.
func (b *Base) beginStart() (proceed bool, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	switch b.state {
	case StateUninitialized:
		b.state = StateStarting
		return true, nil
	case StateStarting, StateRunning:
		return false, nil
	default:
		return false, xerrors.WithStack(ErrStarted)
	}
}

func (b *Base) finishStart() {
	b.mu.Lock()
	b.state = StateRunning
	b.mu.Unlock()
}

// failStart abandons a start whose children could not be brought up. The
// node lands in stopped so nothing will route work to it.
func (b *Base) failStart() {
	b.mu.Lock()
	b.state = StateStopped
	b.mu.Unlock()
}

// beginStop claims the stopping transition; false means there is nothing to
// do (never started, or already stopped).
func (b *Base) beginStop() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state != StateRunning {
		return false
	}
	b.state = StateStopping
	return true
}

func (b *Base) finishStop() {
	b.mu.Lock()
	b.state = StateStopped
	b.mu.Unlock()
}

// frozen reports whether configuration mutations are still allowed.
func (b *Base) frozen() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state != StateUninitialized
}
