package guardhttp

import (
	"net/http"

	"github.com/keithlinneman/guardhttp/internal/xerrors"
)

// Wrapper decorates exactly one inner handler, delegating requests and
// lifecycle to it. Middleware embeds Wrapper and overrides Handle, calling
// the embedded Handle to delegate inward. The zero value is ready to use.
type Wrapper struct {
	Base
	inner Handler
}

// Wrap is a convenience for building a chain outside-in: each wrapper takes
// the next one as its child and the final handler terminates the chain.
func Wrap(terminal Handler, wrappers ...Singleton) (Handler, error) {
	next := terminal
	for i := len(wrappers) - 1; i >= 0; i-- {
		if err := wrappers[i].SetInner(next); err != nil {
			return nil, err
		}
		next = wrappers[i]
	}
	return next, nil
}

// Inner returns the wrapped handler, or nil.
func (w *Wrapper) Inner() Handler {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.inner
}

// SetInner replaces the wrapped handler; nil detaches the current one.
// Structure and state are validated before anything changes.
func (w *Wrapper) SetInner(h Handler) error {
	w.mu.Lock()
	if w.state != StateUninitialized {
		w.mu.Unlock()
		return xerrors.WithStack(ErrStarted)
	}
	if h != nil {
		if h.base() == w.base() || subtreeContains(h, w.base()) {
			w.mu.Unlock()
			return xerrors.WithStack(ErrLoop)
		}
		if w.inner != nil && subtreeContains(w.inner, h.base()) {
			w.mu.Unlock()
			return xerrors.WithStack(ErrLoop)
		}
	}
	w.inner = h
	srv := w.srv
	w.mu.Unlock()

	if h != nil && srv != nil {
		return h.SetServer(srv)
	}
	return nil
}

func (w *Wrapper) attach(h Handler) {
	w.mu.Lock()
	w.inner = h
	w.mu.Unlock()
}

// Insert splices a wrapper chain between this node and its current child:
// the chain's tail adopts the previous child. The chain must terminate in an
// extendable wrapper (ErrBadTail otherwise) and must not share any node with
// this subtree (ErrLoop). Nothing is rewired until every check passes.
func (w *Wrapper) Insert(chain Singleton) error {
	if chain == nil {
		return xerrors.New("insert: nil chain")
	}

	// find the extendable tail of the inserted chain
	tail := chain
	for {
		inner := tail.Inner()
		if inner == nil {
			break
		}
		s, ok := inner.(Singleton)
		if !ok {
			return xerrors.WithStack(ErrBadTail)
		}
		tail = s
	}
	if chain.State() != StateUninitialized || tail.State() != StateUninitialized {
		return xerrors.WithStack(ErrStarted)
	}

	// snapshot the chain's membership before taking our own lock
	seen := make(map[*Base]bool)
	collectSubtree(chain, seen)

	w.mu.Lock()
	if w.state != StateUninitialized {
		w.mu.Unlock()
		return xerrors.WithStack(ErrStarted)
	}
	if seen[w.base()] {
		w.mu.Unlock()
		return xerrors.WithStack(ErrLoop)
	}
	old := w.inner
	if old != nil {
		overlap := false
		var walk func(h Handler)
		walk = func(h Handler) {
			if h == nil || overlap {
				return
			}
			if seen[h.base()] {
				overlap = true
				return
			}
			if c, ok := h.(Container); ok {
				for _, child := range c.Handlers() {
					walk(child)
				}
			}
		}
		walk(old)
		if overlap {
			w.mu.Unlock()
			return xerrors.WithStack(ErrLoop)
		}
	}

	tail.attach(old)
	w.inner = chain
	srv := w.srv
	w.mu.Unlock()

	if srv != nil {
		return chain.SetServer(srv)
	}
	return nil
}

// Handle delegates to the inner handler. The tree is frozen while running,
// so the child pointer is read without locking.
func (w *Wrapper) Handle(rw http.ResponseWriter, r *http.Request) (bool, error) {
	inner := w.inner
	if inner == nil {
		return false, nil
	}
	return inner.Handle(rw, r)
}

// Start brings this node up, then its child; the node settles running only
// once the whole subtree is.
func (w *Wrapper) Start() error {
	proceed, err := w.beginStart()
	if err != nil || !proceed {
		return err
	}
	if inner := w.Inner(); inner != nil {
		if err := inner.Start(); err != nil {
			w.failStart()
			return err
		}
	}
	w.finishStart()
	return nil
}

// Stop winds the child down first, then this node.
func (w *Wrapper) Stop() error {
	if !w.beginStop() {
		return nil
	}
	var err error
	if inner := w.Inner(); inner != nil {
		err = inner.Stop()
	}
	w.finishStop()
	return err
}

// SetServer records the root and pushes it to the current child subtree.
func (w *Wrapper) SetServer(s *Server) error {
	if err := w.Base.SetServer(s); err != nil {
		return err
	}
	if inner := w.Inner(); inner != nil {
		return inner.SetServer(s)
	}
	return nil
}

func (w *Wrapper) Handlers() []Handler {
	if inner := w.Inner(); inner != nil {
		return []Handler{inner}
	}
	return nil
}

func (w *Wrapper) Descendants() []Handler {
	var out []Handler
	collectDescendants(w.Inner(), &out)
	return out
}
