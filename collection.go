package guardhttp

import (
	"errors"
	"net/http"

	"github.com/keithlinneman/guardhttp/internal/xerrors"
)

// Collection holds an ordered list of sibling handlers and offers each
// request to them in order until one claims it. The zero value is ready to
// use.
type Collection struct {
	Base
	handlers []Handler
}

// Append adds h after the existing children. Fails with ErrLoop if h is this
// node, already reachable from this node, or would make this node reachable
// from itself; nothing is changed on failure.
func (c *Collection) Append(h Handler) error {
	if h == nil {
		return xerrors.New("append: nil handler")
	}
	c.mu.Lock()
	if c.state != StateUninitialized {
		c.mu.Unlock()
		return xerrors.WithStack(ErrStarted)
	}
	if h.base() == c.base() || subtreeContains(h, c.base()) {
		c.mu.Unlock()
		return xerrors.WithStack(ErrLoop)
	}
	for _, existing := range c.handlers {
		if subtreeContains(existing, h.base()) {
			c.mu.Unlock()
			return xerrors.WithStack(ErrLoop)
		}
	}
	c.handlers = append(c.handlers, h)
	srv := c.srv
	c.mu.Unlock()

	if srv != nil {
		return h.SetServer(srv)
	}
	return nil
}

// SetHandlers replaces all children at once. The same structural checks as
// Append apply to every handler, including against each other, before the
// list is swapped.
func (c *Collection) SetHandlers(hs ...Handler) error {
	seen := make(map[*Base]bool)
	for _, h := range hs {
		if h == nil {
			return xerrors.New("set handlers: nil handler")
		}
		if seen[h.base()] {
			return xerrors.WithStack(ErrLoop)
		}
		collectSubtree(h, seen)
	}

	c.mu.Lock()
	if c.state != StateUninitialized {
		c.mu.Unlock()
		return xerrors.WithStack(ErrStarted)
	}
	if seen[c.base()] {
		c.mu.Unlock()
		return xerrors.WithStack(ErrLoop)
	}
	c.handlers = append([]Handler(nil), hs...)
	srv := c.srv
	c.mu.Unlock()

	if srv != nil {
		for _, h := range hs {
			if err := h.SetServer(srv); err != nil {
				return err
			}
		}
	}
	return nil
}

// Handle offers the request to each child in order. The first child that
// handles it (or errors) ends the dispatch.
func (c *Collection) Handle(w http.ResponseWriter, r *http.Request) (bool, error) {
	for _, h := range c.handlers {
		handled, err := h.Handle(w, r)
		if handled || err != nil {
			return handled, err
		}
	}
	return false, nil
}

// Start brings children up in order. If one fails, the ones already running
// are stopped again, newest first, and the error is returned.
func (c *Collection) Start() error {
	proceed, err := c.beginStart()
	if err != nil || !proceed {
		return err
	}
	hs := c.Handlers()
	for i, h := range hs {
		if err := h.Start(); err != nil {
			for j := i - 1; j >= 0; j-- {
				_ = hs[j].Stop()
			}
			c.failStart()
			return err
		}
	}
	c.finishStart()
	return nil
}

// Stop winds children down in reverse order. Every child is stopped even if
// an earlier one errors; errors are joined.
func (c *Collection) Stop() error {
	if !c.beginStop() {
		return nil
	}
	hs := c.Handlers()
	var errs []error
	for i := len(hs) - 1; i >= 0; i-- {
		if err := hs[i].Stop(); err != nil {
			errs = append(errs, err)
		}
	}
	c.finishStop()
	return errors.Join(errs...)
}

// SetServer records the root and pushes it to all current children.
func (c *Collection) SetServer(s *Server) error {
	if err := c.Base.SetServer(s); err != nil {
		return err
	}
	for _, h := range c.Handlers() {
		if err := h.SetServer(s); err != nil {
			return err
		}
	}
	return nil
}

// Handlers returns a copy of the child list in dispatch order.
func (c *Collection) Handlers() []Handler {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Handler(nil), c.handlers...)
}

func (c *Collection) Descendants() []Handler {
	var out []Handler
	for _, h := range c.Handlers() {
		collectDescendants(h, &out)
	}
	return out
}
