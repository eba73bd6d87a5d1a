package guardhttp

import (
	"errors"
	"net/http"
)

// Structural errors raised by tree mutation. All are detected before any
// pointer is moved, so a failed mutation leaves the tree exactly as it was.
var (
	// ErrLoop means the attach would have made a handler reachable from itself.
	ErrLoop = errors.New("handler loop")

	// ErrBadTail means the chain given to Insert does not end in an
	// extendable wrapper, so the previous child has nowhere to go.
	ErrBadTail = errors.New("bad tail of inserted handler chain")

	// ErrStarted means the configuration is frozen: the handler has been
	// started (or already stopped) and can no longer be rewired.
	ErrStarted = errors.New("handler already started")
)

// Handler is one node of request processing. A handler either fully handles
// a request (produces a response and reports handled=true) or declines it so
// a sibling can try.
//
// Implementations embed Base, Wrapper, or Collection, which provide the
// lifecycle and identity plumbing.
type Handler interface {
	// Handle processes r. handled reports whether this node (or a
	// descendant) produced the response. An error aborts dispatch; the
	// bridge at the root decides how to surface it.
	Handle(w http.ResponseWriter, r *http.Request) (handled bool, err error)

	// Start readies the subtree for traffic. It propagates root-first;
	// children are fully running before their parent settles. Starting an
	// already running handler is a no-op; starting a stopped one fails.
	Start() error

	// Stop winds the subtree down, children before parents. Stopping a
	// handler that never started, or stopping twice, is a no-op.
	Stop() error

	// State reports the node's own lifecycle state.
	State() State

	// SetServer associates the node (and any current descendants) with the
	// lifecycle root. Nodes attached later inherit it at attach time.
	SetServer(*Server) error

	// Server returns the associated lifecycle root, or nil.
	Server() *Server

	// base anchors node identity for structure checks. Provided by Base.
	base() *Base
}

// Container is a handler with children.
type Container interface {
	Handler

	// Handlers returns the direct children, in dispatch order.
	Handlers() []Handler

	// Descendants returns every transitive child, depth-first.
	Descendants() []Handler
}

// Singleton is a container with exactly one (possibly nil) child. Wrapper
// implements it; so does anything embedding Wrapper.
type Singleton interface {
	Container

	// Inner returns the wrapped handler, or nil.
	Inner() Handler

	// SetInner replaces the wrapped handler. nil detaches. Fails with
	// ErrLoop or ErrStarted; on failure nothing changed.
	SetInner(Handler) error

	// attach rewires the child with no validation. Callers have already
	// checked structure and state.
	attach(Handler)
}

// subtreeContains reports whether b is the identity of h or of any node
// reachable below it.
func subtreeContains(h Handler, b *Base) bool {
	if h == nil {
		return false
	}
	if h.base() == b {
		return true
	}
	c, ok := h.(Container)
	if !ok {
		return false
	}
	for _, child := range c.Handlers() {
		if subtreeContains(child, b) {
			return true
		}
	}
	return false
}

// collectSubtree records the identity of h and everything below it.
func collectSubtree(h Handler, seen map[*Base]bool) {
	if h == nil {
		return
	}
	seen[h.base()] = true
	if c, ok := h.(Container); ok {
		for _, child := range c.Handlers() {
			collectSubtree(child, seen)
		}
	}
}

// collectDescendants appends h and everything below it to out, depth-first.
func collectDescendants(h Handler, out *[]Handler) {
	if h == nil {
		return
	}
	*out = append(*out, h)
	if c, ok := h.(Container); ok {
		for _, child := range c.Handlers() {
			collectDescendants(child, out)
		}
	}
}
