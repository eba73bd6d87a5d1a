package guardhttp

import (
	"bufio"
	"net"
	"net/http"

	"github.com/keithlinneman/guardhttp/internal/xerrors"
)

// Server is the lifecycle root of a handler tree and its bridge onto
// net/http. It is a Wrapper, so the tree hangs off SetInner (or Insert), and
// it propagates itself as the server reference to everything attached.
//
// The embedding process owns the *http.Server and the listener; Server only
// turns tree outcomes into HTTP ones: unhandled requests become 404, errors
// become 500 when the response is still uncommitted, and errors after bytes
// have gone out abort the connection rather than frame a broken response.
type Server struct {
	Wrapper

	notFound http.Handler
	onError  func(r *http.Request, err error)
}

type ServerOption func(*Server)

// WithNotFound replaces the default 404 response for requests no handler
// claims.
func WithNotFound(h http.Handler) ServerOption {
	return func(s *Server) { s.notFound = h }
}

// WithOnError sets a callback invoked with any error escaping the tree,
// before the error response (or abort) is produced. Used to wire logging and
// metrics without the tree knowing about either.
func WithOnError(fn func(r *http.Request, err error)) ServerOption {
	return func(s *Server) { s.onError = fn }
}

func NewServer(opts ...ServerOption) *Server {
	s := &Server{}
	// the root owns itself; attached subtrees inherit this reference
	s.srv = s
	for _, o := range opts {
		o(s)
	}
	return s
}

// ServeHTTP dispatches into the tree and maps the outcome onto the wire.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if s.State() != StateRunning {
		w.Header().Set("Content-Type", "application/json; charset=utf-8")
		w.WriteHeader(http.StatusServiceUnavailable)
		w.Write([]byte(`{"error":"service unavailable"}`))
		return
	}

	cw := &commitTracker{ResponseWriter: w}
	handled, err := s.Handle(cw, r)
	if err != nil {
		if s.onError != nil {
			s.onError(r, err)
		}
		if cw.committed {
			// headers are out; a clean error response can no longer be
			// framed, so tear the connection down
			panic(http.ErrAbortHandler)
		}
		w.Header().Set("Content-Type", "application/json; charset=utf-8")
		w.WriteHeader(http.StatusInternalServerError)
		w.Write([]byte(`{"error":"internal server error"}`))
		return
	}
	if !handled {
		if s.notFound != nil {
			s.notFound.ServeHTTP(w, r)
			return
		}
		w.Header().Set("Content-Type", "application/json; charset=utf-8")
		w.WriteHeader(http.StatusNotFound)
		w.Write([]byte(`{"error":"not found"}`))
	}
}

// commitTracker remembers whether any part of the response reached the
// underlying writer.
type commitTracker struct {
	http.ResponseWriter
	committed bool
}

func (c *commitTracker) WriteHeader(code int) {
	c.committed = true
	c.ResponseWriter.WriteHeader(code)
}

func (c *commitTracker) Write(b []byte) (int, error) {
	c.committed = true
	return c.ResponseWriter.Write(b)
}

func (c *commitTracker) Flush() {
	if f, ok := c.ResponseWriter.(http.Flusher); ok {
		c.committed = true
		f.Flush()
	}
}

func (c *commitTracker) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := c.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, xerrors.New("underlying ResponseWriter does not implement http.Hijacker")
	}
	c.committed = true
	return h.Hijack()
}

// Unwrap supports http.ResponseController.
func (c *commitTracker) Unwrap() http.ResponseWriter { return c.ResponseWriter }
