// Package sizelimit caps the bytes a single request may read from its body
// and write to its response, independent of any declared Content-Length.
//
// Both directions are metered mid-stream, so an undeclared or chunked body
// that grows past budget fails on the first excess chunk rather than after
// the fact. Response writes are all or nothing: a write that would cross the
// ceiling transfers no bytes. If the overflow is detected before anything
// reached the wire the client gets a 413; once the response is committed the
// connection is torn down instead, because a well-formed error can no longer
// be framed.
//
// What this does NOT do: it does not bound memory used by handlers that
// buffer internally, and it does not limit header sizes (the embedding
// http.Server's MaxHeaderBytes covers those).
package sizelimit

import (
	"bufio"
	"errors"
	"io"
	"net"
	"net/http"

	"github.com/keithlinneman/guardhttp"
	"github.com/keithlinneman/guardhttp/internal/xerrors"
)

var (
	// ErrRequestTooLarge is returned by body reads once the request ceiling
	// has been crossed.
	ErrRequestTooLarge = errors.New("request body over limit")

	// ErrResponseTooLarge is returned by response writes that would cross
	// the response ceiling.
	ErrResponseTooLarge = errors.New("response body over limit")
)

// Direction identifies which budget a request exceeded.
type Direction int

const (
	DirectionRequest Direction = iota
	DirectionResponse
)

func (d Direction) String() string {
	switch d {
	case DirectionRequest:
		return "request"
	case DirectionResponse:
		return "response"
	default:
		return "unknown"
	}
}

// Handler meters request and response body bytes against independent
// ceilings. A ceiling of zero or less leaves that direction unlimited.
type Handler struct {
	guardhttp.Wrapper

	requestLimit  int64
	responseLimit int64
	onExceeded    func(r *http.Request, dir Direction)
}

// Option configures a Handler.
type Option func(*Handler)

// WithOnExceeded registers a callback invoked once per request when a budget
// is crossed, before the client sees the failure. Wire it to metrics or
// logging; the handler itself stays silent.
func WithOnExceeded(fn func(r *http.Request, dir Direction)) Option {
	return func(h *Handler) { h.onExceeded = fn }
}

// New returns a Handler enforcing the given ceilings in bytes. Zero or
// negative disables that direction.
func New(requestLimit, responseLimit int64, opts ...Option) *Handler {
	h := &Handler{requestLimit: requestLimit, responseLimit: responseLimit}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

func (h *Handler) Handle(w http.ResponseWriter, r *http.Request) (bool, error) {
	if h.requestLimit > 0 && r.ContentLength > h.requestLimit {
		// the declared length already exceeds the budget; reject without
		// reading a byte or waking inner handlers
		h.notify(r, DirectionRequest)
		respondTooLarge(w)
		return true, nil
	}

	var mr *meteredReader
	if h.requestLimit > 0 && r.Body != nil {
		mr = &meteredReader{rc: r.Body, limit: h.requestLimit}
		r.Body = mr
	}
	mw := &meteredWriter{rw: w, limit: h.responseLimit}

	handled, err := h.Wrapper.Handle(mw, r)

	// check the meters directly rather than trusting the returned error;
	// inner handlers may swallow I/O failures
	if mr != nil && mr.exceeded {
		h.notify(r, DirectionRequest)
		return h.fail(mw)
	}
	if mw.exceeded {
		h.notify(r, DirectionResponse)
		return h.fail(mw)
	}
	return handled, err
}

func (h *Handler) notify(r *http.Request, dir Direction) {
	if h.onExceeded != nil {
		h.onExceeded(r, dir)
	}
}

func (h *Handler) fail(mw *meteredWriter) (bool, error) {
	if mw.committed {
		// headers are out; a clean error response can no longer be
		// framed, so tear the connection down
		panic(http.ErrAbortHandler)
	}
	respondTooLarge(mw.rw)
	return true, nil
}

func respondTooLarge(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(http.StatusRequestEntityTooLarge)
	w.Write([]byte(`{"error":"payload too large"}`))
}

// meteredReader counts bytes handed to the caller and fails the stream on
// the read that crosses the ceiling. The crossing chunk is still delivered
// alongside the error so the count reflects bytes actually consumed.
type meteredReader struct {
	rc       io.ReadCloser
	limit    int64
	read     int64
	exceeded bool
}

func (m *meteredReader) Read(p []byte) (int, error) {
	if m.exceeded {
		return 0, ErrRequestTooLarge
	}
	n, err := m.rc.Read(p)
	m.read += int64(n)
	if m.read > m.limit {
		m.exceeded = true
		return n, ErrRequestTooLarge
	}
	return n, err
}

func (m *meteredReader) Close() error {
	return m.rc.Close()
}

// meteredWriter counts bytes sent and refuses, whole, any write that would
// cross the ceiling. committed flips on the first byte or header that
// reaches the underlying writer, never on a refused write.
type meteredWriter struct {
	rw        http.ResponseWriter
	limit     int64
	written   int64
	committed bool
	exceeded  bool
}

func (m *meteredWriter) Header() http.Header {
	return m.rw.Header()
}

func (m *meteredWriter) WriteHeader(status int) {
	if m.exceeded {
		return
	}
	m.committed = true
	m.rw.WriteHeader(status)
}

func (m *meteredWriter) Write(p []byte) (int, error) {
	if m.exceeded {
		return 0, ErrResponseTooLarge
	}
	if m.limit > 0 && m.written+int64(len(p)) > m.limit {
		m.exceeded = true
		return 0, ErrResponseTooLarge
	}
	m.committed = true
	n, err := m.rw.Write(p)
	m.written += int64(n)
	return n, err
}

func (m *meteredWriter) Flush() {
	if m.exceeded {
		return
	}
	if f, ok := m.rw.(http.Flusher); ok {
		m.committed = true
		f.Flush()
	}
}

func (m *meteredWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if hj, ok := m.rw.(http.Hijacker); ok {
		return hj.Hijack()
	}
	return nil, nil, xerrors.New("underlying writer does not support hijacking")
}

func (m *meteredWriter) Unwrap() http.ResponseWriter {
	return m.rw
}
