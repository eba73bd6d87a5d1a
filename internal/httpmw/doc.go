// Package httpmw holds the edge middleware shared by guardhttp's listeners:
// request identity, client address resolution, panic containment, browser
// hardening headers, and the logging and tracing hooks every request passes
// through.
//
// Ordering is owned by the callers (httpserver.NewHandler for the public
// listener, opshttp for the operations one); nothing here assumes its own
// position in the stack. Request-derived values move by context:
// RequestIDFromContext and ClientIPFromContext are the read side of what
// RequestID and ClientIP install.
//
// Log lines carry only fields the server itself produced. Query strings,
// user agents, and other caller-supplied text stay on spans, where sampling
// bounds the exposure.
package httpmw
