// Package ratelimit applies a per-client token bucket in front of a
// handler.
//
// The limiter is in-memory and single-instance: it guards one process
// against a single client flooding it and makes the abuse visible (one log
// line per offender, a counter per denial), nothing more. Distributed
// attacks and bandwidth exhaustion need upstream filtering; inbound bytes
// are already accepted by the time this runs.
//
// Keys default to the resolved client IP and can be anything cheap to
// compute from a request.
package ratelimit
