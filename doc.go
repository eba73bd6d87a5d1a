// Package guardhttp is the hardening control layer for an embeddable HTTP
// server: a tree of composable handlers plus the lifecycle that governs it.
//
// A Handler either fully handles a request or declines it. Wrappers decorate
// exactly one inner handler (middleware with lifecycle), Collections try an
// ordered list of children until one claims the request, and Server is the
// lifecycle root that bridges the tree onto net/http.
//
// The tree is configured before Start and is treated as frozen afterwards.
// Mutating operations validate structure first (no cycles, extendable insert
// tails, not started) and never leave a partially applied change behind.
//
// The subpackages build on this: threadlimit (per-client concurrency
// admission), sizelimit (request/response byte budgets), graceful
// (drain-and-quiesce shutdown), alias (symlink boundary checks), and
// fileserver (alias-checked static serving).
package guardhttp
