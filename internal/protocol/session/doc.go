// Package session owns per-connection nREPL session state.
//
// Ownership boundary:
// - session identifiers and their lifecycle (clone, close, lookup)
// - per-session pending request ids and opaque evaluator context
// - transport reliability defaults and dial retry backoff
//
// A Registry is scoped to one connection; connections share nothing.
package session
