// Package server is the serving side of the nREPL protocol.
//
// Ownership boundary:
// - per-connection pump, op dispatch and response writing (Conn)
// - built-in op handlers and the Evaluator capability boundary
// - TCP accept loop and connection tracking (Service)
//
// Each Conn owns its session registry. Handlers run as independent goroutines
// so a long eval never stalls interrupt or close on the same connection. Evals
// of one session run in arrival order, one at a time.
package server
