package server

import (
	"context"
	"iter"

	"github.com/danmuck/nreplctl/internal/protocol/bencode"
	"github.com/danmuck/nreplctl/internal/protocol/session"
)

// Result is one partial evaluation result. Each non-empty Result becomes one
// response message.
type Result struct {
	Out   string
	Err   string
	Value bencode.Value
	Ns    string
	// Exception is reported in the ex field with an eval-error status; the
	// sequence may keep going.
	Exception string
	RootEx    string
}

func (r Result) empty() bool {
	return r.Out == "" && r.Err == "" && r.Value.Kind == bencode.KindInvalid &&
		r.Ns == "" && r.Exception == "" && r.RootEx == ""
}

// Evaluator runs code against a session's opaque context. The returned
// sequence is finite and consumed once; it must stop promptly once ctx ends.
// A yielded error ends the evaluation with an eval-error terminal status.
type Evaluator interface {
	Evaluate(ctx context.Context, code string, st *session.State) iter.Seq2[Result, error]
}

// ContextFactory is implemented by evaluators that keep per-session state.
// NewContext receives the parent session's context, or nil for roots.
type ContextFactory interface {
	NewContext(parent any) any
}

// EvaluatorFunc adapts a function to Evaluator.
type EvaluatorFunc func(ctx context.Context, code string, st *session.State) iter.Seq2[Result, error]

func (f EvaluatorFunc) Evaluate(ctx context.Context, code string, st *session.State) iter.Seq2[Result, error] {
	return f(ctx, code, st)
}
