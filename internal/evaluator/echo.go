// Package evaluator holds the reference evaluator used by the CLI and tests.
// It evaluates nothing: each line of code is echoed back as a value, except
// for a few directives that exercise streaming, errors and interruption.
package evaluator

import (
	"context"
	"errors"
	"iter"
	"strings"
	"sync"
	"time"

	"github.com/danmuck/nreplctl/internal/protocol/bencode"
	"github.com/danmuck/nreplctl/internal/protocol/session"
	"github.com/danmuck/nreplctl/internal/server"
)

const defaultNs = "user"

// Directives recognized at the start of a line.
const (
	DirectiveOut   = "out:"
	DirectiveErr   = "err:"
	DirectiveNs    = "ns:"
	DirectiveThrow = "throw:"
	DirectiveFail  = "fail:"
	DirectiveSleep = "sleep:"
)

// State is the per-session echo context.
type State struct {
	mu    sync.Mutex
	ns    string
	evals int
}

func (s *State) Ns() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ns
}

func (s *State) Evals() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.evals
}

// Echo implements server.Evaluator and server.ContextFactory.
type Echo struct{}

func NewEcho() *Echo { return &Echo{} }

// NewContext starts a session in the parent's namespace, or the default one.
func (e *Echo) NewContext(parent any) any {
	ns := defaultNs
	if p, ok := parent.(*State); ok {
		ns = p.Ns()
	}
	return &State{ns: ns}
}

func (e *Echo) Evaluate(ctx context.Context, code string, st *session.State) iter.Seq2[server.Result, error] {
	state, ok := st.Context.(*State)
	if !ok {
		state = e.NewContext(nil).(*State)
	}
	return func(yield func(server.Result, error) bool) {
		state.mu.Lock()
		state.evals++
		state.mu.Unlock()

		for _, line := range strings.Split(code, "\n") {
			line = strings.TrimSpace(line)
			if line == "" {
				continue
			}
			res, err := evalLine(ctx, state, line)
			if err != nil {
				yield(server.Result{}, err)
				return
			}
			if !yield(res, nil) {
				return
			}
		}
	}
}

func evalLine(ctx context.Context, state *State, line string) (server.Result, error) {
	switch {
	case strings.HasPrefix(line, DirectiveOut):
		return server.Result{Out: strings.TrimPrefix(line, DirectiveOut) + "\n"}, nil
	case strings.HasPrefix(line, DirectiveErr):
		return server.Result{Err: strings.TrimPrefix(line, DirectiveErr) + "\n"}, nil
	case strings.HasPrefix(line, DirectiveNs):
		ns := strings.TrimSpace(strings.TrimPrefix(line, DirectiveNs))
		state.mu.Lock()
		state.ns = ns
		state.mu.Unlock()
		return server.Result{Ns: ns}, nil
	case strings.HasPrefix(line, DirectiveThrow):
		msg := strings.TrimSpace(strings.TrimPrefix(line, DirectiveThrow))
		return server.Result{Exception: msg, RootEx: msg, Ns: state.Ns()}, nil
	case strings.HasPrefix(line, DirectiveFail):
		return server.Result{}, errors.New(strings.TrimSpace(strings.TrimPrefix(line, DirectiveFail)))
	case strings.HasPrefix(line, DirectiveSleep):
		d, err := time.ParseDuration(strings.TrimSpace(strings.TrimPrefix(line, DirectiveSleep)))
		if err != nil {
			return server.Result{}, err
		}
		timer := time.NewTimer(d)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return server.Result{}, ctx.Err()
		case <-timer.C:
		}
		return server.Result{Value: bencode.String("nil"), Ns: state.Ns()}, nil
	}
	return server.Result{Value: bencode.String(line), Ns: state.Ns()}, nil
}
