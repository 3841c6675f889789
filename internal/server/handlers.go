package server

import (
	"context"
	"errors"
	"sort"
	"sync"

	logs "github.com/danmuck/nreplctl/internal/logging"
	"github.com/danmuck/nreplctl/internal/observability"
	"github.com/danmuck/nreplctl/internal/protocol"
	"github.com/danmuck/nreplctl/internal/protocol/bencode"
	"github.com/danmuck/nreplctl/internal/protocol/session"
)

var ErrNoEvaluator = errors.New("server: no evaluator configured")

// Protocol version reported by describe.
const (
	versionMajor       = 1
	versionMinor       = 0
	versionIncremental = 0
	versionString      = "1.0.0"
)

var (
	errInterrupted   = errors.New("server: eval interrupted")
	errSessionClosed = errors.New("server: session closed during eval")
)

// Request is what a handler sees for one inbound message. Session is nil when
// the message names no session.
type Request struct {
	Msg     protocol.Message
	Conn    *Conn
	Session *session.State

	turn *evalTurn
}

// HandlerFunc serves one request. Returning nil without a terminal response
// makes the driver send done; returning an error makes it send an error
// status derived from the error.
type HandlerFunc func(ctx context.Context, req *Request, w *ResponseWriter) error

// Handlers is the op -> handler table.
type Handlers struct {
	mu sync.RWMutex
	m  map[string]HandlerFunc
}

func NewHandlers() *Handlers {
	return &Handlers{m: make(map[string]HandlerFunc)}
}

// DefaultHandlers returns a table with every built-in op.
func DefaultHandlers() *Handlers {
	h := NewHandlers()
	h.Handle(protocol.OpClone, handleClone)
	h.Handle(protocol.OpClose, handleClose)
	h.Handle(protocol.OpEval, handleEval)
	h.Handle(protocol.OpInterrupt, handleInterrupt)
	h.Handle(protocol.OpDescribe, handleDescribe)
	h.Handle(protocol.OpLsSessions, handleLsSessions)
	return h
}

// Handle registers fn for op, replacing any previous handler.
func (h *Handlers) Handle(op string, fn HandlerFunc) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.m[op] = fn
}

func (h *Handlers) Lookup(op string) (HandlerFunc, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	fn, ok := h.m[op]
	return fn, ok
}

// Ops lists registered op names in sorted order.
func (h *Handlers) Ops() []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]string, 0, len(h.m))
	for op := range h.m {
		out = append(out, op)
	}
	sort.Strings(out)
	return out
}

func handleClone(_ context.Context, req *Request, w *ResponseWriter) error {
	id, err := req.Conn.registry.Clone(req.Msg.Session())
	if err != nil {
		return err
	}
	observability.SessionOpened()
	logs.Debugf("server.clone conn=%s parent=%q session=%q", req.Conn.id, req.Msg.Session(), id)
	return w.Send(w.Response().
		SetString(protocol.FieldNewSession, id).
		WithStatus(protocol.StatusDone))
}

func handleClose(_ context.Context, req *Request, w *ResponseWriter) error {
	id := req.Msg.Session()
	if n := req.Conn.cancelEvals(id, "", errSessionClosed); n > 0 {
		logs.Debugf("server.close conn=%s session=%q cancelled=%d", req.Conn.id, id, n)
	}
	if err := req.Conn.registry.Close(id); err != nil {
		return err
	}
	observability.SessionClosed()
	return w.Done(protocol.StatusSessionClosed)
}

func handleInterrupt(_ context.Context, req *Request, w *ResponseWriter) error {
	n := req.Conn.cancelEvals(req.Msg.Session(), req.Msg.InterruptID(), errInterrupted)
	if n == 0 {
		return w.Done(protocol.StatusSessionIdle)
	}
	return w.Done()
}

func handleDescribe(_ context.Context, req *Request, w *ResponseWriter) error {
	ops := bencode.NewMap()
	for _, op := range req.Conn.handlers.Ops() {
		ops.Set(op, bencode.Dict(nil))
	}
	versions := bencode.NewMap().Set("nrepl", bencode.Dict(bencode.NewMap().
		Set("major", bencode.Int(versionMajor)).
		Set("minor", bencode.Int(versionMinor)).
		Set("incremental", bencode.Int(versionIncremental)).
		SetString("version-string", versionString)))
	names := make([]string, 0, len(req.Conn.cfg.Versions))
	for name := range req.Conn.cfg.Versions {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		versions.SetString(name, req.Conn.cfg.Versions[name])
	}
	return w.Send(w.Response().
		Set(protocol.FieldOps, bencode.Dict(ops)).
		Set(protocol.FieldVersions, bencode.Dict(versions)).
		WithStatus(protocol.StatusDone))
}

func handleLsSessions(_ context.Context, req *Request, w *ResponseWriter) error {
	snaps := req.Conn.registry.List()
	ids := make([]string, 0, len(snaps))
	for _, s := range snaps {
		ids = append(ids, s.ID)
	}
	return w.Send(w.Response().
		Set(protocol.FieldSessions, bencode.Strings(ids...)).
		WithStatus(protocol.StatusDone))
}

func handleEval(ctx context.Context, req *Request, w *ResponseWriter) error {
	ev := req.Conn.cfg.Evaluator
	if ev == nil {
		return ErrNoEvaluator
	}
	st := req.Session
	if st == nil {
		// Sessionless evals run against a throwaway context.
		st = &session.State{Context: req.Conn.newContext(nil)}
	}

	evalCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)
	untrack := req.Conn.trackEval(req.Msg.ID(), req.Msg.Session(), cancel)
	defer untrack()

	// A queued eval is already tracked, so interrupt and close reach it
	// before it starts.
	if err := req.turn.wait(evalCtx); err != nil {
		untrack()
		return evalStopped(ctx, evalCtx, w)
	}

	for res, err := range ev.Evaluate(evalCtx, req.Msg.Code(), st) {
		if evalCtx.Err() != nil {
			break
		}
		if err != nil {
			untrack()
			return w.Send(w.Response().
				SetString(protocol.FieldEx, err.Error()).
				WithStatus(protocol.StatusEvalError, protocol.StatusError))
		}
		if res.empty() {
			continue
		}
		if err := w.Send(resultMessage(w.Response(), res)); err != nil {
			return err
		}
	}
	// Untrack before the terminal reply so a follow-up interrupt sees the
	// session idle.
	untrack()
	return evalStopped(ctx, evalCtx, w)
}

// evalStopped sends the terminal reply of an eval that ran out or was
// cancelled.
func evalStopped(ctx, evalCtx context.Context, w *ResponseWriter) error {
	switch cause := context.Cause(evalCtx); {
	case errors.Is(cause, errInterrupted):
		return w.Done(protocol.StatusInterrupted)
	case errors.Is(cause, errSessionClosed):
		return w.Done(protocol.StatusInterrupted, protocol.StatusSessionClosed)
	case ctx.Err() != nil:
		return ctx.Err()
	}
	return w.Done()
}

func resultMessage(m protocol.Message, res Result) protocol.Message {
	if res.Out != "" {
		m.SetString(protocol.FieldOut, res.Out)
	}
	if res.Err != "" {
		m.SetString(protocol.FieldErr, res.Err)
	}
	if res.Value.Kind != bencode.KindInvalid {
		m.Set(protocol.FieldValue, res.Value)
	}
	if res.Ns != "" {
		m.SetString(protocol.FieldNs, res.Ns)
	}
	if res.Exception != "" {
		m.SetString(protocol.FieldEx, res.Exception)
		if res.RootEx != "" {
			m.SetString(protocol.FieldRootEx, res.RootEx)
		}
		m.WithStatus(protocol.StatusEvalError)
	}
	return m
}
