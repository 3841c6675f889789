package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"

	logs "github.com/danmuck/nreplctl/internal/logging"
	"github.com/danmuck/nreplctl/internal/observability"
	"github.com/danmuck/nreplctl/internal/protocol"
	"github.com/danmuck/nreplctl/internal/protocol/bencode"
	"github.com/danmuck/nreplctl/internal/protocol/frame"
	"github.com/danmuck/nreplctl/internal/protocol/session"
)

// Config is the per-connection serving configuration.
type Config struct {
	Session   session.Config
	Evaluator Evaluator
	// Handlers defaults to DefaultHandlers. A table may be shared by many
	// connections.
	Handlers *Handlers
	// Versions are extra describe version entries, name -> version string.
	Versions        map[string]string
	RegistryOptions []session.Option
}

func DefaultConfig() Config {
	return Config{Session: session.DefaultConfig()}
}

// ConnSnapshot is the admin view of one connection.
type ConnSnapshot struct {
	ID        string             `json:"id"`
	Remote    string             `json:"remote,omitempty"`
	StartedAt time.Time          `json:"started_at"`
	Sessions  []session.Snapshot `json:"sessions"`
	Running   int                `json:"running_evals"`
}

type runningEval struct {
	id      string
	session string
	cancel  context.CancelCauseFunc
}

type readDeadliner interface {
	SetReadDeadline(t time.Time) error
}

// Conn serves one nREPL connection. It owns the connection's session registry;
// nothing is shared with other connections.
type Conn struct {
	id        string
	remote    string
	startedAt time.Time
	cfg       Config
	rw        io.ReadWriteCloser
	reader    *frame.Reader
	writer    *frame.Writer
	registry  *session.Registry
	handlers  *Handlers

	runMu     sync.Mutex
	running   map[*runningEval]struct{}
	evalTails map[string]*evalTurn

	wg sync.WaitGroup
}

func NewConn(rw io.ReadWriteCloser, cfg Config) *Conn {
	cfg.Session = cfg.Session.WithDefaults()
	if cfg.Handlers == nil {
		cfg.Handlers = DefaultHandlers()
	}
	limits := frame.DefaultLimits()
	limits.MaxFrameBytes = cfg.Session.MaxFrameBytes

	c := &Conn{
		id:        uuid.NewString(),
		startedAt: time.Now(),
		cfg:       cfg,
		rw:        rw,
		reader:    frame.NewReader(rw, limits),
		writer:    frame.NewWriter(rw),
		handlers:  cfg.Handlers,
		running:   make(map[*runningEval]struct{}),
		evalTails: make(map[string]*evalTurn),
	}
	if nc, ok := rw.(net.Conn); ok && nc.RemoteAddr() != nil {
		c.remote = nc.RemoteAddr().String()
	}
	opts := append([]session.Option(nil), cfg.RegistryOptions...)
	if _, ok := cfg.Evaluator.(ContextFactory); ok {
		opts = append(opts, session.WithContextFactory(c.newContext))
	}
	c.registry = session.NewRegistry(opts...)
	c.writer.SetTimeout(cfg.Session.WriteTimeout)
	return c
}

func (c *Conn) ID() string { return c.id }

func (c *Conn) Registry() *session.Registry { return c.registry }

// Serve runs the read pump until the peer disconnects, a fatal framing error
// occurs, or ctx ends. It waits for in-flight handlers before returning and
// closes rw. A clean disconnect returns nil.
func (c *Conn) Serve(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	observability.ConnectionOpened(observability.RoleServer)
	defer func() {
		cancel()
		_ = c.rw.Close()
		c.wg.Wait()
		c.closeSessions()
		observability.ConnectionClosed(observability.RoleServer)
	}()
	go func() {
		<-ctx.Done()
		_ = c.rw.Close()
	}()

	for {
		c.armReadDeadline()
		v, err := c.reader.Next()
		if err != nil {
			if errors.Is(err, io.EOF) || ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			if errors.Is(err, frame.ErrMalformed) || errors.Is(err, frame.ErrTruncated) || errors.Is(err, frame.ErrFrameTooLarge) {
				observability.RecordDecodeError(observability.RoleServer, "frame")
			}
			logs.Warnf("server.Conn.Serve conn=%s remote=%q err=%v", c.id, c.remote, err)
			return err
		}
		observability.RecordFrame(observability.RoleServer, observability.DirectionIn)

		msg, err := protocol.FromValue(v)
		if err != nil {
			c.rejectMalformed(v, err)
			continue
		}
		c.wg.Add(1)
		turn := c.reserveTurn(msg)
		go c.run(ctx, msg, turn)
	}
}

// Snapshot reports the connection's sessions and running evals.
func (c *Conn) Snapshot() ConnSnapshot {
	c.runMu.Lock()
	running := len(c.running)
	c.runMu.Unlock()
	return ConnSnapshot{
		ID:        c.id,
		Remote:    c.remote,
		StartedAt: c.startedAt,
		Sessions:  c.registry.List(),
		Running:   running,
	}
}

func (c *Conn) run(ctx context.Context, msg protocol.Message, turn *evalTurn) {
	defer c.wg.Done()
	defer c.releaseTurn(turn)
	start := time.Now()
	w := newResponseWriter(c, msg)

	err := c.dispatch(ctx, msg, turn, w)
	outcome := protocol.StatusDone
	switch {
	case err != nil && w.Terminated():
		outcome = protocol.StatusError
		logs.Warnf("server.Conn.run op=%q id=%q err after terminal: %v", msg.Op(), msg.ID(), err)
	case err != nil:
		outcome = protocol.StatusError
		if werr := w.Fail(failStatus(err)...); werr != nil {
			logs.Warnf("server.Conn.run op=%q id=%q write err=%v", msg.Op(), msg.ID(), werr)
		}
	case !w.Terminated():
		if werr := w.Done(); werr != nil {
			logs.Warnf("server.Conn.run op=%q id=%q write err=%v", msg.Op(), msg.ID(), werr)
		}
	}
	observability.RecordRequest(msg.Op(), outcome, time.Since(start))
}

func (c *Conn) dispatch(ctx context.Context, msg protocol.Message, turn *evalTurn, w *ResponseWriter) error {
	if err := protocol.ValidateRequest(msg); err != nil {
		return err
	}
	req := &Request{Msg: msg, Conn: c, turn: turn}
	if sid := msg.Session(); sid != "" {
		st, err := c.registry.Lookup(sid)
		if err != nil {
			return err
		}
		req.Session = st
	}
	fn, ok := c.handlers.Lookup(msg.Op())
	if !ok {
		return fmt.Errorf("%w: %q", protocol.ErrUnknownOp, msg.Op())
	}
	if id := msg.ID(); id != "" && req.Session != nil {
		if err := c.registry.AddPending(req.Session.ID, id); err == nil {
			defer c.registry.RemovePending(req.Session.ID, id)
		}
	}
	observability.AddPending(observability.RoleServer, 1)
	defer observability.AddPending(observability.RoleServer, -1)
	logs.Debugf("server.dispatch conn=%s op=%q id=%q session=%q", c.id, msg.Op(), msg.ID(), msg.Session())
	return fn(ctx, req, w)
}

// rejectMalformed answers a frame that decoded but does not fit the message
// model. Without a recoverable id it is only logged.
func (c *Conn) rejectMalformed(v bencode.Value, cause error) {
	observability.RecordDecodeError(observability.RoleServer, "type_mismatch")
	id := protocol.RecoverID(v)
	var sid string
	if v.Kind == bencode.KindMap {
		if raw, ok := v.Map.Get(protocol.FieldSession); ok {
			sid, _ = raw.Text()
		}
	}
	if id == "" {
		logs.Warnf("server.rejectMalformed conn=%s dropped frame err=%v", c.id, cause)
		return
	}
	resp := protocol.NewMessage().SetString(protocol.FieldID, id)
	if sid != "" {
		resp.SetString(protocol.FieldSession, sid)
	}
	resp.WithStatus(protocol.StatusError, protocol.StatusMalformed)
	if err := c.writer.WriteValue(resp.ToValue()); err != nil {
		logs.Warnf("server.rejectMalformed conn=%s id=%q write err=%v", c.id, id, err)
		return
	}
	observability.RecordFrame(observability.RoleServer, observability.DirectionOut)
}

func (c *Conn) armReadDeadline() {
	if c.cfg.Session.ReadTimeout <= 0 {
		return
	}
	if dl, ok := c.rw.(readDeadliner); ok {
		_ = dl.SetReadDeadline(time.Now().Add(c.cfg.Session.ReadTimeout))
	}
}

func (c *Conn) newContext(parent any) any {
	if f, ok := c.cfg.Evaluator.(ContextFactory); ok {
		return f.NewContext(parent)
	}
	return nil
}

// trackEval records a running eval so interrupt and close can cancel it.
func (c *Conn) trackEval(id, sessionID string, cancel context.CancelCauseFunc) func() {
	ev := &runningEval{id: id, session: sessionID, cancel: cancel}
	c.runMu.Lock()
	c.running[ev] = struct{}{}
	c.runMu.Unlock()
	return func() {
		c.runMu.Lock()
		delete(c.running, ev)
		c.runMu.Unlock()
	}
}

// cancelEvals cancels the session's eval with request id, or all of the
// session's evals when id is empty. It returns how many were cancelled.
func (c *Conn) cancelEvals(sessionID, id string, cause error) int {
	c.runMu.Lock()
	defer c.runMu.Unlock()
	n := 0
	for ev := range c.running {
		if ev.session != sessionID || (id != "" && ev.id != id) {
			continue
		}
		ev.cancel(cause)
		n++
	}
	return n
}

func (c *Conn) closeSessions() {
	for _, snap := range c.registry.List() {
		if err := c.registry.Close(snap.ID); err == nil {
			observability.SessionClosed()
		}
	}
}

// evalTurn orders the evals of one session: each waits for the previous one
// to release before it runs. Sessions do not wait on each other.
type evalTurn struct {
	session string
	prev    <-chan struct{}
	mine    chan struct{}
	once    sync.Once
}

// wait blocks until the previous eval of the session has released its turn.
func (t *evalTurn) wait(ctx context.Context) error {
	if t == nil || t.prev == nil {
		return nil
	}
	select {
	case <-t.prev:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// reserveTurn queues an eval behind the session's previous eval. It runs on
// the read pump so turns follow arrival order.
func (c *Conn) reserveTurn(msg protocol.Message) *evalTurn {
	sid := msg.Session()
	if msg.Op() != protocol.OpEval || sid == "" {
		return nil
	}
	t := &evalTurn{session: sid, mine: make(chan struct{})}
	c.runMu.Lock()
	defer c.runMu.Unlock()
	if prev, ok := c.evalTails[sid]; ok {
		t.prev = prev.mine
	}
	c.evalTails[sid] = t
	return t
}

// releaseTurn hands the session to the next eval. A turn given up while still
// queued releases only once its predecessor has, keeping the chain ordered.
func (c *Conn) releaseTurn(t *evalTurn) {
	if t == nil {
		return
	}
	t.once.Do(func() {
		if t.prev == nil {
			c.finishTurn(t)
			return
		}
		go func() {
			<-t.prev
			c.finishTurn(t)
		}()
	})
}

// finishTurn opens the session to the next eval. The tail entry is dropped
// only when no later eval has queued behind t.
func (c *Conn) finishTurn(t *evalTurn) {
	c.runMu.Lock()
	defer c.runMu.Unlock()
	if c.evalTails[t.session] == t {
		delete(c.evalTails, t.session)
	}
	close(t.mine)
}
