package client

import (
	"context"
	"sort"
	"strings"
	"time"

	logs "github.com/danmuck/nreplctl/internal/logging"
	"github.com/danmuck/nreplctl/internal/protocol"
	"github.com/danmuck/nreplctl/internal/protocol/bencode"
	"github.com/danmuck/nreplctl/internal/protocol/correlate"
)

const interruptGrace = 2 * time.Second

// EvalResult aggregates every response of one eval request.
type EvalResult struct {
	Values []bencode.Value
	Out    string
	Err    string
	Ex     string
	RootEx string
	Ns     string
	Status protocol.Status
}

// HasError reports an evaluation failure carried in the responses.
func (r EvalResult) HasError() bool {
	return r.Ex != "" || r.Status.Has(protocol.StatusEvalError) || r.Status.Has(protocol.StatusError)
}

func (r EvalResult) Interrupted() bool {
	return r.Status.Has(protocol.StatusInterrupted)
}

// Description is the server's describe reply.
type Description struct {
	Ops      []string
	Versions map[string]string
}

// Call sends req and collects responses through the terminal one. Terminal
// failures other than evaluation errors are returned as *StatusError along
// with the collected responses.
func (c *Client) Call(ctx context.Context, req protocol.Message) ([]protocol.Message, error) {
	ctx, cancel := c.requestContext(ctx)
	defer cancel()
	recv, err := c.Send(ctx, req)
	if err != nil {
		return nil, err
	}
	msgs, err := recv.Collect(ctx)
	if err != nil {
		return msgs, err
	}
	return msgs, statusError(req.Op(), recv.ID(), msgs[len(msgs)-1])
}

// Clone creates a session, derived from parent when parent is non-empty.
func (c *Client) Clone(ctx context.Context, parent string) (string, error) {
	msgs, err := c.Call(ctx, protocol.NewClone(parent))
	if err != nil {
		return "", err
	}
	for _, msg := range msgs {
		if id := msg.NewSession(); id != "" {
			return id, nil
		}
	}
	return "", ErrMissingSession
}

func (c *Client) CloseSession(ctx context.Context, id string) error {
	_, err := c.Call(ctx, protocol.NewClose(id))
	return err
}

// Eval runs code in session and aggregates the streamed output. When ctx or
// the configured request timeout ends first, the eval is abandoned locally and
// an interrupt is sent for it.
func (c *Client) Eval(ctx context.Context, sessionID, code string, opts ...protocol.RequestOption) (EvalResult, error) {
	ctx, cancel := c.requestContext(ctx)
	defer cancel()
	opts = append([]protocol.RequestOption{protocol.WithSession(sessionID)}, opts...)
	recv, err := c.Send(ctx, protocol.NewEval(code, opts...))
	if err != nil {
		return EvalResult{}, err
	}

	var res EvalResult
	var out, errOut strings.Builder
	for {
		msg, err := recv.Next(ctx)
		if err != nil {
			res.Out, res.Err = out.String(), errOut.String()
			if ctx.Err() != nil && sessionID != "" {
				go c.interruptQuietly(sessionID, recv.ID())
			}
			return res, err
		}
		if v, ok := msg.Value(); ok {
			res.Values = append(res.Values, v)
		}
		out.WriteString(msg.Out())
		errOut.WriteString(msg.Err())
		if ex := msg.Ex(); ex != "" {
			res.Ex = ex
		}
		if rootEx := msg.RootEx(); rootEx != "" {
			res.RootEx = rootEx
		}
		if ns := msg.Ns(); ns != "" {
			res.Ns = ns
		}
		for _, tok := range msg.Status() {
			if !res.Status.Has(tok) {
				res.Status = append(res.Status, tok)
			}
		}
		if msg.IsTerminal() {
			res.Out, res.Err = out.String(), errOut.String()
			return res, statusError(protocol.OpEval, recv.ID(), msg)
		}
	}
}

// Interrupt asks the server to stop the eval named by interruptID, or every
// running eval of the session. The returned status carries session-idle when
// nothing was running.
func (c *Client) Interrupt(ctx context.Context, sessionID, interruptID string) (protocol.Status, error) {
	msgs, err := c.Call(ctx, protocol.NewInterrupt(sessionID, interruptID))
	if len(msgs) == 0 {
		return nil, err
	}
	return msgs[len(msgs)-1].Status(), err
}

// Cancel abandons recv locally, then interrupts it on the server.
func (c *Client) Cancel(ctx context.Context, recv *correlate.Receiver) error {
	recv.Cancel()
	if recv.Session() == "" {
		return nil
	}
	_, err := c.Interrupt(ctx, recv.Session(), recv.ID())
	return err
}

func (c *Client) Describe(ctx context.Context) (Description, error) {
	msgs, err := c.Call(ctx, protocol.NewDescribe())
	if err != nil {
		return Description{}, err
	}
	desc := Description{Versions: make(map[string]string)}
	for _, msg := range msgs {
		if v, ok := msg.Get(protocol.FieldOps); ok && v.Kind == bencode.KindMap {
			desc.Ops = append(desc.Ops, v.Map.Keys()...)
		}
		if v, ok := msg.Get(protocol.FieldVersions); ok && v.Kind == bencode.KindMap {
			for _, name := range v.Map.Keys() {
				entry, _ := v.Map.Get(name)
				desc.Versions[name] = versionString(entry)
			}
		}
	}
	sort.Strings(desc.Ops)
	return desc, nil
}

// LsSessions lists the live sessions on this connection.
func (c *Client) LsSessions(ctx context.Context) ([]string, error) {
	msgs, err := c.Call(ctx, protocol.NewLsSessions())
	if err != nil {
		return nil, err
	}
	var out []string
	for _, msg := range msgs {
		v, ok := msg.Get(protocol.FieldSessions)
		if !ok || v.Kind != bencode.KindList {
			continue
		}
		for _, item := range v.List {
			if s, ok := item.Text(); ok {
				out = append(out, s)
			}
		}
	}
	return out, nil
}

func (c *Client) requestContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if c.cfg.RequestTimeout > 0 {
		return context.WithTimeout(ctx, c.cfg.RequestTimeout)
	}
	return context.WithCancel(ctx)
}

func (c *Client) interruptQuietly(sessionID, id string) {
	ctx, cancel := context.WithTimeout(context.Background(), interruptGrace)
	defer cancel()
	if _, err := c.Interrupt(ctx, sessionID, id); err != nil {
		logs.Debugf("client.interruptQuietly session=%q id=%q err=%v", sessionID, id, err)
	}
}

func versionString(v bencode.Value) string {
	if s, ok := v.Text(); ok {
		return s
	}
	if v.Kind == bencode.KindMap {
		if vs, ok := v.Map.Get("version-string"); ok {
			if s, ok := vs.Text(); ok {
				return s
			}
		}
	}
	return v.String()
}
