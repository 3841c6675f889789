package client

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	logs "github.com/danmuck/nreplctl/internal/logging"
	"github.com/danmuck/nreplctl/internal/observability"
	"github.com/danmuck/nreplctl/internal/protocol"
	"github.com/danmuck/nreplctl/internal/protocol/correlate"
	"github.com/danmuck/nreplctl/internal/protocol/frame"
	"github.com/danmuck/nreplctl/internal/protocol/session"
)

// Client drives the issuing side of one nREPL connection. A single pump
// goroutine reads frames and delivers them to the correlation engine; writes
// are serialized by the frame writer.
type Client struct {
	cfg    session.Config
	rw     io.ReadWriteCloser
	reader *frame.Reader
	writer *frame.Writer
	engine *correlate.Engine

	idPrefix string
	nextID   atomic.Uint64

	closeOnce sync.Once
	done      chan struct{}
	pumpDone  chan struct{}
	errMu     sync.Mutex
	err       error
}

// New takes ownership of rw and starts the read pump.
func New(rw io.ReadWriteCloser, cfg session.Config) *Client {
	cfg = cfg.WithDefaults()
	limits := frame.DefaultLimits()
	limits.MaxFrameBytes = cfg.MaxFrameBytes
	c := &Client{
		cfg:      cfg,
		rw:       rw,
		reader:   frame.NewReader(rw, limits),
		writer:   frame.NewWriter(rw),
		engine:   correlate.NewEngine(),
		idPrefix: uuid.NewString()[:8],
		done:     make(chan struct{}),
		pumpDone: make(chan struct{}),
	}
	c.writer.SetTimeout(cfg.WriteTimeout)
	observability.ConnectionOpened(observability.RoleClient)
	go c.pump()
	return c
}

// Send assigns an id when req has none, registers it, and writes it. The
// returned receiver yields every response for that id.
func (c *Client) Send(ctx context.Context, req protocol.Message) (*correlate.Receiver, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %w", protocol.ErrCancelled, err)
	}
	if !c.Connected() {
		return nil, c.closedErr()
	}
	req = req.Clone()
	if err := protocol.ValidateRequest(req); err != nil {
		return nil, err
	}
	if req.ID() == "" {
		req.SetString(protocol.FieldID, c.newID())
	}

	// Register before writing so a fast response cannot arrive unmatched.
	recv, err := c.engine.Register(req.ID(), req.Session())
	if err != nil {
		return nil, err
	}
	if !c.Connected() {
		c.engine.Abandon(req.ID())
		return nil, c.closedErr()
	}
	if err := c.writer.WriteValue(req.ToValue()); err != nil {
		cause := fmt.Errorf("%w: write: %w", ErrConnectionClosed, err)
		c.fail(cause)
		return nil, cause
	}
	observability.RecordFrame(observability.RoleClient, observability.DirectionOut)
	logs.Debugf("client.Send op=%q id=%q session=%q", req.Op(), req.ID(), req.Session())
	return recv, nil
}

// Pending lists requests still awaiting a terminal response.
func (c *Client) Pending() []correlate.PendingRequest {
	return c.engine.Pending()
}

// Close tears down the connection. Waiting receivers complete with
// ErrConnectionClosed.
func (c *Client) Close() error {
	c.fail(ErrConnectionClosed)
	<-c.pumpDone
	return nil
}

func (c *Client) Done() <-chan struct{} {
	return c.done
}

// Err returns the cause of connection teardown, or nil while connected.
func (c *Client) Err() error {
	c.errMu.Lock()
	defer c.errMu.Unlock()
	return c.err
}

func (c *Client) Connected() bool {
	select {
	case <-c.done:
		return false
	default:
		return true
	}
}

func (c *Client) newID() string {
	return c.idPrefix + "-" + strconv.FormatUint(c.nextID.Add(1), 10)
}

func (c *Client) closedErr() error {
	if err := c.Err(); err != nil {
		return err
	}
	return ErrConnectionClosed
}

func (c *Client) pump() {
	defer close(c.pumpDone)
	for {
		v, err := c.reader.Next()
		if err != nil {
			if errors.Is(err, io.EOF) {
				c.fail(ErrConnectionClosed)
			} else {
				if errors.Is(err, frame.ErrMalformed) || errors.Is(err, frame.ErrTruncated) {
					observability.RecordDecodeError(observability.RoleClient, "frame")
				}
				c.fail(fmt.Errorf("%w: read: %w", ErrConnectionClosed, err))
			}
			return
		}
		observability.RecordFrame(observability.RoleClient, observability.DirectionIn)

		msg, err := protocol.FromValue(v)
		if err != nil {
			observability.RecordDecodeError(observability.RoleClient, "type_mismatch")
			// The id still names a waiter: fail it rather than leave it blocked.
			if id := protocol.RecoverID(v); id != "" && c.engine.Fail(id, fmt.Errorf("id=%q: %w", id, err)) {
				logs.Warnf("client.pump failed id=%q err=%v", id, err)
				continue
			}
			logs.Warnf("client.pump drop frame err=%v", err)
			continue
		}
		if err := c.engine.Deliver(msg); err != nil {
			observability.RecordOrphan(observability.RoleClient)
			logs.Warnf("client.pump orphan id=%q status=%v err=%v", msg.ID(), []string(msg.Status()), err)
		}
	}
}

func (c *Client) fail(cause error) {
	c.closeOnce.Do(func() {
		c.errMu.Lock()
		c.err = cause
		c.errMu.Unlock()
		close(c.done)
		_ = c.rw.Close()
		if n := c.engine.AbandonAll(cause); n > 0 {
			logs.Warnf("client.fail abandoned=%d err=%v", n, cause)
		}
		observability.ConnectionClosed(observability.RoleClient)
	})
}
