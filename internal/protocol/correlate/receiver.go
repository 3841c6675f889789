package correlate

import (
	"context"
	"fmt"
	"io"
	"sync"

	"github.com/danmuck/nreplctl/internal/protocol"
)

// Receiver is the consumer handle for one pending request. Its queue is
// unbounded so delivery never blocks the read pump. A Receiver has one consumer.
type Receiver struct {
	engine  *Engine
	id      string
	session string

	mu     sync.Mutex
	queue  []protocol.Message
	closed bool
	err    error
	notify chan struct{}
	done   chan struct{}
}

func newReceiver(e *Engine, id, session string) *Receiver {
	return &Receiver{
		engine:  e,
		id:      id,
		session: session,
		notify:  make(chan struct{}, 1),
		done:    make(chan struct{}),
	}
}

func (r *Receiver) ID() string      { return r.id }
func (r *Receiver) Session() string { return r.session }

// Done closes once the request is finalized, by a terminal message or abandon.
// Queued messages may still be waiting in Next.
func (r *Receiver) Done() <-chan struct{} {
	return r.done
}

// Next returns the next response in delivery order. After the terminal message
// it returns io.EOF; after an abandon it returns the abandon error once the
// queue is drained. When ctx ends first the request is abandoned and the
// returned error matches protocol.ErrCancelled and ctx.Err().
func (r *Receiver) Next(ctx context.Context) (protocol.Message, error) {
	for {
		r.mu.Lock()
		if len(r.queue) > 0 {
			msg := r.queue[0]
			r.queue[0] = protocol.Message{}
			r.queue = r.queue[1:]
			r.mu.Unlock()
			return msg, nil
		}
		if r.closed {
			err := r.err
			r.mu.Unlock()
			if err == nil {
				return protocol.Message{}, io.EOF
			}
			return protocol.Message{}, err
		}
		r.mu.Unlock()

		select {
		case <-r.notify:
		case <-ctx.Done():
			err := fmt.Errorf("%w: %w", protocol.ErrCancelled, ctx.Err())
			r.engine.abandon(r.id, err)
			return protocol.Message{}, err
		}
	}
}

// Collect drains the receiver up to and including the terminal message.
func (r *Receiver) Collect(ctx context.Context) ([]protocol.Message, error) {
	var out []protocol.Message
	for {
		msg, err := r.Next(ctx)
		if err == io.EOF {
			return out, nil
		}
		if err != nil {
			return out, err
		}
		out = append(out, msg)
	}
}

// Cancel abandons the request locally. It reports whether it was still pending.
func (r *Receiver) Cancel() bool {
	return r.engine.Abandon(r.id)
}

// push and fail run under the engine lock.
func (r *Receiver) push(msg protocol.Message, terminal bool) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.queue = append(r.queue, msg)
	if terminal {
		r.closed = true
		close(r.done)
	}
	r.mu.Unlock()
	r.signal()
}

func (r *Receiver) fail(err error) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	r.err = err
	close(r.done)
	r.mu.Unlock()
	r.signal()
}

func (r *Receiver) signal() {
	select {
	case r.notify <- struct{}{}:
	default:
	}
}
