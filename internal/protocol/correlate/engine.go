package correlate

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/danmuck/nreplctl/internal/protocol"
)

var ErrDuplicateID = errors.New("correlate: duplicate request id")

// PendingRequest describes one request awaiting its terminal response.
type PendingRequest struct {
	ID           string    `json:"id"`
	Session      string    `json:"session,omitempty"`
	RegisteredAt time.Time `json:"registered_at"`
	Deliveries   int       `json:"deliveries"`
}

type entry struct {
	info PendingRequest
	recv *Receiver
}

// Engine owns the id -> pending request table. All methods are safe for
// concurrent use; Deliver is expected to be called from one read pump.
type Engine struct {
	mu      sync.Mutex
	pending map[string]*entry
	now     func() time.Time
}

func NewEngine() *Engine {
	return &Engine{
		pending: make(map[string]*entry),
		now:     time.Now,
	}
}

// Register creates a pending request for id and returns its receiver.
func (e *Engine) Register(id, session string) (*Receiver, error) {
	if id == "" {
		return nil, protocol.ErrMissingIdentity
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.pending[id]; ok {
		return nil, fmt.Errorf("%w: %q", ErrDuplicateID, id)
	}
	recv := newReceiver(e, id, session)
	e.pending[id] = &entry{
		info: PendingRequest{ID: id, Session: session, RegisteredAt: e.now()},
		recv: recv,
	}
	return recv, nil
}

// Deliver routes msg to the receiver registered for its id. A terminal status
// finalizes the request after msg is queued. Unmatched messages return
// protocol.ErrOrphanResponse and leave the table untouched.
func (e *Engine) Deliver(msg protocol.Message) error {
	id := msg.ID()
	if id == "" {
		return fmt.Errorf("%w: %w", protocol.ErrOrphanResponse, protocol.ErrMissingIdentity)
	}
	terminal := msg.IsTerminal()
	e.mu.Lock()
	defer e.mu.Unlock()
	ent, ok := e.pending[id]
	if !ok {
		return fmt.Errorf("%w: id=%q", protocol.ErrOrphanResponse, id)
	}
	ent.info.Deliveries++
	if terminal {
		delete(e.pending, id)
	}
	ent.recv.push(msg, terminal)
	return nil
}

// Abandon finalizes id without a terminal message. It reports whether id was
// pending.
func (e *Engine) Abandon(id string) bool {
	return e.abandon(id, protocol.ErrCancelled)
}

// AbandonAll finalizes every pending request. Receivers complete with an error
// matching both protocol.ErrCancelled and cause.
func (e *Engine) AbandonAll(cause error) int {
	err := protocol.ErrCancelled
	if cause != nil {
		err = fmt.Errorf("%w: %w", protocol.ErrCancelled, cause)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	n := len(e.pending)
	for id, ent := range e.pending {
		delete(e.pending, id)
		ent.recv.fail(err)
	}
	return n
}

// Fail finalizes id with err, for a response that names id but cannot be
// read. Queued messages drain first; Next then returns err.
func (e *Engine) Fail(id string, err error) bool {
	return e.abandon(id, err)
}

func (e *Engine) abandon(id string, err error) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	ent, ok := e.pending[id]
	if !ok {
		return false
	}
	delete(e.pending, id)
	ent.recv.fail(err)
	return true
}

// Lookup returns the pending record for id.
func (e *Engine) Lookup(id string) (PendingRequest, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	ent, ok := e.pending[id]
	if !ok {
		return PendingRequest{}, false
	}
	return ent.info, true
}

// Pending lists in-flight requests sorted by id.
func (e *Engine) Pending() []PendingRequest {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]PendingRequest, 0, len(e.pending))
	for _, ent := range e.pending {
		out = append(out, ent.info)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].ID < out[j].ID
	})
	return out
}

func (e *Engine) Len() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.pending)
}
