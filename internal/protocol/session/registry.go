package session

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/danmuck/nreplctl/internal/protocol"
)

var (
	ErrSessionClosed = errors.New("session: closed")
	ErrIDExhausted   = errors.New("session: id generator produced no fresh id")
)

// maxIDAttempts bounds regeneration when the generator repeats a live or
// retired id.
const maxIDAttempts = 16

// State is the server-side record for one session. ID, Parent, CreatedAt and
// Context are fixed at creation; Context is owned by the evaluator.
type State struct {
	ID        string
	Parent    string
	CreatedAt time.Time
	Context   any

	pending map[string]struct{}
}

// Snapshot is a copy of a session record safe to hold without the registry lock.
type Snapshot struct {
	ID        string    `json:"id"`
	Parent    string    `json:"parent,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	Pending   []string  `json:"pending"`
}

type Option func(*Registry)

// WithIDGenerator replaces the UUIDv4 generator.
func WithIDGenerator(fn func() string) Option {
	return func(r *Registry) {
		if fn != nil {
			r.newID = fn
		}
	}
}

// WithContextFactory derives the evaluator context of a new session from its
// parent's context (nil for roots).
func WithContextFactory(fn func(parent any) any) Option {
	return func(r *Registry) {
		if fn != nil {
			r.newContext = fn
		}
	}
}

func withClock(fn func() time.Time) Option {
	return func(r *Registry) {
		r.now = fn
	}
}

// Registry tracks live sessions for one connection. Closed ids are retired and
// never handed out again.
type Registry struct {
	mu         sync.RWMutex
	live       map[string]*State
	retired    map[string]struct{}
	newID      func() string
	newContext func(parent any) any
	now        func() time.Time
}

func NewRegistry(opts ...Option) *Registry {
	r := &Registry{
		live:       make(map[string]*State),
		retired:    make(map[string]struct{}),
		newID:      uuid.NewString,
		newContext: func(any) any { return nil },
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// CreateRoot registers a session with no parent.
func (r *Registry) CreateRoot() (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	st, err := r.createLocked(nil)
	if err != nil {
		return "", err
	}
	return st.ID, nil
}

// Clone registers a session derived from parent. An empty parent creates a root.
func (r *Registry) Clone(parent string) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var from *State
	if parent != "" {
		st, err := r.lookupLocked(parent)
		if err != nil {
			return "", err
		}
		from = st
	}
	st, err := r.createLocked(from)
	if err != nil {
		return "", err
	}
	return st.ID, nil
}

// Close removes a live session. Closing an absent or already closed id fails
// with protocol.ErrUnknownSession.
func (r *Registry) Close(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, err := r.lookupLocked(id); err != nil {
		return err
	}
	delete(r.live, id)
	r.retired[id] = struct{}{}
	return nil
}

func (r *Registry) Lookup(id string) (*State, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.lookupLocked(id)
}

// Get returns a snapshot of one live session.
func (r *Registry) Get(id string) (Snapshot, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	st, err := r.lookupLocked(id)
	if err != nil {
		return Snapshot{}, err
	}
	return snapshotOf(st), nil
}

// List returns live sessions ordered by creation time, then id.
func (r *Registry) List() []Snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Snapshot, 0, len(r.live))
	for _, st := range r.live {
		out = append(out, snapshotOf(st))
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.live)
}

// AddPending records reqID as in flight within session.
func (r *Registry) AddPending(session, reqID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	st, err := r.lookupLocked(session)
	if err != nil {
		return err
	}
	st.pending[reqID] = struct{}{}
	return nil
}

// RemovePending forgets reqID; absent sessions or ids are ignored.
func (r *Registry) RemovePending(session, reqID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if st, ok := r.live[session]; ok {
		delete(st.pending, reqID)
	}
}

func (r *Registry) createLocked(parent *State) (*State, error) {
	id, err := r.freshIDLocked()
	if err != nil {
		return nil, err
	}
	var parentCtx any
	st := &State{ID: id, CreatedAt: r.now(), pending: make(map[string]struct{})}
	if parent != nil {
		st.Parent = parent.ID
		parentCtx = parent.Context
	}
	st.Context = r.newContext(parentCtx)
	r.live[id] = st
	return st, nil
}

func (r *Registry) freshIDLocked() (string, error) {
	for range maxIDAttempts {
		id := r.newID()
		if id == "" {
			continue
		}
		if _, ok := r.live[id]; ok {
			continue
		}
		if _, ok := r.retired[id]; ok {
			continue
		}
		return id, nil
	}
	return "", ErrIDExhausted
}

func (r *Registry) lookupLocked(id string) (*State, error) {
	if st, ok := r.live[id]; ok {
		return st, nil
	}
	if _, ok := r.retired[id]; ok {
		return nil, fmt.Errorf("%w: %w: %q", protocol.ErrUnknownSession, ErrSessionClosed, id)
	}
	return nil, fmt.Errorf("%w: %q", protocol.ErrUnknownSession, id)
}

func snapshotOf(st *State) Snapshot {
	pending := make([]string, 0, len(st.pending))
	for id := range st.pending {
		pending = append(pending, id)
	}
	sort.Strings(pending)
	return Snapshot{ID: st.ID, Parent: st.Parent, CreatedAt: st.CreatedAt, Pending: pending}
}
