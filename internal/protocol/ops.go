package protocol

import (
	"sort"

	"github.com/danmuck/nreplctl/internal/protocol/bencode"
)

// Well-known op names.
const (
	OpClone      = "clone"
	OpClose      = "close"
	OpEval       = "eval"
	OpInterrupt  = "interrupt"
	OpDescribe   = "describe"
	OpLsSessions = "ls-sessions"
)

// RequestOption adjusts a request while it is built.
type RequestOption func(Message)

func WithSession(session string) RequestOption {
	return func(m Message) {
		if session != "" {
			m.SetString(FieldSession, session)
		}
	}
}

func WithNs(ns string) RequestOption {
	return func(m Message) {
		if ns != "" {
			m.SetString(FieldNs, ns)
		}
	}
}

func WithFile(file string) RequestOption {
	return func(m Message) {
		if file != "" {
			m.SetString(FieldFile, file)
		}
	}
}

// WithField sets an arbitrary extension field.
func WithField(key string, v bencode.Value) RequestOption {
	return func(m Message) {
		m.Set(key, v)
	}
}

// NewRequest builds a request for any op. Fields are copied after op in their
// insertion order; op wins over a caller-supplied op field.
func NewRequest(op string, fields *bencode.Map, opts ...RequestOption) Message {
	m := NewMessage().SetString(FieldOp, op)
	for _, key := range fields.Keys() {
		if key == FieldOp {
			continue
		}
		v, _ := fields.Get(key)
		m.Set(key, v)
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// NewClone asks for a new session, derived from parent when parent is non-empty.
func NewClone(parent string) Message {
	return NewRequest(OpClone, nil, WithSession(parent))
}

func NewEval(code string, opts ...RequestOption) Message {
	m := NewMessage().SetString(FieldOp, OpEval).SetString(FieldCode, code)
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// NewInterrupt targets the eval identified by interruptID, or every running
// eval of the session when interruptID is empty.
func NewInterrupt(session, interruptID string) Message {
	m := NewRequest(OpInterrupt, nil, WithSession(session))
	if interruptID != "" {
		m.SetString(FieldInterruptID, interruptID)
	}
	return m
}

func NewClose(session string) Message {
	return NewRequest(OpClose, nil, WithSession(session))
}

func NewDescribe(opts ...RequestOption) Message {
	return NewRequest(OpDescribe, nil, opts...)
}

func NewLsSessions() Message {
	return NewRequest(OpLsSessions, nil)
}

// NewResponse starts a response that echoes the request id and session.
func NewResponse(req Message) Message {
	m := NewMessage()
	if id := req.ID(); id != "" {
		m.SetString(FieldID, id)
	}
	if session := req.Session(); session != "" {
		m.SetString(FieldSession, session)
	}
	return m
}

// Requirement names a field an op cannot run without and the status token
// reported when it is missing.
type Requirement struct {
	Field  string
	Status string
}

var requirements = map[string][]Requirement{
	OpEval:      {{Field: FieldCode, Status: StatusNoCode}},
	OpClose:     {{Field: FieldSession, Status: StatusNoSession}},
	OpInterrupt: {{Field: FieldSession, Status: StatusNoSession}},
}

// ValidateRequest checks op presence and op-specific required fields.
// Unknown ops pass through unchecked.
func ValidateRequest(m Message) error {
	op := m.Op()
	if op == "" {
		return &ValidationError{Field: FieldOp, Status: StatusNoOp}
	}
	for _, req := range requirements[op] {
		if !m.Has(req.Field) {
			return &ValidationError{Op: op, Field: req.Field, Status: req.Status}
		}
	}
	return nil
}

// KnownOps lists the built-in op vocabulary in sorted order.
func KnownOps() []string {
	ops := []string{OpClone, OpClose, OpEval, OpInterrupt, OpDescribe, OpLsSessions}
	sort.Strings(ops)
	return ops
}
