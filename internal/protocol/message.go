package protocol

import "github.com/danmuck/nreplctl/internal/protocol/bencode"

// Message is a typed view over one bencode map. Known fields have explicit
// accessors; extension fields go through Get and Set.
type Message struct {
	fields *bencode.Map
}

// NewMessage returns an empty message.
func NewMessage() Message {
	return Message{fields: bencode.NewMap()}
}

// FromValue validates v against the message model.
func FromValue(v bencode.Value) (Message, error) {
	if v.Kind != bencode.KindMap {
		return Message{}, &TypeMismatchError{Want: bencode.KindMap, Got: v.Kind}
	}
	if err := checkReserved(v.Map); err != nil {
		return Message{}, err
	}
	return Message{fields: v.Map}, nil
}

// ToValue returns the wire form, preserving field insertion order.
func (m Message) ToValue() bencode.Value {
	return bencode.Dict(m.fields)
}

func (m Message) Get(key string) (bencode.Value, bool) {
	return m.fields.Get(key)
}

func (m Message) Has(key string) bool {
	return m.fields.Has(key)
}

// Set stores a field. Set on the zero Message panics; build from NewMessage.
func (m Message) Set(key string, v bencode.Value) Message {
	m.fields.Set(key, v)
	return m
}

func (m Message) SetString(key, s string) Message {
	m.fields.SetString(key, s)
	return m
}

func (m Message) Delete(key string) {
	m.fields.Delete(key)
}

// Keys returns field names in insertion order.
func (m Message) Keys() []string {
	return m.fields.Keys()
}

// Clone copies the top-level field table.
func (m Message) Clone() Message {
	return Message{fields: m.fields.Clone()}
}

func (m Message) String() string {
	return m.ToValue().String()
}

func (m Message) text(key string) string {
	v, ok := m.fields.Get(key)
	if !ok {
		return ""
	}
	s, _ := v.Text()
	return s
}

func (m Message) Op() string          { return m.text(FieldOp) }
func (m Message) ID() string          { return m.text(FieldID) }
func (m Message) Session() string     { return m.text(FieldSession) }
func (m Message) Code() string        { return m.text(FieldCode) }
func (m Message) Ns() string          { return m.text(FieldNs) }
func (m Message) File() string        { return m.text(FieldFile) }
func (m Message) Out() string         { return m.text(FieldOut) }
func (m Message) Err() string         { return m.text(FieldErr) }
func (m Message) Ex() string          { return m.text(FieldEx) }
func (m Message) RootEx() string      { return m.text(FieldRootEx) }
func (m Message) NewSession() string  { return m.text(FieldNewSession) }
func (m Message) InterruptID() string { return m.text(FieldInterruptID) }

// Value returns the opaque evaluation result field.
func (m Message) Value() (bencode.Value, bool) {
	return m.fields.Get(FieldValue)
}

// Status returns the status token set; empty when absent.
func (m Message) Status() Status {
	v, ok := m.fields.Get(FieldStatus)
	if !ok || v.Kind != bencode.KindList {
		return nil
	}
	out := make(Status, 0, len(v.List))
	for _, tok := range v.List {
		if s, ok := tok.Text(); ok {
			out = out.with(s)
		}
	}
	return out
}

// WithStatus adds tokens to the status set, keeping any already present.
func (m Message) WithStatus(tokens ...string) Message {
	st := m.Status()
	for _, tok := range tokens {
		st = st.with(tok)
	}
	m.fields.Set(FieldStatus, bencode.Strings(st...))
	return m
}

func (m Message) IsRequest() bool {
	return m.Has(FieldOp)
}

func (m Message) IsResponse() bool {
	return !m.Has(FieldOp) && m.Has(FieldID)
}

// IsTerminal reports whether no further responses follow this one for its id.
func (m Message) IsTerminal() bool {
	return m.Status().Terminal()
}

// RecoverID returns the byte-string id of a map value that failed FromValue,
// or "" when none can be read.
func RecoverID(v bencode.Value) string {
	if v.Kind != bencode.KindMap {
		return ""
	}
	raw, ok := v.Map.Get(FieldID)
	if !ok {
		return ""
	}
	id, _ := raw.Text()
	return id
}
