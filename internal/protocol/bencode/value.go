package bencode

import (
	"bytes"
	"fmt"
	"strconv"
	"strings"
)

// Kind identifies which arm of the Value union is populated.
type Kind uint8

const (
	KindInvalid Kind = iota
	KindInt
	KindBytes
	KindList
	KindMap
)

func (k Kind) String() string {
	switch k {
	case KindInt:
		return "integer"
	case KindBytes:
		return "bytes"
	case KindList:
		return "list"
	case KindMap:
		return "map"
	default:
		return "invalid"
	}
}

// Value is one decoded bencode value. Only the field matching Kind is meaningful.
type Value struct {
	Kind  Kind
	Int   int64
	Bytes []byte
	List  []Value
	Map   *Map
}

// Int returns an integer value.
func Int(n int64) Value {
	return Value{Kind: KindInt, Int: n}
}

// String returns a byte-string value holding s.
func String(s string) Value {
	return Value{Kind: KindBytes, Bytes: []byte(s)}
}

// Bytes returns a byte-string value holding a copy of b.
func Bytes(b []byte) Value {
	buf := make([]byte, len(b))
	copy(buf, b)
	return Value{Kind: KindBytes, Bytes: buf}
}

// List returns a list value over items.
func List(items ...Value) Value {
	if items == nil {
		items = []Value{}
	}
	return Value{Kind: KindList, List: items}
}

// Strings returns a list of byte strings.
func Strings(items ...string) Value {
	out := make([]Value, 0, len(items))
	for _, s := range items {
		out = append(out, String(s))
	}
	return Value{Kind: KindList, List: out}
}

// Dict returns a map value. A nil m is treated as an empty map.
func Dict(m *Map) Value {
	if m == nil {
		m = NewMap()
	}
	return Value{Kind: KindMap, Map: m}
}

// Text returns the byte-string payload as a Go string.
func (v Value) Text() (string, bool) {
	if v.Kind != KindBytes {
		return "", false
	}
	return string(v.Bytes), true
}

// Equal reports deep equality, including map key order.
func (v Value) Equal(o Value) bool {
	if v.Kind != o.Kind {
		return false
	}
	switch v.Kind {
	case KindInt:
		return v.Int == o.Int
	case KindBytes:
		return bytes.Equal(v.Bytes, o.Bytes)
	case KindList:
		if len(v.List) != len(o.List) {
			return false
		}
		for i := range v.List {
			if !v.List[i].Equal(o.List[i]) {
				return false
			}
		}
		return true
	case KindMap:
		return v.Map.Equal(o.Map)
	default:
		return true
	}
}

// String renders v for debugging; it is not the wire form.
func (v Value) String() string {
	var b strings.Builder
	v.render(&b)
	return b.String()
}

func (v Value) render(b *strings.Builder) {
	switch v.Kind {
	case KindInt:
		b.WriteString(strconv.FormatInt(v.Int, 10))
	case KindBytes:
		b.WriteString(strconv.Quote(string(v.Bytes)))
	case KindList:
		b.WriteByte('[')
		for i, item := range v.List {
			if i > 0 {
				b.WriteByte(' ')
			}
			item.render(b)
		}
		b.WriteByte(']')
	case KindMap:
		b.WriteByte('{')
		for i, key := range v.Map.Keys() {
			if i > 0 {
				b.WriteString(", ")
			}
			val, _ := v.Map.Get(key)
			fmt.Fprintf(b, "%q ", key)
			val.render(b)
		}
		b.WriteByte('}')
	default:
		b.WriteString("<invalid>")
	}
}

// Map is a string-keyed map that remembers insertion order.
type Map struct {
	keys []string
	vals map[string]Value
}

func NewMap() *Map {
	return &Map{vals: make(map[string]Value)}
}

// Set stores v under key. Replacing an existing key keeps its position.
func (m *Map) Set(key string, v Value) *Map {
	if _, ok := m.vals[key]; !ok {
		m.keys = append(m.keys, key)
	}
	m.vals[key] = v
	return m
}

// SetString is shorthand for Set(key, String(s)).
func (m *Map) SetString(key, s string) *Map {
	return m.Set(key, String(s))
}

func (m *Map) Get(key string) (Value, bool) {
	if m == nil {
		return Value{}, false
	}
	v, ok := m.vals[key]
	return v, ok
}

func (m *Map) Has(key string) bool {
	_, ok := m.Get(key)
	return ok
}

func (m *Map) Delete(key string) {
	if _, ok := m.vals[key]; !ok {
		return
	}
	delete(m.vals, key)
	for i, k := range m.keys {
		if k == key {
			m.keys = append(m.keys[:i], m.keys[i+1:]...)
			break
		}
	}
}

// Keys returns keys in insertion order.
func (m *Map) Keys() []string {
	if m == nil {
		return nil
	}
	out := make([]string, len(m.keys))
	copy(out, m.keys)
	return out
}

func (m *Map) Len() int {
	if m == nil {
		return 0
	}
	return len(m.keys)
}

// Clone returns a shallow copy; nested lists and maps are shared.
func (m *Map) Clone() *Map {
	out := NewMap()
	if m == nil {
		return out
	}
	for _, k := range m.keys {
		out.Set(k, m.vals[k])
	}
	return out
}

// Equal reports whether both maps hold equal values under the same keys in the same order.
func (m *Map) Equal(o *Map) bool {
	if m.Len() != o.Len() {
		return false
	}
	if m.Len() == 0 {
		return true
	}
	for i, k := range m.keys {
		if o.keys[i] != k {
			return false
		}
		if !m.vals[k].Equal(o.vals[k]) {
			return false
		}
	}
	return true
}
