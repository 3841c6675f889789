package bencode

import (
	"errors"
	"fmt"
	"math"
)

var (
	// ErrIncomplete reports a valid prefix that needs more bytes. Nothing was consumed.
	ErrIncomplete = errors.New("bencode: incomplete value")
	// ErrMalformed reports a grammar violation. The input cannot be resynchronized.
	ErrMalformed = errors.New("bencode: malformed value")
)

// SyntaxError locates a grammar violation inside the decoded buffer.
type SyntaxError struct {
	Offset int
	Reason string
}

func (e *SyntaxError) Error() string {
	return fmt.Sprintf("bencode: malformed value at offset %d: %s", e.Offset, e.Reason)
}

func (e *SyntaxError) Unwrap() error {
	return ErrMalformed
}

// Limits constrains decoder memory and recursion.
type Limits struct {
	MaxDepth       int
	MaxStringBytes int
}

func DefaultLimits() Limits {
	return Limits{
		MaxDepth:       64,
		MaxStringBytes: 16 * 1024 * 1024,
	}
}

// WithDefaults fills zero fields from DefaultLimits.
func (l Limits) WithDefaults() Limits {
	def := DefaultLimits()
	if l.MaxDepth <= 0 {
		l.MaxDepth = def.MaxDepth
	}
	if l.MaxStringBytes <= 0 {
		l.MaxStringBytes = def.MaxStringBytes
	}
	return l
}

// maxIntDigits bounds an int64 magnitude in decimal.
const maxIntDigits = 19

// DecodeOne parses exactly one value from the front of buf using DefaultLimits.
func DecodeOne(buf []byte) (Value, int, error) {
	return DecodeOneWithLimits(buf, DefaultLimits())
}

// DecodeOneWithLimits parses one value from the front of buf. It returns the value
// and the number of bytes it occupied, ErrIncomplete when buf is a valid prefix,
// or a *SyntaxError wrapping ErrMalformed.
func DecodeOneWithLimits(buf []byte, limits Limits) (Value, int, error) {
	d := decoder{buf: buf, limits: limits.WithDefaults()}
	v, err := d.value(0)
	if err != nil {
		return Value{}, 0, err
	}
	return v, d.pos, nil
}

type decoder struct {
	buf    []byte
	pos    int
	limits Limits
}

func (d *decoder) malformed(offset int, format string, args ...any) error {
	return &SyntaxError{Offset: offset, Reason: fmt.Sprintf(format, args...)}
}

func (d *decoder) value(depth int) (Value, error) {
	if d.pos >= len(d.buf) {
		return Value{}, ErrIncomplete
	}
	switch c := d.buf[d.pos]; {
	case c == 'i':
		n, err := d.integer()
		if err != nil {
			return Value{}, err
		}
		return Int(n), nil
	case c >= '0' && c <= '9':
		b, err := d.byteString()
		if err != nil {
			return Value{}, err
		}
		return Value{Kind: KindBytes, Bytes: b}, nil
	case c == 'l':
		return d.list(depth)
	case c == 'd':
		return d.dict(depth)
	default:
		return Value{}, d.malformed(d.pos, "unexpected byte %q", c)
	}
}

func (d *decoder) integer() (int64, error) {
	start := d.pos
	i := d.pos + 1
	neg := false
	if i < len(d.buf) && d.buf[i] == '-' {
		neg = true
		i++
	}
	digitsStart := i
	var mag uint64
	for ; i < len(d.buf); i++ {
		c := d.buf[i]
		if c == 'e' {
			break
		}
		if c < '0' || c > '9' {
			return 0, d.malformed(i, "non-digit %q in integer", c)
		}
		if i > digitsStart && d.buf[digitsStart] == '0' {
			return 0, d.malformed(digitsStart, "leading zero in integer")
		}
		if neg && c == '0' && i == digitsStart {
			return 0, d.malformed(i, "negative zero or leading zero in integer")
		}
		if i-digitsStart >= maxIntDigits {
			return 0, d.malformed(start, "integer overflows int64")
		}
		mag = mag*10 + uint64(c-'0')
	}
	if i >= len(d.buf) {
		return 0, ErrIncomplete
	}
	if i == digitsStart {
		return 0, d.malformed(i, "integer without digits")
	}
	var n int64
	switch {
	case neg && mag == uint64(math.MaxInt64)+1:
		n = math.MinInt64
	case mag > math.MaxInt64:
		return 0, d.malformed(start, "integer overflows int64")
	case neg:
		n = -int64(mag)
	default:
		n = int64(mag)
	}
	d.pos = i + 1
	return n, nil
}

func (d *decoder) byteString() ([]byte, error) {
	start := d.pos
	i := d.pos
	length := 0
	for ; i < len(d.buf); i++ {
		c := d.buf[i]
		if c == ':' {
			break
		}
		if c < '0' || c > '9' {
			return nil, d.malformed(i, "non-digit %q in string length", c)
		}
		if i > start && d.buf[start] == '0' {
			return nil, d.malformed(start, "leading zero in string length")
		}
		length = length*10 + int(c-'0')
		if length > d.limits.MaxStringBytes {
			return nil, d.malformed(start, "string length exceeds limit %d", d.limits.MaxStringBytes)
		}
	}
	if i >= len(d.buf) {
		return nil, ErrIncomplete
	}
	dataStart := i + 1
	if len(d.buf)-dataStart < length {
		return nil, ErrIncomplete
	}
	out := make([]byte, length)
	copy(out, d.buf[dataStart:dataStart+length])
	d.pos = dataStart + length
	return out, nil
}

func (d *decoder) list(depth int) (Value, error) {
	if depth >= d.limits.MaxDepth {
		return Value{}, d.malformed(d.pos, "nesting exceeds depth limit %d", d.limits.MaxDepth)
	}
	d.pos++
	items := make([]Value, 0)
	for {
		if d.pos >= len(d.buf) {
			return Value{}, ErrIncomplete
		}
		if d.buf[d.pos] == 'e' {
			d.pos++
			return Value{Kind: KindList, List: items}, nil
		}
		item, err := d.value(depth + 1)
		if err != nil {
			return Value{}, err
		}
		items = append(items, item)
	}
}

func (d *decoder) dict(depth int) (Value, error) {
	if depth >= d.limits.MaxDepth {
		return Value{}, d.malformed(d.pos, "nesting exceeds depth limit %d", d.limits.MaxDepth)
	}
	d.pos++
	m := NewMap()
	for {
		if d.pos >= len(d.buf) {
			return Value{}, ErrIncomplete
		}
		c := d.buf[d.pos]
		if c == 'e' {
			d.pos++
			return Value{Kind: KindMap, Map: m}, nil
		}
		if c < '0' || c > '9' {
			return Value{}, d.malformed(d.pos, "map key must be a byte string, found %q", c)
		}
		keyAt := d.pos
		key, err := d.byteString()
		if err != nil {
			return Value{}, err
		}
		if m.Has(string(key)) {
			return Value{}, d.malformed(keyAt, "duplicate map key %q", key)
		}
		val, err := d.value(depth + 1)
		if err != nil {
			return Value{}, err
		}
		m.Set(string(key), val)
	}
}
