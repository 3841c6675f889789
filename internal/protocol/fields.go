package protocol

import "github.com/danmuck/nreplctl/internal/protocol/bencode"

// Reserved field names.
const (
	FieldOp          = "op"
	FieldID          = "id"
	FieldSession     = "session"
	FieldCode        = "code"
	FieldNs          = "ns"
	FieldFile        = "file"
	FieldStatus      = "status"
	FieldValue       = "value"
	FieldOut         = "out"
	FieldErr         = "err"
	FieldEx          = "ex"
	FieldRootEx      = "root-ex"
	FieldNewSession  = "new-session"
	FieldInterruptID = "interrupt-id"
	FieldSessions    = "sessions"
	FieldOps         = "ops"
	FieldVersions    = "versions"
)

// reservedKinds lists the fields whose wire kind is fixed. The value field is
// opaque and deliberately absent.
var reservedKinds = map[string]bencode.Kind{
	FieldOp:          bencode.KindBytes,
	FieldID:          bencode.KindBytes,
	FieldSession:     bencode.KindBytes,
	FieldCode:        bencode.KindBytes,
	FieldNs:          bencode.KindBytes,
	FieldFile:        bencode.KindBytes,
	FieldStatus:      bencode.KindList,
	FieldOut:         bencode.KindBytes,
	FieldErr:         bencode.KindBytes,
	FieldEx:          bencode.KindBytes,
	FieldRootEx:      bencode.KindBytes,
	FieldNewSession:  bencode.KindBytes,
	FieldInterruptID: bencode.KindBytes,
}

func checkReserved(m *bencode.Map) error {
	for _, key := range m.Keys() {
		want, ok := reservedKinds[key]
		if !ok {
			continue
		}
		v, _ := m.Get(key)
		if v.Kind != want {
			return &TypeMismatchError{Field: key, Want: want, Got: v.Kind}
		}
		if key == FieldStatus {
			for _, tok := range v.List {
				if tok.Kind != bencode.KindBytes {
					return &TypeMismatchError{Field: FieldStatus, Want: bencode.KindBytes, Got: tok.Kind}
				}
			}
		}
	}
	return nil
}
