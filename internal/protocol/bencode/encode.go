package bencode

import (
	"io"
	"strconv"
)

// Encode returns the wire form of v.
func Encode(v Value) []byte {
	return AppendEncode(nil, v)
}

// AppendEncode appends the wire form of v to dst.
func AppendEncode(dst []byte, v Value) []byte {
	switch v.Kind {
	case KindInt:
		dst = append(dst, 'i')
		dst = strconv.AppendInt(dst, v.Int, 10)
		return append(dst, 'e')
	case KindBytes:
		return appendBytes(dst, v.Bytes)
	case KindList:
		dst = append(dst, 'l')
		for _, item := range v.List {
			dst = AppendEncode(dst, item)
		}
		return append(dst, 'e')
	case KindMap:
		dst = append(dst, 'd')
		if v.Map != nil {
			for _, key := range v.Map.keys {
				dst = appendBytes(dst, []byte(key))
				dst = AppendEncode(dst, v.Map.vals[key])
			}
		}
		return append(dst, 'e')
	default:
		// The zero Value encodes as an empty string so Encode stays total.
		return append(dst, '0', ':')
	}
}

// EncodeTo writes the wire form of v to w in one Write call.
func EncodeTo(w io.Writer, v Value) error {
	_, err := w.Write(Encode(v))
	return err
}

func appendBytes(dst []byte, b []byte) []byte {
	dst = strconv.AppendInt(dst, int64(len(b)), 10)
	dst = append(dst, ':')
	return append(dst, b...)
}
