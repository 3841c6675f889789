package frame

import (
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/danmuck/nreplctl/internal/protocol/bencode"
)

var (
	ErrTruncated     = errors.New("frame: stream ended mid-frame")
	ErrFrameTooLarge = errors.New("frame: undecoded frame exceeds limit")
	ErrMalformed     = errors.New("frame: malformed frame")
)

const (
	defaultReadSize = 4096
	compactAfter    = 64 * 1024
)

// Limits constrains frame decode memory use.
type Limits struct {
	MaxFrameBytes int
	Value         bencode.Limits
}

func DefaultLimits() Limits {
	return Limits{
		MaxFrameBytes: 32 * 1024 * 1024,
		Value:         bencode.DefaultLimits(),
	}
}

// Reader extracts complete top-level bencode values from a byte stream.
// Read boundaries never need to align with frame boundaries.
type Reader struct {
	src    io.Reader
	limits Limits
	buf    []byte
	off    int
	err    error
}

func NewReader(r io.Reader, limits Limits) *Reader {
	if limits.MaxFrameBytes <= 0 {
		limits.MaxFrameBytes = DefaultLimits().MaxFrameBytes
	}
	limits.Value = limits.Value.WithDefaults()
	return &Reader{src: r, limits: limits}
}

// Next returns the next frame. After a malformed, truncated or oversized frame
// every later call returns the same error.
func (r *Reader) Next() (bencode.Value, error) {
	if r.err != nil {
		return bencode.Value{}, r.err
	}
	for {
		if r.off < len(r.buf) {
			v, n, err := bencode.DecodeOneWithLimits(r.buf[r.off:], r.limits.Value)
			switch {
			case err == nil:
				r.off += n
				r.compact()
				return v, nil
			case errors.Is(err, bencode.ErrIncomplete):
			default:
				r.err = fmt.Errorf("%w: %w", ErrMalformed, err)
				return bencode.Value{}, r.err
			}
			if len(r.buf)-r.off > r.limits.MaxFrameBytes {
				r.err = fmt.Errorf("%w: %d bytes buffered", ErrFrameTooLarge, len(r.buf)-r.off)
				return bencode.Value{}, r.err
			}
		}
		if err := r.fill(); err != nil {
			if errors.Is(err, io.EOF) {
				if r.off < len(r.buf) {
					r.err = fmt.Errorf("%w: %d undecoded bytes", ErrTruncated, len(r.buf)-r.off)
					return bencode.Value{}, r.err
				}
				r.err = io.EOF
				return bencode.Value{}, io.EOF
			}
			r.err = err
			return bencode.Value{}, err
		}
	}
}

// Buffered returns the number of received bytes not yet decoded.
func (r *Reader) Buffered() int {
	return len(r.buf) - r.off
}

func (r *Reader) fill() error {
	if cap(r.buf)-len(r.buf) < defaultReadSize {
		pending := len(r.buf) - r.off
		grown := make([]byte, pending, 2*pending+defaultReadSize)
		copy(grown, r.buf[r.off:])
		r.buf = grown
		r.off = 0
	}
	for {
		n, err := r.src.Read(r.buf[len(r.buf):cap(r.buf)])
		r.buf = r.buf[:len(r.buf)+n]
		if n > 0 {
			return nil
		}
		if err != nil {
			return err
		}
	}
}

func (r *Reader) compact() {
	if r.off == len(r.buf) {
		r.buf = r.buf[:0]
		r.off = 0
		return
	}
	if r.off < compactAfter || r.off < len(r.buf)/2 {
		return
	}
	n := copy(r.buf, r.buf[r.off:])
	r.buf = r.buf[:n]
	r.off = 0
}

// Writer serializes whole frames onto w. Each frame is encoded into one buffer
// and written with a single Write call under the writer lock.
type Writer struct {
	mu      sync.Mutex
	w       io.Writer
	timeout time.Duration
}

type writeDeadliner interface {
	SetWriteDeadline(t time.Time) error
}

func NewWriter(w io.Writer) *Writer {
	return &Writer{w: w}
}

// SetTimeout bounds each frame write when the destination supports write
// deadlines. Zero disables the deadline.
func (w *Writer) SetTimeout(d time.Duration) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.timeout = d
}

func (w *Writer) WriteValue(v bencode.Value) error {
	buf := bencode.Encode(v)
	w.mu.Lock()
	defer w.mu.Unlock()
	if dl, ok := w.w.(writeDeadliner); ok && w.timeout > 0 {
		if err := dl.SetWriteDeadline(time.Now().Add(w.timeout)); err != nil {
			return err
		}
	}
	_, err := w.w.Write(buf)
	return err
}
