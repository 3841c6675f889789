package frame

import (
	"bytes"
	"errors"
	"io"
	"math/rand"
	"testing"
	"testing/iotest"

	"github.com/danmuck/nreplctl/internal/protocol/bencode"
	"github.com/danmuck/nreplctl/internal/testutil/testlog"
)

func sampleStream(t *testing.T) ([]bencode.Value, []byte) {
	t.Helper()
	values := []bencode.Value{
		bencode.Dict(bencode.NewMap().SetString("op", "clone").SetString("id", "1")),
		bencode.Dict(bencode.NewMap().
			SetString("id", "1").
			SetString("new-session", "a1b2").
			Set("status", bencode.Strings("done"))),
		bencode.Int(-12),
		bencode.String("λ bytes λ"),
		bencode.List(bencode.Int(1), bencode.List(bencode.String("nested"))),
		bencode.Dict(bencode.NewMap().SetString("out", string(bytes.Repeat([]byte("x"), 9000)))),
	}
	var wire []byte
	for _, v := range values {
		wire = bencode.AppendEncode(wire, v)
	}
	return values, wire
}

func readAll(t *testing.T, r *Reader) []bencode.Value {
	t.Helper()
	var out []bencode.Value
	for {
		v, err := r.Next()
		if errors.Is(err, io.EOF) {
			return out
		}
		if err != nil {
			t.Fatalf("next: %v", err)
		}
		out = append(out, v)
	}
}

func assertSameValues(t *testing.T, got, want []bencode.Value) {
	t.Helper()
	if len(got) != len(want) {
		t.Fatalf("frame count got=%d want=%d", len(got), len(want))
	}
	for i := range want {
		if !got[i].Equal(want[i]) {
			t.Fatalf("frame %d got=%s want=%s", i, got[i], want[i])
		}
	}
}

// chunkReader replays wire in the given chunk sizes.
type chunkReader struct {
	wire   []byte
	chunks []int
}

func (c *chunkReader) Read(p []byte) (int, error) {
	if len(c.wire) == 0 {
		return 0, io.EOF
	}
	n := len(c.wire)
	if len(c.chunks) > 0 {
		n = min(c.chunks[0], n)
		c.chunks = c.chunks[1:]
	}
	n = copy(p, c.wire[:n])
	c.wire = c.wire[n:]
	return n, nil
}

func TestReaderWholeBuffer(t *testing.T) {
	testlog.Start(t)
	want, wire := sampleStream(t)
	got := readAll(t, NewReader(bytes.NewReader(wire), DefaultLimits()))
	assertSameValues(t, got, want)
}

func TestReaderIncrementalFeedInvariance(t *testing.T) {
	testlog.Start(t)
	want, wire := sampleStream(t)

	got := readAll(t, NewReader(iotest.OneByteReader(bytes.NewReader(wire)), DefaultLimits()))
	assertSameValues(t, got, want)

	rng := rand.New(rand.NewSource(42))
	for trial := 0; trial < 50; trial++ {
		var chunks []int
		for remaining := len(wire); remaining > 0; {
			n := 1 + rng.Intn(64)
			chunks = append(chunks, n)
			remaining -= n
		}
		r := NewReader(&chunkReader{wire: append([]byte(nil), wire...), chunks: chunks}, DefaultLimits())
		assertSameValues(t, readAll(t, r), want)
	}
}

func TestReaderTruncatedTail(t *testing.T) {
	testlog.Start(t)
	wire := []byte("d2:id1:1e5:abc")
	r := NewReader(bytes.NewReader(wire), DefaultLimits())
	if _, err := r.Next(); err != nil {
		t.Fatalf("first frame: %v", err)
	}
	_, err := r.Next()
	if !errors.Is(err, ErrTruncated) {
		t.Fatalf("expected ErrTruncated, got %v", err)
	}
	if _, again := r.Next(); !errors.Is(again, ErrTruncated) {
		t.Fatalf("expected sticky ErrTruncated, got %v", again)
	}
}

func TestReaderMalformedIsFatal(t *testing.T) {
	testlog.Start(t)
	wire := []byte("5:abcde e1:x")
	r := NewReader(bytes.NewReader(wire), DefaultLimits())
	v, err := r.Next()
	if err != nil {
		t.Fatalf("first frame: %v", err)
	}
	if s, _ := v.Text(); s != "abcde" {
		t.Fatalf("first frame got=%q", s)
	}
	_, err = r.Next()
	if !errors.Is(err, ErrMalformed) || !errors.Is(err, bencode.ErrMalformed) {
		t.Fatalf("expected malformed, got %v", err)
	}
	if _, again := r.Next(); !errors.Is(again, ErrMalformed) {
		t.Fatalf("expected reader to stay failed, got %v", again)
	}
}

func TestReaderCleanEOF(t *testing.T) {
	testlog.Start(t)
	r := NewReader(bytes.NewReader(nil), DefaultLimits())
	if _, err := r.Next(); !errors.Is(err, io.EOF) {
		t.Fatalf("expected io.EOF, got %v", err)
	}
}

func TestReaderFrameTooLarge(t *testing.T) {
	testlog.Start(t)
	wire := append([]byte("100000:"), bytes.Repeat([]byte("a"), 20000)...)
	r := NewReader(bytes.NewReader(wire), Limits{MaxFrameBytes: 1024})
	if _, err := r.Next(); !errors.Is(err, ErrFrameTooLarge) {
		t.Fatalf("expected ErrFrameTooLarge, got %v", err)
	}
}

func TestReaderPropagatesTransportError(t *testing.T) {
	testlog.Start(t)
	boom := errors.New("boom")
	r := NewReader(iotest.ErrReader(boom), DefaultLimits())
	if _, err := r.Next(); !errors.Is(err, boom) {
		t.Fatalf("expected transport error, got %v", err)
	}
}

func TestWriterEmitsWholeFrames(t *testing.T) {
	testlog.Start(t)
	var buf bytes.Buffer
	w := NewWriter(&buf)
	msg := bencode.Dict(bencode.NewMap().SetString("id", "7").Set("status", bencode.Strings("done")))
	if err := w.WriteValue(msg); err != nil {
		t.Fatalf("write: %v", err)
	}
	if got := buf.String(); got != "d2:id1:76:statusl4:doneee" {
		t.Fatalf("unexpected wire: %q", got)
	}
}
