package bencode

import (
	"errors"
	"math"
	"math/rand"
	"strconv"
	"testing"

	"github.com/danmuck/nreplctl/internal/testutil/testlog"
)

func TestEncodeWireForms(t *testing.T) {
	testlog.Start(t)
	m := NewMap().
		SetString("op", "eval").
		Set("id", String("1")).
		Set("n", Int(-42)).
		Set("status", Strings("done"))
	cases := []struct {
		name string
		in   Value
		want string
	}{
		{name: "int", in: Int(3), want: "i3e"},
		{name: "negative int", in: Int(-17), want: "i-17e"},
		{name: "zero", in: Int(0), want: "i0e"},
		{name: "empty string", in: String(""), want: "0:"},
		{name: "string", in: String("spam"), want: "4:spam"},
		{name: "multibyte string", in: String("λx"), want: "3:λx"},
		{name: "list", in: List(Int(1), String("a")), want: "li1e1:ae"},
		{name: "empty list", in: List(), want: "le"},
		{name: "empty map", in: Dict(nil), want: "de"},
		{name: "map insertion order", in: Dict(m), want: "d2:op4:eval2:id1:11:ni-42e6:statusl4:doneee"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := string(Encode(tc.in)); got != tc.want {
				t.Fatalf("encode got=%q want=%q", got, tc.want)
			}
		})
	}
}

func TestDecodeOneRoundTrip(t *testing.T) {
	testlog.Start(t)
	rng := rand.New(rand.NewSource(7))
	for i := 0; i < 500; i++ {
		v := randomValue(rng, 0)
		wire := Encode(v)
		got, n, err := DecodeOne(wire)
		if err != nil {
			t.Fatalf("decode %q: %v", wire, err)
		}
		if n != len(wire) {
			t.Fatalf("consumed=%d want=%d for %q", n, len(wire), wire)
		}
		if !got.Equal(v) {
			t.Fatalf("round trip mismatch got=%s want=%s", got, v)
		}
	}
}

func TestMapKeyOrderSurvivesReencode(t *testing.T) {
	testlog.Start(t)
	wire := []byte("d4:zeta1:z5:alpha1:a3:mid1:me")
	v, n, err := DecodeOne(wire)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if n != len(wire) {
		t.Fatalf("consumed=%d want=%d", n, len(wire))
	}
	keys := v.Map.Keys()
	if len(keys) != 3 || keys[0] != "zeta" || keys[1] != "alpha" || keys[2] != "mid" {
		t.Fatalf("unexpected key order: %v", keys)
	}
	if again := Encode(v); string(again) != string(wire) {
		t.Fatalf("re-encode got=%q want=%q", again, wire)
	}
}

func TestMapSetReplacesInPlace(t *testing.T) {
	testlog.Start(t)
	m := NewMap().SetString("a", "1").SetString("b", "2")
	m.SetString("a", "3")
	if got := string(Encode(Dict(m))); got != "d1:a1:31:b1:2e" {
		t.Fatalf("unexpected encoding after replace: %q", got)
	}
	m.Delete("a")
	if got := m.Keys(); len(got) != 1 || got[0] != "b" {
		t.Fatalf("unexpected keys after delete: %v", got)
	}
}

func TestDecodeIncompletePrefixes(t *testing.T) {
	testlog.Start(t)
	full := Encode(Dict(NewMap().
		SetString("id", "42").
		Set("items", List(Int(12), String("hello"))).
		Set("nested", Dict(NewMap().Set("n", Int(-5))))))
	for i := 0; i < len(full); i++ {
		_, n, err := DecodeOne(full[:i])
		if !errors.Is(err, ErrIncomplete) {
			t.Fatalf("prefix %q: expected ErrIncomplete, got %v", full[:i], err)
		}
		if n != 0 {
			t.Fatalf("prefix %q: consumed=%d on incomplete", full[:i], n)
		}
	}
}

func TestDecodeLengthPrefixedStringWaitsForBytes(t *testing.T) {
	testlog.Start(t)
	if _, _, err := DecodeOne([]byte("5:abc")); !errors.Is(err, ErrIncomplete) {
		t.Fatalf("expected ErrIncomplete for short string, got %v", err)
	}

	buf := []byte("5:abcde e")
	v, n, err := DecodeOne(buf)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if n != 7 {
		t.Fatalf("consumed=%d want=7", n)
	}
	if s, _ := v.Text(); s != "abcde" {
		t.Fatalf("got=%q want=abcde", s)
	}
	_, _, err = DecodeOne(buf[n:])
	if !errors.Is(err, ErrMalformed) {
		t.Fatalf("expected ErrMalformed for stray bytes, got %v", err)
	}
	var syn *SyntaxError
	if !errors.As(err, &syn) || syn.Offset != 0 {
		t.Fatalf("expected syntax error at offset 0, got %v", err)
	}

	// delimiters inside string data are payload, not structure
	v, n, err = DecodeOne([]byte("5:e:d1ei9e"))
	if err != nil || n != 7 {
		t.Fatalf("decode got n=%d err=%v", n, err)
	}
	if s, _ := v.Text(); s != "e:d1e" {
		t.Fatalf("got=%q want=e:d1e", s)
	}
}

func TestDecodeMultibyteLengthIsByteCount(t *testing.T) {
	testlog.Start(t)
	v, n, err := DecodeOne([]byte("4:λλ"))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if n != 6 {
		t.Fatalf("consumed=%d want=6", n)
	}
	if s, _ := v.Text(); s != "λλ" {
		t.Fatalf("got=%q", s)
	}
	if _, _, err := DecodeOne([]byte("2:λλ")); err != nil {
		t.Fatalf("two-byte prefix should decode as one rune, got %v", err)
	}
}

func TestDecodeMalformed(t *testing.T) {
	testlog.Start(t)
	cases := []string{
		"x",
		"5x",
		"05:hello",
		"i03e",
		"i-0e",
		"ie",
		"i-e",
		"i1-2e",
		"i99999999999999999999e",
		"di1ei2ee",
		"d1:a1:b1:a1:ce",
		"l1:ax",
		"-1:a",
	}
	for _, raw := range cases {
		t.Run(raw, func(t *testing.T) {
			_, _, err := DecodeOne([]byte(raw))
			if !errors.Is(err, ErrMalformed) {
				t.Fatalf("expected ErrMalformed, got %v", err)
			}
		})
	}
}

func TestDecodeIntegerBounds(t *testing.T) {
	testlog.Start(t)
	for _, n := range []int64{math.MaxInt64, math.MinInt64, 0, -1, 1} {
		wire := "i" + strconv.FormatInt(n, 10) + "e"
		v, _, err := DecodeOne([]byte(wire))
		if err != nil {
			t.Fatalf("decode %s: %v", wire, err)
		}
		if v.Int != n {
			t.Fatalf("decode %s got=%d", wire, v.Int)
		}
	}
	if _, _, err := DecodeOne([]byte("i9223372036854775808e")); !errors.Is(err, ErrMalformed) {
		t.Fatalf("expected overflow to be malformed, got %v", err)
	}
}

func TestDecodeEnforcesLimits(t *testing.T) {
	testlog.Start(t)
	limits := Limits{MaxDepth: 2, MaxStringBytes: 4}
	if _, _, err := DecodeOneWithLimits([]byte("lllee"), limits); !errors.Is(err, ErrMalformed) {
		t.Fatalf("expected depth limit violation, got %v", err)
	}
	if _, _, err := DecodeOneWithLimits([]byte("llee"), limits); err != nil {
		t.Fatalf("depth within limit: %v", err)
	}
	if _, _, err := DecodeOneWithLimits([]byte("5:abcde"), limits); !errors.Is(err, ErrMalformed) {
		t.Fatalf("expected string limit violation, got %v", err)
	}
}

func randomValue(rng *rand.Rand, depth int) Value {
	kind := rng.Intn(4)
	if depth > 3 {
		kind = rng.Intn(2)
	}
	switch kind {
	case 0:
		return Int(rng.Int63() - rng.Int63())
	case 1:
		b := make([]byte, rng.Intn(12))
		rng.Read(b)
		return Bytes(b)
	case 2:
		items := make([]Value, rng.Intn(4))
		for i := range items {
			items[i] = randomValue(rng, depth+1)
		}
		return List(items...)
	default:
		m := NewMap()
		for i, n := 0, rng.Intn(4); i < n; i++ {
			m.Set("k"+strconv.Itoa(rng.Intn(100)), randomValue(rng, depth+1))
		}
		return Dict(m)
	}
}
