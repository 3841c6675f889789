package protocol

import (
	"errors"
	"testing"

	"github.com/danmuck/nreplctl/internal/protocol/bencode"
	"github.com/danmuck/nreplctl/internal/testutil/testlog"
)

func decodeMessage(t *testing.T, wire string) (Message, error) {
	t.Helper()
	v, n, err := bencode.DecodeOne([]byte(wire))
	if err != nil {
		t.Fatalf("decode %q: %v", wire, err)
	}
	if n != len(wire) {
		t.Fatalf("decode %q consumed=%d", wire, n)
	}
	return FromValue(v)
}

func TestFromValueAccessors(t *testing.T) {
	testlog.Start(t)
	msg, err := decodeMessage(t, "d2:id2:427:session4:s-016:statusl4:done10:eval-errore5:valuei3e3:out2:hi7:x-extra3:yese")
	if err != nil {
		t.Fatalf("from value: %v", err)
	}
	if msg.ID() != "42" || msg.Session() != "s-01" || msg.Out() != "hi" {
		t.Fatalf("unexpected accessors: id=%q session=%q out=%q", msg.ID(), msg.Session(), msg.Out())
	}
	st := msg.Status()
	if !st.Has(StatusDone) || !st.Has(StatusEvalError) || !st.Terminal() {
		t.Fatalf("unexpected status: %v", st)
	}
	v, ok := msg.Value()
	if !ok || v.Kind != bencode.KindInt || v.Int != 3 {
		t.Fatalf("unexpected value: %v ok=%v", v, ok)
	}
	extra, ok := msg.Get("x-extra")
	if s, _ := extra.Text(); !ok || s != "yes" {
		t.Fatalf("unexpected extension field: %v", extra)
	}
	if !msg.IsResponse() || msg.IsRequest() {
		t.Fatalf("expected response classification")
	}
}

func TestFromValueRejectsNonMap(t *testing.T) {
	testlog.Start(t)
	_, err := FromValue(bencode.List(bencode.Int(1)))
	if !errors.Is(err, ErrTypeMismatch) {
		t.Fatalf("expected ErrTypeMismatch, got %v", err)
	}
	var tm *TypeMismatchError
	if !errors.As(err, &tm) || tm.Field != "" || tm.Got != bencode.KindList {
		t.Fatalf("unexpected mismatch detail: %+v", tm)
	}
}

func TestFromValueRejectsMistypedReservedFields(t *testing.T) {
	testlog.Start(t)
	cases := map[string]string{
		"id":      "d2:idi42e2:op4:evale",
		"op":      "d2:opli1ee2:id1:1e",
		"session": "d2:id1:17:sessiondee",
		"status":  "d2:id1:16:status4:donee",
		"token":   "d2:id1:16:statusli1eee",
	}
	for name, wire := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := decodeMessage(t, wire)
			if !errors.Is(err, ErrTypeMismatch) {
				t.Fatalf("expected ErrTypeMismatch, got %v", err)
			}
		})
	}
}

func TestOpaqueValueFieldIsNotChecked(t *testing.T) {
	testlog.Start(t)
	msg, err := decodeMessage(t, "d2:id1:15:valueld1:ai1eeee")
	if err != nil {
		t.Fatalf("expected opaque value to be accepted: %v", err)
	}
	if v, _ := msg.Value(); v.Kind != bencode.KindList {
		t.Fatalf("unexpected value kind: %v", v.Kind)
	}
}

func TestBuildersProduceRequestShapes(t *testing.T) {
	testlog.Start(t)
	cases := []struct {
		name string
		msg  Message
		want string
	}{
		{name: "clone root", msg: NewClone(""), want: "d2:op5:clonee"},
		{name: "clone child", msg: NewClone("s1"), want: "d2:op5:clone7:session2:s1e"},
		{name: "eval", msg: NewEval("(+ 1 2)", WithSession("s1"), WithNs("user")), want: "d2:op4:eval4:code7:(+ 1 2)7:session2:s12:ns4:usere"},
		{name: "interrupt", msg: NewInterrupt("s1", "9"), want: "d2:op9:interrupt7:session2:s112:interrupt-id1:9e"},
		{name: "close", msg: NewClose("s1"), want: "d2:op5:close7:session2:s1e"},
		{name: "describe", msg: NewDescribe(), want: "d2:op8:describee"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := string(bencode.Encode(tc.msg.ToValue())); got != tc.want {
				t.Fatalf("wire got=%q want=%q", got, tc.want)
			}
			if _, err := FromValue(tc.msg.ToValue()); err != nil {
				t.Fatalf("builder output rejected: %v", err)
			}
		})
	}
}

func TestCustomOpPassesThrough(t *testing.T) {
	testlog.Start(t)
	fields := bencode.NewMap().
		SetString("op", "ignored").
		SetString("symbol", "map").
		Set("depth", bencode.Int(2))
	msg := NewRequest("info", fields, WithSession("s9"))
	if got := string(bencode.Encode(msg.ToValue())); got != "d2:op4:info6:symbol3:map5:depthi2e7:session2:s9e" {
		t.Fatalf("unexpected custom op wire: %q", got)
	}
	if err := ValidateRequest(msg); err != nil {
		t.Fatalf("custom op should validate: %v", err)
	}
}

func TestNewResponseEchoesIdentity(t *testing.T) {
	testlog.Start(t)
	req := NewEval("1", WithSession("s1")).SetString(FieldID, "7")
	resp := NewResponse(req).WithStatus(StatusDone, StatusDone)
	if resp.ID() != "7" || resp.Session() != "s1" {
		t.Fatalf("unexpected echo: %s", resp)
	}
	if st := resp.Status(); len(st) != 1 || !st.Terminal() {
		t.Fatalf("expected deduplicated terminal status, got %v", st)
	}
}

func TestValidateRequest(t *testing.T) {
	testlog.Start(t)
	var ve *ValidationError
	err := ValidateRequest(NewMessage().SetString(FieldID, "1"))
	if !errors.As(err, &ve) || ve.Status != StatusNoOp {
		t.Fatalf("expected no-op validation error, got %v", err)
	}
	err = ValidateRequest(NewRequest(OpEval, nil))
	if !errors.As(err, &ve) || ve.Status != StatusNoCode || !errors.Is(err, ErrInvalidRequest) {
		t.Fatalf("expected no-code validation error, got %v", err)
	}
	err = ValidateRequest(NewRequest(OpClose, nil))
	if !errors.As(err, &ve) || ve.Status != StatusNoSession {
		t.Fatalf("expected no-session validation error, got %v", err)
	}
	if err := ValidateRequest(NewEval("x")); err != nil {
		t.Fatalf("eval with code should validate: %v", err)
	}
}

func TestStatusTerminalTokens(t *testing.T) {
	testlog.Start(t)
	if (Status{"eval-error"}).Terminal() {
		t.Fatalf("eval-error alone is not terminal")
	}
	if !(Status{StatusError, StatusUnknownOp}).Terminal() {
		t.Fatalf("error must be terminal")
	}
	if !(Status{StatusInterrupted, StatusDone}).Terminal() {
		t.Fatalf("done must be terminal")
	}
}

func TestRecoverID(t *testing.T) {
	testlog.Start(t)
	cases := map[string]string{
		"d2:id1:72:nsi5ee": "7",
		"d2:idi7ee":        "",
		"d2:ns1:xe":        "",
		"li1ee":            "",
	}
	for raw, want := range cases {
		v, _, err := bencode.DecodeOne([]byte(raw))
		if err != nil {
			t.Fatalf("decode %q: %v", raw, err)
		}
		if got := RecoverID(v); got != want {
			t.Fatalf("RecoverID(%q) got=%q want=%q", raw, got, want)
		}
	}
}
