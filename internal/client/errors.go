package client

import (
	"errors"
	"fmt"

	"github.com/danmuck/nreplctl/internal/protocol"
)

var (
	ErrConnectionClosed = errors.New("client: connection closed")
	ErrAddressRequired  = errors.New("client: address required")
	ErrMissingSession   = errors.New("client: clone response missing new-session")
)

// StatusError is a terminal response that reported a protocol-level failure.
type StatusError struct {
	Op      string
	ID      string
	Status  protocol.Status
	Message protocol.Message
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("client: op=%q id=%q failed status=%v", e.Op, e.ID, []string(e.Status))
}

// Is maps status tokens onto the protocol sentinels.
func (e *StatusError) Is(target error) bool {
	switch target {
	case protocol.ErrUnknownSession:
		return e.Status.Has(protocol.StatusUnknownSession)
	case protocol.ErrUnknownOp:
		return e.Status.Has(protocol.StatusUnknownOp)
	case protocol.ErrInvalidRequest:
		return e.Status.Has(protocol.StatusNoOp) ||
			e.Status.Has(protocol.StatusNoCode) ||
			e.Status.Has(protocol.StatusNoSession) ||
			e.Status.Has(protocol.StatusMalformed)
	}
	return false
}

// statusError reports terminal failures other than evaluation errors, which
// are carried in EvalResult instead.
func statusError(op, id string, last protocol.Message) error {
	st := last.Status()
	failed := st.Has(protocol.StatusUnknownSession) ||
		(st.Has(protocol.StatusError) && !st.Has(protocol.StatusEvalError))
	if !failed {
		return nil
	}
	return &StatusError{Op: op, ID: id, Status: st, Message: last}
}
