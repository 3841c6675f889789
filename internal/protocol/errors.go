package protocol

import (
	"errors"
	"fmt"

	"github.com/danmuck/nreplctl/internal/protocol/bencode"
)

var (
	ErrTypeMismatch    = errors.New("protocol: type mismatch")
	ErrInvalidRequest  = errors.New("protocol: invalid request")
	ErrUnknownSession  = errors.New("protocol: unknown session")
	ErrUnknownOp       = errors.New("protocol: unknown op")
	ErrOrphanResponse  = errors.New("protocol: orphan response")
	ErrCancelled       = errors.New("protocol: request cancelled")
	ErrIDMismatch      = errors.New("protocol: response id does not match request")
	ErrMissingIdentity = errors.New("protocol: message has no id")
)

// TypeMismatchError reports a value whose shape does not fit the message model.
// Field is empty when the whole value is not a map.
type TypeMismatchError struct {
	Field string
	Want  bencode.Kind
	Got   bencode.Kind
}

func (e *TypeMismatchError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("protocol: type mismatch: message must be a %s, got %s", e.Want, e.Got)
	}
	return fmt.Sprintf("protocol: type mismatch: field %q must be %s, got %s", e.Field, e.Want, e.Got)
}

func (e *TypeMismatchError) Unwrap() error {
	return ErrTypeMismatch
}

// ValidationError reports a request missing a field its op requires.
// Status is the status token sent back to the issuer.
type ValidationError struct {
	Op     string
	Field  string
	Status string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("protocol: op=%q missing required field %q", e.Op, e.Field)
}

func (e *ValidationError) Unwrap() error {
	return ErrInvalidRequest
}
