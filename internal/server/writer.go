package server

import (
	"errors"
	"fmt"
	"sync"

	"github.com/danmuck/nreplctl/internal/observability"
	"github.com/danmuck/nreplctl/internal/protocol"
)

var ErrAfterTerminal = errors.New("server: response after terminal status")

// ResponseWriter emits the responses for one request in generation order.
// Every response carries the request id and session; the first terminal
// response closes the writer.
type ResponseWriter struct {
	conn *Conn
	req  protocol.Message

	mu       sync.Mutex
	terminal bool
	sent     int
}

func newResponseWriter(conn *Conn, req protocol.Message) *ResponseWriter {
	return &ResponseWriter{conn: conn, req: req}
}

// Response starts a message echoing the request identity.
func (w *ResponseWriter) Response() protocol.Message {
	return protocol.NewResponse(w.req)
}

// Send writes msg, filling id and session from the request when absent.
// A message naming a different id is rejected with protocol.ErrIDMismatch.
func (w *ResponseWriter) Send(msg protocol.Message) error {
	if id := msg.ID(); id != "" && id != w.req.ID() {
		return fmt.Errorf("%w: got=%q want=%q", protocol.ErrIDMismatch, id, w.req.ID())
	}
	if id := w.req.ID(); id != "" && !msg.Has(protocol.FieldID) {
		msg.SetString(protocol.FieldID, id)
	}
	if s := w.req.Session(); s != "" && !msg.Has(protocol.FieldSession) {
		msg.SetString(protocol.FieldSession, s)
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.terminal {
		return ErrAfterTerminal
	}
	if err := w.conn.writer.WriteValue(msg.ToValue()); err != nil {
		return err
	}
	observability.RecordFrame(observability.RoleServer, observability.DirectionOut)
	w.sent++
	w.terminal = msg.IsTerminal()
	return nil
}

// Done sends the terminal done response with any extra status tokens first.
func (w *ResponseWriter) Done(status ...string) error {
	return w.Send(w.Response().WithStatus(append(status, protocol.StatusDone)...))
}

// Fail sends a terminal error response.
func (w *ResponseWriter) Fail(status ...string) error {
	return w.Send(w.Response().WithStatus(append([]string{protocol.StatusError}, status...)...))
}

func (w *ResponseWriter) Terminated() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.terminal
}

// failStatus maps a handler error onto the status tokens of its terminal reply.
func failStatus(err error) []string {
	var ve *protocol.ValidationError
	switch {
	case errors.As(err, &ve):
		return []string{ve.Status}
	case errors.Is(err, protocol.ErrUnknownOp):
		return []string{protocol.StatusUnknownOp}
	case errors.Is(err, protocol.ErrUnknownSession):
		return []string{protocol.StatusUnknownSession}
	case errors.Is(err, ErrNoEvaluator):
		return []string{protocol.StatusEvalError}
	}
	return nil
}
