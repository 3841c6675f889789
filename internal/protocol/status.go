package protocol

// Status tokens.
const (
	StatusDone           = "done"
	StatusError          = "error"
	StatusUnknownOp      = "unknown-op"
	StatusUnknownSession = "unknown-session"
	StatusEvalError      = "eval-error"
	StatusInterrupted    = "interrupted"
	StatusSessionIdle    = "session-idle"
	StatusSessionClosed  = "session-closed"
	StatusNoOp           = "no-op"
	StatusNoCode         = "no-code"
	StatusNoSession      = "no-session"
	StatusMalformed      = "malformed-message"
)

// Status is an ordered set of status tokens.
type Status []string

func (s Status) Has(token string) bool {
	for _, t := range s {
		if t == token {
			return true
		}
	}
	return false
}

// Terminal reports whether the set carries done or error.
func (s Status) Terminal() bool {
	return s.Has(StatusDone) || s.Has(StatusError)
}

func (s Status) with(token string) Status {
	if s.Has(token) {
		return s
	}
	return append(s, token)
}
