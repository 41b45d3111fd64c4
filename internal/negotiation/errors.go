package negotiation

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidState is returned when an operation is not allowed in the
	// session's current state. The session is left untouched.
	ErrInvalidState = errors.New("invalid negotiation state")

	// ErrSessionClosed is returned for operations on a torn-down session.
	ErrSessionClosed = errors.New("negotiation session closed")
)

// NegotiationError reports a description, media or signaling failure. The
// session that produced it has already moved to StateFailed.
type NegotiationError struct {
	SessionID string
	Op        string
	Err       error
}

func (e *NegotiationError) Error() string {
	return fmt.Sprintf("negotiation %s: %s: %v", e.SessionID, e.Op, e.Err)
}

func (e *NegotiationError) Unwrap() error {
	return e.Err
}
