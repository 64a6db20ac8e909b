package core

import (
	"errors"
	"fmt"
)

var (
	// ErrSessionAlreadyActive rejects a second concurrent session start.
	ErrSessionAlreadyActive = errors.New("a call session is already active")
	// ErrNegotiationFailed marks an unrecoverable offer/answer failure.
	ErrNegotiationFailed = errors.New("negotiation failed")
	// ErrInvalidRemoteDescription marks an offer/answer with no usable SDP.
	ErrInvalidRemoteDescription = errors.New("invalid remote description")
	// ErrReconnectBudgetExhausted is surfaced after the last permitted
	// reconnection attempt. It does not itself terminate the session; the
	// application decides whether to end the call.
	ErrReconnectBudgetExhausted = errors.New("reconnect budget exhausted")
)

// DeliveryError reports that a relay write failed after all retry attempts.
// No partial write happened; the caller may retry the whole signaling step
// or abandon the call.
type DeliveryError struct {
	Attempts int
	Last     error
}

func (e *DeliveryError) Error() string {
	return fmt.Sprintf("delivery failed after %d attempts: %v", e.Attempts, e.Last)
}

func (e *DeliveryError) Unwrap() error { return e.Last }
