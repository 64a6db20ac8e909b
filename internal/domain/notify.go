package domain

import (
	"encoding/json"
	"errors"
	"fmt"
)

var ErrBadNotification = errors.New("bad incoming-call notification")

// IncomingCallNotification is the one typed shape an inbound push payload is
// decoded into at the transport boundary. The core never sniffs alternative
// wire representations; a payload that does not match is rejected here.
type IncomingCallNotification struct {
	CallID CallID       `json:"callId"`
	Caller Participant  `json:"caller"`
	Callee *Participant `json:"callee,omitempty"`
}

// DecodeIncomingCall parses a push payload. CallID and caller identity are
// required; everything else is optional display data.
func DecodeIncomingCall(data []byte) (*IncomingCallNotification, error) {
	var n IncomingCallNotification
	if err := json.Unmarshal(data, &n); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadNotification, err)
	}
	if n.CallID == "" {
		return nil, fmt.Errorf("%w: missing callId", ErrBadNotification)
	}
	if n.Caller.ID == "" {
		return nil, fmt.Errorf("%w: missing caller id", ErrBadNotification)
	}
	return &n, nil
}
