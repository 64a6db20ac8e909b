// Package domain contains entity without logic, just meta-data
package domain

import "errors"

// MessageKind identifies the kind of handshake message.
type MessageKind string

const (
	KindOffer     MessageKind = "offer"
	KindAnswer    MessageKind = "answer"
	KindCandidate MessageKind = "candidate"
)

var (
	ErrInvalidSequence = errors.New("sequence must be positive")
	ErrInvalidKind     = errors.New("unknown message kind")
)

// CandidatePayload mirrors the wire shape of one ICE candidate.
// All fields may be absent: an empty payload is the trickle-ICE
// end-of-candidates no-op and is dropped by the receiver.
type CandidatePayload struct {
	Candidate     string  `json:"candidate,omitempty"`
	SDPMLineIndex *uint16 `json:"sdpMLineIndex,omitempty"`
	SDPMid        *string `json:"sdpMid,omitempty"`
}

// Empty reports whether the payload carries no usable candidate data.
func (c *CandidatePayload) Empty() bool {
	return c == nil || (c.Candidate == "" && c.SDPMid == nil)
}

// HandshakeMessage is one unit exchanged through the relay during call setup.
// Append-only: written once by its sender, never updated or deleted.
type HandshakeMessage struct {
	Kind      MessageKind       `json:"kind"`
	SDP       string            `json:"sdp,omitempty"`
	Candidate *CandidatePayload `json:"candidate,omitempty"`
	Seq       int64             `json:"seq"`
	Sender    PeerID            `json:"sender"`
	// Timestamp is the relay-assigned arrival token (unix micros). Zero until
	// the relay stamps it. Used only as an ordering tiebreak, never for dedup.
	Timestamp int64 `json:"timestamp"`
}

// NewHandshakeMessage validates the invariants every outbound message must
// hold before it is allowed anywhere near the relay.
func NewHandshakeMessage(kind MessageKind, sender PeerID, seq int64) (*HandshakeMessage, error) {
	if seq <= 0 {
		return nil, ErrInvalidSequence
	}
	switch kind {
	case KindOffer, KindAnswer, KindCandidate:
	default:
		return nil, ErrInvalidKind
	}
	return &HandshakeMessage{Kind: kind, Sender: sender, Seq: seq}, nil
}

// Validate re-checks the creation invariants; the channel refuses to send
// anything that fails it.
func (m *HandshakeMessage) Validate() error {
	if m.Seq <= 0 {
		return ErrInvalidSequence
	}
	switch m.Kind {
	case KindOffer, KindAnswer, KindCandidate:
		return nil
	default:
		return ErrInvalidKind
	}
}
