package domain

type (
	// CallID is the opaque identifier both parties share for one call.
	CallID string
	// PeerID identifies one participant; also the message sender key.
	PeerID string
)

// Role fixes who produces the first handshake message. It never changes for
// the lifetime of a session.
type Role string

const (
	RoleInitiator Role = "initiator"
	RoleResponder Role = "responder"
)
