package app

import (
	"github.com/pion/webrtc/v4"

	"github.com/dkeye/peercall/internal/domain"
)

// SessionState is the user-visible call lifecycle.
type SessionState string

const (
	StateIdle        SessionState = "idle"
	StateNegotiating SessionState = "negotiating"
	StateConnecting  SessionState = "connecting"
	StateActive      SessionState = "active"
	StateEnded       SessionState = "ended"
	StateFailed      SessionState = "failed"
)

// Terminal reports whether no further transitions are possible.
func (s SessionState) Terminal() bool {
	return s == StateEnded || s == StateFailed
}

// Event is the tagged union delivered on a session's event channel.
// Exactly one concrete type per variant; no callback fan-out.
type Event interface {
	isEvent()
}

// RemoteMediaEvent fires when the remote audio track arrives. The track is
// adapter-owned; receivers only reference it.
type RemoteMediaEvent struct {
	CallID domain.CallID
	Track  *webrtc.TrackRemote
}

// ConnectivityEvent reports ICE connectivity transitions as the adapter saw them.
type ConnectivityEvent struct {
	CallID domain.CallID
	State  webrtc.ICEConnectionState
}

// StateChangedEvent reports session lifecycle transitions.
type StateChangedEvent struct {
	CallID domain.CallID
	State  SessionState
}

// EndedEvent fires exactly once, after teardown completed.
type EndedEvent struct {
	CallID domain.CallID
	State  SessionState // Ended or Failed
}

// FatalErrorEvent surfaces structural errors the application must decide on:
// exhausted reconnect budget, subscription loss, delivery failure.
// It does not itself terminate the session.
type FatalErrorEvent struct {
	CallID domain.CallID
	Err    error
}

func (RemoteMediaEvent) isEvent()  {}
func (ConnectivityEvent) isEvent() {}
func (StateChangedEvent) isEvent() {}
func (EndedEvent) isEvent()        {}
func (FatalErrorEvent) isEvent()   {}
