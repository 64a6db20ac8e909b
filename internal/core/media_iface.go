package core

import (
	"context"

	"github.com/pion/webrtc/v4"

	"github.com/dkeye/peercall/internal/domain"
)

// LocalMedia is the outgoing audio source a session attaches to its media
// connection. The session exclusively owns it and must Stop it exactly once
// during teardown; no other component may touch it.
type LocalMedia interface {
	Track() webrtc.TrackLocal
	Stop()
}

// MediaConnection wraps the media engine's negotiation primitives for one
// call. Implementations normalize the engine's asynchronous notifications
// into the three On* callbacks; callbacks are invoked serially.
// Owned by the session; the session must Close() it.
type MediaConnection interface {
	// Start configures internal callbacks and binds the connection lifetime to ctx.
	Start(ctx context.Context) error
	// AttachLocalMedia binds outgoing audio into the send path.
	AttachLocalMedia(media LocalMedia) error
	CreateOffer(ctx context.Context) (string, error)
	CreateAnswer(ctx context.Context) (string, error)
	ApplyLocalDescription(ctx context.Context, kind domain.MessageKind, sdp string) error
	ApplyRemoteDescription(ctx context.Context, kind domain.MessageKind, sdp string) error
	// AddRemoteCandidate applies a remote ICE candidate. Best-effort: stale or
	// malformed candidates are common and must not fail the call.
	AddRemoteCandidate(c domain.CandidatePayload) error
	// RestartNegotiation produces a fresh offer flagged to rebuild
	// connectivity without discarding the existing media pipeline.
	RestartNegotiation(ctx context.Context) (string, error)
	// SignalingStable reports whether the engine's negotiation state machine
	// is idle, i.e. a restart offer may be produced right now.
	SignalingStable() bool
	// OnRemoteMedia sets a callback invoked when the remote audio track arrives.
	// The handle is adapter-owned; consumers only reference it.
	OnRemoteMedia(fn func(track *webrtc.TrackRemote))
	// OnConnectivityStateChange reports ICE connectivity transitions.
	OnConnectivityStateChange(fn func(s webrtc.ICEConnectionState))
	// OnSessionStateChange reports peer-connection transitions.
	OnSessionStateChange(fn func(s webrtc.PeerConnectionState))
	// Close releases all underlying transport resources. Idempotent.
	Close()
}
