package rtc

import (
	"context"
	"fmt"
	"sync"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/peercall/internal/core"
	"github.com/dkeye/peercall/internal/domain"
)

// Connection implements core.MediaConnection over a pion PeerConnection.
type Connection struct {
	pc     *webrtc.PeerConnection
	callID domain.CallID
	cancel context.CancelFunc

	onLocalCandidate func(domain.CandidatePayload)
	onRemoteMedia    func(track *webrtc.TrackRemote)
	onConnectivity   func(s webrtc.ICEConnectionState)
	onSession        func(s webrtc.PeerConnectionState)

	mu     sync.Mutex
	closed bool
}

func DefaultConfig(iceServers []string) webrtc.Configuration {
	if len(iceServers) == 0 {
		iceServers = []string{"stun:stun.l.google.com:19302"}
	}
	return webrtc.Configuration{
		ICEServers: []webrtc.ICEServer{{URLs: iceServers}},
	}
}

// NewConnection builds the peer connection. onLocalCandidate receives every
// locally gathered candidate once Start ran; the end-of-gathering nil is
// dropped here, it never leaves the adapter.
func NewConnection(cfg webrtc.Configuration, callID domain.CallID, onLocalCandidate func(domain.CandidatePayload)) (*Connection, error) {
	pc, err := webrtc.NewPeerConnection(cfg)
	if err != nil {
		return nil, err
	}
	return &Connection{pc: pc, callID: callID, onLocalCandidate: onLocalCandidate}, nil
}

func (c *Connection) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	c.cancel = cancel

	// Bind connection lifetime to ctx: cancelling the session releases the
	// transport even if nobody calls Close.
	go func() {
		<-ctx.Done()
		c.Close()
	}()

	c.pc.OnICEConnectionStateChange(func(s webrtc.ICEConnectionState) {
		log.Info().Str("module", "rtc").Str("call", string(c.callID)).Str("ice_state", s.String()).Msg("ICE state")
		if c.onConnectivity != nil {
			c.onConnectivity(s)
		}
	})

	c.pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		log.Info().Str("module", "rtc").Str("call", string(c.callID)).Str("peer_connection_state", s.String()).Msg("Peer state")
		if c.onSession != nil {
			c.onSession(s)
		}
	})

	c.pc.OnICECandidate(func(cand *webrtc.ICECandidate) {
		if cand == nil || c.onLocalCandidate == nil {
			return
		}
		init := cand.ToJSON()
		c.onLocalCandidate(domain.CandidatePayload{
			Candidate:     init.Candidate,
			SDPMLineIndex: init.SDPMLineIndex,
			SDPMid:        init.SDPMid,
		})
	})

	c.pc.OnTrack(func(track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver) {
		log.Info().
			Str("module", "rtc").
			Str("call", string(c.callID)).
			Str("kind", track.Kind().String()).
			Str("track_id", track.ID()).
			Msg("remote track received")
		if c.onRemoteMedia != nil {
			c.onRemoteMedia(track)
		}
	})

	return nil
}

func (c *Connection) AttachLocalMedia(media core.LocalMedia) error {
	if _, err := c.pc.AddTrack(media.Track()); err != nil {
		return fmt.Errorf("add local track: %w", err)
	}
	return nil
}

func (c *Connection) CreateOffer(ctx context.Context) (string, error) {
	offer, err := c.pc.CreateOffer(nil)
	if err != nil {
		return "", err
	}
	return offer.SDP, nil
}

func (c *Connection) CreateAnswer(ctx context.Context) (string, error) {
	answer, err := c.pc.CreateAnswer(nil)
	if err != nil {
		return "", err
	}
	return answer.SDP, nil
}

func (c *Connection) ApplyLocalDescription(ctx context.Context, kind domain.MessageKind, sdp string) error {
	return c.pc.SetLocalDescription(webrtc.SessionDescription{Type: sdpType(kind), SDP: sdp})
}

func (c *Connection) ApplyRemoteDescription(ctx context.Context, kind domain.MessageKind, sdp string) error {
	if sdp == "" {
		return core.ErrInvalidRemoteDescription
	}
	return c.pc.SetRemoteDescription(webrtc.SessionDescription{Type: sdpType(kind), SDP: sdp})
}

func (c *Connection) AddRemoteCandidate(cand domain.CandidatePayload) error {
	init := webrtc.ICECandidateInit{
		Candidate:     cand.Candidate,
		SDPMLineIndex: cand.SDPMLineIndex,
		SDPMid:        cand.SDPMid,
	}
	return c.pc.AddICECandidate(init)
}

// RestartNegotiation creates an offer flagged to re-run candidate discovery
// while keeping the existing media pipeline.
func (c *Connection) RestartNegotiation(ctx context.Context) (string, error) {
	offer, err := c.pc.CreateOffer(&webrtc.OfferOptions{
		OfferAnswerOptions: webrtc.OfferAnswerOptions{},
		ICERestart:         true,
	})
	if err != nil {
		return "", err
	}
	return offer.SDP, nil
}

func (c *Connection) SignalingStable() bool {
	return c.pc.SignalingState() == webrtc.SignalingStateStable
}

func (c *Connection) OnRemoteMedia(fn func(track *webrtc.TrackRemote)) { c.onRemoteMedia = fn }

func (c *Connection) OnConnectivityStateChange(fn func(s webrtc.ICEConnectionState)) {
	c.onConnectivity = fn
}

func (c *Connection) OnSessionStateChange(fn func(s webrtc.PeerConnectionState)) { c.onSession = fn }

func (c *Connection) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.mu.Unlock()

	if c.cancel != nil {
		c.cancel()
	}
	if err := c.pc.Close(); err != nil {
		log.Error().Err(err).Str("module", "rtc").Str("call", string(c.callID)).Msg("close error")
	} else {
		log.Info().Str("module", "rtc").Str("call", string(c.callID)).Msg("closed")
	}
}

func sdpType(kind domain.MessageKind) webrtc.SDPType {
	if kind == domain.KindAnswer {
		return webrtc.SDPTypeAnswer
	}
	return webrtc.SDPTypeOffer
}
