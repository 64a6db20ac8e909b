package app

import (
	"context"
	"fmt"
	"sync"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/peercall/internal/core"
	"github.com/dkeye/peercall/internal/domain"
)

const eventBuffer = 32

// CallSession owns one call end to end: it drives the offer/answer/candidate
// exchange through the handshake channel, the media connection through the
// SDP policy, and the media-path repair protocol. All transitions are
// serialized through s.mu; the handshake feed and adapter callbacks are the
// only writers.
type CallSession struct {
	callID domain.CallID
	role   domain.Role
	local  domain.PeerID
	peer   domain.PeerID

	channel    *HandshakeChannel
	media      core.MediaConnection
	localMedia core.LocalMedia
	policy     SdpPolicy
	budget     int

	ctx    context.Context
	cancel context.CancelFunc

	mu           sync.Mutex
	state        SessionState
	localSeq     int64 // last stamped outbound sequence; next is localSeq+1
	remoteSeq    int64 // high-water mark of remote sequences already forwarded
	reconnects   int
	offerPending bool // a local offer is outstanding (glare detection)
	peerClosed   bool // adapter reported the peer connection closed
	tornDown     bool
	eventsClosed bool

	events chan Event
	// onTerminal clears the registry slot; last step of teardown.
	onTerminal func(*CallSession)
}

// SessionDeps is everything a session needs, passed explicitly. No ambient
// lookups anywhere downstream.
type SessionDeps struct {
	CallID     domain.CallID
	Role       domain.Role
	Local      domain.PeerID
	Peer       domain.PeerID
	Channel    *HandshakeChannel
	Media      core.MediaConnection
	LocalMedia core.LocalMedia
	Policy     SdpPolicy
	// ReconnectBudget caps repair attempts between successful connections.
	ReconnectBudget int
	OnTerminal      func(*CallSession)
}

func NewCallSession(ctx context.Context, d SessionDeps) *CallSession {
	ctx, cancel := context.WithCancel(ctx)
	if d.ReconnectBudget <= 0 {
		d.ReconnectBudget = 5
	}
	return &CallSession{
		callID:     d.CallID,
		role:       d.Role,
		local:      d.Local,
		peer:       d.Peer,
		channel:    d.Channel,
		media:      d.Media,
		localMedia: d.LocalMedia,
		policy:     d.Policy,
		budget:     d.ReconnectBudget,
		ctx:        ctx,
		cancel:     cancel,
		state:      StateIdle,
		events:     make(chan Event, eventBuffer),
		onTerminal: d.OnTerminal,
	}
}

func (s *CallSession) CallID() domain.CallID { return s.callID }
func (s *CallSession) Role() domain.Role     { return s.role }

// Events is the session's sole outbound signal. Closed after teardown.
func (s *CallSession) Events() <-chan Event { return s.events }

func (s *CallSession) State() SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Start wires the adapter callbacks, subscribes to the handshake feed and,
// for the initiator, produces and sends the first offer. The responder's
// first offer arrives through the feed (the initial snapshot replays
// history, so accepting after the offer was written still works).
func (s *CallSession) Start() error {
	s.media.OnRemoteMedia(s.handleRemoteMedia)
	s.media.OnConnectivityStateChange(s.handleConnectivity)
	s.media.OnSessionStateChange(s.handlePeerState)

	if err := s.media.Start(s.ctx); err != nil {
		s.fail(fmt.Errorf("media start: %w", err))
		return err
	}
	if err := s.channel.Subscribe(s.ctx, s.handleMessage, s.handleSubscriptionError); err != nil {
		s.fail(fmt.Errorf("handshake subscribe: %w", err))
		return err
	}

	if s.role == domain.RoleInitiator {
		if err := s.sendInitialOffer(); err != nil {
			s.fail(err)
			return err
		}
	}
	return nil
}

func (s *CallSession) sendInitialOffer() error {
	if err := s.media.AttachLocalMedia(s.localMedia); err != nil {
		return fmt.Errorf("attach local media: %w", err)
	}
	offer, err := s.media.CreateOffer(s.ctx)
	if err != nil {
		return fmt.Errorf("%w: %v", core.ErrNegotiationFailed, err)
	}
	offer = s.policy.Rewrite(offer)
	if err := s.media.ApplyLocalDescription(s.ctx, domain.KindOffer, offer); err != nil {
		return fmt.Errorf("%w: %v", core.ErrNegotiationFailed, err)
	}

	s.mu.Lock()
	s.setStateLocked(StateNegotiating)
	s.offerPending = true
	msg := s.stampLocked(domain.KindOffer)
	s.mu.Unlock()

	msg.SDP = offer
	if err := s.channel.Send(s.ctx, msg); err != nil {
		return err
	}
	log.Info().Str("module", "app.session").Str("call", string(s.callID)).Int64("seq", msg.Seq).Msg("offer sent")
	return nil
}

// stampLocked mints the next outbound message skeleton. localSeq is strictly
// increasing and never reused, even for messages that later fail to send.
func (s *CallSession) stampLocked(kind domain.MessageKind) *domain.HandshakeMessage {
	s.localSeq++
	return &domain.HandshakeMessage{Kind: kind, Sender: s.local, Seq: s.localSeq}
}

// handleMessage is the handshake feed callback. The channel guarantees
// ordering and at-most-once per (sender, seq); the session keeps its own
// high-water mark anyway so a misbehaving relay cannot rewind it.
func (s *CallSession) handleMessage(m domain.HandshakeMessage) {
	s.mu.Lock()
	if s.state.Terminal() || s.tornDown {
		s.mu.Unlock()
		return
	}
	if m.Seq <= s.remoteSeq {
		s.mu.Unlock()
		log.Warn().Str("module", "app.session").Str("call", string(s.callID)).
			Int64("seq", m.Seq).Msg("stale remote sequence dropped")
		return
	}
	s.remoteSeq = m.Seq
	s.mu.Unlock()

	switch m.Kind {
	case domain.KindOffer:
		s.handleOffer(m)
	case domain.KindAnswer:
		s.handleAnswer(m)
	case domain.KindCandidate:
		s.handleCandidate(m)
	default:
		log.Warn().Str("module", "app.session").Str("kind", string(m.Kind)).Msg("unknown message kind")
	}
}

func (s *CallSession) handleOffer(m domain.HandshakeMessage) {
	if m.SDP == "" {
		s.fail(fmt.Errorf("%w: offer without sdp", core.ErrInvalidRemoteDescription))
		return
	}

	s.mu.Lock()
	// Glare: both sides sent an offer. Deterministic winner by sender ID —
	// the smaller ID keeps its round, the larger one answers the remote
	// offer as a renegotiation.
	if s.offerPending && s.local < m.Sender {
		s.mu.Unlock()
		log.Warn().Str("module", "app.session").Str("call", string(s.callID)).
			Int64("seq", m.Seq).Msg("glare: remote offer dropped, local offer wins")
		return
	}
	s.offerPending = false
	first := s.state == StateIdle
	if first {
		s.setStateLocked(StateNegotiating)
	}
	s.mu.Unlock()

	if first {
		if err := s.media.AttachLocalMedia(s.localMedia); err != nil {
			s.fail(fmt.Errorf("attach local media: %w", err))
			return
		}
	}
	if err := s.media.ApplyRemoteDescription(s.ctx, domain.KindOffer, m.SDP); err != nil {
		s.fail(fmt.Errorf("%w: %v", core.ErrInvalidRemoteDescription, err))
		return
	}
	answer, err := s.media.CreateAnswer(s.ctx)
	if err != nil {
		s.fail(fmt.Errorf("%w: %v", core.ErrNegotiationFailed, err))
		return
	}
	answer = s.policy.Rewrite(answer)
	if err := s.media.ApplyLocalDescription(s.ctx, domain.KindAnswer, answer); err != nil {
		s.fail(fmt.Errorf("%w: %v", core.ErrNegotiationFailed, err))
		return
	}

	s.mu.Lock()
	msg := s.stampLocked(domain.KindAnswer)
	s.mu.Unlock()
	msg.SDP = answer
	if err := s.channel.Send(s.ctx, msg); err != nil {
		s.emit(FatalErrorEvent{CallID: s.callID, Err: err})
		return
	}

	s.mu.Lock()
	if s.state == StateNegotiating {
		s.setStateLocked(StateConnecting)
	}
	s.mu.Unlock()
	log.Info().Str("module", "app.session").Str("call", string(s.callID)).Int64("seq", msg.Seq).Msg("answer sent")
}

func (s *CallSession) handleAnswer(m domain.HandshakeMessage) {
	if m.SDP == "" {
		s.fail(fmt.Errorf("%w: answer without sdp", core.ErrInvalidRemoteDescription))
		return
	}
	if err := s.media.ApplyRemoteDescription(s.ctx, domain.KindAnswer, m.SDP); err != nil {
		s.fail(fmt.Errorf("%w: %v", core.ErrInvalidRemoteDescription, err))
		return
	}

	s.mu.Lock()
	s.offerPending = false
	if s.state == StateNegotiating {
		s.setStateLocked(StateConnecting)
	}
	s.mu.Unlock()
	log.Info().Str("module", "app.session").Str("call", string(s.callID)).Int64("seq", m.Seq).Msg("answer applied")
}

// handleCandidate forwards remote candidates best-effort. An empty payload
// is the end-of-candidates no-op and never reaches the adapter; adapter
// failures are logged and swallowed — stale candidates are routine.
func (s *CallSession) handleCandidate(m domain.HandshakeMessage) {
	if m.Candidate.Empty() {
		log.Debug().Str("module", "app.session").Str("call", string(s.callID)).
			Int64("seq", m.Seq).Msg("empty candidate dropped")
		return
	}
	if err := s.media.AddRemoteCandidate(*m.Candidate); err != nil {
		log.Warn().Err(err).Str("module", "app.session").Str("call", string(s.callID)).
			Int64("seq", m.Seq).Msg("candidate rejected by media engine")
	}
}

// sendLocalCandidate trickles one locally gathered candidate to the peer.
// Wired as the media adapter's local-candidate callback by the registry.
func (s *CallSession) sendLocalCandidate(c domain.CandidatePayload) {
	s.mu.Lock()
	if s.state.Terminal() || s.tornDown {
		s.mu.Unlock()
		return
	}
	msg := s.stampLocked(domain.KindCandidate)
	s.mu.Unlock()

	msg.Candidate = &c
	if err := s.channel.Send(s.ctx, msg); err != nil {
		// Candidates are best-effort on the way out too.
		log.Warn().Err(err).Str("module", "app.session").Str("call", string(s.callID)).Msg("candidate send failed")
	}
}

func (s *CallSession) handleRemoteMedia(track *webrtc.TrackRemote) {
	s.mu.Lock()
	if s.state == StateConnecting || s.state == StateNegotiating {
		s.setStateLocked(StateActive)
		s.reconnects = 0
	}
	s.mu.Unlock()
	s.emit(RemoteMediaEvent{CallID: s.callID, Track: track})
}

func (s *CallSession) handleConnectivity(st webrtc.ICEConnectionState) {
	s.emit(ConnectivityEvent{CallID: s.callID, State: st})

	switch st {
	case webrtc.ICEConnectionStateConnected, webrtc.ICEConnectionStateCompleted:
		s.mu.Lock()
		s.reconnects = 0
		if s.state == StateConnecting || s.state == StateNegotiating {
			s.setStateLocked(StateActive)
		}
		s.mu.Unlock()
	case webrtc.ICEConnectionStateFailed:
		s.maybeReconnect()
	case webrtc.ICEConnectionStateDisconnected:
		// Observed only: disconnected often self-heals, and a real break
		// follows up with failed.
		log.Warn().Str("module", "app.session").Str("call", string(s.callID)).Msg("connectivity disconnected")
	}
}

func (s *CallSession) handlePeerState(st webrtc.PeerConnectionState) {
	if st == webrtc.PeerConnectionStateClosed {
		s.mu.Lock()
		s.peerClosed = true
		s.mu.Unlock()
	}
}

// maybeReconnect runs the media-path repair protocol: a restart offer sent
// through the normal offer path, budget-limited. Exhausting the budget
// surfaces a fatal event but leaves the session running — ending the call is
// the application's decision.
func (s *CallSession) maybeReconnect() {
	s.mu.Lock()
	if s.state.Terminal() || s.tornDown || s.peerClosed {
		s.mu.Unlock()
		return
	}
	if !s.media.SignalingStable() {
		s.mu.Unlock()
		log.Warn().Str("module", "app.session").Str("call", string(s.callID)).Msg("restart skipped: negotiation in flight")
		return
	}
	if s.reconnects >= s.budget {
		s.mu.Unlock()
		log.Error().Str("module", "app.session").Str("call", string(s.callID)).
			Int("attempts", s.budget).Msg("reconnect budget exhausted")
		s.emit(FatalErrorEvent{CallID: s.callID, Err: core.ErrReconnectBudgetExhausted})
		return
	}
	s.reconnects++
	attempt := s.reconnects
	s.mu.Unlock()

	log.Info().Str("module", "app.session").Str("call", string(s.callID)).Int("attempt", attempt).Msg("ice restart")

	offer, err := s.media.RestartNegotiation(s.ctx)
	if err != nil {
		log.Error().Err(err).Str("module", "app.session").Str("call", string(s.callID)).Msg("restart offer failed")
		return
	}
	offer = s.policy.Rewrite(offer)
	if err := s.media.ApplyLocalDescription(s.ctx, domain.KindOffer, offer); err != nil {
		log.Error().Err(err).Str("module", "app.session").Str("call", string(s.callID)).Msg("restart apply failed")
		return
	}

	s.mu.Lock()
	s.offerPending = true
	msg := s.stampLocked(domain.KindOffer)
	s.mu.Unlock()
	msg.SDP = offer
	if err := s.channel.Send(s.ctx, msg); err != nil {
		s.emit(FatalErrorEvent{CallID: s.callID, Err: err})
	}
}

func (s *CallSession) handleSubscriptionError(err error) {
	// The session keeps its state; the application may choose to end the call.
	log.Error().Err(err).Str("module", "app.session").Str("call", string(s.callID)).Msg("handshake subscription error")
	s.emit(FatalErrorEvent{CallID: s.callID, Err: err})
}

// End tears the session down into Ended. Re-entrant calls are no-ops.
func (s *CallSession) End() {
	s.teardown(StateEnded)
}

func (s *CallSession) fail(err error) {
	log.Error().Err(err).Str("module", "app.session").Str("call", string(s.callID)).Msg("session failed")
	s.emit(FatalErrorEvent{CallID: s.callID, Err: err})
	s.teardown(StateFailed)
}

// teardown releases everything exactly once, regardless of trigger. Steps
// are independently guarded: a failure in one never blocks the next, and
// nothing propagates outward.
func (s *CallSession) teardown(final SessionState) {
	s.mu.Lock()
	if s.tornDown {
		s.mu.Unlock()
		return
	}
	s.tornDown = true
	s.setStateLocked(final)
	s.mu.Unlock()

	runGuarded("local media stop", s.callID, func() {
		if s.localMedia != nil {
			s.localMedia.Stop()
		}
	})
	runGuarded("media close", s.callID, func() { s.media.Close() })
	runGuarded("handshake cancel", s.callID, func() { s.channel.Cancel() })
	s.cancel()

	s.emit(EndedEvent{CallID: s.callID, State: final})

	s.mu.Lock()
	s.eventsClosed = true
	s.mu.Unlock()
	close(s.events)

	if s.onTerminal != nil {
		runGuarded("registry clear", s.callID, func() { s.onTerminal(s) })
	}
	log.Info().Str("module", "app.session").Str("call", string(s.callID)).Str("state", string(final)).Msg("session torn down")
}

func runGuarded(step string, callID domain.CallID, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().Str("module", "app.session").Str("call", string(callID)).
				Str("step", step).Interface("panic", r).Msg("teardown step panicked")
		}
	}()
	fn()
}

// setStateLocked transitions and emits; caller holds s.mu.
func (s *CallSession) setStateLocked(next SessionState) {
	if s.state == next {
		return
	}
	s.state = next
	s.emitLocked(StateChangedEvent{CallID: s.callID, State: next})
}

func (s *CallSession) emit(ev Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.emitLocked(ev)
}

// emitLocked delivers without blocking: a slow consumer drops events rather
// than stalling the protocol.
func (s *CallSession) emitLocked(ev Event) {
	if s.eventsClosed {
		return
	}
	select {
	case s.events <- ev:
	default:
		log.Warn().Str("module", "app.session").Str("call", string(s.callID)).
			Str("event", fmt.Sprintf("%T", ev)).Msg("event dropped: consumer too slow")
	}
}
