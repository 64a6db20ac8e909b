package app

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/peercall/internal/core"
	"github.com/dkeye/peercall/internal/domain"
)

// MediaFactory builds one media connection per call. The registry wires the
// session's local-candidate trickle into it before Start.
type MediaFactory func(ctx context.Context, callID domain.CallID, onLocalCandidate func(domain.CandidatePayload)) (core.MediaConnection, error)

// LocalMediaFactory builds the outgoing audio source for one call.
type LocalMediaFactory func(ctx context.Context) (core.LocalMedia, error)

// RegistryDeps is the full dependency set, injected at startup. There is no
// ambient singleton; everything that needs the registry receives it.
type RegistryDeps struct {
	Relay      core.Relay
	Media      MediaFactory
	LocalMedia LocalMediaFactory
	Policy     SdpPolicy
	Local      domain.PeerID

	ReconnectBudget int
	SendAttempts    int
	SendBackoff     time.Duration
}

// SessionRegistry enforces at most one active call session per local
// participant and owns start/teardown ordering. It is the only entry point
// the surrounding application sees.
type SessionRegistry struct {
	deps RegistryDeps

	mu     sync.Mutex
	active *CallSession
}

func NewSessionRegistry(deps RegistryDeps) *SessionRegistry {
	return &SessionRegistry{deps: deps}
}

// Dial starts an outgoing call to peer with a freshly minted call ID.
func (r *SessionRegistry) Dial(ctx context.Context, peer domain.PeerID) (*CallSession, error) {
	return r.start(ctx, domain.CallID(uuid.NewString()), domain.RoleInitiator, peer)
}

// Accept joins an incoming call announced out-of-band (push notification).
func (r *SessionRegistry) Accept(ctx context.Context, callID domain.CallID, caller domain.PeerID) (*CallSession, error) {
	return r.start(ctx, callID, domain.RoleResponder, caller)
}

func (r *SessionRegistry) start(ctx context.Context, callID domain.CallID, role domain.Role, peer domain.PeerID) (*CallSession, error) {
	r.mu.Lock()
	var stale *CallSession
	if s := r.active; s != nil {
		if !s.State().Terminal() {
			r.mu.Unlock()
			return nil, core.ErrSessionAlreadyActive
		}
		// Terminal but never released: sweep it before reusing the slot.
		stale = s
		r.active = nil
	}
	r.mu.Unlock()
	if stale != nil {
		log.Warn().Str("module", "app.registry").Str("call", string(stale.CallID())).Msg("sweeping stale terminal session")
		stale.End()
	}

	session, err := r.build(ctx, callID, role, peer)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	if r.active != nil && !r.active.State().Terminal() {
		// Lost the race to a concurrent start.
		r.mu.Unlock()
		session.End()
		return nil, core.ErrSessionAlreadyActive
	}
	r.active = session
	r.mu.Unlock()

	if err := session.Start(); err != nil {
		// Start already drove the session to Failed and tore it down.
		return nil, err
	}
	log.Info().Str("module", "app.registry").Str("call", string(callID)).
		Str("role", string(role)).Str("peer", string(peer)).Msg("session started")
	return session, nil
}

func (r *SessionRegistry) build(ctx context.Context, callID domain.CallID, role domain.Role, peer domain.PeerID) (*CallSession, error) {
	localMedia, err := r.deps.LocalMedia(ctx)
	if err != nil {
		return nil, err
	}

	var session *CallSession
	media, err := r.deps.Media(ctx, callID, func(c domain.CandidatePayload) {
		session.sendLocalCandidate(c)
	})
	if err != nil {
		localMedia.Stop()
		return nil, err
	}

	channel := NewHandshakeChannel(r.deps.Relay, callID, r.deps.Local, r.deps.SendAttempts, r.deps.SendBackoff)
	session = NewCallSession(ctx, SessionDeps{
		CallID:          callID,
		Role:            role,
		Local:           r.deps.Local,
		Peer:            peer,
		Channel:         channel,
		Media:           media,
		LocalMedia:      localMedia,
		Policy:          r.deps.Policy,
		ReconnectBudget: r.deps.ReconnectBudget,
		OnTerminal:      r.clear,
	})
	return session, nil
}

// End tears down the active session if callID matches. Idempotent: no
// session, a mismatched ID, or a repeat call are all no-ops.
func (r *SessionRegistry) End(callID domain.CallID) {
	r.mu.Lock()
	s := r.active
	r.mu.Unlock()
	if s == nil || s.CallID() != callID {
		return
	}
	s.End()
}

// Active returns the current session, or nil.
func (r *SessionRegistry) Active() *CallSession {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.active
}

// Shutdown ends whatever is running. Safe to call twice.
func (r *SessionRegistry) Shutdown() {
	r.mu.Lock()
	s := r.active
	r.mu.Unlock()
	if s != nil {
		s.End()
	}
}

// clear is the registry-slot step of session teardown.
func (r *SessionRegistry) clear(s *CallSession) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.active == s {
		r.active = nil
	}
}
