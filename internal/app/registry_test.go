package app

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/dkeye/peercall/internal/core"
	"github.com/dkeye/peercall/internal/domain"
)

func newTestRegistry(r *stubRelay) (*SessionRegistry, *fakeMedia, *fakeLocalMedia) {
	fm := newFakeMedia()
	fl := &fakeLocalMedia{}
	reg := NewSessionRegistry(RegistryDeps{
		Relay: r,
		Media: func(ctx context.Context, callID domain.CallID, onLocalCandidate func(domain.CandidatePayload)) (core.MediaConnection, error) {
			return fm, nil
		},
		LocalMedia: func(ctx context.Context) (core.LocalMedia, error) {
			return fl, nil
		},
		Policy:          NewSdpPolicy(24000),
		Local:           "alice",
		ReconnectBudget: 5,
		SendAttempts:    3,
		SendBackoff:     time.Millisecond,
	})
	return reg, fm, fl
}

func TestDialRejectsSecondConcurrentSession(t *testing.T) {
	reg, _, _ := newTestRegistry(newStubRelay())

	first, err := reg.Dial(context.Background(), "bob")
	if err != nil {
		t.Fatalf("Dial() = %v", err)
	}

	if _, err := reg.Dial(context.Background(), "carol"); !errors.Is(err, core.ErrSessionAlreadyActive) {
		t.Fatalf("second Dial() err = %v, want ErrSessionAlreadyActive", err)
	}

	reg.End(first.CallID())
	if _, err := reg.Dial(context.Background(), "carol"); err != nil {
		t.Fatalf("Dial() after teardown = %v", err)
	}
}

func TestEndIsScopedToTheActiveCall(t *testing.T) {
	reg, fm, _ := newTestRegistry(newStubRelay())

	s, err := reg.Dial(context.Background(), "bob")
	if err != nil {
		t.Fatalf("Dial() = %v", err)
	}

	reg.End("some-other-call")
	if s.State().Terminal() {
		t.Fatal("mismatched callID tore down the active session")
	}

	reg.End(s.CallID())
	reg.End(s.CallID())
	if fm.closed != 1 {
		t.Fatalf("media closed %d times, want 1", fm.closed)
	}
	if reg.Active() != nil {
		t.Fatal("registry slot not cleared after End")
	}
}

func TestTerminalSessionFreesTheSlot(t *testing.T) {
	reg, _, _ := newTestRegistry(newStubRelay())

	s, err := reg.Dial(context.Background(), "bob")
	if err != nil {
		t.Fatalf("Dial() = %v", err)
	}

	// The session ends itself (remote hangup, fatal error, ...); the slot
	// must clear without the application calling registry.End.
	s.End()
	if reg.Active() != nil {
		t.Fatal("slot still occupied by a terminal session")
	}
	if _, err := reg.Dial(context.Background(), "carol"); err != nil {
		t.Fatalf("Dial() after self-ended session = %v", err)
	}
}

func TestAcceptJoinsAnAnnouncedCall(t *testing.T) {
	r := newStubRelay()
	offer := domain.HandshakeMessage{Kind: domain.KindOffer, Sender: "bob", Seq: 1, SDP: "offer-sdp"}
	_ = r.Append(context.Background(), "incoming-1", &offer)

	reg, fm, _ := newTestRegistry(r)
	s, err := reg.Accept(context.Background(), "incoming-1", "bob")
	if err != nil {
		t.Fatalf("Accept() = %v", err)
	}

	// The initial snapshot replays the stored offer: the responder answers
	// even though it subscribed after the offer was written.
	if s.State() != StateConnecting {
		t.Fatalf("state = %s, want connecting", s.State())
	}
	if fm.remoteCount() != 1 {
		t.Fatalf("remote descriptions applied = %d, want 1", fm.remoteCount())
	}
	if n := r.countKind("incoming-1", domain.KindAnswer); n != 1 {
		t.Fatalf("answers in relay = %d, want 1", n)
	}
}

func TestShutdownIsSafeTwice(t *testing.T) {
	reg, fm, fl := newTestRegistry(newStubRelay())
	if _, err := reg.Dial(context.Background(), "bob"); err != nil {
		t.Fatalf("Dial() = %v", err)
	}

	reg.Shutdown()
	reg.Shutdown()

	if fm.closed != 1 || fl.stops() != 1 {
		t.Fatalf("shutdown ran teardown more than once: closed=%d stops=%d", fm.closed, fl.stops())
	}
}
