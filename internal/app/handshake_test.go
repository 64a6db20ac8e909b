package app

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/dkeye/peercall/internal/core"
	"github.com/dkeye/peercall/internal/domain"
)

const testCall = domain.CallID("call-1")

func testChannel(r *stubRelay, local domain.PeerID) *HandshakeChannel {
	return NewHandshakeChannel(r, testCall, local, 3, time.Millisecond)
}

func TestSendRejectsInvalidMessages(t *testing.T) {
	ch := testChannel(newStubRelay(), "alice")

	cases := []struct {
		name string
		msg  domain.HandshakeMessage
		want error
	}{
		{"zero sequence", domain.HandshakeMessage{Kind: domain.KindOffer, Sender: "alice", Seq: 0}, domain.ErrInvalidSequence},
		{"negative sequence", domain.HandshakeMessage{Kind: domain.KindOffer, Sender: "alice", Seq: -4}, domain.ErrInvalidSequence},
		{"empty kind", domain.HandshakeMessage{Sender: "alice", Seq: 1}, domain.ErrInvalidKind},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := ch.Send(context.Background(), &tc.msg)
			if !errors.Is(err, tc.want) {
				t.Fatalf("Send() err = %v, want %v", err, tc.want)
			}
		})
	}
}

func TestSendNeverReachesRelayWhenInvalid(t *testing.T) {
	r := newStubRelay()
	ch := testChannel(r, "alice")

	msg := domain.HandshakeMessage{Kind: domain.KindOffer, Sender: "alice", Seq: 0}
	_ = ch.Send(context.Background(), &msg)

	if r.appends != 0 {
		t.Fatalf("invalid message reached the relay: %d appends", r.appends)
	}
}

func TestSendRetriesTransientFailures(t *testing.T) {
	r := newStubRelay()
	r.failNext(testCall, 2, errors.New("relay hiccup"))
	ch := testChannel(r, "alice")

	msg := domain.HandshakeMessage{Kind: domain.KindOffer, Sender: "alice", Seq: 1}
	if err := ch.Send(context.Background(), &msg); err != nil {
		t.Fatalf("Send() after transient failures = %v", err)
	}
	if r.appends != 3 {
		t.Fatalf("appends = %d, want 3", r.appends)
	}
}

func TestSendExhaustedRetriesReturnsDeliveryError(t *testing.T) {
	r := newStubRelay()
	r.failNext(testCall, 10, errors.New("relay down"))
	ch := testChannel(r, "alice")

	msg := domain.HandshakeMessage{Kind: domain.KindOffer, Sender: "alice", Seq: 1}
	err := ch.Send(context.Background(), &msg)

	var de *core.DeliveryError
	if !errors.As(err, &de) {
		t.Fatalf("Send() err = %v, want DeliveryError", err)
	}
	if de.Attempts != 3 {
		t.Fatalf("DeliveryError.Attempts = %d, want 3", de.Attempts)
	}
	if r.appends != 3 {
		t.Fatalf("appends = %d, want exactly 3 attempts", r.appends)
	}
	if n := len(r.msgs[testCall]); n != 0 {
		t.Fatalf("partial write: %d stored messages", n)
	}
}

func TestSubscribeFiltersOwnSender(t *testing.T) {
	r := newStubRelay()
	ch := testChannel(r, "alice")

	var got []domain.HandshakeMessage
	if err := ch.Subscribe(context.Background(), func(m domain.HandshakeMessage) {
		got = append(got, m)
	}, nil); err != nil {
		t.Fatalf("Subscribe() = %v", err)
	}

	own := domain.HandshakeMessage{Kind: domain.KindOffer, Sender: "alice", Seq: 1}
	remote := domain.HandshakeMessage{Kind: domain.KindAnswer, Sender: "bob", Seq: 1}
	_ = r.Append(context.Background(), testCall, &own)
	_ = r.Append(context.Background(), testCall, &remote)

	if len(got) != 1 || got[0].Sender != "bob" {
		t.Fatalf("delivered = %+v, want only bob's message", got)
	}
}

func TestSubscribeDedupsRedelivery(t *testing.T) {
	r := newStubRelay()
	ch := testChannel(r, "alice")

	var got int
	_ = ch.Subscribe(context.Background(), func(m domain.HandshakeMessage) { got++ }, nil)

	msg := domain.HandshakeMessage{Kind: domain.KindOffer, Sender: "bob", Seq: 1}
	_ = r.Append(context.Background(), testCall, &msg)
	// At-least-once store: the same (sender, seq) shows up again.
	_ = r.Append(context.Background(), testCall, &msg)

	if got != 1 {
		t.Fatalf("handler invoked %d times for one (sender, seq), want 1", got)
	}
}

func TestSubscribeReplaysInSequenceOrder(t *testing.T) {
	r := newStubRelay()
	for _, seq := range []int64{3, 1, 2} {
		msg := domain.HandshakeMessage{Kind: domain.KindCandidate, Sender: "bob", Seq: seq}
		_ = r.Append(context.Background(), testCall, &msg)
	}

	ch := testChannel(r, "alice")
	var got []int64
	_ = ch.Subscribe(context.Background(), func(m domain.HandshakeMessage) {
		got = append(got, m.Seq)
	}, nil)

	want := []int64{1, 2, 3}
	if len(got) != len(want) {
		t.Fatalf("delivered %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("delivered %v, want %v", got, want)
		}
	}
}

func TestSubscribeReplacesPriorSubscription(t *testing.T) {
	r := newStubRelay()
	ch := testChannel(r, "alice")

	var first, second int
	_ = ch.Subscribe(context.Background(), func(m domain.HandshakeMessage) { first++ }, nil)
	_ = ch.Subscribe(context.Background(), func(m domain.HandshakeMessage) { second++ }, nil)

	msg := domain.HandshakeMessage{Kind: domain.KindOffer, Sender: "bob", Seq: 1}
	_ = r.Append(context.Background(), testCall, &msg)

	if first != 0 {
		t.Fatalf("replaced subscription still delivered %d messages", first)
	}
	if second != 1 {
		t.Fatalf("active subscription delivered %d messages, want 1", second)
	}
}

func TestHandlerPanicDoesNotAbortFeed(t *testing.T) {
	r := newStubRelay()
	ch := testChannel(r, "alice")

	var delivered []int64
	_ = ch.Subscribe(context.Background(), func(m domain.HandshakeMessage) {
		if m.Seq == 1 {
			panic("handler bug")
		}
		delivered = append(delivered, m.Seq)
	}, nil)

	for _, seq := range []int64{1, 2} {
		msg := domain.HandshakeMessage{Kind: domain.KindCandidate, Sender: "bob", Seq: seq}
		_ = r.Append(context.Background(), testCall, &msg)
	}

	if len(delivered) != 1 || delivered[0] != 2 {
		t.Fatalf("delivered = %v, want [2] after seq 1 panicked", delivered)
	}
}

func TestCancelIsIdempotent(t *testing.T) {
	ch := testChannel(newStubRelay(), "alice")

	// Never subscribed.
	ch.Cancel()
	ch.Cancel()

	_ = ch.Subscribe(context.Background(), func(m domain.HandshakeMessage) {}, nil)
	ch.Cancel()
	ch.Cancel()
}

func TestCancelResetsHighWaterMarks(t *testing.T) {
	r := newStubRelay()
	ch := testChannel(r, "alice")

	var got int
	_ = ch.Subscribe(context.Background(), func(m domain.HandshakeMessage) { got++ }, nil)
	msg := domain.HandshakeMessage{Kind: domain.KindOffer, Sender: "bob", Seq: 1}
	_ = r.Append(context.Background(), testCall, &msg)

	ch.Cancel()
	_ = ch.Subscribe(context.Background(), func(m domain.HandshakeMessage) { got++ }, nil)

	// Fresh subscription replays history from the start.
	if got != 2 {
		t.Fatalf("delivered %d total, want 2 (replay after reset)", got)
	}
}

func TestHistoryMatchesFeedOrder(t *testing.T) {
	r := newStubRelay()
	for _, seq := range []int64{2, 1} {
		msg := domain.HandshakeMessage{Kind: domain.KindCandidate, Sender: "bob", Seq: seq}
		_ = r.Append(context.Background(), testCall, &msg)
	}

	ch := testChannel(r, "alice")
	msgs, err := ch.History(context.Background())
	if err != nil {
		t.Fatalf("History() = %v", err)
	}
	if len(msgs) != 2 || msgs[0].Seq != 1 || msgs[1].Seq != 2 {
		t.Fatalf("History() order = %+v, want seq 1 then 2", msgs)
	}
}
