package app

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/dkeye/peercall/internal/core"
	"github.com/dkeye/peercall/internal/domain"
)

// HandshakeChannel wraps the relay for one call: it validates and retries
// outbound writes, and turns the relay's at-least-once snapshot feed into an
// ordered, deduplicated stream of the remote party's messages.
type HandshakeChannel struct {
	relay    core.Relay
	callID   domain.CallID
	local    domain.PeerID
	attempts int
	backoff  time.Duration

	mu      sync.Mutex
	cancel  func()
	lastSeq map[domain.PeerID]int64 // per-sender high-water mark of delivered messages
}

func NewHandshakeChannel(relay core.Relay, callID domain.CallID, local domain.PeerID, attempts int, backoff time.Duration) *HandshakeChannel {
	if attempts <= 0 {
		attempts = 3
	}
	if backoff <= 0 {
		backoff = 200 * time.Millisecond
	}
	return &HandshakeChannel{
		relay:    relay,
		callID:   callID,
		local:    local,
		attempts: attempts,
		backoff:  backoff,
		lastSeq:  make(map[domain.PeerID]int64),
	}
}

// Send validates msg and appends it to the relay, retrying transient failures
// with exponential backoff. On exhaustion it returns a DeliveryError and
// guarantees no partial write happened.
func (h *HandshakeChannel) Send(ctx context.Context, msg *domain.HandshakeMessage) error {
	if err := msg.Validate(); err != nil {
		return err
	}
	err := withRetry(ctx, h.attempts, h.backoff, func() error {
		return h.relay.Append(ctx, h.callID, msg)
	})
	if err != nil {
		log.Error().Err(err).Str("module", "app.handshake").Str("call", string(h.callID)).
			Int64("seq", msg.Seq).Msg("send exhausted retries")
		return &core.DeliveryError{Attempts: h.attempts, Last: err}
	}
	return nil
}

// Subscribe establishes the live feed, replacing any prior subscription held
// by this channel first. onMessage sees only the remote party's messages, in
// (seq, arrival) order, each (sender, seq) pair at most once. A panicking
// callback is logged and never aborts the feed. Relay-level errors go to
// onError and are never thrown.
func (h *HandshakeChannel) Subscribe(ctx context.Context, onMessage func(msg domain.HandshakeMessage), onError func(err error)) error {
	h.Cancel()

	relayErr := func(err error) {
		log.Error().Err(err).Str("module", "app.handshake").Str("call", string(h.callID)).Msg("relay subscription error")
		if onError != nil {
			onError(err)
		}
	}
	cancel, err := h.relay.Subscribe(ctx, h.callID, func(msgs []domain.HandshakeMessage) {
		h.deliver(msgs, onMessage)
	}, relayErr)
	if err != nil {
		if onError != nil {
			onError(fmt.Errorf("relay subscribe: %w", err))
		}
		return err
	}

	h.mu.Lock()
	h.cancel = cancel
	h.mu.Unlock()
	return nil
}

// deliver walks one ordered snapshot, dropping own-sender entries and
// anything at or below the sender's high-water mark. The relay invokes
// snapshot callbacks serially, so onMessage is never concurrent with itself.
// The lock covers only the mark bookkeeping: handlers may call Send or
// Cancel without deadlocking.
func (h *HandshakeChannel) deliver(msgs []domain.HandshakeMessage, onMessage func(msg domain.HandshakeMessage)) {
	h.mu.Lock()
	fresh := make([]domain.HandshakeMessage, 0, len(msgs))
	for _, m := range msgs {
		if m.Sender == h.local {
			continue
		}
		if m.Seq <= h.lastSeq[m.Sender] {
			continue
		}
		h.lastSeq[m.Sender] = m.Seq
		fresh = append(fresh, m)
	}
	h.mu.Unlock()

	for _, m := range fresh {
		h.invoke(onMessage, m)
	}
}

func (h *HandshakeChannel) invoke(onMessage func(msg domain.HandshakeMessage), m domain.HandshakeMessage) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().Str("module", "app.handshake").Str("call", string(h.callID)).
				Int64("seq", m.Seq).Interface("panic", r).Msg("message handler panicked")
		}
	}()
	onMessage(m)
}

// History is a one-shot ordered read of the call's collection, for late
// joiners or recovery.
func (h *HandshakeChannel) History(ctx context.Context) ([]domain.HandshakeMessage, error) {
	return h.relay.History(ctx, h.callID)
}

// Cancel tears down the live subscription and resets the high-water marks.
// Safe to call repeatedly or when never subscribed.
func (h *HandshakeChannel) Cancel() {
	h.mu.Lock()
	cancel := h.cancel
	h.cancel = nil
	h.lastSeq = make(map[domain.PeerID]int64)
	h.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}
