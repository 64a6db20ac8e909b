package core

import (
	"context"

	"github.com/dkeye/peercall/internal/domain"
)

// Relay abstracts the external durable message store both parties read and
// write to exchange handshake messages. The store is eventually consistent:
// delivery is at-least-once and a change notification always carries the
// complete collection, ordered by (seq ascending, arrival token ascending).
// Owned by the application; adapters must Close() their own transports.
type Relay interface {
	// Append stores one message and stamps its arrival token. The message is
	// immutable afterwards.
	Append(ctx context.Context, callID domain.CallID, msg *domain.HandshakeMessage) error
	// History is a one-shot ordered read of everything stored for the call.
	History(ctx context.Context, callID domain.CallID) ([]domain.HandshakeMessage, error)
	// Subscribe delivers the full ordered collection to fn on every change,
	// starting with the current contents. fn is invoked serially, never
	// concurrently with itself. Store-level failures after setup go to
	// onErr. Returns a cancel func; cancelling twice is safe.
	Subscribe(ctx context.Context, callID domain.CallID, fn func(msgs []domain.HandshakeMessage), onErr func(err error)) (func(), error)
}
