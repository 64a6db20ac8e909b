// Package relay provides implementations of the durable handshake store:
// an in-process one for tests and loopback calls, and a websocket client
// speaking to relayd.
package relay

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/dkeye/peercall/internal/domain"
)

// Memory is an in-process relay. Arrival tokens come from a monotonic
// counter; every append re-notifies subscribers with the full ordered
// collection, coalescing when a subscriber lags. Duplicate appends are
// stored as-is — the store is at-least-once and readers dedup.
type Memory struct {
	token atomic.Int64

	mu    sync.Mutex
	calls map[domain.CallID]*callLog
}

type callLog struct {
	msgs    []domain.HandshakeMessage
	subs    map[int]*memSub
	nextSub int
}

type memSub struct {
	snapshots chan []domain.HandshakeMessage // capacity 1: only the latest matters
	done      chan struct{}
	once      sync.Once
}

func NewMemory() *Memory {
	return &Memory{calls: make(map[domain.CallID]*callLog)}
}

func (m *Memory) Append(ctx context.Context, callID domain.CallID, msg *domain.HandshakeMessage) error {
	stored := *msg
	stored.Timestamp = m.token.Add(1)

	m.mu.Lock()
	cl := m.logFor(callID)
	cl.msgs = append(cl.msgs, stored)
	snap := cl.snapshot()
	subs := make([]*memSub, 0, len(cl.subs))
	for _, s := range cl.subs {
		subs = append(subs, s)
	}
	m.mu.Unlock()

	for _, s := range subs {
		s.offer(snap)
	}
	return nil
}

func (m *Memory) History(ctx context.Context, callID domain.CallID) ([]domain.HandshakeMessage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.logFor(callID).snapshot(), nil
}

func (m *Memory) Subscribe(ctx context.Context, callID domain.CallID, fn func(msgs []domain.HandshakeMessage), onErr func(err error)) (func(), error) {
	sub := &memSub{
		snapshots: make(chan []domain.HandshakeMessage, 1),
		done:      make(chan struct{}),
	}

	m.mu.Lock()
	cl := m.logFor(callID)
	id := cl.nextSub
	cl.nextSub++
	cl.subs[id] = sub
	initial := cl.snapshot()
	m.mu.Unlock()

	sub.offer(initial)
	go sub.pump(ctx, fn)

	cancel := func() {
		sub.once.Do(func() { close(sub.done) })
		m.mu.Lock()
		delete(cl.subs, id)
		m.mu.Unlock()
	}
	return cancel, nil
}

// logFor returns the call's log, creating it; caller holds m.mu.
func (m *Memory) logFor(callID domain.CallID) *callLog {
	cl, ok := m.calls[callID]
	if !ok {
		cl = &callLog{subs: make(map[int]*memSub)}
		m.calls[callID] = cl
	}
	return cl
}

// snapshot copies and orders by (seq asc, arrival token asc); caller holds m.mu.
func (cl *callLog) snapshot() []domain.HandshakeMessage {
	out := make([]domain.HandshakeMessage, len(cl.msgs))
	copy(out, cl.msgs)
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Seq != out[j].Seq {
			return out[i].Seq < out[j].Seq
		}
		return out[i].Timestamp < out[j].Timestamp
	})
	return out
}

// offer replaces any undelivered snapshot with the newer one. Never blocks
// the appender.
func (s *memSub) offer(snap []domain.HandshakeMessage) {
	for {
		select {
		case s.snapshots <- snap:
			return
		default:
			select {
			case <-s.snapshots:
			default:
			}
		}
	}
}

// pump invokes fn serially, decoupled from appenders so two sessions
// writing to each other in-process can never deadlock.
func (s *memSub) pump(ctx context.Context, fn func(msgs []domain.HandshakeMessage)) {
	for {
		select {
		case <-s.done:
			return
		case <-ctx.Done():
			return
		case snap := <-s.snapshots:
			fn(snap)
		}
	}
}
