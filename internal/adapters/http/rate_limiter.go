package http

import (
	"sync"
	"time"

	"github.com/dkeye/peercall/internal/domain"
)

const (
	defaultAppendLimit  = 60
	defaultAppendWindow = 10 * time.Second
)

// AppendRateLimiter caps how fast one sender may append handshake messages.
// A sane call produces a handful of messages; anything past the window limit
// is noise or abuse.
type AppendRateLimiter struct {
	mu       sync.Mutex
	history  map[domain.PeerID][]time.Time
	limit    int
	interval time.Duration
}

func NewAppendRateLimiter(limit int, interval time.Duration) *AppendRateLimiter {
	return &AppendRateLimiter{
		history:  make(map[domain.PeerID][]time.Time),
		limit:    limit,
		interval: interval,
	}
}

func (rl *AppendRateLimiter) Allow(sender domain.PeerID) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := time.Now()
	windowStart := now.Add(-rl.interval)

	attempts := rl.history[sender]
	fresh := make([]time.Time, 0, len(attempts))
	for _, t := range attempts {
		if t.After(windowStart) {
			fresh = append(fresh, t)
		}
	}

	if len(fresh) >= rl.limit {
		return false
	}

	fresh = append(fresh, now)
	rl.history[sender] = fresh
	return true
}
