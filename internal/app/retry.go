package app

import (
	"context"
	"time"
)

// withRetry runs fn up to attempts times, doubling the backoff after each
// failure (base, 2*base, ...). Returns nil on the first success, otherwise
// the last error. Context cancellation cuts the loop short.
func withRetry(ctx context.Context, attempts int, base time.Duration, fn func() error) error {
	var last error
	backoff := base
	for i := 0; i < attempts; i++ {
		if i > 0 {
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return ctx.Err()
			}
			backoff *= 2
		}
		if last = fn(); last == nil {
			return nil
		}
	}
	return last
}
