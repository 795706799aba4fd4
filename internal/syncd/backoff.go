package syncd

import (
	"math/rand"
	"time"
)

// Backoff computes reconnect delays: exponential doubling from Min,
// capped at Max, with a small random jitter so a classroom of clients
// does not reconnect in lockstep.
type Backoff struct {
	Min         time.Duration
	Max         time.Duration
	MaxAttempts int
}

// DefaultBackoff matches the reconnect schedule clients expect:
// 1s, 2s, 4s, ... capped at 30s, giving up after 10 attempts.
func DefaultBackoff() Backoff {
	return Backoff{
		Min:         time.Second,
		Max:         30 * time.Second,
		MaxAttempts: 10,
	}
}

// Base returns the delay before attempt n (0-based) without jitter.
// Non-decreasing in n and never above Max.
func (b Backoff) Base(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	d := b.Min
	for i := 0; i < attempt; i++ {
		d *= 2
		if d >= b.Max {
			return b.Max
		}
	}
	if d > b.Max {
		return b.Max
	}
	return d
}

// Delay returns the jittered delay before attempt n: the base delay
// plus up to 25% extra.
func (b Backoff) Delay(attempt int) time.Duration {
	base := b.Base(attempt)
	jitter := time.Duration(rand.Int63n(int64(base)/4 + 1))
	return base + jitter
}

// Exhausted reports whether attempt n is past the retry budget.
func (b Backoff) Exhausted(attempt int) bool {
	return b.MaxAttempts > 0 && attempt >= b.MaxAttempts
}
