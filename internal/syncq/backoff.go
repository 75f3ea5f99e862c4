package syncq

import (
	"math/rand/v2"
	"time"
)

// Backoff computes retry delays: Base doubled per attempt, capped at Max,
// with equal jitter (half fixed, half random).
type Backoff struct {
	Base   time.Duration
	Max    time.Duration
	Jitter bool

	// randN returns a value in [0, n); nil uses math/rand/v2.
	randN func(n int64) int64
}

// DefaultBackoff is used when Options.Backoff is zero.
var DefaultBackoff = Backoff{Base: time.Second, Max: 5 * time.Minute, Jitter: true}

// Delay returns the wait before retry number attempt (1-based).
func (b Backoff) Delay(attempt int) time.Duration {
	if b.Base <= 0 {
		return 0
	}
	if attempt < 1 {
		attempt = 1
	}
	max := b.Max
	if max <= 0 || max < b.Base {
		max = b.Base
	}

	d := b.Base
	for i := 1; i < attempt && d < max; i++ {
		d *= 2
	}
	if d > max {
		d = max
	}
	if !b.Jitter {
		return d
	}

	half := d / 2
	randN := b.randN
	if randN == nil {
		randN = rand.Int64N
	}
	if half <= 0 {
		return d
	}
	return half + time.Duration(randN(int64(half)+1))
}
