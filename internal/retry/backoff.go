// Package retry computes exponential backoff delays with jitter.
package retry

import (
	"math"
	"math/rand/v2"
	"time"
)

// Backoff yields Base * 2^(n-1) for attempt n, capped at Max when Max is
// set, then widened by a uniform factor in [1-Jitter, 1+Jitter].
type Backoff struct {
	Base   time.Duration
	Max    time.Duration
	Jitter float64

	// Rand returns a value in [0,1). Nil uses math/rand/v2.
	Rand func() float64
}

// BaseDelay is the un-jittered delay for attempt n (1-indexed).
func (b Backoff) BaseDelay(attempt int) time.Duration {
	if b.Base <= 0 {
		return 0
	}
	if attempt < 1 {
		attempt = 1
	}
	raw := float64(b.Base) * math.Pow(2, float64(attempt-1))
	if b.Max > 0 && raw > float64(b.Max) {
		return b.Max
	}
	if raw > float64(math.MaxInt64) {
		return time.Duration(math.MaxInt64)
	}
	return time.Duration(raw)
}

// Delay is BaseDelay with jitter applied.
func (b Backoff) Delay(attempt int) time.Duration {
	base := b.BaseDelay(attempt)
	if base <= 0 || b.Jitter <= 0 {
		return base
	}
	r := b.Rand
	if r == nil {
		r = rand.Float64
	}
	factor := 1 + b.Jitter*(2*r()-1)
	return time.Duration(float64(base) * factor)
}
