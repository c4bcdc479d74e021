package realtime

import (
	"math/rand/v2"
	"time"
)

const (
	jitterFactor = 0.2
	maxShift     = 30
)

// Backoff computes reconnect delays: min(base*2^attempt, max) with ±20%
// jitter. Rand returns a value in [0, 1); nil uses math/rand/v2.
type Backoff struct {
	Base time.Duration
	Max  time.Duration
	Rand func() float64
}

// Delay returns the wait before reconnect attempt number attempt (0-based).
func (b Backoff) Delay(attempt int) time.Duration {
	shift := min(max(attempt, 0), maxShift)
	delay := b.Base << uint(shift)
	if delay <= 0 || delay > b.Max {
		delay = b.Max
	}
	random := b.Rand
	if random == nil {
		random = rand.Float64
	}
	jitter := time.Duration(float64(delay) * jitterFactor * (random()*2 - 1))
	return delay + jitter
}
