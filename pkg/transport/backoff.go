package transport

import (
	"math"
	"math/rand/v2"
	"time"
)

// Backoff computes the delay before reconnect attempt n (1-indexed) with
// full jitter: a random value in [0, min(Initial * 2^(n-1), Max)].
type Backoff struct {
	Initial time.Duration
	Max     time.Duration
}

// DefaultBackoff is used by the NNG transport between failed sends
func DefaultBackoff() Backoff {
	return Backoff{Initial: 50 * time.Millisecond, Max: 2 * time.Second}
}

// Ceiling is the upper bound of the jittered delay for attempt
func (b Backoff) Ceiling(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := time.Duration(float64(b.Initial) * math.Pow(2, float64(attempt-1)))
	if d <= 0 || (b.Max > 0 && d > b.Max) {
		return b.Max
	}
	return d
}

// Delay returns the jittered wait for attempt
func (b Backoff) Delay(attempt int) time.Duration {
	ceiling := b.Ceiling(attempt)
	if ceiling <= 0 {
		return 0
	}
	return time.Duration(rand.Int64N(int64(ceiling) + 1))
}
