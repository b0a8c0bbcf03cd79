package connection

import (
	"math"
	"time"
)

// Backoff computes reconnect delays. With Multiplier <= 1 every delay is
// Initial, which gives the classic flat retry interval.
type Backoff struct {
	Initial    time.Duration
	Max        time.Duration
	Multiplier float64
}

// DefaultBackoff starts at one second and doubles up to thirty.
var DefaultBackoff = Backoff{Initial: time.Second, Max: 30 * time.Second, Multiplier: 2}

// Delay returns the wait before retry number attempt (1-based).
func (b Backoff) Delay(attempt int) time.Duration {
	initial := b.Initial
	if initial <= 0 {
		initial = DefaultBackoff.Initial
	}
	if attempt < 1 || b.Multiplier <= 1 {
		return b.capped(initial)
	}
	d := float64(initial) * math.Pow(b.Multiplier, float64(attempt-1))
	if d > float64(math.MaxInt64) {
		return b.capped(time.Duration(math.MaxInt64))
	}
	return b.capped(time.Duration(d))
}

func (b Backoff) capped(d time.Duration) time.Duration {
	if b.Max > 0 && d > b.Max {
		return b.Max
	}
	return d
}
