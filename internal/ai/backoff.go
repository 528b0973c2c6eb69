package ai

import (
	"math"
	"math/rand"
	"time"
)

// Backoff computes exponential retry delays with optional jitter.
type Backoff struct {
	Base   time.Duration
	Max    time.Duration
	Factor float64
	Jitter float64 // fraction of the delay added at random
}

var DefaultBackoff = Backoff{Base: time.Second, Max: 10 * time.Second, Factor: 2, Jitter: 0.2}

// Delay returns the wait before the given retry, counting from 1.
func (b Backoff) Delay(retry int) time.Duration {
	if retry < 1 {
		retry = 1
	}
	d := float64(b.Base) * math.Pow(b.Factor, float64(retry-1))
	if d > float64(b.Max) {
		d = float64(b.Max)
	}
	if b.Jitter > 0 {
		d += d * b.Jitter * rand.Float64()
	}
	return time.Duration(d)
}
