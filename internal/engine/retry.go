package engine

import (
	"math"
	"math/rand"
	"time"
)

// Backoff computes retry delays: exponential growth from Base, capped at Cap,
// with a little jitter so synchronized failures do not retry in lockstep.
type Backoff struct {
	Base         time.Duration
	Cap          time.Duration
	JitterFactor float64
}

// DefaultBackoff matches the documented retry defaults.
func DefaultBackoff() Backoff {
	return Backoff{
		Base:         time.Second,
		Cap:          10 * time.Second,
		JitterFactor: 0.1,
	}
}

// Delay returns the wait before the given retry. attempt counts the failures
// so far, starting at 1.
func (b Backoff) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	base := b.Base
	if base <= 0 {
		base = time.Second
	}
	d := float64(base) * math.Pow(2, float64(attempt-1))
	if b.Cap > 0 && d > float64(b.Cap) {
		d = float64(b.Cap)
	}
	if b.JitterFactor > 0 {
		jitter := d * b.JitterFactor * (rand.Float64()*2 - 1)
		d += jitter
	}
	if d < 0 {
		d = 0
	}
	return time.Duration(d)
}
