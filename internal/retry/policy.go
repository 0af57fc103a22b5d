// Package retry computes when a failed email job becomes eligible again.
package retry

import (
	"math/rand"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Policy is an exponential schedule with upward jitter. Delays never shrink
// from one attempt to the next: jitter stays below the following base delay
// and everything is clamped to Max.
type Policy struct {
	Ceiling    int
	Base       time.Duration
	Multiplier float64
	Max        time.Duration
	Jitter     float64

	// Rand returns a value in [0,1). Defaults to math/rand.
	Rand func() float64
}

func DefaultPolicy() Policy {
	return Policy{
		Ceiling:    3,
		Base:       30 * time.Second,
		Multiplier: 2,
		Max:        30 * time.Minute,
		Jitter:     0.5,
	}
}

// Exhausted reports whether attempts has reached the retry ceiling.
func (p Policy) Exhausted(attempts int) bool {
	return attempts >= p.Ceiling
}

// Delay is the wait after the given failed attempt (1-based).
func (p Policy) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	base := p.base(attempt)

	d := base
	if p.Jitter > 0 {
		r := rand.Float64
		if p.Rand != nil {
			r = p.Rand
		}
		d += time.Duration(float64(base) * p.Jitter * r())
		// next attempt's base is the floor of the next delay
		if next := p.base(attempt + 1); next > base && d > next {
			d = next
		}
	}
	if p.Max > 0 && d > p.Max {
		d = p.Max
	}
	return d
}

func (p Policy) base(attempt int) time.Duration {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.Base
	b.Multiplier = p.Multiplier
	b.MaxInterval = p.Max
	b.RandomizationFactor = 0
	b.MaxElapsedTime = 0
	b.Reset()

	d := b.NextBackOff()
	for i := 1; i < attempt; i++ {
		d = b.NextBackOff()
	}
	return d
}
