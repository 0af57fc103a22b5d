package retry

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestPolicy_DelayWithoutJitter(t *testing.T) {
	p := Policy{Ceiling: 5, Base: 30 * time.Second, Multiplier: 2, Max: 30 * time.Minute}

	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{0, 30 * time.Second},
		{1, 30 * time.Second},
		{2, time.Minute},
		{3, 2 * time.Minute},
		{6, 16 * time.Minute},
		{7, 30 * time.Minute},
		{12, 30 * time.Minute},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, p.Delay(tt.attempt), "attempt %d", tt.attempt)
	}
}

func TestPolicy_DelayIsMonotonic(t *testing.T) {
	p := DefaultPolicy()
	p.Jitter = 0.9

	for _, r := range []float64{0, 0.25, 0.5, 0.999} {
		v := r
		p.Rand = func() float64 { return v }
		prev := time.Duration(0)
		for attempt := 1; attempt <= 20; attempt++ {
			d := p.Delay(attempt)
			assert.GreaterOrEqual(t, d, prev, "attempt %d rand %v", attempt, r)
			assert.LessOrEqual(t, d, p.Max)
			prev = d
		}
	}
}

func TestPolicy_MonotonicAcrossRandomDraws(t *testing.T) {
	p := DefaultPolicy()
	p.Jitter = 1
	high := func() float64 { return 0.999 }
	low := func() float64 { return 0 }

	for attempt := 1; attempt < 12; attempt++ {
		p.Rand = high
		cur := p.Delay(attempt)
		p.Rand = low
		next := p.Delay(attempt + 1)
		assert.GreaterOrEqual(t, next, cur, "attempt %d", attempt)
	}
}

func TestPolicy_Exhausted(t *testing.T) {
	p := Policy{Ceiling: 3}
	assert.False(t, p.Exhausted(2))
	assert.True(t, p.Exhausted(3))
	assert.True(t, p.Exhausted(4))
}
