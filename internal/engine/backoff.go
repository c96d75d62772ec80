package engine

import (
	"math/rand"
	"time"
)

// backoff produces the retry delays for one loop: doubling from min to max,
// with a jitter factor in [0.5, 1.5) applied per delay so a fleet of engines
// does not stampede the server in lockstep. The undithered base is what
// doubles, keeping the growth curve stable across draws.
type backoff struct {
	min  time.Duration
	max  time.Duration
	cur  time.Duration
	rand func() float64
}

func newBackoff(min, max time.Duration, r func() float64) *backoff {
	if r == nil {
		r = rand.Float64
	}
	return &backoff{min: min, max: max, rand: r}
}

func (b *backoff) next() time.Duration {
	if b.cur <= 0 {
		b.cur = b.min
	} else {
		b.cur *= 2
	}
	if b.cur > b.max {
		b.cur = b.max
	}
	if b.cur < b.min {
		b.cur = b.min
	}
	return time.Duration(float64(b.cur) * (0.5 + b.rand()))
}

func (b *backoff) reset() {
	b.cur = 0
}
