package backoff

import (
	"math"
	"math/rand/v2"
	"time"
)

// JitterFraction is the upper bound of the random extra delay, relative to the base delay.
const JitterFraction = 0.3

// Policy defines exponential backoff parameters.
type Policy struct {
	MaxRetries    int
	InitialDelay  time.Duration
	MaxDelay      time.Duration
	BackoffFactor float64
}

// NextDelay returns delay for a given attempt (1-based) with clamping.
func (p Policy) NextDelay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	if p.InitialDelay <= 0 {
		p.InitialDelay = time.Second
	}
	if p.BackoffFactor <= 0 {
		p.BackoffFactor = 2
	}

	delay := float64(p.InitialDelay) * math.Pow(p.BackoffFactor, float64(attempt-1))
	if p.MaxDelay > 0 && delay > float64(p.MaxDelay) {
		return p.MaxDelay
	}
	d := time.Duration(delay)
	if d <= 0 {
		d = time.Second
	}
	return d
}

// WithJitter returns NextDelay(attempt) plus a random extra drawn from [0, JitterFraction*delay].
// rnd must return a value in [0, 1); nil uses math/rand.
func (p Policy) WithJitter(attempt int, rnd func() float64) time.Duration {
	d := p.NextDelay(attempt)
	if rnd == nil {
		rnd = rand.Float64
	}
	return d + time.Duration(float64(d)*JitterFraction*rnd())
}
