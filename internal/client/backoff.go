package client

import (
	"math"
	"time"

	"github.com/cenkalti/backoff/v5"
)

// reconnectPolicy yields capped exponential delays scaled by a jitter factor
// in [0.5, 1.0], then backoff.Stop once maxAttempts delays were handed out.
type reconnectPolicy struct {
	initial     time.Duration
	max         time.Duration
	multiplier  float64
	maxAttempts int
	random      func() float64 // uniform in [0, 1)

	attempt int
}

var _ backoff.BackOff = (*reconnectPolicy)(nil)

func (p *reconnectPolicy) NextBackOff() time.Duration {
	if p.attempt >= p.maxAttempts {
		return backoff.Stop
	}
	p.attempt++
	return p.delay(p.attempt)
}

func (p *reconnectPolicy) Reset() { p.attempt = 0 }

// delay returns the wait before attempt n, counted from 1.
func (p *reconnectPolicy) delay(n int) time.Duration {
	d := float64(p.initial) * math.Pow(p.multiplier, float64(n-1))
	if d > float64(p.max) {
		d = float64(p.max)
	}
	return time.Duration(d * (0.5 + 0.5*p.random()))
}
