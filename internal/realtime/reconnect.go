package realtime

import (
	"time"

	"golang.org/x/time/rate"

	"github.com/ent0n29/duplex/internal/reliability"
)

const reconnectBurst = 3

// reconnector paces automatic reconnects after connection loss with
// exponential backoff between attempts and a token bucket over all attempts.
type reconnector struct {
	limiter *rate.Limiter
	base    time.Duration
	max     time.Duration
	attempt int
}

func newReconnector(base, max time.Duration) *reconnector {
	return &reconnector{
		limiter: rate.NewLimiter(rate.Every(max), reconnectBurst),
		base:    base,
		max:     max,
	}
}

// next returns the delay before the next attempt, or false when the budget
// is spent and reconnecting should wait for the next caller request.
func (r *reconnector) next() (time.Duration, bool) {
	if !r.limiter.Allow() {
		return 0, false
	}
	d := reliability.ExponentialBackoff(r.attempt, r.base, r.max)
	r.attempt++
	return d, true
}

// succeeded resets the backoff after a healthy connection.
func (r *reconnector) succeeded() { r.attempt = 0 }
