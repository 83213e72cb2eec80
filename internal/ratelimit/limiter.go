// Package ratelimit paces outbound lookups against third-party APIs.
// Breach data providers throttle aggressively; staying under their
// published limits keeps the leak check from trading one degraded stage
// for a banned source IP.
package ratelimit

import (
	"context"

	"golang.org/x/time/rate"
)

// Limiter wraps a token bucket shared by all lookups against one
// external API.
type Limiter struct {
	bucket *rate.Limiter
}

// New returns a limiter allowing requestsPerSecond sustained lookups
// with no burst headroom. Breach APIs count every request, so bursting
// above the sustained rate only moves the throttle earlier.
func New(requestsPerSecond float64) *Limiter {
	if requestsPerSecond <= 0 {
		requestsPerSecond = 1
	}
	return &Limiter{bucket: rate.NewLimiter(rate.Limit(requestsPerSecond), 1)}
}

// Wait blocks until the next lookup is allowed or ctx is done.
func (l *Limiter) Wait(ctx context.Context) error {
	return l.bucket.Wait(ctx)
}

// Allow reports whether a lookup may proceed right now without blocking.
func (l *Limiter) Allow() bool {
	return l.bucket.Allow()
}

// SetRate adjusts the sustained rate, for providers that advertise their
// remaining quota in response headers.
func (l *Limiter) SetRate(requestsPerSecond float64) {
	if requestsPerSecond <= 0 {
		return
	}
	l.bucket.SetLimit(rate.Limit(requestsPerSecond))
}
