package ratelimiter

import (
	"context"

	"golang.org/x/time/rate"
)

// RelayLimiter is the token bucket shared by every delivery handler.
// It caps how many submissions per second reach the mail relay no matter
// how many deliveries are in flight.
type RelayLimiter struct {
	limiter *rate.Limiter
}

// New creates a RelayLimiter allowing ratePerSec submissions per second
// with the given burst. A burst below one is raised to one, otherwise the
// limiter would never grant a token.
func New(ratePerSec float64, burst int) *RelayLimiter {
	if burst < 1 {
		burst = 1
	}
	return &RelayLimiter{limiter: rate.NewLimiter(rate.Limit(ratePerSec), burst)}
}

// Unlimited returns a limiter that never waits. Used in tests.
func Unlimited() *RelayLimiter {
	return &RelayLimiter{limiter: rate.NewLimiter(rate.Inf, 1)}
}

// Wait blocks until a token is available.
// Returns a non-nil error only if ctx is cancelled while waiting.
func (l *RelayLimiter) Wait(ctx context.Context) error {
	return l.limiter.Wait(ctx)
}
