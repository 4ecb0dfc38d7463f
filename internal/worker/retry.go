package worker

import (
	"math"
	"time"
)

// RetryPolicy decides whether a transiently failed message gets another
// attempt and how long the channel holds it back first.
//
// With the defaults (5 retries, 2s base, x2, 5m cap) a message is sent at
// most six times, with waits of 2s, 4s, 8s, 16s and 32s in between.
type RetryPolicy struct {
	MaxRetries int
	BaseDelay  time.Duration
	Multiplier float64
	MaxDelay   time.Duration
}

func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxRetries: 5,
		BaseDelay:  2 * time.Second,
		Multiplier: 2.0,
		MaxDelay:   5 * time.Minute,
	}
}

// ShouldRetry reports whether a message that has failed attempts times
// may be sent again.
func (p RetryPolicy) ShouldRetry(attempts int) bool {
	return attempts <= p.MaxRetries
}

// Delay is the wait before retry number attempt (1-based):
//
//	attempt 1 → BaseDelay
//	attempt n → BaseDelay * Multiplier^(n-1), capped at MaxDelay
//
// There is no jitter. Each distinct delay becomes its own broker retry
// queue, so the set of delays has to stay small.
func (p RetryPolicy) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := float64(p.BaseDelay) * math.Pow(p.Multiplier, float64(attempt-1))
	if p.MaxDelay > 0 && (d > float64(p.MaxDelay) || math.IsInf(d, 1)) {
		return p.MaxDelay
	}
	return time.Duration(d)
}
