package server

import (
	"time"

	"golang.org/x/time/rate"
)

// rateLimiter throttles inbound frames for a single session with a token
// bucket holding up to capacity tokens. One token is added every
// interval/capacity, so a drained bucket is full again after interval.
type rateLimiter struct {
	limiter *rate.Limiter
}

func newRateLimiter(capacity int, interval time.Duration) *rateLimiter {
	if capacity <= 0 {
		capacity = 1
	}
	if interval <= 0 {
		interval = time.Second
	}

	every := interval / time.Duration(capacity)
	return &rateLimiter{
		limiter: rate.NewLimiter(rate.Every(every), capacity),
	}
}

func (rl *rateLimiter) allow() bool {
	return rl.limiter.Allow()
}
