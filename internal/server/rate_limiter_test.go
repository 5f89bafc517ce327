package server

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

// TestRateLimiterBurst verifies that the limiter allows exactly the burst and
// then refuses until tokens refill.
func TestRateLimiterBurst(t *testing.T) {
	rl := newRateLimiter(3, time.Hour)

	for i := 0; i < 3; i++ {
		assert.True(t, rl.allow(), "message %d should be allowed", i)
	}
	assert.False(t, rl.allow())
}

// TestRateLimiterRefill verifies that tokens come back over time.
func TestRateLimiterRefill(t *testing.T) {
	rl := newRateLimiter(2, 100*time.Millisecond)

	assert.True(t, rl.allow())
	assert.True(t, rl.allow())
	assert.False(t, rl.allow())

	assert.Eventually(t, rl.allow, time.Second, 10*time.Millisecond)
}

// TestRateLimiterSanitizesInput verifies non-positive settings fall back to
// a usable limiter.
func TestRateLimiterSanitizesInput(t *testing.T) {
	rl := newRateLimiter(0, 0)
	assert.True(t, rl.allow())
	assert.False(t, rl.allow())
}
