package gateway

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRateLimiter_Acquire(t *testing.T) {
	t.Run("should allow requests under limit", func(t *testing.T) {
		limiter := NewRateLimiter(10, 5)

		for i := 0; i < 5; i++ {
			release, reason, ok := limiter.Acquire("10.0.0.1")
			assert.True(t, ok)
			assert.Empty(t, reason)
			require.NotNil(t, release)
		}
	})

	t.Run("should reject when concurrent limit exceeded", func(t *testing.T) {
		limiter := NewRateLimiter(100, 3)

		for i := 0; i < 3; i++ {
			_, _, ok := limiter.Acquire("10.0.0.1")
			require.True(t, ok)
		}

		_, reason, ok := limiter.Acquire("10.0.0.1")
		assert.False(t, ok)
		assert.Equal(t, ReasonTooConcurrent, reason)
	})

	t.Run("should free a slot on release", func(t *testing.T) {
		limiter := NewRateLimiter(100, 1)

		release, _, ok := limiter.Acquire("10.0.0.1")
		require.True(t, ok)
		release()
		release()

		_, _, ok = limiter.Acquire("10.0.0.1")
		assert.True(t, ok)
		_, concurrent := limiter.Stats("10.0.0.1")
		assert.Equal(t, 1, concurrent)
	})

	t.Run("should reject when rate limit exceeded", func(t *testing.T) {
		limiter := NewRateLimiter(5, 10)

		for i := 0; i < 5; i++ {
			release, _, ok := limiter.Acquire("10.0.0.1")
			require.True(t, ok)
			release()
		}

		_, reason, ok := limiter.Acquire("10.0.0.1")
		assert.False(t, ok)
		assert.Equal(t, ReasonRateLimited, reason)
	})

	t.Run("should track clients separately", func(t *testing.T) {
		limiter := NewRateLimiter(1, 10)

		_, _, ok := limiter.Acquire("10.0.0.1")
		require.True(t, ok)
		_, _, ok = limiter.Acquire("10.0.0.1")
		assert.False(t, ok)

		_, _, ok = limiter.Acquire("10.0.0.2")
		assert.True(t, ok)
	})

	t.Run("should allow requests after window expires", func(t *testing.T) {
		limiter := NewRateLimiter(2, 10)
		current := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
		limiter.now = func() time.Time { return current }

		for i := 0; i < 2; i++ {
			release, _, ok := limiter.Acquire("10.0.0.1")
			require.True(t, ok)
			release()
		}
		_, _, ok := limiter.Acquire("10.0.0.1")
		assert.False(t, ok)

		current = current.Add(61 * time.Second)
		_, _, ok = limiter.Acquire("10.0.0.1")
		assert.True(t, ok)

		requests, _ := limiter.Stats("10.0.0.1")
		assert.Equal(t, 1, requests)
	})
}

func TestNewRateLimiter_Defaults(t *testing.T) {
	limiter := NewRateLimiter(0, 0)
	assert.Equal(t, 60, limiter.requestsPerMinute)
	assert.Equal(t, 10, limiter.maxConcurrent)
}
