package crawler

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/anthonyhales/mealie-recipe-crawler/internal/config"
)

func TestHostLimiterEnforcesDelay(t *testing.T) {
	limiter := NewHostLimiter(60*time.Millisecond, config.RateLimitConfig{})
	ctx := context.Background()

	require.NoError(t, limiter.Wait(ctx, "example.com"))
	start := time.Now()
	require.NoError(t, limiter.Wait(ctx, "example.com"))
	elapsed := time.Since(start)

	assert.GreaterOrEqual(t, elapsed, 50*time.Millisecond)
}

func TestHostLimiterTracksHostsIndependently(t *testing.T) {
	limiter := NewHostLimiter(200*time.Millisecond, config.RateLimitConfig{})
	ctx := context.Background()

	require.NoError(t, limiter.Wait(ctx, "a.example.com"))
	start := time.Now()
	require.NoError(t, limiter.Wait(ctx, "b.example.com"))
	assert.Less(t, time.Since(start), 100*time.Millisecond)
}

func TestHostLimiterZeroDelayIsNoop(t *testing.T) {
	limiter := NewHostLimiter(0, config.RateLimitConfig{})
	ctx := context.Background()

	start := time.Now()
	for i := 0; i < 10; i++ {
		require.NoError(t, limiter.Wait(ctx, "example.com"))
	}
	assert.Less(t, time.Since(start), 50*time.Millisecond)
}

func TestHostLimiterHonoursCancellation(t *testing.T) {
	limiter := NewHostLimiter(5*time.Second, config.RateLimitConfig{})

	require.NoError(t, limiter.Wait(context.Background(), "example.com"))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := limiter.Wait(ctx, "example.com")
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestHostLimiterIsCaseInsensitive(t *testing.T) {
	limiter := NewHostLimiter(60*time.Millisecond, config.RateLimitConfig{})
	ctx := context.Background()

	require.NoError(t, limiter.Wait(ctx, "Example.COM"))
	start := time.Now()
	require.NoError(t, limiter.Wait(ctx, "example.com"))
	assert.GreaterOrEqual(t, time.Since(start), 50*time.Millisecond)
}
