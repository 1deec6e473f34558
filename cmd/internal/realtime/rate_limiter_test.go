package realtime

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestRateLimiterAllowsUpToLimit(t *testing.T) {
	t.Parallel()

	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	rl := NewRateLimiter(5, time.Second)

	for i := 0; i < 5; i++ {
		require.True(t, rl.Allow(now), "event %d", i)
	}
	require.False(t, rl.Allow(now))
}

func TestRateLimiterRecoversAfterWindow(t *testing.T) {
	t.Parallel()

	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	rl := NewRateLimiter(3, time.Second)

	for i := 0; i < 3; i++ {
		require.True(t, rl.Allow(now))
	}
	require.False(t, rl.Allow(now))

	// Two full windows later, the budget is fully restored.
	later := now.Add(2 * time.Second)
	require.True(t, rl.Allow(later))
}

func TestRateLimiterSlidesGradually(t *testing.T) {
	t.Parallel()

	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	rl := NewRateLimiter(4, time.Second)

	for i := 0; i < 4; i++ {
		require.True(t, rl.Allow(now))
	}

	// Just into the next window, the previous one still weighs heavily:
	// one event fits, a second does not.
	require.True(t, rl.Allow(now.Add(1100*time.Millisecond)))
	require.False(t, rl.Allow(now.Add(1100*time.Millisecond)))

	// Near the end of the next window, most of the budget is back.
	require.True(t, rl.Allow(now.Add(1900*time.Millisecond)))
}

func TestRateLimiterDefaults(t *testing.T) {
	t.Parallel()

	rl := NewRateLimiter(0, 0)
	require.True(t, rl.Allow(time.Now()))
}
