package ratelimit

import (
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

func newTestLimiter(cfg Config) (*Limiter, *time.Time) {
	l := New(map[string]Config{"meta": cfg}, zerolog.Nop())
	now := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	l.now = func() time.Time { return now }
	return l, &now
}

func TestAcquireWithinCapacity(t *testing.T) {
	l, _ := newTestLimiter(Config{Capacity: 3, Refill: 1, Per: time.Minute})

	for i := 0; i < 3; i++ {
		require.NoError(t, l.Acquire("meta", "act_1", 1))
	}
}

func TestAcquireDepletedReturnsRetryAfter(t *testing.T) {
	l, _ := newTestLimiter(Config{Capacity: 5, Refill: 5, Per: time.Minute})

	for i := 0; i < 5; i++ {
		require.NoError(t, l.Acquire("meta", "act_1", 1))
	}

	err := l.Acquire("meta", "act_1", 1)
	require.Error(t, err)

	var rle *RateLimitedError
	require.True(t, errors.As(err, &rle), "应返回 *RateLimitedError")
	require.Equal(t, "meta", rle.Provider)
	require.Equal(t, "act_1", rle.AccountID)
	// one token deficit at 5 tokens/minute = 12s
	require.Equal(t, 12*time.Second, rle.RetryAfter)
}

func TestAcquireRefillsOverTime(t *testing.T) {
	l, now := newTestLimiter(Config{Capacity: 2, Refill: 2, Per: time.Minute})

	require.NoError(t, l.Acquire("meta", "act_1", 2))
	require.Error(t, l.Acquire("meta", "act_1", 1))

	*now = now.Add(30 * time.Second)
	require.NoError(t, l.Acquire("meta", "act_1", 1))
}

func TestRefillNeverExceedsCapacity(t *testing.T) {
	l, now := newTestLimiter(Config{Capacity: 2, Refill: 10, Per: time.Minute})

	require.NoError(t, l.Acquire("meta", "act_1", 1))
	*now = now.Add(time.Hour)

	require.InDelta(t, 2.0, l.Tokens("meta", "act_1"), 1e-9)
}

func TestBucketsAreIndependentPerAccount(t *testing.T) {
	l, _ := newTestLimiter(Config{Capacity: 1, Refill: 1, Per: time.Minute})

	require.NoError(t, l.Acquire("meta", "act_1", 1))
	require.Error(t, l.Acquire("meta", "act_1", 1))
	require.NoError(t, l.Acquire("meta", "act_2", 1))
}

func TestUnconfiguredProviderIsUnlimited(t *testing.T) {
	l, _ := newTestLimiter(Config{Capacity: 1, Refill: 1, Per: time.Minute})

	for i := 0; i < 100; i++ {
		require.NoError(t, l.Acquire("unknown", "act_1", 1))
	}
}
