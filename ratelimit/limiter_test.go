package ratelimit

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/require"

	"github.com/liteshperumalla/Powering-AI-Infrastructure-at-Scale-sub008/core"
)

func newTestLimiter(t *testing.T, cfg core.ServiceConfig) (*Limiter, *core.FakeClock, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	rc := core.NewRedisClientFromExisting(client, "test", &core.NoOpLogger{})
	clock := core.NewFakeClock(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	limiter := New(rc, func(string) core.ServiceConfig { return cfg.WithDefaults() }, clock, &core.NoOpLogger{}, nil)
	return limiter, clock, mr
}

func TestSlidingWindowBurst(t *testing.T) {
	cfg := core.ServiceConfig{
		Algorithm:         core.AlgorithmSlidingWindow,
		RequestsPerMinute: 5,
		WindowSize:        time.Minute,
	}
	limiter, clock, _ := newTestLimiter(t, cfg)
	ctx := context.Background()

	allowed, denied := 0, 0
	for i := 0; i < 7; i++ {
		clock.Advance(100 * time.Millisecond)
		res, err := limiter.CheckLimit(ctx, "aws_pricing", ScopePerService, "")
		require.NoError(t, err)
		if res.Allowed {
			allowed++
		} else {
			denied++
			require.Equal(t, time.Minute, res.RetryAfter)
		}
	}
	require.Equal(t, 5, allowed)
	require.Equal(t, 2, denied)
}

func TestSlidingWindowRecoversAfterWindow(t *testing.T) {
	cfg := core.ServiceConfig{
		Algorithm:         core.AlgorithmSlidingWindow,
		RequestsPerMinute: 2,
		WindowSize:        time.Minute,
	}
	limiter, clock, _ := newTestLimiter(t, cfg)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		res, err := limiter.CheckLimit(ctx, "svc", ScopePerService, "")
		require.NoError(t, err)
		require.True(t, res.Allowed)
	}
	res, err := limiter.CheckLimit(ctx, "svc", ScopePerService, "")
	require.NoError(t, err)
	require.False(t, res.Allowed)

	clock.Advance(61 * time.Second)
	res, err = limiter.CheckLimit(ctx, "svc", ScopePerService, "")
	require.NoError(t, err)
	require.True(t, res.Allowed)
}

func TestTokenBucket(t *testing.T) {
	cfg := core.ServiceConfig{
		Algorithm:     core.AlgorithmTokenBucket,
		BurstCapacity: 3,
		RefillRate:    1.0,
		WindowSize:    time.Minute,
	}
	limiter, clock, _ := newTestLimiter(t, cfg)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		res, err := limiter.CheckLimit(ctx, "svc", ScopePerService, "")
		require.NoError(t, err)
		require.True(t, res.Allowed, "request %d should pass within burst", i)
	}

	res, err := limiter.CheckLimit(ctx, "svc", ScopePerService, "")
	require.NoError(t, err)
	require.False(t, res.Allowed)
	require.Equal(t, time.Second, res.RetryAfter)

	// Refill two tokens.
	clock.Advance(2 * time.Second)
	for i := 0; i < 2; i++ {
		res, err := limiter.CheckLimit(ctx, "svc", ScopePerService, "")
		require.NoError(t, err)
		require.True(t, res.Allowed)
	}
	res, err = limiter.CheckLimit(ctx, "svc", ScopePerService, "")
	require.NoError(t, err)
	require.False(t, res.Allowed)
}

func TestFixedWindow(t *testing.T) {
	cfg := core.ServiceConfig{
		Algorithm:         core.AlgorithmFixedWindow,
		RequestsPerMinute: 3,
		WindowSize:        time.Minute,
	}
	limiter, clock, _ := newTestLimiter(t, cfg)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		res, err := limiter.CheckLimit(ctx, "svc", ScopePerService, "")
		require.NoError(t, err)
		require.True(t, res.Allowed)
	}
	res, err := limiter.CheckLimit(ctx, "svc", ScopePerService, "")
	require.NoError(t, err)
	require.False(t, res.Allowed)

	clock.Advance(time.Minute)
	res, err = limiter.CheckLimit(ctx, "svc", ScopePerService, "")
	require.NoError(t, err)
	require.True(t, res.Allowed)
}

func TestAdaptiveLimitStaysWithinBounds(t *testing.T) {
	cfg := core.ServiceConfig{
		Algorithm:         core.AlgorithmAdaptive,
		RequestsPerMinute: 100,
		WindowSize:        time.Minute,
		AdaptiveThreshold: 0.8,
		BackoffFactor:     0.5,
		RecoveryFactor:    1.5,
	}
	limiter, clock, _ := newTestLimiter(t, cfg)
	ctx := context.Background()

	// Keep failing; the limit must back off but never drop below 0.1x base.
	for round := 0; round < 10; round++ {
		for i := 0; i < 20; i++ {
			require.NoError(t, limiter.RecordOutcome(ctx, "svc", false))
		}
		clock.Advance(61 * time.Second)
		res, err := limiter.CheckLimit(ctx, "svc", ScopePerService, "")
		require.NoError(t, err)
		limit := res.Metadata["current_limit"].(float64)
		require.GreaterOrEqual(t, limit, 10.0, "limit must stay >= 0.1x base")
	}

	// Now succeed; the limit must recover but never exceed 2x base.
	for round := 0; round < 10; round++ {
		for i := 0; i < 20; i++ {
			require.NoError(t, limiter.RecordOutcome(ctx, "svc", true))
		}
		clock.Advance(61 * time.Second)
		res, err := limiter.CheckLimit(ctx, "svc", ScopePerService, "")
		require.NoError(t, err)
		limit := res.Metadata["current_limit"].(float64)
		require.LessOrEqual(t, limit, 200.0, "limit must stay <= 2x base")
	}
}

func TestPerIPIdentifierIsHashed(t *testing.T) {
	cfg := core.ServiceConfig{
		Algorithm:         core.AlgorithmSlidingWindow,
		RequestsPerMinute: 5,
		WindowSize:        time.Minute,
	}
	limiter, _, mr := newTestLimiter(t, cfg)
	ctx := context.Background()

	_, err := limiter.CheckLimit(ctx, "svc", ScopePerIP, "203.0.113.7")
	require.NoError(t, err)

	for _, key := range mr.Keys() {
		require.NotContains(t, key, "203.0.113.7", "raw IP must never appear in a key")
	}
}

func TestResetClearsBuckets(t *testing.T) {
	cfg := core.ServiceConfig{
		Algorithm:         core.AlgorithmSlidingWindow,
		RequestsPerMinute: 1,
		WindowSize:        time.Minute,
	}
	limiter, _, mr := newTestLimiter(t, cfg)
	ctx := context.Background()

	res, err := limiter.CheckLimit(ctx, "svc", ScopePerService, "")
	require.NoError(t, err)
	require.True(t, res.Allowed)
	res, err = limiter.CheckLimit(ctx, "svc", ScopePerService, "")
	require.NoError(t, err)
	require.False(t, res.Allowed)

	require.NoError(t, limiter.Reset(ctx, "svc"))

	res, err = limiter.CheckLimit(ctx, "svc", ScopePerService, "")
	require.NoError(t, err)
	require.True(t, res.Allowed)

	found := false
	for _, key := range mr.Keys() {
		if strings.Contains(key, "rate_limit:svc") {
			found = true
		}
	}
	require.True(t, found, "a fresh bucket should exist after the post-reset check")
}

func TestCheckReturnsRateLimitError(t *testing.T) {
	cfg := core.ServiceConfig{
		Algorithm:         core.AlgorithmSlidingWindow,
		RequestsPerMinute: 1,
		WindowSize:        time.Minute,
	}
	limiter, _, _ := newTestLimiter(t, cfg)
	ctx := context.Background()

	require.NoError(t, limiter.Check(ctx, "svc", ScopePerService, ""))

	err := limiter.Check(ctx, "svc", ScopePerService, "")
	require.Error(t, err)
	var rle *core.RateLimitError
	require.ErrorAs(t, err, &rle)
	require.Equal(t, time.Minute, rle.RetryAfter)
	require.ErrorIs(t, err, core.ErrRateLimitExceeded)
}
