package ratelimit

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

func Test_RedisLimiter_Window(t *testing.T) {
	req := require.New(t)
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	l := NewRedisLimiter(client, slog.Default())
	ctx := context.Background()
	rule := Rule{Key: "rl:test:", Limit: 3, Window: 10 * time.Second}

	for i := 0; i < 3; i++ {
		ok, err := l.Allow(ctx, "c1", rule)
		req.NoError(err)
		req.True(ok, "request %d should pass", i)
	}
	ok, err := l.Allow(ctx, "c1", rule)
	req.NoError(err)
	req.False(ok)

	wait, err := l.RetryAfter(ctx, "c1", rule)
	req.NoError(err)
	req.Greater(wait, 9*time.Second)
	req.LessOrEqual(wait, rule.Window)

	// Other identifiers have their own window.
	ok, err = l.Allow(ctx, "c2", rule)
	req.NoError(err)
	req.True(ok)

	mr.FastForward(11 * time.Second)
	wait, err = l.RetryAfter(ctx, "c1", rule)
	req.NoError(err)
	req.Zero(wait)
	ok, err = l.Allow(ctx, "c1", rule)
	req.NoError(err)
	req.True(ok)
}

func Test_RedisLimiter_Fails_Open(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
	defer client.Close()
	mr.Close()

	ok, err := NewRedisLimiter(client, slog.Default()).Allow(context.Background(), "c1", RulePost)
	require.Error(t, err)
	require.True(t, ok)
}

func Test_LocalLimiter_Burst_And_Release(t *testing.T) {
	req := require.New(t)
	l := NewLocalLimiter()
	ctx := context.Background()
	rule := Rule{Key: "rl:test:", Limit: 2, Window: time.Hour}

	for i := 0; i < 2; i++ {
		ok, _ := l.Allow(ctx, "c1", rule)
		req.True(ok)
	}
	ok, _ := l.Allow(ctx, "c1", rule)
	req.False(ok)

	// Two tokens per hour refill one every 30 minutes.
	wait, err := l.RetryAfter(ctx, "c1", rule)
	req.NoError(err)
	req.InDelta(float64(30*time.Minute), float64(wait), float64(time.Minute))

	l.Release("c1")
	ok, _ = l.Allow(ctx, "c1", rule)
	req.True(ok, "released identifier starts with a full bucket")
	wait, err = l.RetryAfter(ctx, "c1", rule)
	req.NoError(err)
	req.Zero(wait)
}
