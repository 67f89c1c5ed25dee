// Package ratelimit throttles per-connection actions. RedisLimiter counts in
// Redis with INCR + EXPIRE fixed windows; LocalLimiter keeps token buckets in
// process for deployments without Redis.
package ratelimit

import (
	"context"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

// Rule defines a rate limiting policy: the key prefix, maximum number of
// requests allowed in the window, and the window duration.
type Rule struct {
	Key    string
	Limit  int
	Window time.Duration
}

// RulePost allows 5 posted messages per 10 seconds per connection.
var RulePost = Rule{Key: "rl:post:", Limit: 5, Window: 10 * time.Second}

// Limiter decides whether an identifier may act under a rule. Allow fails
// open: on backend errors it returns true together with the error.
type Limiter interface {
	Allow(ctx context.Context, identifier string, rule Rule) (bool, error)
	// RetryAfter estimates how long until identifier may act again.
	RetryAfter(ctx context.Context, identifier string, rule Rule) (time.Duration, error)
	// Release drops any state kept for identifier.
	Release(identifier string)
}

// RedisLimiter performs rate limiting checks against Redis.
type RedisLimiter struct {
	client *redis.Client
	log    *slog.Logger
}

func NewRedisLimiter(client *redis.Client, log *slog.Logger) *RedisLimiter {
	return &RedisLimiter{client: client, log: log}
}

func (l *RedisLimiter) Allow(ctx context.Context, identifier string, rule Rule) (bool, error) {
	key := rule.Key + identifier

	count, err := l.client.Incr(ctx, key).Result()
	if err != nil {
		l.log.Warn("ratelimit: INCR failed, failing open", "key", key, "error", err)
		return true, err
	}

	// The first hit opens the window.
	if count == 1 {
		if err := l.client.Expire(ctx, key, rule.Window).Err(); err != nil {
			l.log.Warn("ratelimit: EXPIRE failed, failing open", "key", key, "error", err)
			// A counter without TTL would block the identifier forever.
			l.client.Del(ctx, key)
			return true, err
		}
	}
	return int(count) <= rule.Limit, nil
}

// RetryAfter returns the time left in identifier's current window.
func (l *RedisLimiter) RetryAfter(ctx context.Context, identifier string, rule Rule) (time.Duration, error) {
	ttl, err := l.client.PTTL(ctx, rule.Key+identifier).Result()
	if err != nil {
		return rule.Window, err
	}
	// -2: no window open; -1: no expiry, which Allow never leaves behind.
	if ttl < 0 {
		return 0, nil
	}
	return ttl, nil
}

// Release is a no-op; Redis windows expire on their own.
func (l *RedisLimiter) Release(string) {}
