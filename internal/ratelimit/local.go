package ratelimit

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// LocalLimiter keeps one token bucket per identifier and rule. A rule of
// Limit per Window becomes a bucket of Limit tokens refilled evenly over the
// window.
type LocalLimiter struct {
	mu sync.Mutex
	m  map[string]map[string]*rate.Limiter // identifier -> rule key -> bucket
}

func NewLocalLimiter() *LocalLimiter {
	return &LocalLimiter{m: make(map[string]map[string]*rate.Limiter)}
}

func (l *LocalLimiter) get(identifier string, rule Rule) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()
	buckets, ok := l.m[identifier]
	if !ok {
		buckets = make(map[string]*rate.Limiter)
		l.m[identifier] = buckets
	}
	if lim, ok := buckets[rule.Key]; ok {
		return lim
	}
	burst := max(rule.Limit, 1)
	lim := rate.NewLimiter(rate.Every(rule.Window/time.Duration(burst)), burst)
	buckets[rule.Key] = lim
	return lim
}

func (l *LocalLimiter) Allow(_ context.Context, identifier string, rule Rule) (bool, error) {
	return l.get(identifier, rule).Allow(), nil
}

// RetryAfter returns how long until the bucket holds a whole token.
func (l *LocalLimiter) RetryAfter(_ context.Context, identifier string, rule Rule) (time.Duration, error) {
	lim := l.get(identifier, rule)
	missing := 1 - lim.Tokens()
	if missing <= 0 || lim.Limit() <= 0 {
		return 0, nil
	}
	return time.Duration(missing / float64(lim.Limit()) * float64(time.Second)), nil
}

func (l *LocalLimiter) Release(identifier string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.m, identifier)
}
