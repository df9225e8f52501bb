package middleware

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// redisFixedWindowLimiter shares a fixed-window counter across
// replicas: INCR is the admission, EXPIRE on the first hit opens the
// window. Coarser than the local hybrid limiter but consistent under
// horizontal scale.
type redisFixedWindowLimiter struct {
	client redis.UniversalClient
	prefix string
}

func NewRedisFixedWindowLimiter(client redis.UniversalClient, prefix string) Limiter {
	if prefix == "" {
		prefix = "ratelimit"
	}
	return &redisFixedWindowLimiter{client: client, prefix: prefix}
}

func (rl *redisFixedWindowLimiter) Allow(ctx context.Context, key string, policy RateLimitPolicy) (Decision, error) {
	policy = normalizePolicy(policy)
	redisKey := fmt.Sprintf("%s:%s", rl.prefix, key)

	count, err := rl.client.Incr(ctx, redisKey).Result()
	if err != nil {
		return Decision{}, fmt.Errorf("rate limit incr: %w", err)
	}
	if count == 1 {
		if err := rl.client.Expire(ctx, redisKey, policy.SustainedWindow).Err(); err != nil {
			return Decision{}, fmt.Errorf("rate limit expire: %w", err)
		}
	}

	ttl, err := rl.client.TTL(ctx, redisKey).Result()
	if err != nil || ttl < 0 {
		ttl = policy.SustainedWindow
	}
	resetAt := time.Now().Add(ttl)

	remaining := policy.SustainedLimit - int(count)
	if remaining < 0 {
		remaining = 0
	}
	if count > int64(policy.SustainedLimit) {
		return Decision{
			Allowed:    false,
			RetryAfter: ttl,
			Remaining:  0,
			ResetAt:    resetAt,
			Reason:     "window",
		}, nil
	}
	return Decision{
		Allowed:   true,
		Remaining: remaining,
		ResetAt:   resetAt,
	}, nil
}
