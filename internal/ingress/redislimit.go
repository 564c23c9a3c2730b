package ingress

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisLimiter is a fixed-window rate limiter backed by Redis INCR+EXPIRE,
// for multi-node deployments where per-process token buckets would let a
// device exceed its quota by spreading requests across replicas (§4.6's
// "design must not preclude" a shared backing store). Adapted from the
// teacher's internal/infra Redis adapter's connection handling.
type RedisLimiter struct {
	client     *redis.Client
	perMinute  int
	windowSize time.Duration
	prefix     string
}

// NewRedisLimiter builds a RedisLimiter allowing perMinute requests per key
// per fixed one-minute window, which starts at the key's first request.
func NewRedisLimiter(client *redis.Client, perMinute int) *RedisLimiter {
	if perMinute <= 0 {
		perMinute = 30
	}
	return &RedisLimiter{client: client, perMinute: perMinute, windowSize: time.Minute, prefix: "ratelimit:"}
}

// Allow reports whether a request for key may proceed in the current
// window. On a Redis error it fails open — rate limiting is a best-effort
// protection, not a correctness guarantee, so an unreachable Redis must
// not itself take ingress down.
func (l *RedisLimiter) Allow(key string) bool {
	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	redisKey := l.prefix + key
	count, err := l.client.Incr(ctx, redisKey).Result()
	if err != nil {
		return true
	}
	if count == 1 {
		l.client.Expire(ctx, redisKey, l.windowSize)
	}
	return int(count) <= l.perMinute
}
