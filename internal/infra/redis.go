// Package infra provides concrete infrastructure adapters shared by the
// components that need a Redis connection: the dispatcher's RedisDeduper,
// ingress's RedisLimiter, and the blobstore's S3Store credentials live
// alongside this in a full deployment. Adapted from the teacher's
// GoRedisAdapter connection handling (internal/infra/redis_adapter.go) --
// narrowed to the connection-plus-ping lifecycle, since the Coordinator's
// deduper and rate limiter both talk to go-redis directly rather than
// through the teacher's fabric.RedisClient/RedisPubSubClient interfaces.
package infra

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisOptions configures a shared Redis connection.
type RedisOptions struct {
	Addr     string
	Password string
	DB       int
}

// NewRedisClient connects to Redis and pings it once to fail fast on a bad
// address, mirroring the teacher's NewGoRedisAdapter. Callers that run
// without Redis (single-replica deployments) skip this and wire the
// in-memory MemDeduper / TokenBucketLimiter instead.
func NewRedisClient(opts RedisOptions) (*redis.Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:         opts.Addr,
		Password:     opts.Password,
		DB:           opts.DB,
		DialTimeout:  3 * time.Second,
		ReadTimeout:  2 * time.Second,
		WriteTimeout: 2 * time.Second,
		PoolSize:     20,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("redis ping failed (%s): %w", opts.Addr, err)
	}

	slog.Info("redis connected", "addr", opts.Addr, "db", opts.DB)
	return rdb, nil
}
