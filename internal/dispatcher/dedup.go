package dispatcher

import (
	"context"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// MemDeduper is an in-process Deduper, sufficient for a single Coordinator
// replica.
type MemDeduper struct {
	mu      sync.Mutex
	claimed map[string]struct{}
}

// NewMemDeduper creates an empty in-process Deduper.
func NewMemDeduper() *MemDeduper {
	return &MemDeduper{claimed: make(map[string]struct{})}
}

func (m *MemDeduper) TryClaim(_ context.Context, captureID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.claimed[captureID]; exists {
		return false, nil
	}
	m.claimed[captureID] = struct{}{}
	return true, nil
}

func (m *MemDeduper) Release(_ context.Context, captureID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.claimed, captureID)
}

// RedisDeduper claims captures via SET NX, so multiple Coordinator
// replicas behind the same queue source (e.g. polling the same
// ListStuck cursor) never double-process one capture. Adapted from the
// teacher's internal/infra Redis adapter's connection handling.
type RedisDeduper struct {
	client *redis.Client
	ttl    time.Duration
	prefix string
}

// NewRedisDeduper builds a RedisDeduper. ttl bounds how long a claim
// survives a worker crash before another replica may retry the capture;
// it should comfortably exceed the slowest single pipeline step.
func NewRedisDeduper(client *redis.Client, ttl time.Duration) *RedisDeduper {
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	return &RedisDeduper{client: client, ttl: ttl, prefix: "dispatch:claim:"}
}

func (r *RedisDeduper) TryClaim(ctx context.Context, captureID string) (bool, error) {
	ok, err := r.client.SetNX(ctx, r.prefix+captureID, 1, r.ttl).Result()
	if err != nil {
		return false, err
	}
	return ok, nil
}

func (r *RedisDeduper) Release(ctx context.Context, captureID string) {
	r.client.Del(ctx, r.prefix+captureID)
}
