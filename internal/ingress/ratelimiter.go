// Package ingress implements the HTTP entry points (§4.6):
// registerDevice, heartbeat, and uploadCapture. Handlers are constructed
// with their dependencies, matching the teacher's
// internal/handlers.HandleX(db *database.X) http.HandlerFunc shape.
package ingress

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Limiter is satisfied by both the in-process token-bucket limiter and the
// Redis-backed one, so ingress never knows which is wired in.
type Limiter interface {
	Allow(key string) bool
}

// TokenBucketLimiter is a per-key token bucket backed by
// golang.org/x/time/rate, one bucket per device id. An idle-bucket sweep
// goroutine reclaims buckets that haven't been touched recently, grounded
// on the teacher's RateLimiter.cleanup ticker loop
// (internal/middleware/rate_limiter.go).
type TokenBucketLimiter struct {
	mu       sync.Mutex
	buckets  map[string]*bucket
	rps      rate.Limit
	burst    int
	idleTTL  time.Duration
	stopOnce sync.Once
	stop     chan struct{}
}

type bucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// NewTokenBucketLimiter builds a limiter allowing perMinute requests per
// key, refilled continuously, with burst as the largest instantaneous
// spike a key may spend.
func NewTokenBucketLimiter(perMinute, burst int) *TokenBucketLimiter {
	if perMinute <= 0 {
		perMinute = 30
	}
	if burst <= 0 {
		burst = 10
	}
	l := &TokenBucketLimiter{
		buckets: make(map[string]*bucket),
		rps:     rate.Limit(float64(perMinute) / 60.0),
		burst:   burst,
		idleTTL: 10 * time.Minute,
		stop:    make(chan struct{}),
	}
	go l.sweep()
	return l
}

// Allow reports whether a request for key may proceed right now.
func (l *TokenBucketLimiter) Allow(key string) bool {
	l.mu.Lock()
	b, ok := l.buckets[key]
	if !ok {
		b = &bucket{limiter: rate.NewLimiter(l.rps, l.burst)}
		l.buckets[key] = b
	}
	b.lastSeen = time.Now()
	l.mu.Unlock()

	return b.limiter.Allow()
}

// Close stops the idle-bucket sweep goroutine.
func (l *TokenBucketLimiter) Close() {
	l.stopOnce.Do(func() { close(l.stop) })
}

func (l *TokenBucketLimiter) sweep() {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-l.stop:
			return
		case <-ticker.C:
			cutoff := time.Now().Add(-l.idleTTL)
			l.mu.Lock()
			for key, b := range l.buckets {
				if b.lastSeen.Before(cutoff) {
					delete(l.buckets, key)
				}
			}
			l.mu.Unlock()
		}
	}
}
