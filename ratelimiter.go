package sentinel

import (
	"sync"
	"time"
)

// TokenBucketLimiter guards the administrative surface with a per-caller
// token bucket. It is deliberately simple: dashboard polling is cheap, but a
// runaway client should not be able to contend with the tick for registry
// locks.
type TokenBucketLimiter struct {
	mu         sync.Mutex
	buckets    map[string]*tokenBucket
	capacity   int
	refillRate time.Duration
}

type tokenBucket struct {
	tokens     float64
	lastRefill time.Time
}

func NewTokenBucketLimiter(capacity int, refillRate time.Duration) *TokenBucketLimiter {
	if capacity <= 0 {
		capacity = 60
	}
	if refillRate <= 0 {
		refillRate = time.Minute
	}
	return &TokenBucketLimiter{
		buckets:    make(map[string]*tokenBucket),
		capacity:   capacity,
		refillRate: refillRate,
	}
}

// Allow consumes one token for the key, refilling the bucket for the time
// elapsed since the last call.
func (rl *TokenBucketLimiter) Allow(key string) bool {
	now := time.Now()

	rl.mu.Lock()
	defer rl.mu.Unlock()

	bucket, exists := rl.buckets[key]
	if !exists {
		bucket = &tokenBucket{tokens: float64(rl.capacity), lastRefill: now}
		rl.buckets[key] = bucket
	}

	elapsed := now.Sub(bucket.lastRefill)
	bucket.tokens += elapsed.Seconds() * float64(rl.capacity) / rl.refillRate.Seconds()
	if bucket.tokens > float64(rl.capacity) {
		bucket.tokens = float64(rl.capacity)
	}
	bucket.lastRefill = now

	if bucket.tokens >= 1 {
		bucket.tokens--
		return true
	}
	return false
}

// Cleanup drops buckets idle longer than the refill window; called
// opportunistically by the tick.
func (rl *TokenBucketLimiter) Cleanup(now time.Time) {
	rl.mu.Lock()
	for key, bucket := range rl.buckets {
		if now.Sub(bucket.lastRefill) > 2*rl.refillRate {
			delete(rl.buckets, key)
		}
	}
	rl.mu.Unlock()
}
