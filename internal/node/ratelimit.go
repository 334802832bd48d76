package node

import (
	"sync"
	"time"
)

// tokenBucket is a simple token bucket.
type tokenBucket struct {
	mu         sync.Mutex
	tokens     int
	maxTokens  int
	lastRefill time.Time
	period     time.Duration
}

func newTokenBucket(maxTokens int, period time.Duration) *tokenBucket {
	return &tokenBucket{
		tokens:     maxTokens,
		maxTokens:  maxTokens,
		lastRefill: time.Now(),
		period:     period,
	}
}

func (b *tokenBucket) allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := time.Now()
	refill := int(now.Sub(b.lastRefill) / b.period)
	if refill > 0 {
		b.tokens += refill
		if b.tokens > b.maxTokens {
			b.tokens = b.maxTokens
		}
		b.lastRefill = now
	}

	if b.tokens > 0 {
		b.tokens--
		return true
	}
	return false
}

// RateLimiter tracks one token bucket per remote host.
type RateLimiter struct {
	mu        sync.Mutex
	buckets   map[string]*tokenBucket
	maxTokens int
	period    time.Duration
}

// NewRateLimiter allows perMinute requests per remote, refilling evenly over
// the minute.
func NewRateLimiter(perMinute int) *RateLimiter {
	return &RateLimiter{
		buckets:   make(map[string]*tokenBucket),
		maxTokens: perMinute,
		period:    time.Minute / time.Duration(perMinute),
	}
}

// Allow reports whether a request from remote may proceed.
func (rl *RateLimiter) Allow(remote string) bool {
	rl.mu.Lock()
	b, ok := rl.buckets[remote]
	if !ok {
		b = newTokenBucket(rl.maxTokens, rl.period)
		rl.buckets[remote] = b
	}
	rl.mu.Unlock()

	return b.allow()
}
