package server

import (
	"sync"
	"time"
)

// tokenBucket throttles the messages a single connection may broadcast.
// It refills continuously at capacity tokens per interval.
type tokenBucket struct {
	mu        sync.Mutex
	tokens    float64
	capacity  float64
	rate      float64 // tokens per second
	lastCheck time.Time
	now       func() time.Time
}

func newTokenBucket(limit RateLimitConfig) *tokenBucket {
	capacity := limit.Burst
	if capacity <= 0 {
		capacity = 1
	}
	interval := limit.RefillInterval
	if interval <= 0 {
		interval = time.Second
	}

	b := &tokenBucket{
		tokens:   float64(capacity),
		capacity: float64(capacity),
		rate:     float64(capacity) / interval.Seconds(),
		now:      time.Now,
	}
	b.lastCheck = b.now()
	return b
}

func (b *tokenBucket) allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()
	if elapsed := now.Sub(b.lastCheck).Seconds(); elapsed > 0 {
		b.tokens = min(b.capacity, b.tokens+elapsed*b.rate)
	}
	b.lastCheck = now

	if b.tokens < 1 {
		return false
	}
	b.tokens--
	return true
}
