// Package ratelimit implements per-client token-bucket admission control.
// Buckets are created lazily per client key, refilled proportionally to
// elapsed time, and evicted once idle so memory stays bounded. State is
// purely local to this process.
package ratelimit

import (
	"sync"
	"time"
)

// cleanupInterval is how often stale buckets are swept during Allow calls.
const cleanupInterval = 10 * time.Minute

type bucket struct {
	tokens     float64
	lastRefill time.Time
}

func (b *bucket) refill(now time.Time, capacity, rate float64) {
	elapsed := now.Sub(b.lastRefill).Seconds()
	b.tokens += elapsed * rate
	if b.tokens > capacity {
		b.tokens = capacity
	}
	b.lastRefill = now
}

// Limiter admits up to capacity requests in a burst per client key, refilled
// at a steady per-minute rate. Safe for concurrent use.
type Limiter struct {
	mu          sync.Mutex
	capacity    float64
	rate        float64 // tokens per second
	buckets     map[string]*bucket
	lastCleanup time.Time
	now         func() time.Time
}

// New creates a limiter admitting perMinute requests per minute per key,
// with a burst capacity of perMinute.
func New(perMinute int) *Limiter {
	return newWithClock(perMinute, time.Now)
}

func newWithClock(perMinute int, now func() time.Time) *Limiter {
	if perMinute < 1 {
		perMinute = 1
	}
	return &Limiter{
		capacity:    float64(perMinute),
		rate:        float64(perMinute) / 60.0,
		buckets:     make(map[string]*bucket),
		lastCleanup: now(),
		now:         now,
	}
}

// Allow attempts to admit one request for the given client key. On rejection
// it returns the duration until at least one token will be available.
func (l *Limiter) Allow(key string) (bool, time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	if now.Sub(l.lastCleanup) > cleanupInterval {
		l.cleanup(now)
	}

	b, ok := l.buckets[key]
	if !ok {
		b = &bucket{tokens: l.capacity, lastRefill: now}
		l.buckets[key] = b
	}

	b.refill(now, l.capacity, l.rate)
	if b.tokens >= 1 {
		b.tokens--
		return true, 0
	}

	needed := 1 - b.tokens
	retryAfter := time.Duration(needed / l.rate * float64(time.Second))
	return false, retryAfter
}

// ActiveKeys returns the number of tracked client keys.
func (l *Limiter) ActiveKeys() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.buckets)
}

// cleanup drops buckets that have refilled to capacity; their clients have
// been idle long enough that recreating the bucket loses nothing.
func (l *Limiter) cleanup(now time.Time) {
	for key, b := range l.buckets {
		b.refill(now, l.capacity, l.rate)
		if b.tokens >= l.capacity {
			delete(l.buckets, key)
		}
	}
	l.lastCleanup = now
}
