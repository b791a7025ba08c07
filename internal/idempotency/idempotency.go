// Package idempotency deduplicates retried creation requests. Each
// (owner, key) pair maps to the response produced by the first request; a
// replay within the retention window returns that response verbatim.
// Concurrent first requests for the same key are serialized through an
// in-flight marker so at most one creation proceeds.
package idempotency

import (
	"context"
	"sync"
	"time"
)

// DefaultTTL is the deduplication window for stored responses.
const DefaultTTL = 24 * time.Hour

type cacheKey struct {
	owner string
	key   string
}

type record struct {
	done      chan struct{}
	response  []byte
	createdAt time.Time
	committed bool
}

// Cache is a per-owner idempotency-key cache. Safe for concurrent use.
type Cache struct {
	mu      sync.Mutex
	ttl     time.Duration
	entries map[cacheKey]*record
	now     func() time.Time
}

// New creates a cache with the given retention window. A non-positive ttl
// falls back to DefaultTTL.
func New(ttl time.Duration) *Cache {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Cache{
		ttl:     ttl,
		entries: make(map[cacheKey]*record),
		now:     time.Now,
	}
}

// Begin claims the (owner, key) pair. If a committed response exists and is
// unexpired, it is returned with claimed=false. Otherwise the caller holds
// the claim (claimed=true) and must finish with exactly one of Commit or
// Abort. If another request holds the claim, Begin blocks until it resolves
// and then re-evaluates.
func (c *Cache) Begin(ctx context.Context, owner, key string) (response []byte, claimed bool, err error) {
	k := cacheKey{owner: owner, key: key}

	for {
		c.mu.Lock()
		rec, ok := c.entries[k]

		if ok && rec.committed {
			if c.now().Sub(rec.createdAt) < c.ttl {
				resp := append([]byte(nil), rec.response...)
				c.mu.Unlock()
				return resp, false, nil
			}
			// Expired; the key may be reused.
			delete(c.entries, k)
			ok = false
		}

		if !ok {
			c.entries[k] = &record{done: make(chan struct{})}
			c.mu.Unlock()
			return nil, true, nil
		}

		// In flight elsewhere: wait for the first request to resolve.
		done := rec.done
		c.mu.Unlock()

		select {
		case <-done:
		case <-ctx.Done():
			return nil, false, ctx.Err()
		}
	}
}

// Commit stores the response for a claimed key and releases waiters.
func (c *Cache) Commit(owner, key string, response []byte) {
	k := cacheKey{owner: owner, key: key}

	c.mu.Lock()
	defer c.mu.Unlock()

	rec, ok := c.entries[k]
	if !ok || rec.committed {
		return
	}
	rec.response = append([]byte(nil), response...)
	rec.createdAt = c.now()
	rec.committed = true
	close(rec.done)
}

// Abort releases a claimed key without storing a response, allowing the
// next request with the same key to proceed as a fresh creation.
func (c *Cache) Abort(owner, key string) {
	k := cacheKey{owner: owner, key: key}

	c.mu.Lock()
	defer c.mu.Unlock()

	rec, ok := c.entries[k]
	if !ok || rec.committed {
		return
	}
	delete(c.entries, k)
	close(rec.done)
}

// Sweep drops expired committed records and returns the number removed.
func (c *Cache) Sweep(now time.Time) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	removed := 0
	for k, rec := range c.entries {
		if rec.committed && now.Sub(rec.createdAt) >= c.ttl {
			delete(c.entries, k)
			removed++
		}
	}
	return removed
}

// Len returns the number of stored records, including in-flight markers.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}
