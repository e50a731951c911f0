// ABOUTME: Thread-safe TTL cache for deduplicating gateway messages by msg_id.
// ABOUTME: Backed by an expirable LRU so both age and size bound the window.

package dedupe

import (
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

// Cache provides a thread-safe, TTL-based, size-limited set of seen message
// keys. When full, the least recently marked key is evicted.
type Cache struct {
	mu     sync.Mutex
	seen   *expirable.LRU[string, struct{}]
	closed bool
}

// New creates a new dedupe cache with the specified TTL and maximum size.
func New(ttl time.Duration, maxSize int) *Cache {
	return &Cache{
		seen: expirable.NewLRU[string, struct{}](maxSize, nil, ttl),
	}
}

// Check returns true if the key has been seen and is not expired.
func (c *Cache) Check(key string) bool {
	_, ok := c.seen.Peek(key)
	return ok
}

// CheckAndMark atomically checks if a key has been seen and marks it if not.
// Returns true if the key was already seen (duplicate), false if it's new and now marked.
// A duplicate does not refresh the key's expiry or recency.
func (c *Cache) CheckAndMark(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return false
	}
	if _, ok := c.seen.Peek(key); ok {
		return true
	}
	c.seen.Add(key, struct{}{})
	return false
}

// Mark records that a key has been seen, refreshing its expiry.
func (c *Cache) Mark(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.seen.Add(key, struct{}{})
}

// Len returns the number of tracked keys, including ones not yet swept.
func (c *Cache) Len() int {
	return c.seen.Len()
}

// Close drops every tracked key. A closed cache remembers nothing, so every
// key reads as new. It is safe to call multiple times.
func (c *Cache) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.closed {
		c.seen.Purge()
		c.closed = true
	}
}
