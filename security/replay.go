package security

import (
	"sync"
	"time"
)

// ReplayCache is an expiring set used to reject replayed DPoP proof jti
// values. Seen must atomically record the id and report whether it was
// already present and unexpired.
type ReplayCache interface {
	// Seen records id with the given TTL and returns true if id was
	// already present.
	Seen(id string, ttl time.Duration) bool
}

// MemoryReplayCache is an in-memory ReplayCache with background expiry.
// Entries older than their TTL are treated as absent even before the
// janitor removes them.
type MemoryReplayCache struct {
	mu      sync.Mutex
	entries map[string]time.Time // id -> expiry
	stop    chan struct{}
	once    sync.Once
}

// NewMemoryReplayCache creates a replay cache and starts its cleanup
// goroutine. Call Stop when done.
func NewMemoryReplayCache() *MemoryReplayCache {
	c := &MemoryReplayCache{
		entries: make(map[string]time.Time),
		stop:    make(chan struct{}),
	}
	go c.cleanupLoop()
	return c
}

// Seen implements ReplayCache.
func (c *MemoryReplayCache) Seen(id string, ttl time.Duration) bool {
	now := time.Now()

	c.mu.Lock()
	defer c.mu.Unlock()

	if expiry, ok := c.entries[id]; ok && now.Before(expiry) {
		return true
	}
	c.entries[id] = now.Add(ttl)
	return false
}

// Len returns the number of entries currently tracked, expired included.
func (c *MemoryReplayCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

func (c *MemoryReplayCache) cleanupLoop() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.removeExpired()
		case <-c.stop:
			return
		}
	}
}

func (c *MemoryReplayCache) removeExpired() {
	now := time.Now()

	c.mu.Lock()
	defer c.mu.Unlock()

	for id, expiry := range c.entries {
		if now.After(expiry) {
			delete(c.entries, id)
		}
	}
}

// Stop terminates the cleanup goroutine. Safe to call more than once.
func (c *MemoryReplayCache) Stop() {
	c.once.Do(func() { close(c.stop) })
}
