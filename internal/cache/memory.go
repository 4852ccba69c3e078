package cache

import (
	"context"
	"sync"
	"time"
)

const sweepInterval = 5 * time.Minute

// MemoryCache is the in-process fallback backend for deployments without
// Redis. Entries expire per-key; a sweeper goroutine reclaims what lazy
// expiry on Get never touches. Replicas do not share it, so it only
// suits single-instance setups.
type MemoryCache struct {
	mu      sync.RWMutex
	entries map[string]memEntry
	done    chan struct{}
}

type memEntry struct {
	data     []byte
	deadline time.Time
}

// NewMemoryCache builds the cache and starts its sweeper. The sweeper
// exits when ctx is cancelled or Close is called.
func NewMemoryCache(ctx context.Context) *MemoryCache {
	c := &MemoryCache{
		entries: make(map[string]memEntry),
		done:    make(chan struct{}),
	}
	go c.sweep(ctx)
	return c
}

// Get returns the live value for key. An expired entry counts as a miss
// and is dropped on the spot.
func (c *MemoryCache) Get(_ context.Context, key string) ([]byte, bool) {
	c.mu.RLock()
	e, ok := c.entries[key]
	c.mu.RUnlock()
	if !ok {
		return nil, false
	}
	if time.Now().After(e.deadline) {
		c.mu.Lock()
		delete(c.entries, key)
		c.mu.Unlock()
		return nil, false
	}
	return e.data, true
}

// Set stores value under key for ttl, defaulting to one hour when ttl is
// not positive.
func (c *MemoryCache) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = time.Hour
	}
	c.mu.Lock()
	c.entries[key] = memEntry{data: value, deadline: time.Now().Add(ttl)}
	c.mu.Unlock()
	return nil
}

// Delete drops key. Deleting an absent key is a no-op.
func (c *MemoryCache) Delete(_ context.Context, key string) error {
	c.mu.Lock()
	delete(c.entries, key)
	c.mu.Unlock()
	return nil
}

// Len counts the stored entries, expired ones included until a sweep or
// a Get evicts them.
func (c *MemoryCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// Close stops the sweeper.
func (c *MemoryCache) Close() {
	close(c.done)
}

func (c *MemoryCache) sweep(ctx context.Context) {
	t := time.NewTicker(sweepInterval)
	defer t.Stop()
	for {
		select {
		case <-t.C:
			now := time.Now()
			c.mu.Lock()
			for k, e := range c.entries {
				if now.After(e.deadline) {
					delete(c.entries, k)
				}
			}
			c.mu.Unlock()
		case <-ctx.Done():
			return
		case <-c.done:
			return
		}
	}
}
