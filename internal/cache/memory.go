package cache

import (
	"context"
	"sync"
	"time"
)

// MemoryCache is a TTL map with a janitor goroutine sweeping expired entries.
type MemoryCache struct {
	mu      sync.RWMutex
	entries map[string]memoryEntry

	janitor  *time.Ticker
	stop     chan struct{}
	stopOnce sync.Once
}

type memoryEntry struct {
	value   []byte
	expires time.Time
}

// NewMemoryCache creates a memory cache sweeping expired entries every
// sweepInterval (default 1 minute).
func NewMemoryCache(sweepInterval time.Duration) *MemoryCache {
	if sweepInterval <= 0 {
		sweepInterval = time.Minute
	}
	c := &MemoryCache{
		entries: make(map[string]memoryEntry),
		janitor: time.NewTicker(sweepInterval),
		stop:    make(chan struct{}),
	}
	go c.sweepLoop()
	return c
}

// Get implements Cache. Expired entries read as missing even before the
// janitor removes them.
func (c *MemoryCache) Get(_ context.Context, key string) ([]byte, bool, error) {
	c.mu.RLock()
	entry, ok := c.entries[key]
	c.mu.RUnlock()

	if !ok || time.Now().After(entry.expires) {
		return nil, false, nil
	}
	value := make([]byte, len(entry.value))
	copy(value, entry.value)
	return value, true, nil
}

// Set implements Cache.
func (c *MemoryCache) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	stored := make([]byte, len(value))
	copy(stored, value)

	c.mu.Lock()
	c.entries[key] = memoryEntry{value: stored, expires: time.Now().Add(ttl)}
	c.mu.Unlock()
	return nil
}

// Delete implements Cache.
func (c *MemoryCache) Delete(_ context.Context, key string) error {
	c.mu.Lock()
	delete(c.entries, key)
	c.mu.Unlock()
	return nil
}

// Len reports live (unexpired) entries.
func (c *MemoryCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	now := time.Now()
	n := 0
	for _, entry := range c.entries {
		if now.Before(entry.expires) {
			n++
		}
	}
	return n
}

func (c *MemoryCache) sweepLoop() {
	for {
		select {
		case <-c.janitor.C:
			c.sweep()
		case <-c.stop:
			c.janitor.Stop()
			return
		}
	}
}

func (c *MemoryCache) sweep() {
	now := time.Now()
	c.mu.Lock()
	for key, entry := range c.entries {
		if now.After(entry.expires) {
			delete(c.entries, key)
		}
	}
	c.mu.Unlock()
}

// Close stops the janitor.
func (c *MemoryCache) Close() error {
	c.stopOnce.Do(func() { close(c.stop) })
	return nil
}
