package cache

import (
	"context"
	"sync"
	"time"
)

// DefaultMaxEntries bounds a MemoryCache built with a zero limit.
const DefaultMaxEntries = 10_000

type memItem struct {
	data      []byte
	expiresAt time.Time
}

// MemoryCache is an in-process Cache with per-entry TTL and a size bound.
// When full, the entry closest to expiry is evicted to make room. Expired
// entries are swept every minute until Close or ctx ends.
type MemoryCache struct {
	mu         sync.Mutex
	items      map[string]memItem
	maxEntries int
	now        func() time.Time

	done      chan struct{}
	closeOnce sync.Once
}

// NewMemoryCache starts a MemoryCache holding at most maxEntries values.
func NewMemoryCache(ctx context.Context, maxEntries int) *MemoryCache {
	if maxEntries <= 0 {
		maxEntries = DefaultMaxEntries
	}
	c := &MemoryCache{
		items:      make(map[string]memItem),
		maxEntries: maxEntries,
		now:        time.Now,
		done:       make(chan struct{}),
	}
	go c.sweep(ctx)
	return c
}

func (c *MemoryCache) Get(_ context.Context, key string) ([]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	item, ok := c.items[key]
	if !ok {
		return nil, false
	}
	if !c.now().Before(item.expiresAt) {
		delete(c.items, key)
		return nil, false
	}
	return item.data, true
}

// Set stores value for ttl; a non-positive ttl means DefaultTTL.
func (c *MemoryCache) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, exists := c.items[key]; !exists && len(c.items) >= c.maxEntries {
		c.evictLocked()
	}
	c.items[key] = memItem{data: value, expiresAt: c.now().Add(ttl)}
	return nil
}

func (c *MemoryCache) Delete(_ context.Context, key string) error {
	c.mu.Lock()
	delete(c.items, key)
	c.mu.Unlock()
	return nil
}

// Len returns the number of stored entries, expired ones included until swept.
func (c *MemoryCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.items)
}

// Close stops the sweeper. It is safe to call more than once.
func (c *MemoryCache) Close() {
	c.closeOnce.Do(func() { close(c.done) })
}

// evictLocked drops expired entries, or the one expiring soonest when none
// has expired yet.
func (c *MemoryCache) evictLocked() {
	now := c.now()
	var (
		victim  string
		soonest time.Time
	)
	for k, v := range c.items {
		if !now.Before(v.expiresAt) {
			delete(c.items, k)
			continue
		}
		if victim == "" || v.expiresAt.Before(soonest) {
			victim, soonest = k, v.expiresAt
		}
	}
	if len(c.items) >= c.maxEntries && victim != "" {
		delete(c.items, victim)
	}
}

func (c *MemoryCache) sweep(ctx context.Context) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			c.mu.Lock()
			now := c.now()
			for k, v := range c.items {
				if !now.Before(v.expiresAt) {
					delete(c.items, k)
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
