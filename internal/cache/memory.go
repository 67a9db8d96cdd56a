package cache

import (
	"time"

	gocache "github.com/patrickmn/go-cache"
)

// MemoryCache uses patrickmn/go-cache. It is unbounded but never drops a
// mark before it expires.
type MemoryCache struct {
	items *gocache.Cache
}

// NewMemoryCache sweeps expired marks every cleanupInterval. defaultTTL
// applies when Remember is given a non-positive ttl.
func NewMemoryCache(defaultTTL, cleanupInterval time.Duration) *MemoryCache {
	return &MemoryCache{items: gocache.New(defaultTTL, cleanupInterval)}
}

func (m *MemoryCache) Remember(key string, ttl time.Duration) bool {
	if ttl <= 0 {
		ttl = gocache.DefaultExpiration
	}
	return m.items.Add(key, struct{}{}, ttl) == nil
}

func (m *MemoryCache) Forget(key string) { m.items.Delete(key) }

// Len counts marks, including expired ones not yet swept.
func (m *MemoryCache) Len() int { return m.items.ItemCount() }
