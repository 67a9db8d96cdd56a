package cache

import (
	"fmt"
	"sync"
	"time"

	"github.com/dgraph-io/ristretto"
)

// RistrettoCache is bounded by maxCost, so a flood of random kids evicts old
// marks instead of growing memory.
type RistrettoCache struct {
	mu    sync.Mutex
	store *ristretto.Cache
}

func NewRistrettoCache(numCounters, maxCost, bufferItems int64) (*RistrettoCache, error) {
	store, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: numCounters,
		MaxCost:     maxCost,
		BufferItems: bufferItems,
	})
	if err != nil {
		return nil, fmt.Errorf("new ristretto: %w", err)
	}
	return &RistrettoCache{store: store}, nil
}

// Remember is best-effort. A set dropped because ristretto's write buffer was
// full is retried once after draining it; a set refused by the admission
// policy still reports true, so a kid may be let through again once the cache
// is saturated. MemoryCache is the exact alternative.
func (r *RistrettoCache) Remember(key string, ttl time.Duration) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.store.Get(key); ok {
		return false
	}
	if !r.store.SetWithTTL(key, struct{}{}, 1, ttl) {
		r.store.Wait()
		if !r.store.SetWithTTL(key, struct{}{}, 1, ttl) {
			return true
		}
	}
	r.store.Wait()
	return true
}

func (r *RistrettoCache) Forget(key string) {
	r.mu.Lock()
	r.store.Del(key)
	r.mu.Unlock()
}

// Close stops ristretto's background goroutines.
func (r *RistrettoCache) Close() { r.store.Close() }
