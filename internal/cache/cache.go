// Package cache remembers recently seen keys for a bounded time. The
// missing-key throttle uses it to notify about each unknown kid only once per
// window.
package cache

import "time"

// Cache records keys with a time to live.
type Cache interface {
	// Remember records key for ttl. It reports false when key is already
	// recorded and has not expired; at most one concurrent caller sees true.
	Remember(key string, ttl time.Duration) bool
	Forget(key string)
}

// Sizing for NewDefault. Each remembered kid costs 1.
const (
	defaultNumCounters = 1 << 15
	defaultMaxCost     = 1 << 12
	defaultBufferItems = 64
)

// NewDefault returns the ristretto-backed cache the engine creates when the
// caller does not supply one.
func NewDefault() (*RistrettoCache, error) {
	return NewRistrettoCache(defaultNumCounters, defaultMaxCost, defaultBufferItems)
}
