// Package keystore holds the immutable, versioned view of a JWKS document:
// verification keys indexed by key id plus the freshness metadata the
// server attached to the response.
//
// Concurrency: a *Store is never mutated after New returns; it is safe to
// share between goroutines without synchronisation.
package keystore

import (
	"crypto"
	"errors"
	"fmt"
	"reflect"
	"slices"
	"time"
)

var (
	ErrKeyNotFound    = errors.New("key not found")
	ErrDuplicateKeyID = errors.New("duplicate key id")
)

// Key is a single verification credential. Material is the raw public key
// (*rsa.PublicKey, *ecdsa.PublicKey or ed25519.PublicKey).
type Key struct {
	ID        string
	Algorithm string
	Material  any
}

// Store maps key ids to keys. Build one with New or Empty.
type Store struct {
	keys      map[string]Key
	fetchedAt time.Time
	maxAge    time.Duration
	hasMaxAge bool
}

// Option configures optional Store metadata.
type Option func(*Store)

// WithMaxAge records the freshness hint taken from the response caching headers.
func WithMaxAge(d time.Duration) Option {
	return func(s *Store) {
		if d < 0 {
			d = 0
		}
		s.maxAge = d
		s.hasMaxAge = true
	}
}

// New builds a Store from keys. Two keys sharing an id are rejected.
func New(keys []Key, fetchedAt time.Time, opts ...Option) (*Store, error) {
	s := &Store{
		keys:      make(map[string]Key, len(keys)),
		fetchedAt: fetchedAt,
	}
	for _, k := range keys {
		if _, dup := s.keys[k.ID]; dup {
			return nil, fmt.Errorf("%w: %q", ErrDuplicateKeyID, k.ID)
		}
		s.keys[k.ID] = k
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Empty returns a store without keys. It is the placeholder used until the
// first successful fetch.
func Empty() *Store {
	return &Store{keys: map[string]Key{}}
}

// Lookup returns the key registered under kid.
//
// An empty kid resolves to the only key of a single-key store; with zero or
// several keys it is ErrKeyNotFound. Non-empty ids must match exactly.
func (s *Store) Lookup(kid string) (Key, error) {
	if kid == "" {
		if len(s.keys) == 1 {
			for _, k := range s.keys {
				return k, nil
			}
		}
		return Key{}, ErrKeyNotFound
	}
	k, ok := s.keys[kid]
	if !ok {
		return Key{}, ErrKeyNotFound
	}
	return k, nil
}

// IsStale reports whether the server-provided max-age has elapsed.
//
// Without a max-age hint the store never goes stale on time alone; rotation
// is then driven by missing-key events. minRefreshInterval is a floor on the
// effective max-age so that "max-age=0" does not make every call eligible.
func (s *Store) IsStale(now time.Time, minRefreshInterval time.Duration) bool {
	if !s.hasMaxAge {
		return false
	}
	return now.Sub(s.fetchedAt) > max(s.maxAge, minRefreshInterval)
}

// MaxAge returns the freshness hint and whether one was present.
func (s *Store) MaxAge() (time.Duration, bool) { return s.maxAge, s.hasMaxAge }

// FetchedAt returns when the underlying document was retrieved.
func (s *Store) FetchedAt() time.Time { return s.fetchedAt }

// Len returns the number of keys.
func (s *Store) Len() int { return len(s.keys) }

// IDs returns the key ids in sorted order.
func (s *Store) IDs() []string {
	ids := make([]string, 0, len(s.keys))
	for id := range s.keys {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

// Keys returns a shallow copy of the kid->key mapping.
func (s *Store) Keys() map[string]Key {
	out := make(map[string]Key, len(s.keys))
	for id, k := range s.keys {
		out[id] = k
	}
	return out
}

// Equal reports whether both stores hold the same key ids with the same
// algorithms and metadata. Key material is compared through its Equal
// method when it has one.
func (s *Store) Equal(o *Store) bool {
	if s == o {
		return true
	}
	if s == nil || o == nil {
		return false
	}
	if len(s.keys) != len(o.keys) || !s.fetchedAt.Equal(o.fetchedAt) ||
		s.hasMaxAge != o.hasMaxAge || s.maxAge != o.maxAge {
		return false
	}
	for id, k := range s.keys {
		other, found := o.keys[id]
		if !found || k.Algorithm != other.Algorithm || !materialEqual(k.Material, other.Material) {
			return false
		}
	}
	return true
}

func materialEqual(a, b any) bool {
	if eq, ok := a.(interface{ Equal(crypto.PublicKey) bool }); ok {
		return eq.Equal(b)
	}
	return reflect.DeepEqual(a, b)
}
