package keystore

import "time"

// StalenessPolicy decides whether a store should be refreshed proactively,
// independently of missing-key events.
type StalenessPolicy interface {
	Stale(s *Store, now time.Time) bool
}

// StalenessFunc adapts a function to StalenessPolicy.
type StalenessFunc func(s *Store, now time.Time) bool

func (f StalenessFunc) Stale(s *Store, now time.Time) bool { return f(s, now) }

// EventDriven only honours server max-age hints. When the JWKS response
// carries no max-age, rotation happens exclusively on missing keys.
type EventDriven struct {
	MinRefreshInterval time.Duration
}

func (p EventDriven) Stale(s *Store, now time.Time) bool {
	return s.IsStale(now, p.MinRefreshInterval)
}

// Interval polls: a store older than Every is stale even without a hint.
// A shorter server max-age still wins.
type Interval struct {
	Every time.Duration
}

func (p Interval) Stale(s *Store, now time.Time) bool {
	if s.IsStale(now, 0) {
		return true
	}
	if p.Every <= 0 || s.FetchedAt().IsZero() {
		return false
	}
	return now.Sub(s.FetchedAt()) > p.Every
}
