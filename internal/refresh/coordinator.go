// Package refresh owns the authoritative key store of one JWKS endpoint and
// arbitrates refresh requests so that at most one fetch is in flight.
//
// Concurrency: all Coordinator methods are safe for concurrent use. Current
// never blocks; the committed store is published with one atomic pointer
// store after the fetch completes.
package refresh

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/keksclan/goRotate/internal/keystore"
	"go.uber.org/zap"
)

// ErrThrottled is delivered to sinks of a request rejected by the minimum
// refresh interval.
var ErrThrottled = errors.New("refresh throttled by minimum interval")

// defaultFetchTimeout bounds a single refresh attempt.
const defaultFetchTimeout = 10 * time.Second

// Source performs one retrieval of endpoint. *jwk.Fetcher satisfies it.
type Source interface {
	Fetch(ctx context.Context, endpoint string) (*keystore.Store, error)
}

// SourceFunc adapts a function to Source.
type SourceFunc func(ctx context.Context, endpoint string) (*keystore.Store, error)

func (f SourceFunc) Fetch(ctx context.Context, endpoint string) (*keystore.Store, error) {
	return f(ctx, endpoint)
}

// Decision tells the caller what RequestRefresh did with its request.
type Decision int

const (
	// Started means a new fetch was launched.
	Started Decision = iota + 1
	// Coalesced means a fetch was already running; the request joined it.
	Coalesced
	// Throttled means the minimum interval since the last attempt has not elapsed.
	Throttled
	// Superseded means the store had already changed since the caller looked.
	Superseded
)

func (d Decision) String() string {
	switch d {
	case Started:
		return "started"
	case Coalesced:
		return "coalesced"
	case Throttled:
		return "throttled"
	case Superseded:
		return "superseded"
	default:
		return "unknown"
	}
}

// Outcome reports the result of a refresh attempt.
type Outcome struct {
	Reason     string
	Store      *keystore.Store // committed store after the attempt
	Err        error
	StartedAt  time.Time
	FinishedAt time.Time
	// Coalesced is true for sinks that joined an attempt started by another caller.
	Coalesced bool
}

// Sink receives the outcome of a refresh. It is called at most once per
// RequestRefresh call it was passed to, from the fetching goroutine.
type Sink func(Outcome)

// State is a snapshot of the coordinator's refresh bookkeeping.
type State struct {
	InFlight      bool
	LastAttemptAt time.Time
	LastSuccessAt time.Time
}

// Metrics receives refresh counters. All methods must be safe for concurrent use.
type Metrics interface {
	RefreshStarted()
	RefreshCoalesced()
	RefreshThrottled()
	RefreshCompleted(d time.Duration, err error)
}

type attempt struct {
	reason    string
	startedAt time.Time
	sinks     []Sink
}

// Coordinator holds the current key store for one endpoint.
type Coordinator struct {
	source   Source
	endpoint string

	minInterval  time.Duration
	fetchTimeout time.Duration
	now          func() time.Time
	logger       *zap.Logger
	metrics      Metrics

	current atomic.Pointer[keystore.Store]

	// mu guards the Idle/Fetching transition. Current never takes it.
	mu          sync.Mutex
	running     *attempt // nil while idle
	lastAttempt time.Time
	lastSuccess time.Time

	subMu  sync.Mutex
	subs   map[int]Sink
	nextID int
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithMinInterval rejects refresh requests arriving sooner than d after the
// previous attempt completed. Zero disables the check.
func WithMinInterval(d time.Duration) Option {
	return func(c *Coordinator) { c.minInterval = d }
}

// WithFetchTimeout bounds each attempt. Non-positive values keep the default.
func WithFetchTimeout(d time.Duration) Option {
	return func(c *Coordinator) {
		if d > 0 {
			c.fetchTimeout = d
		}
	}
}

// WithInitialStore seeds the committed store.
func WithInitialStore(s *keystore.Store) Option {
	return func(c *Coordinator) {
		if s != nil {
			c.current.Store(s)
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(c *Coordinator) {
		if now != nil {
			c.now = now
		}
	}
}

func WithLogger(l *zap.Logger) Option {
	return func(c *Coordinator) {
		if l != nil {
			c.logger = l
		}
	}
}

func WithMetrics(m Metrics) Option {
	return func(c *Coordinator) { c.metrics = m }
}

// New returns a coordinator for endpoint whose store starts empty unless
// WithInitialStore is given. No I/O happens until a refresh is requested.
func New(source Source, endpoint string, opts ...Option) *Coordinator {
	c := &Coordinator{
		source:       source,
		endpoint:     endpoint,
		fetchTimeout: defaultFetchTimeout,
		now:          time.Now,
		logger:       zap.NewNop(),
		subs:         make(map[int]Sink),
	}
	c.current.Store(keystore.Empty())
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Endpoint returns the JWKS URL this coordinator refreshes from.
func (c *Coordinator) Endpoint() string { return c.endpoint }

// Current returns the latest committed store. It never blocks and never
// returns nil.
func (c *Coordinator) Current() *keystore.Store { return c.current.Load() }

// State returns a snapshot of the refresh bookkeeping.
func (c *Coordinator) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return State{
		InFlight:      c.running != nil,
		LastAttemptAt: c.lastAttempt,
		LastSuccessAt: c.lastSuccess,
	}
}

// RequestRefresh triggers an asynchronous refresh and returns immediately.
//
// While a fetch is running the request is coalesced into it and every
// supplied sink is notified with the shared outcome. A request inside the
// minimum interval is throttled and its sinks receive ErrThrottled right
// away. ctx only contributes values; cancelling it does not abort the fetch.
func (c *Coordinator) RequestRefresh(ctx context.Context, reason string, sinks ...Sink) Decision {
	return c.request(ctx, nil, reason, sinks)
}

// RequestRefreshSince is RequestRefresh for a caller that observed seen as the
// committed store. If a refresh has committed a different store since, nothing
// is fetched and the sinks receive the current store immediately.
func (c *Coordinator) RequestRefreshSince(ctx context.Context, seen *keystore.Store, reason string, sinks ...Sink) Decision {
	return c.request(ctx, seen, reason, sinks)
}

func (c *Coordinator) request(ctx context.Context, seen *keystore.Store, reason string, sinks []Sink) Decision {
	c.mu.Lock()
	if cur := c.current.Load(); seen != nil && cur != seen {
		c.mu.Unlock()
		now := c.now()
		deliver(sinks, Outcome{Reason: reason, Store: cur, StartedAt: now, FinishedAt: now})
		return Superseded
	}
	if a := c.running; a != nil {
		for _, s := range sinks {
			if s != nil {
				a.sinks = append(a.sinks, coalescedSink(s))
			}
		}
		c.mu.Unlock()
		if c.metrics != nil {
			c.metrics.RefreshCoalesced()
		}
		c.logger.Debug("jwks refresh already in flight",
			zap.String("endpoint", c.endpoint), zap.String("reason", reason))
		return Coalesced
	}

	now := c.now()
	if c.minInterval > 0 && !c.lastAttempt.IsZero() && now.Sub(c.lastAttempt) < c.minInterval {
		c.mu.Unlock()
		if c.metrics != nil {
			c.metrics.RefreshThrottled()
		}
		c.logger.Debug("jwks refresh throttled",
			zap.String("endpoint", c.endpoint), zap.String("reason", reason))
		deliver(sinks, Outcome{Reason: reason, Store: c.Current(), Err: ErrThrottled, StartedAt: now, FinishedAt: now})
		return Throttled
	}

	a := &attempt{reason: reason, startedAt: now}
	for _, s := range sinks {
		if s != nil {
			a.sinks = append(a.sinks, s)
		}
	}
	c.running = a
	c.lastAttempt = now
	c.mu.Unlock()

	if c.metrics != nil {
		c.metrics.RefreshStarted()
	}
	c.logger.Info("refreshing JWKS",
		zap.String("endpoint", c.endpoint), zap.String("reason", reason))

	go c.run(context.WithoutCancel(ctx), a)
	return Started
}

func deliver(sinks []Sink, o Outcome) {
	for _, s := range sinks {
		if s != nil {
			s(o)
		}
	}
}

func coalescedSink(s Sink) Sink {
	return func(o Outcome) {
		o.Coalesced = true
		s(o)
	}
}

func (c *Coordinator) run(ctx context.Context, a *attempt) {
	ctx, cancel := context.WithTimeout(ctx, c.fetchTimeout)
	defer cancel()

	store, err := c.source.Fetch(ctx, c.endpoint)
	if err == nil && store == nil {
		err = errors.New("source returned no store")
	}

	c.mu.Lock()
	finished := c.now()
	c.lastAttempt = finished
	if err == nil {
		c.current.Store(store)
		c.lastSuccess = finished
	}
	c.running = nil
	sinks := a.sinks
	a.sinks = nil
	c.mu.Unlock()

	if err == nil {
		c.logger.Info("JWKS refreshed",
			zap.String("endpoint", c.endpoint),
			zap.String("reason", a.reason),
			zap.Strings("kids", store.IDs()))
	} else {
		c.logger.Warn("refresh JWKS failed",
			zap.String("endpoint", c.endpoint),
			zap.String("reason", a.reason),
			zap.Error(err))
	}
	if c.metrics != nil {
		c.metrics.RefreshCompleted(finished.Sub(a.startedAt), err)
	}

	out := Outcome{
		Reason:     a.reason,
		Store:      c.Current(),
		Err:        err,
		StartedAt:  a.startedAt,
		FinishedAt: finished,
	}
	for _, s := range sinks {
		s(out)
	}
	for _, s := range c.subscribers() {
		s(out)
	}
}

// Refresh requests a refresh and waits for the outcome of the attempt it
// started or joined. It returns ErrThrottled inside the minimum interval and
// ctx.Err() if ctx ends first; the attempt itself keeps running.
func (c *Coordinator) Refresh(ctx context.Context, reason string) error {
	done := make(chan Outcome, 1)
	c.RequestRefresh(ctx, reason, func(o Outcome) { done <- o })
	select {
	case o := <-done:
		return o.Err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// RefreshIfStale requests a refresh when policy reports the current store
// stale. The returned decision is zero when no refresh was needed.
func (c *Coordinator) RefreshIfStale(ctx context.Context, policy keystore.StalenessPolicy) Decision {
	if policy == nil || !policy.Stale(c.Current(), c.now()) {
		return 0
	}
	return c.RequestRefresh(ctx, "stale key set")
}

// Subscribe registers a sink invoked after every completed attempt. The
// returned function removes it.
func (c *Coordinator) Subscribe(s Sink) (unsubscribe func()) {
	if s == nil {
		return func() {}
	}
	c.subMu.Lock()
	id := c.nextID
	c.nextID++
	c.subs[id] = s
	c.subMu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			c.subMu.Lock()
			delete(c.subs, id)
			c.subMu.Unlock()
		})
	}
}

func (c *Coordinator) subscribers() []Sink {
	c.subMu.Lock()
	defer c.subMu.Unlock()
	out := make([]Sink, 0, len(c.subs))
	for _, s := range c.subs {
		out = append(out, s)
	}
	return out
}
