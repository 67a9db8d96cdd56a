// Package notify decides what happens when a token names a key id that the
// current key store does not hold.
//
// Notifiers are called on the validation path and must return promptly; the
// default strategy only schedules a refresh and never waits for it.
package notify

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/keksclan/goRotate/internal/cache"
	"github.com/keksclan/goRotate/internal/keystore"
	"github.com/keksclan/goRotate/internal/refresh"
	"go.uber.org/zap"
)

// Notifier reacts to a missing key id. kid may be empty when the token
// header carried none.
type Notifier interface {
	OnMissingKey(ctx context.Context, kid string)
}

// Func adapts a function to Notifier.
type Func func(ctx context.Context, kid string)

func (f Func) OnMissingKey(ctx context.Context, kid string) { f(ctx, kid) }

// Requester is the part of *refresh.Coordinator the refresh strategy needs.
type Requester interface {
	RequestRefresh(ctx context.Context, reason string, sinks ...refresh.Sink) refresh.Decision
}

// sinceRequester is implemented by requesters that can skip a fetch when the
// store has already moved on.
type sinceRequester interface {
	RequestRefreshSince(ctx context.Context, seen *keystore.Store, reason string, sinks ...refresh.Sink) refresh.Decision
}

type observedKey struct{}

// WithObservedStore records the store a failed lookup was made against.
func WithObservedStore(ctx context.Context, s *keystore.Store) context.Context {
	return context.WithValue(ctx, observedKey{}, s)
}

// ObservedStore returns the store recorded by WithObservedStore, or nil.
func ObservedStore(ctx context.Context) *keystore.Store {
	s, _ := ctx.Value(observedKey{}).(*keystore.Store)
	return s
}

// Waiter lets a caller wait for the refresh a notifier requested on its
// behalf. Only the refresh strategy attaches to it; with any other strategy,
// or when the throttle suppressed the notification, Requested stays false.
type Waiter struct {
	requested atomic.Bool
	done      chan refresh.Outcome
}

func NewWaiter() *Waiter {
	return &Waiter{done: make(chan refresh.Outcome, 1)}
}

type waiterKey struct{}

// WithWaiter attaches w to ctx for the notifiers called with it.
func WithWaiter(ctx context.Context, w *Waiter) context.Context {
	return context.WithValue(ctx, waiterKey{}, w)
}

func waiterFrom(ctx context.Context) *Waiter {
	w, _ := ctx.Value(waiterKey{}).(*Waiter)
	return w
}

// Requested reports whether a refresh was requested for the waiter.
func (w *Waiter) Requested() bool { return w.requested.Load() }

// Done delivers the outcome of the requested refresh.
func (w *Waiter) Done() <-chan refresh.Outcome { return w.done }

func (w *Waiter) sink() refresh.Sink {
	w.requested.Store(true)
	return func(o refresh.Outcome) {
		select {
		case w.done <- o:
		default:
		}
	}
}

// Reason formats the refresh reason recorded for a missing kid.
func Reason(kid string) string { return "missing key " + kid }

type refresher struct {
	r      Requester
	logger *zap.Logger
}

// Refresh returns the default strategy: every missing kid requests an
// asynchronous refresh. Concurrent requests collapse into one fetch inside
// the coordinator.
func Refresh(r Requester, logger *zap.Logger) Notifier {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &refresher{r: r, logger: logger}
}

func (n *refresher) OnMissingKey(ctx context.Context, kid string) {
	sink := func(o refresh.Outcome) {
		if o.Err != nil {
			n.logger.Debug("refresh for missing key did not complete",
				zap.String("kid", kid), zap.Error(o.Err))
		}
	}
	sinks := []refresh.Sink{sink}
	if w := waiterFrom(ctx); w != nil {
		sinks = append(sinks, w.sink())
	}
	var d refresh.Decision
	if sr, ok := n.r.(sinceRequester); ok && ObservedStore(ctx) != nil {
		d = sr.RequestRefreshSince(ctx, ObservedStore(ctx), Reason(kid), sinks...)
	} else {
		d = n.r.RequestRefresh(ctx, Reason(kid), sinks...)
	}
	n.logger.Debug("missing key", zap.String("kid", kid), zap.Stringer("decision", d))
}

// Reject returns the hard-fail strategy: the token is rejected and the key
// set is left alone.
func Reject() Notifier {
	return Func(func(context.Context, string) {})
}

type multi []Notifier

// Multi fans a notification out to every non-nil notifier in order.
func Multi(ns ...Notifier) Notifier {
	out := make(multi, 0, len(ns))
	for _, n := range ns {
		if n != nil {
			out = append(out, n)
		}
	}
	return out
}

func (m multi) OnMissingKey(ctx context.Context, kid string) {
	for _, n := range m {
		n.OnMissingKey(ctx, kid)
	}
}

type throttled struct {
	next Notifier
	c    cache.Cache
	ttl  time.Duration
}

// Throttle forwards a kid to next at most once per ttl. Tokens carrying
// random key ids would otherwise keep the refresh path busy.
func Throttle(next Notifier, c cache.Cache, ttl time.Duration) Notifier {
	if c == nil || ttl <= 0 {
		return next
	}
	return &throttled{next: next, c: c, ttl: ttl}
}

func (t *throttled) OnMissingKey(ctx context.Context, kid string) {
	if !t.c.Remember("missing-kid:"+kid, t.ttl) {
		return
	}
	t.next.OnMissingKey(ctx, kid)
}
