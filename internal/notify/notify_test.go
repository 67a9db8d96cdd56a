package notify

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/keksclan/goRotate/internal/cache"
	"github.com/keksclan/goRotate/internal/jwk"
	"github.com/keksclan/goRotate/internal/jwktest"
	"github.com/keksclan/goRotate/internal/keystore"
	"github.com/keksclan/goRotate/internal/refresh"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeRequester struct {
	mu      sync.Mutex
	reasons []string
}

func (f *fakeRequester) RequestRefresh(_ context.Context, reason string, sinks ...refresh.Sink) refresh.Decision {
	f.mu.Lock()
	f.reasons = append(f.reasons, reason)
	f.mu.Unlock()
	for _, s := range sinks {
		s(refresh.Outcome{Reason: reason})
	}
	return refresh.Started
}

type recorder struct {
	mu   sync.Mutex
	kids []string
}

func (r *recorder) OnMissingKey(_ context.Context, kid string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.kids = append(r.kids, kid)
}

func (r *recorder) seen() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.kids...)
}

func TestRefreshRequestsWithReason(t *testing.T) {
	req := &fakeRequester{}
	n := Refresh(req, nil)
	n.OnMissingKey(t.Context(), "2")
	assert.Equal(t, []string{"missing key 2"}, req.reasons)
}

func TestRejectDoesNothing(t *testing.T) {
	assert.NotPanics(t, func() { Reject().OnMissingKey(t.Context(), "2") })
}

func TestMulti(t *testing.T) {
	a, b := &recorder{}, &recorder{}
	n := Multi(a, nil, b)
	n.OnMissingKey(t.Context(), "k")
	assert.Equal(t, []string{"k"}, a.seen())
	assert.Equal(t, []string{"k"}, b.seen())
}

func TestFunc(t *testing.T) {
	var got string
	Func(func(_ context.Context, kid string) { got = kid }).OnMissingKey(t.Context(), "7")
	assert.Equal(t, "7", got)
}

func TestThrottle(t *testing.T) {
	backends := map[string]func(t *testing.T) cache.Cache{
		"ristretto": func(t *testing.T) cache.Cache {
			c, err := cache.NewDefault()
			require.NoError(t, err)
			t.Cleanup(c.Close)
			return c
		},
		"memory": func(*testing.T) cache.Cache {
			return cache.NewMemoryCache(time.Minute, time.Minute)
		},
	}
	for name, mk := range backends {
		t.Run(name, func(t *testing.T) {
			rec := &recorder{}
			n := Throttle(rec, mk(t), time.Minute)
			n.OnMissingKey(t.Context(), "2")
			n.OnMissingKey(t.Context(), "2")
			n.OnMissingKey(t.Context(), "3")
			assert.Equal(t, []string{"2", "3"}, rec.seen())
		})
	}
}

func TestThrottleDisabled(t *testing.T) {
	rec := &recorder{}
	assert.Same(t, Notifier(rec), Throttle(rec, nil, time.Minute))
	assert.Same(t, Notifier(rec), Throttle(rec, cache.NewMemoryCache(time.Minute, time.Minute), 0))
}

func TestRefreshSkipsWhenStoreMovedOn(t *testing.T) {
	tr := jwktest.NewTransport(jwktest.JSON([]byte(jwktest.FixtureJWKS), ""))
	c := refresh.New(jwk.NewFetcher(jwk.WithHTTPClient(tr.Client())), "https://issuer.test/jwks")
	stale := c.Current()
	require.NoError(t, c.Refresh(t.Context(), "initial load"))

	n := Refresh(c, nil)
	n.OnMissingKey(WithObservedStore(t.Context(), stale), "2")
	assert.False(t, c.State().InFlight)
	assert.Equal(t, 1, tr.Calls())
	assert.Empty(t, tr.Overflow())
}

func TestObservedStore(t *testing.T) {
	assert.Nil(t, ObservedStore(t.Context()))
	s := keystore.Empty()
	assert.Same(t, s, ObservedStore(WithObservedStore(t.Context(), s)))
}

func TestWaiterAttachedOnlyByRefresh(t *testing.T) {
	w := NewWaiter()
	Refresh(&fakeRequester{}, nil).OnMissingKey(WithWaiter(t.Context(), w), "2")
	require.True(t, w.Requested())
	select {
	case o := <-w.Done():
		assert.Equal(t, "missing key 2", o.Reason)
	default:
		t.Fatal("waiter did not receive the outcome")
	}

	for name, n := range map[string]Notifier{
		"reject": Reject(),
		"custom": &recorder{},
		"throttled": Throttle(Refresh(&fakeRequester{}, nil),
			cache.NewMemoryCache(time.Minute, time.Minute), time.Minute),
	} {
		t.Run(name, func(t *testing.T) {
			if name == "throttled" {
				n.OnMissingKey(t.Context(), "2")
			}
			w := NewWaiter()
			n.OnMissingKey(WithWaiter(t.Context(), w), "2")
			assert.False(t, w.Requested())
		})
	}
}
