package refresh

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/keksclan/goRotate/internal/jwk"
	"github.com/keksclan/goRotate/internal/jwktest"
	"github.com/keksclan/goRotate/internal/keystore"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
)

const endpoint = "https://issuer.test/oauth/jwks"

func newCoordinator(t *testing.T, tr *jwktest.Transport, opts ...Option) *Coordinator {
	t.Helper()
	f := jwk.NewFetcher(jwk.WithHTTPClient(tr.Client()))
	return New(f, endpoint, opts...)
}

func waitOutcome(t *testing.T, ch <-chan Outcome) Outcome {
	t.Helper()
	select {
	case o := <-ch:
		return o
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for refresh outcome")
		return Outcome{}
	}
}

func TestNewStartsEmpty(t *testing.T) {
	c := newCoordinator(t, jwktest.NewTransport())
	require.NotNil(t, c.Current())
	assert.Equal(t, 0, c.Current().Len())
	assert.False(t, c.State().InFlight)
}

func TestRefreshCommitsStore(t *testing.T) {
	tr := jwktest.NewTransport(jwktest.JSON([]byte(jwktest.FixtureJWKS), ""))
	c := newCoordinator(t, tr)

	require.NoError(t, c.Refresh(t.Context(), "initial load"))
	assert.Equal(t, []string{"1"}, c.Current().IDs())

	st := c.State()
	assert.False(t, st.InFlight)
	assert.False(t, st.LastAttemptAt.IsZero())
	assert.False(t, st.LastSuccessAt.IsZero())
}

func TestConcurrentRequestsCoalesce(t *testing.T) {
	kp1 := jwktest.NewRSAKey(t, "1")
	kp2 := jwktest.NewRSAKey(t, "2")
	gate := make(chan struct{})
	served := make(chan struct{})
	resp := jwktest.JSON(jwktest.Document(t, kp1, kp2), "")
	resp.Gate = gate
	resp.OnServe = func(*http.Request) { close(served) }
	tr := jwktest.NewTransport(resp)

	c := newCoordinator(t, tr)
	outcomes := make(chan Outcome, 10)
	sink := func(o Outcome) { outcomes <- o }

	assert.Equal(t, Started, c.RequestRefresh(t.Context(), "missing key 2", sink))
	<-served

	var g errgroup.Group
	for range 9 {
		g.Go(func() error {
			if d := c.RequestRefresh(t.Context(), "missing key 2", sink); d != Coalesced {
				return errors.New("expected coalesced, got " + d.String())
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())

	// The new kid is not visible while the fetch is still pending.
	assert.Equal(t, 0, c.Current().Len())
	assert.True(t, c.State().InFlight)

	close(gate)
	coalesced := 0
	for range 10 {
		o := waitOutcome(t, outcomes)
		require.NoError(t, o.Err)
		assert.Equal(t, []string{"1", "2"}, o.Store.IDs())
		if o.Coalesced {
			coalesced++
		}
	}
	assert.Equal(t, 9, coalesced)
	assert.Equal(t, 1, tr.Calls())
	assert.Equal(t, 1, tr.MaxConcurrent())
	assert.Empty(t, tr.Overflow())

	_, err := c.Current().Lookup("2")
	assert.NoError(t, err)
}

func TestFailedRefreshKeepsStore(t *testing.T) {
	tests := []struct {
		name string
		resp jwktest.Response
		want error
	}{
		{name: "network", resp: jwktest.Response{Err: errors.New("connection reset")}, want: jwk.ErrNetwork},
		{name: "status", resp: jwktest.Response{Status: http.StatusBadGateway}, want: jwk.ErrNetwork},
		{name: "parse", resp: jwktest.JSON([]byte("<html>"), ""), want: jwk.ErrParse},
		{name: "empty", resp: jwktest.JSON([]byte(`{"keys":[]}`), ""), want: jwk.ErrEmptyKeySet},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			tr := jwktest.NewTransport(jwktest.JSON([]byte(jwktest.FixtureJWKS), ""), tc.resp)
			c := newCoordinator(t, tr)
			require.NoError(t, c.Refresh(t.Context(), "initial load"))
			before := c.Current()

			err := c.Refresh(t.Context(), "missing key 2")
			require.ErrorIs(t, err, tc.want)
			assert.Same(t, before, c.Current())
			assert.True(t, before.Equal(c.Current()))
			assert.False(t, c.State().InFlight)
		})
	}
}

func TestRefreshAfterParseFailure(t *testing.T) {
	kp := jwktest.NewRSAKey(t, "2")
	tr := jwktest.NewTransport(
		jwktest.JSON([]byte(jwktest.FixtureJWKS), ""),
		jwktest.JSON([]byte("garbage"), ""),
		jwktest.JSON(jwktest.Document(t, kp), ""),
	)
	c := newCoordinator(t, tr)
	require.NoError(t, c.Refresh(t.Context(), "initial load"))
	require.ErrorIs(t, c.Refresh(t.Context(), "missing key 2"), jwk.ErrParse)
	require.NoError(t, c.Refresh(t.Context(), "missing key 2"))
	assert.Equal(t, []string{"2"}, c.Current().IDs())
	assert.Equal(t, 3, tr.Calls())
}

func TestMinIntervalThrottles(t *testing.T) {
	clock := jwktest.NewClock(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))
	tr := jwktest.NewTransport(
		jwktest.JSON([]byte(jwktest.FixtureJWKS), ""),
		jwktest.JSON([]byte(jwktest.FixtureJWKS), ""),
	)
	c := newCoordinator(t, tr, WithMinInterval(30*time.Second), WithClock(clock.Now))
	require.NoError(t, c.Refresh(t.Context(), "initial load"))

	clock.Advance(10 * time.Second)
	var got Outcome
	d := c.RequestRefresh(t.Context(), "missing key 9", func(o Outcome) { got = o })
	assert.Equal(t, Throttled, d)
	assert.ErrorIs(t, got.Err, ErrThrottled)
	assert.ErrorIs(t, c.Refresh(t.Context(), "missing key 9"), ErrThrottled)
	assert.Equal(t, 1, tr.Calls())

	clock.Advance(25 * time.Second)
	require.NoError(t, c.Refresh(t.Context(), "missing key 9"))
	assert.Equal(t, 2, tr.Calls())
}

func TestMinIntervalCountsFromCompletion(t *testing.T) {
	clock := jwktest.NewClock(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))
	gate := make(chan struct{})
	served := make(chan struct{})
	slow := jwktest.JSON(nil, "")
	slow.Status = http.StatusBadGateway
	slow.Gate = gate
	slow.OnServe = func(*http.Request) { close(served) }
	tr := jwktest.NewTransport(slow, jwktest.JSON([]byte(jwktest.FixtureJWKS), ""))
	c := newCoordinator(t, tr, WithMinInterval(30*time.Second), WithClock(clock.Now))

	done := make(chan Outcome, 1)
	require.Equal(t, Started, c.RequestRefresh(t.Context(), "missing key 2", func(o Outcome) { done <- o }))
	<-served
	clock.Advance(40 * time.Second)
	close(gate)
	require.ErrorIs(t, waitOutcome(t, done).Err, jwk.ErrNetwork)
	assert.Equal(t, clock.Now(), c.State().LastAttemptAt)

	clock.Advance(10 * time.Second)
	assert.Equal(t, Throttled, c.RequestRefresh(t.Context(), "missing key 2"))

	clock.Advance(25 * time.Second)
	require.NoError(t, c.Refresh(t.Context(), "missing key 2"))
	assert.Equal(t, 2, tr.Calls())
}

func TestCallerCancellationDoesNotAbortFetch(t *testing.T) {
	gate := make(chan struct{})
	served := make(chan struct{})
	resp := jwktest.JSON([]byte(jwktest.FixtureJWKS), "")
	resp.Gate = gate
	resp.OnServe = func(*http.Request) { close(served) }
	c := newCoordinator(t, jwktest.NewTransport(resp))

	ctx, cancel := context.WithCancel(t.Context())
	outcomes := make(chan Outcome, 1)
	c.RequestRefresh(ctx, "initial load", func(o Outcome) { outcomes <- o })
	<-served
	cancel()
	close(gate)

	o := waitOutcome(t, outcomes)
	require.NoError(t, o.Err)
	assert.Equal(t, []string{"1"}, c.Current().IDs())
}

func TestRefreshReturnsOnContextDone(t *testing.T) {
	gate := make(chan struct{})
	defer close(gate)
	resp := jwktest.JSON([]byte(jwktest.FixtureJWKS), "")
	resp.Gate = gate
	c := newCoordinator(t, jwktest.NewTransport(resp))

	ctx, cancel := context.WithTimeout(t.Context(), 50*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, c.Refresh(ctx, "initial load"), context.DeadlineExceeded)
}

func TestFetchTimeout(t *testing.T) {
	gate := make(chan struct{})
	defer close(gate)
	resp := jwktest.JSON([]byte(jwktest.FixtureJWKS), "")
	resp.Gate = gate
	c := newCoordinator(t, jwktest.NewTransport(resp), WithFetchTimeout(50*time.Millisecond))

	err := c.Refresh(t.Context(), "initial load")
	require.ErrorIs(t, err, jwk.ErrNetwork)
	assert.Equal(t, 0, c.Current().Len())
}

func TestSubscribe(t *testing.T) {
	tr := jwktest.NewTransport(
		jwktest.JSON([]byte(jwktest.FixtureJWKS), ""),
		jwktest.JSON([]byte(jwktest.FixtureJWKS), ""),
	)
	c := newCoordinator(t, tr)

	var mu sync.Mutex
	var reasons []string
	unsubscribe := c.Subscribe(func(o Outcome) {
		mu.Lock()
		defer mu.Unlock()
		reasons = append(reasons, o.Reason)
	})

	require.NoError(t, c.Refresh(t.Context(), "first"))
	unsubscribe()
	unsubscribe()
	require.NoError(t, c.Refresh(t.Context(), "second"))

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"first"}, reasons)
}

func TestRefreshIfStale(t *testing.T) {
	clock := jwktest.NewClock(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))
	tr := jwktest.NewTransport(
		jwktest.JSON([]byte(jwktest.FixtureJWKS), "max-age=5"),
		jwktest.JSON([]byte(jwktest.FixtureJWKS), "max-age=5"),
	)
	f := jwk.NewFetcher(jwk.WithHTTPClient(tr.Client()), jwk.WithClock(clock.Now))
	c := New(f, endpoint, WithClock(clock.Now))
	require.NoError(t, c.Refresh(t.Context(), "initial load"))

	policy := keystore.EventDriven{}
	clock.Advance(3 * time.Second)
	assert.Equal(t, Decision(0), c.RefreshIfStale(t.Context(), policy))

	clock.Advance(3 * time.Second)
	outcomes := make(chan Outcome, 1)
	c.Subscribe(func(o Outcome) { outcomes <- o })
	assert.Equal(t, Started, c.RefreshIfStale(t.Context(), policy))
	o := waitOutcome(t, outcomes)
	require.NoError(t, o.Err)
	assert.Equal(t, "stale key set", o.Reason)
	assert.Equal(t, 2, tr.Calls())
}

type recordingMetrics struct {
	mu                                    sync.Mutex
	started, coalesced, throttled, failed int
}

func (m *recordingMetrics) RefreshStarted()   { m.mu.Lock(); m.started++; m.mu.Unlock() }
func (m *recordingMetrics) RefreshCoalesced() { m.mu.Lock(); m.coalesced++; m.mu.Unlock() }
func (m *recordingMetrics) RefreshThrottled() { m.mu.Lock(); m.throttled++; m.mu.Unlock() }
func (m *recordingMetrics) RefreshCompleted(_ time.Duration, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err != nil {
		m.failed++
	}
}

func TestMetricsHooks(t *testing.T) {
	m := &recordingMetrics{}
	src := SourceFunc(func(context.Context, string) (*keystore.Store, error) {
		return nil, errors.New("boom")
	})
	c := New(src, endpoint, WithMetrics(m), WithMinInterval(time.Hour))

	require.Error(t, c.Refresh(t.Context(), "first"))
	assert.ErrorIs(t, c.Refresh(t.Context(), "second"), ErrThrottled)

	m.mu.Lock()
	defer m.mu.Unlock()
	assert.Equal(t, 1, m.started)
	assert.Equal(t, 1, m.failed)
	assert.Equal(t, 1, m.throttled)
}

func TestNilStoreIsAFailure(t *testing.T) {
	src := SourceFunc(func(context.Context, string) (*keystore.Store, error) { return nil, nil })
	c := New(src, endpoint)
	require.Error(t, c.Refresh(t.Context(), "first"))
	require.NotNil(t, c.Current())
}

func TestDecisionString(t *testing.T) {
	assert.Equal(t, "started", Started.String())
	assert.Equal(t, "coalesced", Coalesced.String())
	assert.Equal(t, "throttled", Throttled.String())
	assert.Equal(t, "superseded", Superseded.String())
	assert.Equal(t, "unknown", Decision(0).String())
}

func TestRequestRefreshSince(t *testing.T) {
	tr := jwktest.NewTransport(
		jwktest.JSON([]byte(jwktest.FixtureJWKS), ""),
		jwktest.JSON([]byte(jwktest.FixtureJWKS), ""),
	)
	c := newCoordinator(t, tr)
	seen := c.Current()
	require.NoError(t, c.Refresh(t.Context(), "initial load"))

	got := make(chan Outcome, 1)
	d := c.RequestRefreshSince(t.Context(), seen, "missing key 2", func(o Outcome) { got <- o })
	assert.Equal(t, Superseded, d)
	o := waitOutcome(t, got)
	require.NoError(t, o.Err)
	assert.Same(t, c.Current(), o.Store)
	assert.Equal(t, 1, tr.Calls())

	d = c.RequestRefreshSince(t.Context(), c.Current(), "missing key 2", func(o Outcome) { got <- o })
	assert.Equal(t, Started, d)
	require.NoError(t, waitOutcome(t, got).Err)
	assert.Equal(t, 2, tr.Calls())
}
