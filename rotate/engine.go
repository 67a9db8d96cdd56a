// Package rotate verifies JWTs against a remote JWKS endpoint and rotates the
// cached key set when a token references a key id it does not know.
//
// Key lookups never block. A token with an unknown kid fails immediately with
// ErrMissingKey while a single, coalesced background refresh fetches the new
// key set; VerifyWait is the variant that waits for that refresh.
package rotate

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"sync"
	"time"

	icache "github.com/keksclan/goRotate/internal/cache"
	"github.com/keksclan/goRotate/internal/claimscript"
	"github.com/keksclan/goRotate/internal/jwk"
	"github.com/keksclan/goRotate/internal/keystore"
	"github.com/keksclan/goRotate/internal/metrics"
	"github.com/keksclan/goRotate/internal/notify"
	"github.com/keksclan/goRotate/internal/oauth/jwt"
	"github.com/keksclan/goRotate/internal/refresh"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

type (
	RefreshOutcome  = refresh.Outcome
	RefreshDecision = refresh.Decision
	RefreshState    = refresh.State
)

const (
	RefreshStarted   = refresh.Started
	RefreshCoalesced = refresh.Coalesced
	RefreshThrottled = refresh.Throttled
)

// ErrThrottled is reported when a refresh is refused by MinRefreshInterval.
var ErrThrottled = refresh.ErrThrottled

// Result contains the verified token's key id and claims.
//
// Concurrency: Result is immutable once returned.
type Result struct {
	KeyID     string
	Subject   string
	Issuer    string
	Audience  []string
	Scopes    []string
	ExpiresAt time.Time
	Claims    map[string]any
	RawToken  string
}

// Engine is safe for concurrent use.
type Engine struct {
	cfg          Config
	httpc        *http.Client
	logger       *zap.Logger
	cache        Cache
	ownedCache   *icache.RistrettoCache
	notifier     Notifier
	registerer   prometheus.Registerer
	checker      SignatureChecker
	now          func() time.Time
	keepRawToken bool

	coord     *refresh.Coordinator
	verifier  *jwt.Verifier
	staleness keystore.StalenessPolicy
	script    *claimscript.Script

	hooksMu      sync.RWMutex
	missingHooks []func(ctx context.Context, kid string)
}

// New builds an Engine. It performs no I/O: the key set starts empty and is
// fetched by Load or by the first token naming a kid.
func New(cfg Config, opts ...Option) (*Engine, error) {
	cfg.setDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	e := &Engine{cfg: cfg, logger: zap.NewNop(), now: time.Now}
	for _, opt := range opts {
		opt(e)
	}
	script, err := cfg.Policies.compile()
	if err != nil {
		return nil, err
	}
	e.script = script
	logger := e.logger.With(zap.String("jwks_url", cfg.JWKSURL))

	var collector *metrics.Collector
	if e.registerer != nil {
		collector = metrics.New("rotate")
		if err := collector.Register(e.registerer); err != nil {
			return nil, fmt.Errorf("register metrics: %w", err)
		}
	}

	fetcher := jwk.NewFetcher(
		jwk.WithHTTPClient(e.httpc),
		jwk.WithAuth(jwk.AuthConfig{
			Kind:        jwk.AuthKind(cfg.JWKS.Auth.Kind),
			Username:    cfg.JWKS.Auth.Username,
			Password:    cfg.JWKS.Auth.Password,
			BearerToken: cfg.JWKS.Auth.BearerToken,
			HeaderName:  cfg.JWKS.Auth.HeaderName,
			HeaderValue: cfg.JWKS.Auth.HeaderValue,
		}),
		jwk.WithExtraHeaders(cfg.JWKS.ExtraHeaders),
		jwk.WithLogger(logger),
		jwk.WithClock(e.now),
	)

	coordOpts := []refresh.Option{
		refresh.WithMinInterval(cfg.MinRefreshInterval),
		refresh.WithFetchTimeout(cfg.FetchTimeout),
		refresh.WithClock(e.now),
		refresh.WithLogger(logger),
	}
	if collector != nil {
		coordOpts = append(coordOpts, refresh.WithMetrics(collector))
	}
	e.coord = refresh.New(fetcher, cfg.JWKSURL, coordOpts...)
	if collector != nil {
		e.coord.Subscribe(func(o refresh.Outcome) { collector.SetKeys(o.Store.Len()) })
	}

	switch cfg.Staleness {
	case StalenessInterval:
		e.staleness = keystore.Interval{Every: cfg.PollInterval}
	default:
		e.staleness = keystore.EventDriven{MinRefreshInterval: cfg.MinRefreshInterval}
	}

	policy, err := e.missingKeyNotifier(logger)
	if err != nil {
		return nil, err
	}

	if e.checker == nil {
		e.checker = jwt.NewChecker(jwt.CheckerConfig{
			Issuer:            cfg.Issuer,
			Audience:          cfg.Audience,
			AudienceRule:      cfg.AudienceRule,
			AllowedAlgs:       cfg.AllowedAlgs,
			ClockSkew:         cfg.ClockSkew,
			RequireExpiration: cfg.RequireExpiration,
			Now:               e.now,
		})
	}
	verifierOpts := []jwt.VerifierOption{
		jwt.WithNotifier(notify.Multi(notify.Func(e.runMissingHooks), policy)),
		jwt.WithLogger(logger),
	}
	if collector != nil {
		verifierOpts = append(verifierOpts, jwt.WithMetrics(collector))
	}
	e.verifier = jwt.NewVerifier(e.coord, e.checker, verifierOpts...)
	return e, nil
}

func (e *Engine) missingKeyNotifier(logger *zap.Logger) (notify.Notifier, error) {
	var n notify.Notifier
	switch {
	case e.notifier != nil:
		n = e.notifier
	case e.cfg.MissingKeyPolicy == MissingKeyReject:
		n = notify.Reject()
	default:
		n = notify.Refresh(e.coord, logger)
	}
	if e.cfg.MissingKeyThrottle <= 0 {
		return n, nil
	}
	if e.cache == nil {
		rc, err := icache.NewDefault()
		if err != nil {
			return nil, err
		}
		e.cache = rc
		e.ownedCache = rc
	}
	return notify.Throttle(n, e.cache, e.cfg.MissingKeyThrottle), nil
}

// Load fetches the key set and waits for the result. Use it at startup for
// eager loading; without it the first token triggers the fetch.
func (e *Engine) Load(ctx context.Context) error {
	if err := e.coord.Refresh(ctx, "initial load"); err != nil {
		return fmt.Errorf("load JWKS: %w", err)
	}
	return nil
}

// Refresh forces a fetch and waits for it (or joins the one in flight).
func (e *Engine) Refresh(ctx context.Context) error {
	return e.coord.Refresh(ctx, "manual refresh")
}

// RequestRefresh schedules a refresh without waiting. sink, when non-nil,
// receives the outcome of the attempt this request started or joined.
func (e *Engine) RequestRefresh(ctx context.Context, reason string, sink func(RefreshOutcome)) RefreshDecision {
	if sink == nil {
		return e.coord.RequestRefresh(ctx, reason)
	}
	return e.coord.RequestRefresh(ctx, reason, sink)
}

// OnMissingKey registers fn to run, on the verifying goroutine, whenever a
// token names an unknown kid. It runs in addition to the missing-key policy.
func (e *Engine) OnMissingKey(fn func(ctx context.Context, kid string)) {
	if fn == nil {
		return
	}
	e.hooksMu.Lock()
	e.missingHooks = append(e.missingHooks, fn)
	e.hooksMu.Unlock()
}

func (e *Engine) runMissingHooks(ctx context.Context, kid string) {
	e.hooksMu.RLock()
	hooks := e.missingHooks
	e.hooksMu.RUnlock()
	for _, fn := range hooks {
		fn(ctx, kid)
	}
}

// OnRefresh subscribes fn to every completed refresh attempt.
func (e *Engine) OnRefresh(fn func(RefreshOutcome)) (unsubscribe func()) {
	return e.coord.Subscribe(fn)
}

// Keys returns the current key set sorted by kid.
func (e *Engine) Keys() []Key {
	m := e.coord.Current().Keys()
	out := make([]Key, 0, len(m))
	for _, k := range m {
		out = append(out, k)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (e *Engine) State() RefreshState { return e.coord.State() }

// Verify checks token against the current key set. It never waits for a
// refresh: an unknown kid yields ErrMissingKey.
func (e *Engine) Verify(ctx context.Context, token string) (*Result, error) {
	if token == "" {
		return nil, ErrInvalidToken
	}
	e.coord.RefreshIfStale(ctx, e.staleness)

	res := e.verifier.Verify(ctx, token)
	switch res.Status {
	case jwt.StatusValid:
	case jwt.StatusMissingKey:
		return nil, fmt.Errorf("%w: kid %q", ErrMissingKey, res.KeyID)
	default:
		return nil, fmt.Errorf("%w: %w", ErrInvalidToken, res.Err)
	}

	c := res.Claims
	if err := e.cfg.Policies.Validate(c.RawMap); err != nil {
		return nil, err
	}
	if e.script != nil {
		if err := e.script.Eval(ctx, res.KeyID, c.RawMap); err != nil {
			if ctx.Err() != nil && !errors.Is(err, claimscript.ErrRejected) {
				return nil, err
			}
			return nil, fmt.Errorf("%w: %w", ErrClaimRejected, err)
		}
	}
	out := &Result{
		KeyID:     res.KeyID,
		Subject:   c.Subject,
		Issuer:    c.Issuer,
		Audience:  c.Audience,
		Scopes:    c.Scopes,
		ExpiresAt: c.ExpiresAt,
		Claims:    c.RawMap,
	}
	if e.keepRawToken {
		out.RawToken = token
	}
	return out, nil
}

// VerifyWait is Verify, except that when the missing-key policy requested a
// refresh for the token's kid it waits for that refresh (bounded by ctx) and
// verifies once more against the new set. With any other policy, or when the
// missing-key throttle suppressed the request, it returns ErrMissingKey at once.
func (e *Engine) VerifyWait(ctx context.Context, token string) (*Result, error) {
	w := notify.NewWaiter()
	res, err := e.Verify(notify.WithWaiter(ctx, w), token)
	if !errors.Is(err, ErrMissingKey) || !w.Requested() {
		return res, err
	}

	select {
	case o := <-w.Done():
		if o.Err != nil {
			return nil, fmt.Errorf("%w: refresh failed: %w", ErrMissingKey, o.Err)
		}
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	return e.Verify(ctx, token)
}

// Close releases the cache the engine created for itself.
func (e *Engine) Close() {
	if e.ownedCache != nil {
		e.ownedCache.Close()
	}
}
