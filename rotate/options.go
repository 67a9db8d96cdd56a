package rotate

import (
	"context"
	"net/http"
	"time"

	"github.com/keksclan/goRotate/internal/keystore"
	"github.com/keksclan/goRotate/internal/oauth/jwt"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

// Cache backs the per-kid missing-key throttle. Remember reports whether key
// was not already recorded within its ttl.
type Cache interface {
	Remember(key string, ttl time.Duration) bool
	Forget(key string)
}

// Notifier reacts to a token naming an unknown kid.
type Notifier interface {
	OnMissingKey(ctx context.Context, kid string)
}

// SignatureChecker verifies a token against the key selected by its kid.
type SignatureChecker = jwt.SignatureChecker

// Claims is the parsed claim set handed back by a SignatureChecker.
type Claims = jwt.Claims

// Key is a verification key held in the current key set.
type Key = keystore.Key

type Option func(*Engine)

// WithHTTPClient sets the client used to fetch the JWKS document.
func WithHTTPClient(c *http.Client) Option {
	return func(e *Engine) { e.httpc = c }
}

func WithLogger(l *zap.Logger) Option {
	return func(e *Engine) {
		if l != nil {
			e.logger = l
		}
	}
}

// WithNotifier replaces the configured MissingKeyPolicy with n.
func WithNotifier(n Notifier) Option {
	return func(e *Engine) { e.notifier = n }
}

// WithMetrics registers refresh and validation metrics on reg.
func WithMetrics(reg prometheus.Registerer) Option {
	return func(e *Engine) { e.registerer = reg }
}

// WithCache sets the cache used by MissingKeyThrottle.
func WithCache(c Cache) Option {
	return func(e *Engine) { e.cache = c }
}

// WithClock overrides the time source for fetch timestamps, staleness and
// token time claims.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		if now != nil {
			e.now = now
		}
	}
}

// WithSignatureChecker replaces the golang-jwt based checker.
func WithSignatureChecker(c SignatureChecker) Option {
	return func(e *Engine) { e.checker = c }
}

// WithKeepRawToken stores the verified token in Result.RawToken.
func WithKeepRawToken() Option {
	return func(e *Engine) { e.keepRawToken = true }
}
