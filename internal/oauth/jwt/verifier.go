// Package jwt validates compact JWTs against the key store kept by a refresh
// coordinator. A token naming an unknown key id is reported as a missing key
// and handed to a notifier instead of being retried inline.
package jwt

import (
	"context"
	"errors"
	"fmt"

	"github.com/golang-jwt/jwt/v5"
	"github.com/keksclan/goRotate/internal/keystore"
	"github.com/keksclan/goRotate/internal/notify"
	"go.uber.org/zap"
)

// ErrMissingKey reports a token whose key id is not in the current store.
var ErrMissingKey = errors.New("signing key not found")

// Status is the verdict of one verification.
type Status int

const (
	StatusValid Status = iota + 1
	StatusInvalid
	StatusMissingKey
)

func (s Status) String() string {
	switch s {
	case StatusValid:
		return "valid"
	case StatusInvalid:
		return "invalid"
	case StatusMissingKey:
		return "missing_key"
	default:
		return "unknown"
	}
}

// ValidationResult carries the verdict, the key id read from the header and,
// when valid, the claims.
type ValidationResult struct {
	Status Status
	KeyID  string
	Claims *Claims
	Err    error
}

func (r ValidationResult) Valid() bool { return r.Status == StatusValid }

// KeySource exposes the committed key store. *refresh.Coordinator satisfies it.
type KeySource interface {
	Current() *keystore.Store
}

// MetricsCollector receives validation outcome counters.
// All methods must be safe for concurrent use.
// Implementations must never log or store tokens or claims.
type MetricsCollector interface {
	ValidationOK()
	ValidationFailed(reason string)
}

// Verifier is safe for concurrent use. Verify never blocks on a refresh.
type Verifier struct {
	keys     KeySource
	checker  SignatureChecker
	notifier notify.Notifier
	metrics  MetricsCollector
	logger   *zap.Logger
}

type VerifierOption func(*Verifier)

// WithNotifier replaces the missing-key strategy.
func WithNotifier(n notify.Notifier) VerifierOption {
	return func(v *Verifier) {
		if n != nil {
			v.notifier = n
		}
	}
}

func WithMetrics(m MetricsCollector) VerifierOption {
	return func(v *Verifier) { v.metrics = m }
}

func WithLogger(l *zap.Logger) VerifierOption {
	return func(v *Verifier) {
		if l != nil {
			v.logger = l
		}
	}
}

// NewVerifier builds a verifier over keys. When keys can also request
// refreshes (as *refresh.Coordinator does) the default notifier refreshes on
// a missing key; otherwise missing keys are simply rejected.
func NewVerifier(keys KeySource, checker SignatureChecker, opts ...VerifierOption) *Verifier {
	v := &Verifier{
		keys:    keys,
		checker: checker,
		logger:  zap.NewNop(),
	}
	for _, opt := range opts {
		opt(v)
	}
	if v.notifier == nil {
		if r, ok := keys.(notify.Requester); ok {
			v.notifier = notify.Refresh(r, v.logger)
		} else {
			v.notifier = notify.Reject()
		}
	}
	return v
}

// Verify resolves the token's key in the current store. On a hit the
// signature and claims are checked; on a miss the notifier is invoked once
// and StatusMissingKey is returned immediately.
func (v *Verifier) Verify(ctx context.Context, token string) ValidationResult {
	kid := KeyID(token)
	store := v.keys.Current()
	key, err := store.Lookup(kid)
	if err != nil {
		v.emitFailure(FailReasonMissingKey)
		v.logger.Debug("token references unknown key", zap.String("kid", kid))
		v.notifier.OnMissingKey(notify.WithObservedStore(ctx, store), kid)
		return ValidationResult{
			Status: StatusMissingKey,
			KeyID:  kid,
			Err:    fmt.Errorf("%w: kid %q: %w", ErrMissingKey, kid, err),
		}
	}

	claims, err := v.checker.Check(ctx, token, key)
	if err != nil {
		v.emitFailure(FailureReason(err))
		return ValidationResult{Status: StatusInvalid, KeyID: kid, Err: err}
	}
	v.emitOK()
	return ValidationResult{Status: StatusValid, KeyID: kid, Claims: claims}
}

// KeyID returns the kid header of a compact JWT without verifying it. An
// absent kid or an undecodable header yields "".
func KeyID(token string) string {
	parsed, _, _ := jwt.NewParser().ParseUnverified(token, jwt.MapClaims{})
	if parsed == nil || parsed.Header == nil {
		return ""
	}
	kid, _ := parsed.Header["kid"].(string)
	return kid
}

func (v *Verifier) emitOK() {
	if v.metrics != nil {
		v.metrics.ValidationOK()
	}
}

func (v *Verifier) emitFailure(reason string) {
	if v.metrics != nil {
		v.metrics.ValidationFailed(reason)
	}
}
