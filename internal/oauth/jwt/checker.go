package jwt

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/keksclan/goRotate/internal/keystore"
)

// defaultClockSkew is used when ClockSkew is zero.
const defaultClockSkew = 30 * time.Second

var (
	ErrAlgorithmNotAllowed = errors.New("algorithm not allowed")
	ErrAlgorithmMismatch   = errors.New("token algorithm does not match key")
	ErrAudience            = errors.New("audience not allowed")
	ErrInvalidClaims       = errors.New("invalid claims type")
)

// SignatureChecker verifies a token against the key its header selected.
type SignatureChecker interface {
	Check(ctx context.Context, token string, key keystore.Key) (*Claims, error)
}

// CheckerFunc adapts a function to SignatureChecker.
type CheckerFunc func(ctx context.Context, token string, key keystore.Key) (*Claims, error)

func (f CheckerFunc) Check(ctx context.Context, token string, key keystore.Key) (*Claims, error) {
	return f(ctx, token, key)
}

type CheckerConfig struct {
	Issuer       string
	Audience     string
	AudienceRule AudienceRule
	// AllowedAlgs restricts header algorithms. Empty allows any algorithm the
	// key material can verify.
	AllowedAlgs []string
	ClockSkew   time.Duration
	// RequireExpiration rejects tokens without exp.
	RequireExpiration bool
	// Now overrides the clock used for exp/nbf/iat.
	Now func() time.Time
}

type Claims struct {
	Subject   string
	Issuer    string
	Audience  []string
	ExpiresAt time.Time
	IssuedAt  time.Time
	NotBefore time.Time
	Scopes    []string
	RawMap    map[string]any
}

// Checker is the golang-jwt backed SignatureChecker. It is safe for
// concurrent use.
type Checker struct {
	allowed    map[string]struct{}
	audRule    AudienceRule
	parserOpts []jwt.ParserOption
}

func NewChecker(cfg CheckerConfig) *Checker {
	c := &Checker{audRule: EffectiveAudienceRule(cfg.Audience, cfg.AudienceRule)}
	if len(cfg.AllowedAlgs) > 0 {
		c.allowed = make(map[string]struct{}, len(cfg.AllowedAlgs))
		for _, alg := range cfg.AllowedAlgs {
			c.allowed[alg] = struct{}{}
		}
	}
	skew := cfg.ClockSkew
	if skew == 0 {
		skew = defaultClockSkew
	}

	c.parserOpts = []jwt.ParserOption{
		jwt.WithLeeway(skew),
		jwt.WithIssuedAt(),
	}
	if cfg.RequireExpiration {
		c.parserOpts = append(c.parserOpts, jwt.WithExpirationRequired())
	}
	if cfg.Issuer != "" {
		c.parserOpts = append(c.parserOpts, jwt.WithIssuer(cfg.Issuer))
	}
	if cfg.Now != nil {
		c.parserOpts = append(c.parserOpts, jwt.WithTimeFunc(cfg.Now))
	}
	return c
}

func (c *Checker) Check(_ context.Context, token string, key keystore.Key) (*Claims, error) {
	parsed, err := jwt.Parse(token, func(t *jwt.Token) (any, error) {
		alg := t.Method.Alg()
		if c.allowed != nil {
			if _, ok := c.allowed[alg]; !ok {
				return nil, fmt.Errorf("%w: %s", ErrAlgorithmNotAllowed, alg)
			}
		}
		if key.Algorithm != "" && key.Algorithm != alg {
			return nil, fmt.Errorf("%w: token %s, key %s", ErrAlgorithmMismatch, alg, key.Algorithm)
		}
		return key.Material, nil
	}, c.parserOpts...)
	if err != nil {
		return nil, fmt.Errorf("token validation failed: %w", err)
	}

	mapClaims, ok := parsed.Claims.(jwt.MapClaims)
	if !ok {
		return nil, ErrInvalidClaims
	}
	claims := claimsFrom(mapClaims)
	if err := c.audRule.check(claims.Audience); err != nil {
		return nil, err
	}
	return claims, nil
}

func claimsFrom(m jwt.MapClaims) *Claims {
	res := &Claims{RawMap: m}
	if sub, err := m.GetSubject(); err == nil {
		res.Subject = sub
	}
	if iss, err := m.GetIssuer(); err == nil {
		res.Issuer = iss
	}
	if aud, err := m.GetAudience(); err == nil {
		res.Audience = aud
	}
	if exp, err := m.GetExpirationTime(); err == nil && exp != nil {
		res.ExpiresAt = exp.Time
	}
	if iat, err := m.GetIssuedAt(); err == nil && iat != nil {
		res.IssuedAt = iat.Time
	}
	if nbf, err := m.GetNotBefore(); err == nil && nbf != nil {
		res.NotBefore = nbf.Time
	}
	if scope, ok := m["scope"].(string); ok {
		res.Scopes = strings.Fields(scope)
	}
	return res
}

// Failure reasons reported to MetricsCollector.
const (
	FailReasonAlg        = "alg"
	FailReasonMissingKey = "missing_key"
	FailReasonIssuer     = "iss"
	FailReasonAudience   = "aud"
	FailReasonExpired    = "exp"
	FailReasonNbf        = "nbf"
	FailReasonIat        = "iat"
	FailReasonSignature  = "signature"
	FailReasonParse      = "parse"
)

// FailureReason classifies a Check error into one of the FailReason values.
func FailureReason(err error) string {
	switch {
	case errors.Is(err, ErrAlgorithmNotAllowed), errors.Is(err, ErrAlgorithmMismatch),
		errors.Is(err, jwt.ErrInvalidKeyType):
		return FailReasonAlg
	case errors.Is(err, ErrAudience), errors.Is(err, jwt.ErrTokenInvalidAudience):
		return FailReasonAudience
	case errors.Is(err, jwt.ErrTokenInvalidIssuer):
		return FailReasonIssuer
	case errors.Is(err, jwt.ErrTokenExpired), errors.Is(err, jwt.ErrTokenRequiredClaimMissing):
		return FailReasonExpired
	case errors.Is(err, jwt.ErrTokenNotValidYet):
		return FailReasonNbf
	case errors.Is(err, jwt.ErrTokenUsedBeforeIssued):
		return FailReasonIat
	case errors.Is(err, jwt.ErrTokenSignatureInvalid):
		return FailReasonSignature
	default:
		return FailReasonParse
	}
}
