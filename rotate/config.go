package rotate

import (
	"fmt"
	"net/url"
	"slices"
	"strings"
	"time"

	"github.com/keksclan/goRotate/internal/oauth/jwt"
)

// StalenessMode selects when a key set is refreshed without a missing key.
type StalenessMode string

const (
	// StalenessEvent refreshes only on missing keys or an expired server
	// max-age. This is the default and the right mode for JWKS endpoints
	// that send no max-age.
	StalenessEvent StalenessMode = "event"
	// StalenessInterval additionally refreshes a key set older than
	// PollInterval.
	StalenessInterval StalenessMode = "interval"
)

// MissingKeyPolicy selects the reaction to a token whose kid is unknown.
type MissingKeyPolicy string

const (
	// MissingKeyRefresh schedules a coalesced background refresh.
	MissingKeyRefresh MissingKeyPolicy = "refresh"
	// MissingKeyReject fails the token and leaves the key set alone.
	MissingKeyReject MissingKeyPolicy = "reject"
)

// AuthKind selects how requests to the JWKS endpoint authenticate.
type AuthKind string

const (
	AuthNone   AuthKind = "none"
	AuthBasic  AuthKind = "basic"
	AuthBearer AuthKind = "bearer"
	AuthHeader AuthKind = "header"
)

// AudienceRule is re-exported so callers can configure audience matching.
type AudienceRule = jwt.AudienceRule

// DefaultAllowedAlgs lists the asymmetric algorithms accepted when
// Config.AllowedAlgs is empty.
var DefaultAllowedAlgs = []string{
	"RS256", "RS384", "RS512",
	"PS256", "PS384", "PS512",
	"ES256", "ES384", "ES512",
	"EdDSA",
}

type Config struct {
	JWKSURL string

	Issuer       string
	Audience     string
	AudienceRule AudienceRule
	AllowedAlgs  []string
	ClockSkew    time.Duration
	// RequireExpiration rejects tokens without an exp claim.
	RequireExpiration bool

	// MinRefreshInterval throttles refreshes: a request arriving sooner than
	// this after the previous attempt is rejected. Zero disables throttling.
	MinRefreshInterval time.Duration
	FetchTimeout       time.Duration

	Staleness    StalenessMode
	PollInterval time.Duration

	MissingKeyPolicy MissingKeyPolicy
	// MissingKeyThrottle suppresses repeat notifications for the same kid
	// within the window. Zero disables it.
	MissingKeyThrottle time.Duration

	JWKS     JWKSConfig
	Policies ClaimPolicy
}

type JWKSConfig struct {
	Auth         JWKSAuth
	ExtraHeaders map[string]string
}

type JWKSAuth struct {
	Kind        AuthKind
	Username    string
	Password    string
	BearerToken string
	HeaderName  string
	HeaderValue string
}

func (c *Config) setDefaults() {
	if len(c.AllowedAlgs) == 0 {
		c.AllowedAlgs = slices.Clone(DefaultAllowedAlgs)
	}
	if c.ClockSkew == 0 {
		c.ClockSkew = 30 * time.Second
	}
	if c.FetchTimeout == 0 {
		c.FetchTimeout = 10 * time.Second
	}
	if c.Staleness == "" {
		c.Staleness = StalenessEvent
	}
	if c.MissingKeyPolicy == "" {
		c.MissingKeyPolicy = MissingKeyRefresh
	}
	if c.JWKS.Auth.Kind == "" {
		c.JWKS.Auth.Kind = AuthNone
	}
}

func (c Config) Validate() error {
	if c.JWKSURL == "" {
		return fmt.Errorf("%w: jwks_url is required", ErrInvalidConfig)
	}
	u, err := url.Parse(c.JWKSURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("%w: jwks_url %q is not an http(s) URL", ErrInvalidConfig, c.JWKSURL)
	}
	for _, alg := range c.AllowedAlgs {
		if strings.EqualFold(alg, "none") {
			return fmt.Errorf("%w: algorithm none cannot be allowed", ErrInvalidConfig)
		}
	}
	if c.ClockSkew < 0 || c.MinRefreshInterval < 0 || c.FetchTimeout < 0 ||
		c.PollInterval < 0 || c.MissingKeyThrottle < 0 {
		return fmt.Errorf("%w: durations must not be negative", ErrInvalidConfig)
	}
	switch c.Staleness {
	case "", StalenessEvent:
	case StalenessInterval:
		if c.PollInterval <= 0 {
			return fmt.Errorf("%w: poll_interval is required for interval staleness", ErrInvalidConfig)
		}
	default:
		return fmt.Errorf("%w: unsupported staleness mode %q", ErrInvalidConfig, c.Staleness)
	}
	switch c.MissingKeyPolicy {
	case "", MissingKeyRefresh, MissingKeyReject:
	default:
		return fmt.Errorf("%w: unsupported missing key policy %q", ErrInvalidConfig, c.MissingKeyPolicy)
	}
	switch c.JWKS.Auth.Kind {
	case "", AuthNone:
	case AuthBasic:
		if c.JWKS.Auth.Username == "" {
			return fmt.Errorf("%w: jwks basic auth requires a username", ErrInvalidConfig)
		}
	case AuthBearer:
		if c.JWKS.Auth.BearerToken == "" {
			return fmt.Errorf("%w: jwks bearer auth requires a token", ErrInvalidConfig)
		}
	case AuthHeader:
		if c.JWKS.Auth.HeaderName == "" {
			return fmt.Errorf("%w: jwks header auth requires a header name", ErrInvalidConfig)
		}
	default:
		return fmt.Errorf("%w: unsupported jwks auth kind %q", ErrInvalidConfig, c.JWKS.Auth.Kind)
	}
	if c.Policies.ScriptTimeout < 0 {
		return fmt.Errorf("%w: script timeout must not be negative", ErrInvalidConfig)
	}
	if _, err := c.Policies.compile(); err != nil {
		return err
	}
	return nil
}
