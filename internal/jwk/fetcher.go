package jwk

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/keksclan/goRotate/internal/keystore"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

// maxJWKSResponseSize limits the size of JWKS HTTP responses to prevent memory bombs.
const maxJWKSResponseSize = 1 << 20 // 1 MB

// AuthKind selects the authentication method for JWKS requests.
type AuthKind string

const (
	AuthKindNone   AuthKind = "none"
	AuthKindBasic  AuthKind = "basic"
	AuthKindBearer AuthKind = "bearer"
	AuthKindHeader AuthKind = "header"
)

// AuthConfig holds authentication settings for JWKS fetching.
type AuthConfig struct {
	Kind        AuthKind
	Username    string
	Password    string
	BearerToken string
	HeaderName  string
	HeaderValue string
}

// Fetcher retrieves a JWKS document and turns it into a keystore.Store.
//
// Concurrency: Fetcher is safe for concurrent use. Concurrent Fetch calls for
// the same endpoint share a single HTTP round trip.
type Fetcher struct {
	httpc        *http.Client
	auth         AuthConfig
	extraHeaders map[string]string
	logger       *zap.Logger
	now          func() time.Time
	sfGroup      singleflight.Group
}

// Option configures a Fetcher.
type Option func(*Fetcher)

// WithHTTPClient replaces the default client (5s timeout). Nil is ignored.
func WithHTTPClient(c *http.Client) Option {
	return func(f *Fetcher) {
		if c != nil {
			f.httpc = c
		}
	}
}

// WithAuth configures authentication for JWKS requests.
func WithAuth(auth AuthConfig) Option {
	return func(f *Fetcher) { f.auth = auth }
}

// WithExtraHeaders configures additional headers for JWKS requests.
func WithExtraHeaders(headers map[string]string) Option {
	return func(f *Fetcher) { f.extraHeaders = headers }
}

// WithLogger sets the logger used for skipped-key warnings.
func WithLogger(l *zap.Logger) Option {
	return func(f *Fetcher) {
		if l != nil {
			f.logger = l
		}
	}
}

// WithClock overrides the time source stamped on fetched stores.
func WithClock(now func() time.Time) Option {
	return func(f *Fetcher) {
		if now != nil {
			f.now = now
		}
	}
}

func NewFetcher(opts ...Option) *Fetcher {
	f := &Fetcher{
		httpc:  &http.Client{Timeout: 5 * time.Second},
		logger: zap.NewNop(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Fetch performs one retrieval of endpoint. Failures are *FetchError values
// matching ErrNetwork, ErrParse or ErrEmptyKeySet.
func (f *Fetcher) Fetch(ctx context.Context, endpoint string) (*keystore.Store, error) {
	result, err, _ := f.sfGroup.Do(endpoint, func() (any, error) {
		return f.fetch(ctx, endpoint)
	})
	if err != nil {
		return nil, err
	}
	store, ok := result.(*keystore.Store)
	if !ok {
		return nil, fmt.Errorf("unexpected singleflight result type %T for endpoint=%s", result, endpoint)
	}
	return store, nil
}

func (f *Fetcher) fetch(ctx context.Context, endpoint string) (*keystore.Store, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, &FetchError{Kind: KindNetwork, Endpoint: endpoint, Err: fmt.Errorf("create request: %w", err)}
	}
	req.Header.Set("Accept", "application/json")

	// Apply authentication
	f.applyAuth(req)

	// Apply extra headers
	for k, v := range f.extraHeaders {
		req.Header.Set(k, v)
	}

	resp, err := f.httpc.Do(req)
	if err != nil {
		return nil, &FetchError{Kind: KindNetwork, Endpoint: endpoint, Err: fmt.Errorf("do request: %w", err)}
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, &FetchError{Kind: KindNetwork, Endpoint: endpoint, Err: fmt.Errorf("status %d", resp.StatusCode)}
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxJWKSResponseSize))
	if err != nil {
		return nil, &FetchError{Kind: KindNetwork, Endpoint: endpoint, Err: fmt.Errorf("read body: %w", err)}
	}

	keys, err := f.parseKeys(endpoint, body)
	if err != nil {
		return nil, &FetchError{Kind: KindParse, Endpoint: endpoint, Err: err}
	}
	if len(keys) == 0 {
		return nil, &FetchError{Kind: KindEmptyKeySet, Endpoint: endpoint}
	}

	var opts []keystore.Option
	if maxAge, ok := maxAgeFromHeader(resp.Header); ok {
		opts = append(opts, keystore.WithMaxAge(maxAge))
	}
	store, err := keystore.New(keys, f.now(), opts...)
	if err != nil {
		// Unreachable while parseKeys drops duplicate kids.
		return nil, &FetchError{Kind: KindParse, Endpoint: endpoint, Err: err}
	}
	return store, nil
}

func (f *Fetcher) applyAuth(req *http.Request) {
	switch f.auth.Kind {
	case AuthKindBasic:
		req.SetBasicAuth(f.auth.Username, f.auth.Password)
	case AuthKindBearer:
		req.Header.Set("Authorization", "Bearer "+f.auth.BearerToken)
	case AuthKindHeader:
		if f.auth.HeaderName != "" {
			req.Header.Set(f.auth.HeaderName, f.auth.HeaderValue)
		}
	}
}
