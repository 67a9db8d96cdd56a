// Package common holds what the transport adapters share: options, bearer
// token extraction, error classification and required-metadata checks.
//
// Concurrency: all exported types and functions are safe for concurrent use.
package common

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/keksclan/goRotate/rotate"
)

var (
	ErrMissingAuthorization = errors.New("missing authorization header")
	ErrUnsupportedScheme    = errors.New("unsupported authorization scheme")
)

// Verifier is the part of *rotate.Engine the adapters call.
type Verifier interface {
	Verify(ctx context.Context, token string) (*rotate.Result, error)
	VerifyWait(ctx context.Context, token string) (*rotate.Result, error)
}

// Options is the adapter configuration shared by every transport.
type Options struct {
	RequiredMeta       RequiredMetadata
	AttachMetaToResult bool
	// WaitForRefresh makes a request carrying an unknown kid wait for the
	// refresh it triggered instead of failing right away.
	WaitForRefresh bool
}

type Option func(*Options)

// WithRequiredMetadata names headers that must be present before the token
// is verified.
func WithRequiredMetadata(keys ...string) Option {
	return func(o *Options) {
		o.RequiredMeta.Keys = keys
		o.RequiredMeta.Enabled = true
	}
}

func WithRequiredMetadataEnabled(enabled bool) Option {
	return func(o *Options) { o.RequiredMeta.Enabled = enabled }
}

// WithAttachMetadataToResult copies the required metadata into
// Result.Claims["_meta"].
func WithAttachMetadataToResult(attach bool) Option {
	return func(o *Options) { o.AttachMetaToResult = attach }
}

func WithWaitForRefresh(wait bool) Option {
	return func(o *Options) { o.WaitForRefresh = wait }
}

func Build(opts []Option) Options {
	var o Options
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// BearerToken extracts the token from an Authorization header value. The
// scheme is matched case-insensitively.
func BearerToken(header string) (string, error) {
	header = strings.TrimSpace(header)
	if header == "" {
		return "", ErrMissingAuthorization
	}
	scheme, token, ok := strings.Cut(header, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return "", ErrUnsupportedScheme
	}
	token = strings.TrimSpace(token)
	if token == "" {
		return "", ErrMissingAuthorization
	}
	return token, nil
}

// Authenticate runs the full adapter pipeline: required metadata, bearer
// extraction, verification and optional metadata attachment.
func (o Options) Authenticate(ctx context.Context, v Verifier, authorization string, ex MetadataExtractor) (*rotate.Result, error) {
	if err := o.RequiredMeta.Validate(ex); err != nil {
		return nil, err
	}
	token, err := BearerToken(authorization)
	if err != nil {
		return nil, err
	}
	verify := v.Verify
	if o.WaitForRefresh {
		verify = v.VerifyWait
	}
	res, err := verify(ctx, token)
	if err != nil {
		return nil, err
	}
	if o.AttachMetaToResult {
		ApplyMetadataToResult(res, o.RequiredMeta.Extract(ex))
	}
	return res, nil
}

// Error codes returned to clients.
const (
	CodeMissingMetadata = "missing_metadata"
	CodeMissingToken    = "missing_token"
	CodeUnsupported     = "unsupported_scheme"
	CodeMissingKey      = "unknown_key"
	CodeInvalidToken    = "invalid_token"
	CodeClaims          = "insufficient_claims"
)

// ErrorCode classifies an Authenticate error for the response body.
func ErrorCode(err error) string {
	switch {
	case errors.Is(err, rotate.ErrMissingRequiredMetadata):
		return CodeMissingMetadata
	case errors.Is(err, ErrMissingAuthorization):
		return CodeMissingToken
	case errors.Is(err, ErrUnsupportedScheme):
		return CodeUnsupported
	case errors.Is(err, rotate.ErrMissingKey):
		return CodeMissingKey
	case errors.Is(err, rotate.ErrClaimMissing),
		errors.Is(err, rotate.ErrClaimForbidden),
		errors.Is(err, rotate.ErrClaimValueNotAllowed),
		errors.Is(err, rotate.ErrClaimRejected):
		return CodeClaims
	default:
		return CodeInvalidToken
	}
}

// WWWAuthenticate builds the RFC 6750 challenge for err.
func WWWAuthenticate(err error) string {
	switch ErrorCode(err) {
	case CodeMissingToken, CodeUnsupported, CodeMissingMetadata:
		return `Bearer`
	case CodeClaims:
		return `Bearer error="insufficient_scope"`
	default:
		return `Bearer error="invalid_token"`
	}
}

// HTTPStatus maps an Authenticate error to 403 for claim policy failures and
// 401 for everything else.
func HTTPStatus(err error) int {
	if ErrorCode(err) == CodeClaims {
		return http.StatusForbidden
	}
	return http.StatusUnauthorized
}
