package rotate

import "errors"

var (
	ErrInvalidConfig = errors.New("invalid config")
	ErrInvalidToken  = errors.New("invalid token")
	// ErrMissingKey means the token's kid is not in the current key set. With
	// the refresh policy a background refresh has been requested; retrying
	// after it completes may succeed.
	ErrMissingKey = errors.New("signing key not found")

	ErrClaimMissing            = errors.New("required claim missing")
	ErrClaimForbidden          = errors.New("claim is forbidden")
	ErrClaimValueNotAllowed    = errors.New("claim value not allowed")
	ErrClaimRejected           = errors.New("claims rejected by policy script")
	ErrMissingRequiredMetadata = errors.New("missing required metadata")
)
