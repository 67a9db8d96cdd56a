package rotate

import (
	"fmt"
	"slices"
	"time"

	"github.com/keksclan/goRotate/internal/claimscript"
)

// ClaimPolicy is applied to the claims of tokens whose signature verified.
// The zero value permits everything.
type ClaimPolicy struct {
	Required []string
	Denylist []string
	// EnforcedValues restricts a claim, when present, to the listed values.
	// For array claims at least one element must match.
	EnforcedValues map[string][]any
	// Script is an optional Lua rule run after the checks above. It sees the
	// globals claims and kid and rejects with reject(msg) or by returning
	// false. See package claimscript for the helpers it may call.
	Script        string
	ScriptTimeout time.Duration
}

func (p ClaimPolicy) compile() (*claimscript.Script, error) {
	if p.Script == "" {
		return nil, nil
	}
	s, err := claimscript.Compile(p.Script, p.ScriptTimeout)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}
	return s, nil
}

func (p ClaimPolicy) Validate(claims map[string]any) error {
	for _, k := range p.Required {
		if _, ok := claims[k]; !ok {
			return fmt.Errorf("%w: %s", ErrClaimMissing, k)
		}
	}
	for _, k := range p.Denylist {
		if _, ok := claims[k]; ok {
			return fmt.Errorf("%w: %s", ErrClaimForbidden, k)
		}
	}
	for k, allowed := range p.EnforcedValues {
		v, ok := claims[k]
		if !ok {
			continue
		}
		if !valueAllowed(v, allowed) {
			return fmt.Errorf("%w: %s", ErrClaimValueNotAllowed, k)
		}
	}
	return nil
}

func valueAllowed(v any, allowed []any) bool {
	switch vv := v.(type) {
	case []any:
		return slices.ContainsFunc(vv, func(e any) bool { return valueAllowed(e, allowed) })
	case []string:
		return slices.ContainsFunc(vv, func(e string) bool { return valueAllowed(e, allowed) })
	}
	want, ok := normalize(v)
	if !ok {
		return false
	}
	for _, a := range allowed {
		if got, ok := normalize(a); ok && got == want {
			return true
		}
	}
	return false
}

// normalize maps numbers to float64 so JSON-decoded claims compare equal to
// integer policy values.
func normalize(v any) (any, bool) {
	switch t := v.(type) {
	case string, bool, float64:
		return t, true
	case float32:
		return float64(t), true
	case int:
		return float64(t), true
	case int32:
		return float64(t), true
	case int64:
		return float64(t), true
	default:
		return nil, false
	}
}
