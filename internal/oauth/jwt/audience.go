package jwt

import (
	"fmt"
)

// AudienceRule describes which token audiences are accepted.
//
// Matching order: Blocklist rejects first, AnyAudience accepts, then every
// AllOf value must be present and at least one AnyOf value must be present.
// A zero rule accepts everything.
type AudienceRule struct {
	AnyAudience bool
	AnyOf       []string
	AllOf       []string
	Blocklist   []string
}

func (r AudienceRule) IsZero() bool {
	return !r.AnyAudience && len(r.AnyOf) == 0 && len(r.AllOf) == 0 && len(r.Blocklist) == 0
}

// EffectiveAudienceRule resolves the legacy single audience string: "*"
// accepts any audience, any other non-empty value must be present.
func EffectiveAudienceRule(audience string, rule AudienceRule) AudienceRule {
	if !rule.IsZero() {
		return rule
	}
	switch audience {
	case "":
		return AudienceRule{}
	case "*":
		return AudienceRule{AnyAudience: true}
	default:
		return AudienceRule{AnyOf: []string{audience}}
	}
}

func (r AudienceRule) check(tokenAud []string) error {
	if r.IsZero() {
		return nil
	}
	have := make(map[string]struct{}, len(tokenAud))
	for _, a := range tokenAud {
		have[a] = struct{}{}
	}
	for _, blocked := range r.Blocklist {
		if _, ok := have[blocked]; ok {
			return fmt.Errorf("%w: %s is blocked", ErrAudience, blocked)
		}
	}
	if r.AnyAudience {
		return nil
	}
	for _, required := range r.AllOf {
		if _, ok := have[required]; !ok {
			return fmt.Errorf("%w: required audience %q not found", ErrAudience, required)
		}
	}
	if len(r.AnyOf) == 0 {
		return nil
	}
	for _, allowed := range r.AnyOf {
		if _, ok := have[allowed]; ok {
			return nil
		}
	}
	return fmt.Errorf("%w: none of %v matched", ErrAudience, r.AnyOf)
}
