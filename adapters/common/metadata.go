package common

import (
	"fmt"
	"strings"

	"github.com/keksclan/goRotate/rotate"
)

// RequiredMetadata lists headers (or gRPC metadata keys) that must be present
// and non-empty before a token is verified.
type RequiredMetadata struct {
	Keys    []string
	Enabled bool
}

// MetadataExtractor reads request metadata from one transport. Lookups must be
// case-insensitive.
type MetadataExtractor interface {
	Get(key string) (string, bool)
}

// ExtractorFunc adapts a lookup function to MetadataExtractor.
type ExtractorFunc func(key string) (string, bool)

func (f ExtractorFunc) Get(key string) (string, bool) { return f(key) }

func (r RequiredMetadata) active() bool { return r.Enabled && len(r.Keys) > 0 }

// Validate returns rotate.ErrMissingRequiredMetadata naming the first absent key.
func (r RequiredMetadata) Validate(ex MetadataExtractor) error {
	if !r.active() {
		return nil
	}
	for _, key := range r.Keys {
		if v, ok := ex.Get(key); !ok || strings.TrimSpace(v) == "" {
			return fmt.Errorf("%w: %s", rotate.ErrMissingRequiredMetadata, key)
		}
	}
	return nil
}

// Extract returns the required keys' values keyed by lower-case name.
func (r RequiredMetadata) Extract(ex MetadataExtractor) map[string]string {
	if !r.active() {
		return nil
	}
	m := make(map[string]string, len(r.Keys))
	for _, key := range r.Keys {
		if v, ok := ex.Get(key); ok && strings.TrimSpace(v) != "" {
			m[strings.ToLower(key)] = v
		}
	}
	return m
}

// MetaClaim is the claim under which attached metadata is stored.
const MetaClaim = "_meta"

// ApplyMetadataToResult copies meta into result.Claims[MetaClaim]. The claims
// map is cloned so the verified claim set is never mutated in place.
func ApplyMetadataToResult(result *rotate.Result, meta map[string]string) {
	if result == nil || len(meta) == 0 {
		return
	}
	claims := make(map[string]any, len(result.Claims)+1)
	for k, v := range result.Claims {
		claims[k] = v
	}
	m := make(map[string]any, len(meta))
	for k, v := range meta {
		m[k] = v
	}
	claims[MetaClaim] = m
	result.Claims = claims
}
