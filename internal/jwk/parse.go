package jwk

import (
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/rsa"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"net/http"
	"time"

	"github.com/keksclan/goRotate/internal/keystore"
	"github.com/lestrrat-go/httpcc"
	"github.com/lestrrat-go/jwx/v2/jwk"
	"go.uber.org/zap"
)

// document is the outer JWKS shape. Entries stay raw so that one bad key does
// not reject the whole set.
type document struct {
	Keys []json.RawMessage `json:"keys"`
}

func (f *Fetcher) parseKeys(endpoint string, body []byte) ([]keystore.Key, error) {
	var doc document
	if err := json.Unmarshal(body, &doc); err != nil {
		return nil, fmt.Errorf("decode document: %w", err)
	}
	if doc.Keys == nil {
		return nil, errors.New(`document has no "keys" array`)
	}

	keys := make([]keystore.Key, 0, len(doc.Keys))
	seen := make(map[string]struct{}, len(doc.Keys))
	for i, raw := range doc.Keys {
		k, err := toKey(raw)
		if err != nil {
			f.logger.Warn("skipping JWKS entry",
				zap.String("endpoint", endpoint), zap.Int("index", i), zap.Error(err))
			continue
		}
		if _, dup := seen[k.ID]; dup {
			f.logger.Warn("skipping JWKS entry with duplicate kid",
				zap.String("endpoint", endpoint), zap.Int("index", i), zap.String("kid", k.ID))
			continue
		}
		seen[k.ID] = struct{}{}
		keys = append(keys, k)
	}
	return keys, nil
}

func toKey(raw []byte) (keystore.Key, error) {
	key, err := jwk.ParseKey(raw)
	if err != nil {
		return keystore.Key{}, fmt.Errorf("parse key: %w", err)
	}
	if use := key.KeyUsage(); use != "" && use != "sig" {
		return keystore.Key{}, fmt.Errorf("key %q has use %q", key.KeyID(), use)
	}
	pub, err := jwk.PublicKeyOf(key)
	if err != nil {
		return keystore.Key{}, fmt.Errorf("public key of %q: %w", key.KeyID(), err)
	}
	var material any
	if err := pub.Raw(&material); err != nil {
		return keystore.Key{}, fmt.Errorf("failed to get raw key: %w", err)
	}
	switch material.(type) {
	case *rsa.PublicKey, *ecdsa.PublicKey, ed25519.PublicKey:
	default:
		return keystore.Key{}, fmt.Errorf("%w: %T", ErrUnsupportedKeyType, material)
	}

	var alg string
	if a := key.Algorithm(); a != nil {
		alg = a.String()
	}
	return keystore.Key{ID: key.KeyID(), Algorithm: alg, Material: material}, nil
}

// maxAgeFromHeader extracts the freshness hint from Cache-Control. A
// response marked no-store, or one without max-age, yields no hint.
func maxAgeFromHeader(h http.Header) (time.Duration, bool) {
	v := h.Get("Cache-Control")
	if v == "" {
		return 0, false
	}
	dir, err := httpcc.ParseResponse(v)
	if err != nil {
		return 0, false
	}
	if dir.NoStore() {
		return 0, false
	}
	secs, ok := dir.MaxAge()
	if !ok {
		return 0, false
	}
	if secs > uint64(math.MaxInt64/int64(time.Second)) {
		return time.Duration(math.MaxInt64), true
	}
	return time.Duration(secs) * time.Second, true
}
