package cli

import (
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	jwxjwk "github.com/lestrrat-go/jwx/v2/jwk"
	"go.uber.org/zap"
)

// issuerCacheControl matches identity providers that publish keys without a
// max-age, which leaves rotation entirely to missing-key refreshes.
const issuerCacheControl = "public, must-revalidate, no-transform"

type signingKey struct {
	kid  string
	priv *rsa.PrivateKey
}

// issuer is the demo identity provider: it signs tokens with its newest key
// and publishes the newest keep keys as a JWKS document.
//
// Demo only. Keys live in memory and are generated on start.
type issuer struct {
	name   string
	keep   int
	logger *zap.Logger

	mu   sync.RWMutex
	keys []signingKey
	seq  int
}

func newIssuer(name string, keep int, logger *zap.Logger) (*issuer, error) {
	if keep < 1 {
		keep = 1
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	i := &issuer{name: name, keep: keep, logger: logger}
	if _, err := i.rotate(); err != nil {
		return nil, err
	}
	return i, nil
}

// rotate generates a new signing key and returns its kid.
func (i *issuer) rotate() (string, error) {
	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return "", fmt.Errorf("generate key: %w", err)
	}
	i.mu.Lock()
	i.seq++
	k := signingKey{kid: fmt.Sprintf("key-%d", i.seq), priv: priv}
	i.keys = append(i.keys, k)
	if len(i.keys) > i.keep {
		i.keys = i.keys[len(i.keys)-i.keep:]
	}
	i.mu.Unlock()
	i.logger.Info("issuer rotated signing key", zap.String("kid", k.kid))
	return k.kid, nil
}

func (i *issuer) current() signingKey {
	i.mu.RLock()
	defer i.mu.RUnlock()
	return i.keys[len(i.keys)-1]
}

func (i *issuer) document() ([]byte, error) {
	i.mu.RLock()
	keys := append([]signingKey(nil), i.keys...)
	i.mu.RUnlock()

	set := jwxjwk.NewSet()
	for _, k := range keys {
		key, err := jwxjwk.FromRaw(&k.priv.PublicKey)
		if err != nil {
			return nil, fmt.Errorf("build JWK: %w", err)
		}
		if err := key.Set(jwxjwk.KeyIDKey, k.kid); err != nil {
			return nil, err
		}
		if err := key.Set(jwxjwk.AlgorithmKey, "RS256"); err != nil {
			return nil, err
		}
		if err := key.Set(jwxjwk.KeyUsageKey, "sig"); err != nil {
			return nil, err
		}
		if err := set.AddKey(key); err != nil {
			return nil, err
		}
	}
	return json.Marshal(set)
}

func (i *issuer) mint(sub string, ttl time.Duration) (string, error) {
	k := i.current()
	now := time.Now()
	tok := jwt.NewWithClaims(jwt.SigningMethodRS256, jwt.MapClaims{
		"iss":   i.name,
		"sub":   sub,
		"iat":   now.Unix(),
		"exp":   now.Add(ttl).Unix(),
		"scope": "demo",
	})
	tok.Header["kid"] = k.kid
	return tok.SignedString(k.priv)
}

// handler serves GET /jwks, POST /rotate and GET /token?sub=.
func (i *issuer) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /jwks", func(w http.ResponseWriter, _ *http.Request) {
		doc, err := i.document()
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Cache-Control", issuerCacheControl)
		_, _ = w.Write(doc)
	})
	mux.HandleFunc("POST /rotate", func(w http.ResponseWriter, _ *http.Request) {
		kid, err := i.rotate()
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		writeHTTPJSON(w, http.StatusOK, map[string]string{"kid": kid})
	})
	mux.HandleFunc("GET /token", func(w http.ResponseWriter, r *http.Request) {
		sub := r.URL.Query().Get("sub")
		if sub == "" {
			sub = "demo-user"
		}
		tok, err := i.mint(sub, 5*time.Minute)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		writeHTTPJSON(w, http.StatusOK, map[string]string{"access_token": tok, "token_type": "Bearer"})
	})
	return mux
}

func writeHTTPJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
