package jwktest

import (
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/lestrrat-go/jwx/v2/jwk"
)

// FixtureJWKS is a single RSA key with kid "1" (the RFC 7517 appendix A.1
// modulus). Only its public half is known, so it cannot sign tokens.
const FixtureJWKS = `{"keys":[{"kty":"RSA",` +
	`"n":"0vx7agoebGcQSuuPiLJXZptN9nndrQmbXEps2aiAFbWhM78LhWx4cbbfAAtVT86zwu1RK7aPFFxuhDR1L6tSoc_BJECPebWKRXjBZCiFV4n3oknjhMstn64tZ_2W-5JsGY4Hc5n9yBXArwl93lqt7_RN5w6Cf0h4QyQ5v-65YGjQR0_FDW2QvzqY368QQMicAtaSqzs8KJZgnYb9c7d0zgdAZHzu6qMQvRL5hajrn1n91CbOpbISD08qNLyrdkt-bFTWhAI4vMQFh6WeZu0fM4lFd2NcRwr3XPksINHaQ-G_xBniIqbw0Ls1jF44-csFCur-kEgU8awapJzKnqDKgw",` +
	`"e":"AQAB","alg":"RS256","kid":"1"}]}`

// UnknownKidToken is an HS256 token whose header names kid "2".
const UnknownKidToken = "eyJhbGciOiJIUzI1NiIsInR5cCI6IkpXVCIsImtpZCI6IjIifQ." +
	"eyJzdWIiOiIxMjM0NTY3ODkwIiwibmFtZSI6IkpvaG4gRG9lIiwiaWF0IjoxNTE2MjM5MDIyfQ." +
	"NYY8FXsouaKSuMafoNshtQ997X4x1Jta0GEtl3BAJGY"

// KeyPair is an RSA signing key with its key id.
type KeyPair struct {
	ID      string
	Private *rsa.PrivateKey
}

// NewRSAKey generates a 2048-bit RSA key pair.
func NewRSAKey(t testing.TB, kid string) *KeyPair {
	t.Helper()
	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate RSA key: %v", err)
	}
	return &KeyPair{ID: kid, Private: priv}
}

// Public returns the public half.
func (k *KeyPair) Public() *rsa.PublicKey { return &k.Private.PublicKey }

// Sign mints an RS256 token with the pair's kid. A nil claims map gets a
// subject and a five minute expiry.
func (k *KeyPair) Sign(t testing.TB, claims jwt.MapClaims) string {
	t.Helper()
	if claims == nil {
		claims = jwt.MapClaims{
			"sub": "user-123",
			"exp": time.Now().Add(5 * time.Minute).Unix(),
		}
	}
	tok := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	if k.ID != "" {
		tok.Header["kid"] = k.ID
	}
	s, err := tok.SignedString(k.Private)
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return s
}

// Document renders the public keys as a JWKS document.
func Document(t testing.TB, keys ...*KeyPair) []byte {
	t.Helper()
	set := jwk.NewSet()
	for _, kp := range keys {
		key, err := jwk.FromRaw(kp.Public())
		if err != nil {
			t.Fatalf("build JWK: %v", err)
		}
		if kp.ID != "" {
			if err := key.Set(jwk.KeyIDKey, kp.ID); err != nil {
				t.Fatalf("set kid: %v", err)
			}
		}
		if err := key.Set(jwk.AlgorithmKey, "RS256"); err != nil {
			t.Fatalf("set alg: %v", err)
		}
		if err := set.AddKey(key); err != nil {
			t.Fatalf("add key: %v", err)
		}
	}
	b, err := json.Marshal(set)
	if err != nil {
		t.Fatalf("marshal JWKS: %v", err)
	}
	return b
}
