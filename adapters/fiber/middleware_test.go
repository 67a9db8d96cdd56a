package rotatefiber

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gofiber/fiber/v2"
	"github.com/keksclan/goRotate/adapters/common"
	"github.com/keksclan/goRotate/internal/jwktest"
	"github.com/keksclan/goRotate/rotate"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newApp(t *testing.T, opts ...common.Option) (*fiber.App, *jwktest.KeyPair) {
	t.Helper()
	kp := jwktest.NewRSAKey(t, "k1")
	doc := jwktest.Document(t, kp)
	jwks := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write(doc)
	}))
	t.Cleanup(jwks.Close)

	e, err := rotate.New(rotate.Config{JWKSURL: jwks.URL})
	require.NoError(t, err)
	t.Cleanup(e.Close)
	require.NoError(t, e.Load(t.Context()))

	app := fiber.New()
	app.Use(Middleware(e, opts...))
	app.Get("/me", func(c *fiber.Ctx) error {
		res := ResultFromLocals(c)
		return c.JSON(fiber.Map{"sub": res.Subject, "kid": res.KeyID, "meta": res.Claims[common.MetaClaim]})
	})
	return app, kp
}

func decode(t *testing.T, r io.Reader) map[string]any {
	t.Helper()
	var m map[string]any
	require.NoError(t, json.NewDecoder(r).Decode(&m))
	return m
}

func TestMiddlewareAcceptsValidToken(t *testing.T) {
	app, kp := newApp(t, common.WithWaitForRefresh(true))

	req := httptest.NewRequest(http.MethodGet, "/me", nil)
	req.Header.Set("Authorization", "Bearer "+kp.Sign(t, nil))
	resp, err := app.Test(req, -1)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	body := decode(t, resp.Body)
	assert.Equal(t, "user-123", body["sub"])
	assert.Equal(t, "k1", body["kid"])
}

func TestMiddlewareRejects(t *testing.T) {
	app, kp := newApp(t)

	tests := []struct {
		name   string
		auth   string
		status int
		code   string
	}{
		{"missing header", "", http.StatusUnauthorized, common.CodeMissingToken},
		{"basic scheme", "Basic dXNlcjpwYXNz", http.StatusUnauthorized, common.CodeUnsupported},
		{"garbage token", "Bearer not-a-jwt", http.StatusUnauthorized, common.CodeInvalidToken},
		{"unknown kid", "Bearer " + jwktest.UnknownKidToken, http.StatusUnauthorized, common.CodeMissingKey},
		{"tampered", "Bearer " + kp.Sign(t, nil) + "x", http.StatusUnauthorized, common.CodeInvalidToken},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/me", nil)
			if tc.auth != "" {
				req.Header.Set("Authorization", tc.auth)
			}
			resp, err := app.Test(req, -1)
			require.NoError(t, err)
			defer resp.Body.Close()
			assert.Equal(t, tc.status, resp.StatusCode)
			assert.NotEmpty(t, resp.Header.Get("WWW-Authenticate"))
			assert.Equal(t, tc.code, decode(t, resp.Body)["error"])
		})
	}
}

func TestMiddlewareRequiredMetadata(t *testing.T) {
	app, kp := newApp(t,
		common.WithRequiredMetadata("X-Tenant"),
		common.WithAttachMetadataToResult(true),
		common.WithWaitForRefresh(true),
	)
	token := kp.Sign(t, nil)

	req := httptest.NewRequest(http.MethodGet, "/me", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	resp, err := app.Test(req, -1)
	require.NoError(t, err)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Equal(t, common.CodeMissingMetadata, decode(t, resp.Body)["error"])
	resp.Body.Close()

	req = httptest.NewRequest(http.MethodGet, "/me", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("X-Tenant", "acme")
	resp, err = app.Test(req, -1)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, map[string]any{"x-tenant": "acme"}, decode(t, resp.Body)["meta"])
}
