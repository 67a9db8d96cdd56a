package cli

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/keksclan/goRotate/rotate"
	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func flags(t *testing.T, args ...string) *pflag.FlagSet {
	t.Helper()
	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	registerFlags(fs)
	require.NoError(t, fs.Parse(args))
	return fs
}

func TestDefaultSettings(t *testing.T) {
	s, err := LoadSettings(flags(t))
	require.NoError(t, err)
	assert.Equal(t, 10*time.Second, s.FetchTimeout)
	assert.Equal(t, ":8080", s.Listen)
	assert.Equal(t, "fiber", s.Transport)
	assert.Equal(t, "refresh", s.MissingKeyPolicy)
	assert.Equal(t, "info", s.LogLevel)
}

func TestSettingsPrecedence(t *testing.T) {
	t.Setenv("ROTATE_JWKS_URL", "https://env.test/jwks")
	t.Setenv("ROTATE_FETCH_TIMEOUT", "3s")
	t.Setenv("ROTATE_TRANSPORT", "fasthttp")

	s, err := LoadSettings(flags(t, "--jwks-url", "https://flag.test/jwks"))
	require.NoError(t, err)
	assert.Equal(t, "https://flag.test/jwks", s.JWKSURL)
	assert.Equal(t, 3*time.Second, s.FetchTimeout)
	assert.Equal(t, "fasthttp", s.Transport)
}

func TestSettingsEnvFile(t *testing.T) {
	p := filepath.Join(t.TempDir(), "rotate.env")
	require.NoError(t, os.WriteFile(p, []byte("ROTATE_MIN_REFRESH_INTERVAL=45s\n"), 0o600))
	t.Cleanup(func() { os.Unsetenv("ROTATE_MIN_REFRESH_INTERVAL") })

	s, err := LoadSettings(flags(t, "--env-file", p))
	require.NoError(t, err)
	assert.Equal(t, 45*time.Second, s.MinRefreshInterval)

	_, err = LoadSettings(flags(t, "--env-file", filepath.Join(t.TempDir(), "missing.env")))
	assert.Error(t, err)
}

func TestSettingsValidation(t *testing.T) {
	for _, args := range [][]string{
		{"--transport", "gin"},
		{"--log-level", "loud"},
		{"--missing-key-policy", "ignore"},
		{"--jwks-url", "not a url"},
		{"--fetch-timeout", "0s"},
	} {
		_, err := LoadSettings(flags(t, args...))
		assert.Error(t, err, args)
	}
}

func TestRotateConfig(t *testing.T) {
	s := DefaultSettings()
	_, err := s.RotateConfig(t.Context())
	assert.ErrorIs(t, err, rotate.ErrInvalidConfig)

	p := filepath.Join(t.TempDir(), "rotate.yaml")
	require.NoError(t, os.WriteFile(p, []byte("jwks_url: https://file.test/jwks\nissuer: https://file.test\nfetch_timeout_ms: 1500\n"), 0o600))
	s.ConfigFile = p
	s.Audience = "api"
	cfg, err := s.RotateConfig(t.Context())
	require.NoError(t, err)
	assert.Equal(t, "https://file.test/jwks", cfg.JWKSURL)
	assert.Equal(t, "https://file.test", cfg.Issuer)
	assert.Equal(t, "api", cfg.Audience)
	assert.Equal(t, 1500*time.Millisecond, cfg.FetchTimeout)
	assert.Equal(t, rotate.MissingKeyRefresh, cfg.MissingKeyPolicy)

	s.ConfigFile = "rotate.toml"
	_, err = s.RotateConfig(t.Context())
	assert.ErrorContains(t, err, "unsupported config file extension")
}
