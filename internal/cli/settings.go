package cli

import (
	"context"
	"fmt"
	"path/filepath"
	"reflect"
	"strings"
	"time"

	"github.com/creasty/defaults"
	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/keksclan/goRotate/rotate"
	"github.com/keksclan/goRotate/rotateconfig"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// EnvPrefix is prepended to every environment variable, e.g. ROTATE_JWKS_URL.
const EnvPrefix = "ROTATE"

// Settings are the rotatectl knobs. Precedence: flag, environment, settings
// file, default.
type Settings struct {
	// ConfigFile is a rotateconfig file (.json, .yaml, .yml or .lua).
	ConfigFile string `mapstructure:"config"`
	EnvFile    string `mapstructure:"env_file"`

	JWKSURL            string        `mapstructure:"jwks_url" validate:"omitempty,url"`
	Issuer             string        `mapstructure:"issuer"`
	Audience           string        `mapstructure:"audience"`
	MinRefreshInterval time.Duration `mapstructure:"min_refresh_interval" default:"0s" validate:"gte=0"`
	FetchTimeout       time.Duration `mapstructure:"fetch_timeout" default:"10s" validate:"gt=0"`
	MissingKeyPolicy   string        `mapstructure:"missing_key_policy" default:"refresh" validate:"oneof=refresh reject"`

	Listen    string `mapstructure:"listen" default:":8080" validate:"required"`
	Transport string `mapstructure:"transport" default:"fiber" validate:"oneof=fiber fasthttp"`

	LogEnv   string `mapstructure:"log_env" default:"dev" validate:"oneof=dev prod"`
	LogLevel string `mapstructure:"log_level" default:"info" validate:"oneof=debug info warn error"`
	JSON     bool   `mapstructure:"json"`
}

// DefaultSettings returns Settings with every default applied.
func DefaultSettings() Settings {
	var s Settings
	if err := defaults.Set(&s); err != nil {
		panic("settings defaults: " + err.Error())
	}
	return s
}

// registerFlags adds one flag per Settings field, using dashes for
// underscores. Flag defaults mirror DefaultSettings so an unset flag never
// masks an environment variable with a zero value.
func registerFlags(fs *pflag.FlagSet) {
	d := DefaultSettings()
	fs.String("config", d.ConfigFile, "rotate config file (.json, .yaml or .lua)")
	fs.String("env-file", d.EnvFile, "dotenv file loaded before reading the environment")
	fs.String("jwks-url", d.JWKSURL, "JWKS endpoint URL")
	fs.String("issuer", d.Issuer, "expected iss claim")
	fs.String("audience", d.Audience, "expected aud claim")
	fs.Duration("min-refresh-interval", d.MinRefreshInterval, "minimum time between JWKS fetches")
	fs.Duration("fetch-timeout", d.FetchTimeout, "timeout of one JWKS fetch")
	fs.String("missing-key-policy", d.MissingKeyPolicy, "refresh or reject")
	fs.String("listen", d.Listen, "listen address for serve and demo")
	fs.String("transport", d.Transport, "HTTP stack for serve: fiber or fasthttp")
	fs.String("log-env", d.LogEnv, "dev or prod logging")
	fs.String("log-level", d.LogLevel, "debug, info, warn or error")
	fs.Bool("json", d.JSON, "print JSON output")
}

// LoadSettings resolves Settings from fs, the environment and an optional
// dotenv file.
func LoadSettings(fs *pflag.FlagSet) (Settings, error) {
	s := DefaultSettings()

	if f := fs.Lookup("env-file"); f != nil && f.Value.String() != "" {
		if err := godotenv.Load(f.Value.String()); err != nil {
			return s, fmt.Errorf("load env file: %w", err)
		}
	} else {
		_ = godotenv.Load()
	}

	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	t := reflect.TypeOf(s)
	for i := range t.NumField() {
		key := t.Field(i).Tag.Get("mapstructure")
		if f := fs.Lookup(strings.ReplaceAll(key, "_", "-")); f != nil {
			if err := v.BindPFlag(key, f); err != nil {
				return s, err
			}
		} else if err := v.BindEnv(key); err != nil {
			return s, err
		}
	}

	if err := v.Unmarshal(&s); err != nil {
		return s, fmt.Errorf("decode settings: %w", err)
	}
	if err := validator.New().Struct(s); err != nil {
		return s, fmt.Errorf("invalid settings: %w", err)
	}
	return s, nil
}

// RotateConfig builds the engine configuration: the config file when given,
// with non-empty settings layered on top.
func (s Settings) RotateConfig(ctx context.Context) (rotate.Config, error) {
	var cfg rotate.Config
	if s.ConfigFile != "" {
		loader, err := loaderFor(s.ConfigFile)
		if err != nil {
			return cfg, err
		}
		loaded, err := loader.Load(ctx)
		if err != nil {
			return cfg, err
		}
		cfg = *loaded
	}
	if s.JWKSURL != "" {
		cfg.JWKSURL = s.JWKSURL
	}
	if s.Issuer != "" {
		cfg.Issuer = s.Issuer
	}
	if s.Audience != "" {
		cfg.Audience = s.Audience
	}
	if s.MinRefreshInterval > 0 {
		cfg.MinRefreshInterval = s.MinRefreshInterval
	}
	if cfg.FetchTimeout == 0 {
		cfg.FetchTimeout = s.FetchTimeout
	}
	if cfg.MissingKeyPolicy == "" {
		cfg.MissingKeyPolicy = rotate.MissingKeyPolicy(s.MissingKeyPolicy)
	}
	return cfg, cfg.Validate()
}

func loaderFor(path string) (rotateconfig.Loader, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		return rotateconfig.FromJSONFile(path), nil
	case ".yaml", ".yml":
		return rotateconfig.FromYAMLFile(path), nil
	case ".lua":
		return rotateconfig.FromLuaFile(path), nil
	default:
		return nil, fmt.Errorf("unsupported config file extension %q", filepath.Ext(path))
	}
}
