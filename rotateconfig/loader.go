// Package rotateconfig loads a rotate.Config from Go values, JSON, YAML or a
// sandboxed Lua script. All file formats share one schema; durations are
// given in whole seconds or milliseconds as the field name says.
package rotateconfig

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/keksclan/goRotate/rotate"
	lua "github.com/yuin/gopher-lua"
	"gopkg.in/yaml.v3"
)

// Loader loads a rotate.Config from a source.
type Loader interface {
	Load(ctx context.Context) (*rotate.Config, error)
}

type goLoader struct {
	cfg rotate.Config
}

// FromGo returns a Loader that validates and returns cfg.
func FromGo(cfg rotate.Config) Loader {
	return &goLoader{cfg: cfg}
}

func (l *goLoader) Load(_ context.Context) (*rotate.Config, error) {
	cfg := l.cfg
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}
	return &cfg, nil
}

// fileConfig is the on-disk schema shared by the JSON and YAML loaders.
type fileConfig struct {
	JWKSURL           string       `json:"jwks_url" yaml:"jwks_url"`
	Issuer            string       `json:"issuer" yaml:"issuer"`
	Audience          string       `json:"audience" yaml:"audience"`
	AudienceRule      fileAudience `json:"audience_rule" yaml:"audience_rule"`
	AllowedAlgs       []string     `json:"allowed_algs" yaml:"allowed_algs"`
	ClockSkewSec      int          `json:"clock_skew_sec" yaml:"clock_skew_sec"`
	RequireExpiration bool         `json:"require_expiration" yaml:"require_expiration"`

	MinRefreshIntervalSec int    `json:"min_refresh_interval_sec" yaml:"min_refresh_interval_sec"`
	FetchTimeoutMs        int    `json:"fetch_timeout_ms" yaml:"fetch_timeout_ms"`
	Staleness             string `json:"staleness" yaml:"staleness"`
	PollIntervalSec       int    `json:"poll_interval_sec" yaml:"poll_interval_sec"`

	MissingKeyPolicy      string `json:"missing_key_policy" yaml:"missing_key_policy"`
	MissingKeyThrottleSec int    `json:"missing_key_throttle_sec" yaml:"missing_key_throttle_sec"`

	JWKS     fileJWKS     `json:"jwks" yaml:"jwks"`
	Policies filePolicies `json:"policies" yaml:"policies"`
}

type fileAudience struct {
	AnyAudience bool     `json:"any" yaml:"any"`
	AnyOf       []string `json:"any_of" yaml:"any_of"`
	AllOf       []string `json:"all_of" yaml:"all_of"`
	Blocklist   []string `json:"blocklist" yaml:"blocklist"`
}

type fileJWKS struct {
	// URL is accepted as an alias for the top-level jwks_url.
	URL          string            `json:"url" yaml:"url"`
	Auth         fileJWKSAuth      `json:"auth" yaml:"auth"`
	ExtraHeaders map[string]string `json:"extra_headers" yaml:"extra_headers"`
}

type fileJWKSAuth struct {
	Kind        string `json:"kind" yaml:"kind"`
	Username    string `json:"username" yaml:"username"`
	Password    string `json:"password" yaml:"password"`
	BearerToken string `json:"bearer_token" yaml:"bearer_token"`
	HeaderName  string `json:"header_name" yaml:"header_name"`
	HeaderValue string `json:"header_value" yaml:"header_value"`
}

type filePolicies struct {
	Claims fileClaims `json:"claims" yaml:"claims"`
}

type fileClaims struct {
	Required       []string         `json:"required" yaml:"required"`
	Denylist       []string         `json:"denylist" yaml:"denylist"`
	EnforcedValues map[string][]any `json:"enforced_values" yaml:"enforced_values"`
	// Script is Lua source run against verified claims.
	Script          string `json:"script" yaml:"script"`
	ScriptTimeoutMs int    `json:"script_timeout_ms" yaml:"script_timeout_ms"`
}

func (fc fileConfig) toConfig() rotate.Config {
	cfg := rotate.Config{
		JWKSURL:  fc.JWKSURL,
		Issuer:   fc.Issuer,
		Audience: fc.Audience,
		AudienceRule: rotate.AudienceRule{
			AnyAudience: fc.AudienceRule.AnyAudience,
			AnyOf:       fc.AudienceRule.AnyOf,
			AllOf:       fc.AudienceRule.AllOf,
			Blocklist:   fc.AudienceRule.Blocklist,
		},
		AllowedAlgs:        fc.AllowedAlgs,
		ClockSkew:          seconds(fc.ClockSkewSec),
		RequireExpiration:  fc.RequireExpiration,
		MinRefreshInterval: seconds(fc.MinRefreshIntervalSec),
		FetchTimeout:       time.Duration(fc.FetchTimeoutMs) * time.Millisecond,
		Staleness:          rotate.StalenessMode(fc.Staleness),
		PollInterval:       seconds(fc.PollIntervalSec),
		MissingKeyPolicy:   rotate.MissingKeyPolicy(fc.MissingKeyPolicy),
		MissingKeyThrottle: seconds(fc.MissingKeyThrottleSec),
		JWKS: rotate.JWKSConfig{
			Auth: rotate.JWKSAuth{
				Kind:        rotate.AuthKind(fc.JWKS.Auth.Kind),
				Username:    fc.JWKS.Auth.Username,
				Password:    fc.JWKS.Auth.Password,
				BearerToken: fc.JWKS.Auth.BearerToken,
				HeaderName:  fc.JWKS.Auth.HeaderName,
				HeaderValue: fc.JWKS.Auth.HeaderValue,
			},
			ExtraHeaders: fc.JWKS.ExtraHeaders,
		},
		Policies: rotate.ClaimPolicy{
			Required:       fc.Policies.Claims.Required,
			Denylist:       fc.Policies.Claims.Denylist,
			EnforcedValues: fc.Policies.Claims.EnforcedValues,
			Script:         fc.Policies.Claims.Script,
			ScriptTimeout:  time.Duration(fc.Policies.Claims.ScriptTimeoutMs) * time.Millisecond,
		},
	}
	if cfg.JWKSURL == "" {
		cfg.JWKSURL = fc.JWKS.URL
	}
	return cfg
}

func seconds(n int) time.Duration { return time.Duration(n) * time.Second }

func finish(fc fileConfig) (*rotate.Config, error) {
	cfg := fc.toConfig()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}
	return &cfg, nil
}

type jsonLoader struct {
	path string
}

// FromJSONFile returns a Loader that reads config from a JSON file.
func FromJSONFile(path string) Loader {
	return &jsonLoader{path: path}
}

func (l *jsonLoader) Load(_ context.Context) (*rotate.Config, error) {
	data, err := os.ReadFile(l.path)
	if err != nil {
		return nil, fmt.Errorf("read json config: %w", err)
	}
	var fc fileConfig
	if err := json.Unmarshal(data, &fc); err != nil {
		return nil, fmt.Errorf("parse json config: %w", err)
	}
	return finish(fc)
}

type yamlLoader struct {
	path string
}

// FromYAMLFile returns a Loader that reads config from a YAML file.
func FromYAMLFile(path string) Loader {
	return &yamlLoader{path: path}
}

func (l *yamlLoader) Load(_ context.Context) (*rotate.Config, error) {
	data, err := os.ReadFile(l.path)
	if err != nil {
		return nil, fmt.Errorf("read yaml config: %w", err)
	}
	var fc fileConfig
	if err := yaml.Unmarshal(data, &fc); err != nil {
		return nil, fmt.Errorf("parse yaml config: %w", err)
	}
	return finish(fc)
}

type luaLoader struct {
	path string
}

// FromLuaFile returns a Loader that runs a Lua file returning a config table.
func FromLuaFile(path string) Loader {
	return &luaLoader{path: path}
}

func (l *luaLoader) Load(_ context.Context) (*rotate.Config, error) {
	data, err := os.ReadFile(l.path)
	if err != nil {
		return nil, fmt.Errorf("read lua config file: %w", err)
	}
	return LoadLuaString(string(data))
}

// LoadLuaString runs script in a sandbox without file or module access and
// maps the returned table onto rotate.Config.
func LoadLuaString(script string) (*rotate.Config, error) {
	L := lua.NewState(lua.Options{SkipOpenLibs: true})
	defer L.Close()

	for _, lib := range []struct {
		name string
		fn   lua.LGFunction
	}{
		{lua.BaseLibName, lua.OpenBase},
		{lua.TabLibName, lua.OpenTable},
		{lua.StringLibName, lua.OpenString},
		{lua.MathLibName, lua.OpenMath},
	} {
		L.Push(L.NewFunction(lib.fn))
		L.Push(lua.LString(lib.name))
		L.Call(1, 0)
	}
	for _, name := range []string{"dofile", "loadfile", "load", "loadstring"} {
		L.SetGlobal(name, lua.LNil)
	}

	if err := L.DoString(script); err != nil {
		return nil, fmt.Errorf("lua config execution: %w", err)
	}
	tbl, ok := L.Get(-1).(*lua.LTable)
	if !ok {
		return nil, fmt.Errorf("lua config must return a table, got %s", L.Get(-1).Type())
	}
	return finish(luaTableToFile(tbl))
}

func luaTableToFile(tbl *lua.LTable) fileConfig {
	fc := fileConfig{
		JWKSURL:               getString(tbl, "jwks_url"),
		Issuer:                getString(tbl, "issuer"),
		Audience:              getString(tbl, "audience"),
		AllowedAlgs:           getStringSlice(tbl, "allowed_algs"),
		ClockSkewSec:          getInt(tbl, "clock_skew_sec"),
		RequireExpiration:     getBool(tbl, "require_expiration"),
		MinRefreshIntervalSec: getInt(tbl, "min_refresh_interval_sec"),
		FetchTimeoutMs:        getInt(tbl, "fetch_timeout_ms"),
		Staleness:             getString(tbl, "staleness"),
		PollIntervalSec:       getInt(tbl, "poll_interval_sec"),
		MissingKeyPolicy:      getString(tbl, "missing_key_policy"),
		MissingKeyThrottleSec: getInt(tbl, "missing_key_throttle_sec"),
	}
	if aud := getTable(tbl, "audience_rule"); aud != nil {
		fc.AudienceRule = fileAudience{
			AnyAudience: getBool(aud, "any"),
			AnyOf:       getStringSlice(aud, "any_of"),
			AllOf:       getStringSlice(aud, "all_of"),
			Blocklist:   getStringSlice(aud, "blocklist"),
		}
	}
	if jwks := getTable(tbl, "jwks"); jwks != nil {
		fc.JWKS.URL = getString(jwks, "url")
		fc.JWKS.ExtraHeaders = getStringMap(jwks, "extra_headers")
		if auth := getTable(jwks, "auth"); auth != nil {
			fc.JWKS.Auth = fileJWKSAuth{
				Kind:        getString(auth, "kind"),
				Username:    getString(auth, "username"),
				Password:    getString(auth, "password"),
				BearerToken: getString(auth, "bearer_token"),
				HeaderName:  getString(auth, "header_name"),
				HeaderValue: getString(auth, "header_value"),
			}
		}
	}
	if pol := getTable(tbl, "policies"); pol != nil {
		if claims := getTable(pol, "claims"); claims != nil {
			fc.Policies.Claims.Required = getStringSlice(claims, "required")
			fc.Policies.Claims.Denylist = getStringSlice(claims, "denylist")
			fc.Policies.Claims.EnforcedValues = getEnforced(claims, "enforced_values")
			fc.Policies.Claims.Script = getString(claims, "script")
			fc.Policies.Claims.ScriptTimeoutMs = getInt(claims, "script_timeout_ms")
		}
	}
	return fc
}

func getString(tbl *lua.LTable, key string) string {
	if s, ok := tbl.RawGetString(key).(lua.LString); ok {
		return string(s)
	}
	return ""
}

func getInt(tbl *lua.LTable, key string) int {
	if n, ok := tbl.RawGetString(key).(lua.LNumber); ok {
		return int(n)
	}
	return 0
}

func getBool(tbl *lua.LTable, key string) bool {
	if b, ok := tbl.RawGetString(key).(lua.LBool); ok {
		return bool(b)
	}
	return false
}

func getTable(tbl *lua.LTable, key string) *lua.LTable {
	if t, ok := tbl.RawGetString(key).(*lua.LTable); ok {
		return t
	}
	return nil
}

func getStringSlice(tbl *lua.LTable, key string) []string {
	t := getTable(tbl, key)
	if t == nil {
		return nil
	}
	var out []string
	t.ForEach(func(_, v lua.LValue) {
		if s, ok := v.(lua.LString); ok {
			out = append(out, string(s))
		}
	})
	return out
}

func getStringMap(tbl *lua.LTable, key string) map[string]string {
	t := getTable(tbl, key)
	if t == nil {
		return nil
	}
	out := make(map[string]string)
	t.ForEach(func(k, v lua.LValue) {
		ks, kok := k.(lua.LString)
		vs, vok := v.(lua.LString)
		if kok && vok {
			out[string(ks)] = string(vs)
		}
	})
	if len(out) == 0 {
		return nil
	}
	return out
}

// getEnforced reads a table of claim name to list of allowed scalar values.
func getEnforced(tbl *lua.LTable, key string) map[string][]any {
	t := getTable(tbl, key)
	if t == nil {
		return nil
	}
	out := make(map[string][]any)
	t.ForEach(func(k, v lua.LValue) {
		name, ok := k.(lua.LString)
		list, isTable := v.(*lua.LTable)
		if !ok || !isTable {
			return
		}
		var values []any
		list.ForEach(func(_, e lua.LValue) {
			switch ev := e.(type) {
			case lua.LString:
				values = append(values, string(ev))
			case lua.LNumber:
				values = append(values, float64(ev))
			case lua.LBool:
				values = append(values, bool(ev))
			}
		})
		out[string(name)] = values
	})
	if len(out) == 0 {
		return nil
	}
	return out
}
