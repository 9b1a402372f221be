// Copyright (c) 2026 Keymaster Team
// Poolgate - account pool and API key gateway
// This source code is licensed under the MIT license found in the LICENSE file.

// Package config loads, validates and persists the poolgate configuration
// file. Viper handles file, environment and flag sources; writes go through
// goccy/go-yaml and an atomic rename.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"runtime"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/toeirei/poolgate/internal/errs"
	"github.com/toeirei/poolgate/internal/model"
)

// FileName is the base name searched for in the standard locations.
const FileName = "poolgate.yaml"

// EnvPrefix prefixes environment overrides, e.g. POOLGATE_SERVER_PORT.
const EnvPrefix = "POOLGATE"

type Server struct {
	Host         string        `mapstructure:"host" yaml:"host"`
	Port         int           `mapstructure:"port" yaml:"port"`
	IPv6         bool          `mapstructure:"ipv6" yaml:"ipv6"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout" yaml:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout" yaml:"write_timeout"`
}

type Auth struct {
	Token string `mapstructure:"token" yaml:"token"`
}

type Log struct {
	Level string `mapstructure:"level" yaml:"level"`
	JSON  bool   `mapstructure:"json" yaml:"json"`
}

type LoadBalance struct {
	Strategy model.Strategy `mapstructure:"strategy" yaml:"strategy"`
}

type Refresh struct {
	Interval         time.Duration `mapstructure:"interval" yaml:"interval"`
	Stagger          time.Duration `mapstructure:"stagger" yaml:"stagger"`
	Timeout          time.Duration `mapstructure:"timeout" yaml:"timeout"`
	FailureThreshold int           `mapstructure:"failure_threshold" yaml:"failure_threshold"`
}

type Database struct {
	Type string `mapstructure:"type" yaml:"type"`
	Dsn  string `mapstructure:"dsn" yaml:"dsn"`
}

type Downstream struct {
	AuthURL       string        `mapstructure:"auth_url" yaml:"auth_url"`
	APIURL        string        `mapstructure:"api_url" yaml:"api_url"`
	ClientID      string        `mapstructure:"client_id" yaml:"client_id"`
	ClientSecret  string        `mapstructure:"client_secret" yaml:"client_secret"`
	UserAgent     string        `mapstructure:"user_agent" yaml:"user_agent"`
	Referer       string        `mapstructure:"referer" yaml:"referer"`
	Timeout       time.Duration `mapstructure:"timeout" yaml:"timeout"`
	DownloadHosts []string      `mapstructure:"download_hosts" yaml:"download_hosts"`
}

type Proxy struct {
	Enabled bool   `mapstructure:"enabled" yaml:"enabled"`
	HTTP    string `mapstructure:"http" yaml:"http"`
	HTTPS   string `mapstructure:"https" yaml:"https"`
}

// Account is the on-disk form of a pool account.
type Account struct {
	Name         string `mapstructure:"name" yaml:"name" json:"name"`
	RefreshToken string `mapstructure:"refresh_token" yaml:"refresh_token" json:"refresh_token"`
	Enabled      bool   `mapstructure:"enabled" yaml:"enabled" json:"enabled"`
	Username     string `mapstructure:"username" yaml:"username,omitempty" json:"username,omitempty"`
}

type PoolRestriction struct {
	Mode     model.PoolMode `mapstructure:"mode" yaml:"mode" json:"mode"`
	Accounts []string       `mapstructure:"accounts" yaml:"accounts" json:"accounts"`
}

// APIKey is the on-disk form of an API key.
type APIKey struct {
	Name             string           `mapstructure:"name" yaml:"name" json:"name"`
	Key              string           `mapstructure:"key" yaml:"key" json:"key"`
	AccessMode       model.AccessMode `mapstructure:"access_mode" yaml:"access_mode" json:"access_mode"`
	AllowedEndpoints []string         `mapstructure:"allowed_endpoints" yaml:"allowed_endpoints" json:"allowed_endpoints"`
	DeniedEndpoints  []string         `mapstructure:"denied_endpoints" yaml:"denied_endpoints" json:"denied_endpoints"`
	PoolRestriction  PoolRestriction  `mapstructure:"pool_restriction" yaml:"pool_restriction" json:"pool_restriction"`
	Enabled          bool             `mapstructure:"enabled" yaml:"enabled" json:"enabled"`
	CreatedAt        time.Time        `mapstructure:"created_at" yaml:"created_at" json:"created_at"`
}

// Config is the whole configuration file.
type Config struct {
	Server      Server      `mapstructure:"server" yaml:"server"`
	Auth        Auth        `mapstructure:"auth" yaml:"auth"`
	Language    string      `mapstructure:"language" yaml:"language"`
	Log         Log         `mapstructure:"log" yaml:"log"`
	LoadBalance LoadBalance `mapstructure:"load_balance" yaml:"load_balance"`
	Refresh     Refresh     `mapstructure:"refresh" yaml:"refresh"`
	Database    Database    `mapstructure:"database" yaml:"database"`
	Downstream  Downstream  `mapstructure:"downstream" yaml:"downstream"`
	Proxy       Proxy       `mapstructure:"proxy" yaml:"proxy"`
	Accounts    []Account   `mapstructure:"accounts" yaml:"accounts"`
	APIKeys     []APIKey    `mapstructure:"api_keys" yaml:"api_keys"`
}

// Defaults returns the default values keyed by their dotted viper path.
func Defaults() map[string]any {
	return map[string]any{
		"server.host":               "0.0.0.0",
		"server.port":               6523,
		"server.ipv6":               false,
		"server.read_timeout":       "30s",
		"server.write_timeout":      "60s",
		"language":                  "en",
		"log.level":                 "info",
		"log.json":                  false,
		"load_balance.strategy":     string(model.RoundRobin),
		"refresh.interval":          "50m",
		"refresh.stagger":           "30s",
		"refresh.timeout":           "30s",
		"refresh.failure_threshold": 3,
		"database.type":             "sqlite",
		"database.dsn":              "./poolgate.db",
		"downstream.auth_url":       "https://oauth.secure.pixiv.net/auth/token",
		"downstream.api_url":        "https://app-api.pixiv.net",
		"downstream.client_id":      "",
		"downstream.client_secret":  "",
		"downstream.user_agent":     "PixivAndroidApp/5.0.234 (Android 11; Pixel 5)",
		"downstream.referer":        "https://app-api.pixiv.net/",
		"downstream.timeout":        "30s",
		"downstream.download_hosts": []string{"i.pximg.net"},
		"proxy.enabled":             false,
		"proxy.http":                "",
		"proxy.https":               "",
	}
}

// GetConfigPath returns the default config file location.
func GetConfigPath(system bool) (string, error) {
	var configDir string
	if system {
		switch runtime.GOOS {
		case "windows":
			configDir = filepath.Join(os.Getenv("ProgramData"), "Poolgate")
		default:
			configDir = "/etc/poolgate"
		}
	} else {
		dir, err := os.UserConfigDir()
		if err != nil {
			return "", fmt.Errorf("could not get user config directory: %w", err)
		}
		configDir = filepath.Join(dir, "poolgate")
	}
	return filepath.Join(configDir, FileName), nil
}

// strategyHook turns strings such as "RoundRobin" into model.Strategy.
func strategyHook() mapstructure.DecodeHookFuncType {
	return func(from, to reflect.Type, data any) (any, error) {
		if from.Kind() != reflect.String || to != reflect.TypeOf(model.Strategy("")) {
			return data, nil
		}
		s, _ := data.(string)
		if s == "" {
			return model.Strategy(""), nil
		}
		return model.ParseStrategy(s)
	}
}

// lowerHook lowercases access and pool modes so "Whitelist" is accepted.
func lowerHook() mapstructure.DecodeHookFuncType {
	accessT := reflect.TypeOf(model.AccessMode(""))
	poolT := reflect.TypeOf(model.PoolMode(""))
	return func(from, to reflect.Type, data any) (any, error) {
		if from.Kind() != reflect.String || (to != accessT && to != poolT) {
			return data, nil
		}
		s, _ := data.(string)
		return strings.ToLower(strings.TrimSpace(s)), nil
	}
}

// enabledHook defaults enabled to true for account and key entries that
// leave it out.
func enabledHook() mapstructure.DecodeHookFuncType {
	accountT := reflect.TypeOf(Account{})
	keyT := reflect.TypeOf(APIKey{})
	return func(from, to reflect.Type, data any) (any, error) {
		if to != accountT && to != keyT {
			return data, nil
		}
		switch m := data.(type) {
		case map[string]any:
			for k := range m {
				if strings.EqualFold(k, "enabled") {
					return data, nil
				}
			}
			out := make(map[string]any, len(m)+1)
			for k, v := range m {
				out[k] = v
			}
			out["enabled"] = true
			return out, nil
		case map[any]any:
			for k := range m {
				if ks, ok := k.(string); ok && strings.EqualFold(ks, "enabled") {
					return data, nil
				}
			}
			out := make(map[any]any, len(m)+1)
			for k, v := range m {
				out[k] = v
			}
			out["enabled"] = true
			return out, nil
		}
		return data, nil
	}
}

// Load reads the configuration. An explicit path must exist; otherwise the
// standard locations are searched and a missing file yields the defaults.
// Flags that were set on the command line override file and environment.
func Load(path string, flags *pflag.FlagSet) (*Config, string, error) {
	v := viper.New()
	for key, value := range Defaults() {
		v.SetDefault(key, value)
	}
	v.SetConfigType("yaml")
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName(strings.TrimSuffix(FileName, filepath.Ext(FileName)))
		v.AddConfigPath(".")
		if p, err := GetConfigPath(false); err == nil {
			v.AddConfigPath(filepath.Dir(p))
		}
		if p, err := GetConfigPath(true); err == nil {
			v.AddConfigPath(filepath.Dir(p))
		}
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !asNotFound(err, &notFound) {
			return nil, "", errs.Config("read config", err)
		}
	}

	// older files list accounts under pixiv_accounts
	if v.InConfig(legacyAccountsKey) && !v.InConfig(accountsKey) {
		v.Set(accountsKey, v.Get(legacyAccountsKey))
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	if flags != nil {
		if err := bindChanged(v, flags); err != nil {
			return nil, "", errs.Config("bind flags", err)
		}
	}

	var c Config
	hook := viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		enabledHook(),
		strategyHook(),
		lowerHook(),
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToTimeHookFunc(time.RFC3339),
		mapstructure.StringToSliceHookFunc(","),
	))
	if err := v.Unmarshal(&c, hook); err != nil {
		return nil, "", errs.Config("decode config", err)
	}
	used := v.ConfigFileUsed()
	if used == "" {
		if p, err := GetConfigPath(false); err == nil {
			used = p
		}
	}
	return &c, used, nil
}

func asNotFound(err error, target *viper.ConfigFileNotFoundError) bool {
	nf, ok := err.(viper.ConfigFileNotFoundError)
	if ok {
		*target = nf
	}
	return ok
}

// flagKeys maps CLI flag names to config keys.
var flagKeys = map[string]string{
	"host":      "server.host",
	"port":      "server.port",
	"ipv6":      "server.ipv6",
	"strategy":  "load_balance.strategy",
	"log-level": "log.level",
	"log-json":  "log.json",
}

func bindChanged(v *viper.Viper, flags *pflag.FlagSet) error {
	var err error
	flags.Visit(func(f *pflag.Flag) {
		key, ok := flagKeys[f.Name]
		if !ok || err != nil {
			return
		}
		err = v.BindPFlag(key, f)
	})
	return err
}

// Validate checks every field that the rest of the program relies on.
func (c *Config) Validate() error {
	var problems []string
	add := func(format string, args ...any) { problems = append(problems, fmt.Sprintf(format, args...)) }

	if strings.TrimSpace(c.Auth.Token) == "" {
		add("auth.token is required")
	}
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		add("server.port %d out of range", c.Server.Port)
	}
	if _, err := model.ParseStrategy(string(c.LoadBalance.Strategy)); err != nil {
		add("load_balance.strategy: %v", err)
	}
	for name, d := range map[string]time.Duration{
		"refresh.interval":     c.Refresh.Interval,
		"refresh.timeout":      c.Refresh.Timeout,
		"downstream.timeout":   c.Downstream.Timeout,
		"server.read_timeout":  c.Server.ReadTimeout,
		"server.write_timeout": c.Server.WriteTimeout,
	} {
		if d <= 0 {
			add("%s must be positive", name)
		}
	}
	if c.Refresh.Stagger < 0 {
		add("refresh.stagger must not be negative")
	}
	if c.Refresh.FailureThreshold < 1 {
		add("refresh.failure_threshold must be at least 1")
	}
	switch c.Database.Type {
	case "sqlite", "postgres", "mysql", "none":
	default:
		add("database.type %q is not supported", c.Database.Type)
	}

	seen := map[string]bool{}
	for i, a := range c.Accounts {
		if a.Name == "" {
			add("accounts[%d]: name is required", i)
			continue
		}
		if seen[a.Name] {
			add("duplicate account name %q", a.Name)
		}
		seen[a.Name] = true
	}

	names, secrets := map[string]bool{}, map[string]bool{}
	for i, k := range c.APIKeys {
		if k.Name == "" || k.Key == "" {
			add("api_keys[%d]: name and key are required", i)
			continue
		}
		if names[k.Name] {
			add("duplicate api key name %q", k.Name)
		}
		if secrets[k.Key] {
			add("api key %q reuses another key's secret", k.Name)
		}
		names[k.Name], secrets[k.Key] = true, true
		if k.AccessMode != "" && !k.AccessMode.Valid() {
			add("api key %q: invalid access_mode %q", k.Name, k.AccessMode)
		}
		if k.PoolRestriction.Mode != "" && !k.PoolRestriction.Mode.Valid() {
			add("api key %q: invalid pool_restriction.mode %q", k.Name, k.PoolRestriction.Mode)
		}
	}

	if len(problems) > 0 {
		return errs.Config("invalid configuration", fmt.Errorf("%s", strings.Join(problems, "; ")))
	}
	return nil
}

// ToModelKeys converts the on-disk keys, filling defaults for empty modes.
func (c *Config) ToModelKeys() []model.APIKey {
	out := make([]model.APIKey, 0, len(c.APIKeys))
	for _, k := range c.APIKeys {
		mk := model.APIKey{
			Name:             k.Name,
			Key:              k.Key,
			AccessMode:       k.AccessMode,
			AllowedEndpoints: append([]string{}, k.AllowedEndpoints...),
			DeniedEndpoints:  append([]string{}, k.DeniedEndpoints...),
			PoolRestriction:  model.PoolRestriction{Mode: k.PoolRestriction.Mode, Accounts: append([]string{}, k.PoolRestriction.Accounts...)},
			Enabled:          k.Enabled,
			CreatedAt:        k.CreatedAt,
		}
		if mk.AccessMode == "" {
			mk.AccessMode = model.AccessBlacklist
		}
		if mk.PoolRestriction.Mode == "" {
			mk.PoolRestriction.Mode = model.PoolAll
		}
		out = append(out, mk)
	}
	return out
}

// FromModelKeys is the inverse of ToModelKeys.
func FromModelKeys(keys []model.APIKey) []APIKey {
	out := make([]APIKey, 0, len(keys))
	for _, k := range keys {
		out = append(out, APIKey{
			Name:             k.Name,
			Key:              k.Key,
			AccessMode:       k.AccessMode,
			AllowedEndpoints: append([]string{}, k.AllowedEndpoints...),
			DeniedEndpoints:  append([]string{}, k.DeniedEndpoints...),
			PoolRestriction:  PoolRestriction{Mode: k.PoolRestriction.Mode, Accounts: append([]string{}, k.PoolRestriction.Accounts...)},
			Enabled:          k.Enabled,
			CreatedAt:        k.CreatedAt,
		})
	}
	return out
}
