// Package config loads process configuration for the schemaloader command.
//
// Values come from, in increasing precedence: built-in defaults, a YAML
// config file, SCHEMALOADER_* environment variables, and bound flags.
package config

import (
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/spf13/viper"

	"github.com/git-pkgs/schemaloader/internal/cache"
	"github.com/git-pkgs/schemaloader/internal/core"
	"github.com/git-pkgs/schemaloader/internal/version"
)

// EnvPrefix is prepended to environment variable names: cache.budget_bytes
// is read from SCHEMALOADER_CACHE_BUDGET_BYTES.
const EnvPrefix = "SCHEMALOADER"

// Config holds all configuration options for schemaloader.
type Config struct {
	Store    StoreConfig    `mapstructure:"store"`
	Cache    CacheConfig    `mapstructure:"cache"`
	Resolver ResolverConfig `mapstructure:"resolver"`
	Server   ServerConfig   `mapstructure:"server"`
	Log      LogConfig      `mapstructure:"log"`

	// Warm lists package references loaded when the server starts.
	Warm []string `mapstructure:"warm"`

	// Trace writes spans to stderr.
	Trace bool `mapstructure:"trace"`
}

// StoreConfig selects the schema store.
type StoreConfig struct {
	Kind     string `mapstructure:"kind"`     // "memory", "file" or "http"
	Location string `mapstructure:"location"` // seed file, root directory or base URL

	// RateLimit caps requests per second to an http store. Zero is unlimited.
	RateLimit float64 `mapstructure:"rate_limit"`
	RateBurst int     `mapstructure:"rate_burst"`
}

// CacheConfig sizes the schema cache.
type CacheConfig struct {
	BudgetBytes     int64         `mapstructure:"budget_bytes"`
	MaxIdle         time.Duration `mapstructure:"max_idle"`
	JanitorInterval time.Duration `mapstructure:"janitor_interval"`
	FetchTimeout    time.Duration `mapstructure:"fetch_timeout"`
}

// ResolverConfig tunes version list caching.
type ResolverConfig struct {
	ListTTL     time.Duration `mapstructure:"list_ttl"`
	ListTimeout time.Duration `mapstructure:"list_timeout"`
}

// ServerConfig holds listener addresses. An empty address disables that
// listener.
type ServerConfig struct {
	GRPCAddr string `mapstructure:"grpc_addr"`
	HTTPAddr string `mapstructure:"http_addr"`
}

// LogConfig controls process logging.
type LogConfig struct {
	Level  string `mapstructure:"level"`  // debug, info, warn, error
	Format string `mapstructure:"format"` // logfmt or json
}

// Defaults returns a Config with the default values.
func Defaults() Config {
	return Config{
		Store: StoreConfig{
			Kind:      "memory",
			RateBurst: 1,
		},
		Cache: CacheConfig{
			BudgetBytes:     cache.DefaultBudget,
			JanitorInterval: cache.DefaultJanitorInterval,
			FetchTimeout:    cache.DefaultFetchTimeout,
		},
		Resolver: ResolverConfig{
			ListTTL:     version.DefaultListTTL,
			ListTimeout: version.DefaultListTimeout,
		},
		Server: ServerConfig{
			GRPCAddr: ":50051",
			HTTPAddr: ":8080",
		},
		Log: LogConfig{
			Level:  "info",
			Format: "logfmt",
		},
	}
}

// SetDefaults registers every default with v. Keys must be known to v for
// environment variables to reach Unmarshal.
func SetDefaults(v *viper.Viper) {
	d := Defaults()
	v.SetDefault("store.kind", d.Store.Kind)
	v.SetDefault("store.location", d.Store.Location)
	v.SetDefault("store.rate_limit", d.Store.RateLimit)
	v.SetDefault("store.rate_burst", d.Store.RateBurst)
	v.SetDefault("cache.budget_bytes", d.Cache.BudgetBytes)
	v.SetDefault("cache.max_idle", d.Cache.MaxIdle)
	v.SetDefault("cache.janitor_interval", d.Cache.JanitorInterval)
	v.SetDefault("cache.fetch_timeout", d.Cache.FetchTimeout)
	v.SetDefault("resolver.list_ttl", d.Resolver.ListTTL)
	v.SetDefault("resolver.list_timeout", d.Resolver.ListTimeout)
	v.SetDefault("server.grpc_addr", d.Server.GRPCAddr)
	v.SetDefault("server.http_addr", d.Server.HTTPAddr)
	v.SetDefault("log.level", d.Log.Level)
	v.SetDefault("log.format", d.Log.Format)
	v.SetDefault("warm", []string{})
	v.SetDefault("trace", false)
}

// Load reads configuration into a Config. If path is empty only defaults,
// the environment and flags already bound to v apply.
func Load(v *viper.Viper, path string) (Config, error) {
	SetDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("reading config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("decoding config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks the configuration for errors.
func (c Config) Validate() error {
	var errs []error
	if c.Store.Kind == "" {
		errs = append(errs, errors.New("store.kind is required"))
	}
	if c.Store.RateLimit < 0 {
		errs = append(errs, fmt.Errorf("store.rate_limit must not be negative, got %v", c.Store.RateLimit))
	}
	durations := []struct {
		key string
		d   time.Duration
	}{
		{"cache.max_idle", c.Cache.MaxIdle},
		{"cache.janitor_interval", c.Cache.JanitorInterval},
		{"cache.fetch_timeout", c.Cache.FetchTimeout},
		{"resolver.list_ttl", c.Resolver.ListTTL},
		{"resolver.list_timeout", c.Resolver.ListTimeout},
	}
	for _, d := range durations {
		if d.d < 0 {
			errs = append(errs, fmt.Errorf("%s must not be negative, got %s", d.key, d.d))
		}
	}
	if _, err := parseLevel(c.Log.Level); err != nil {
		errs = append(errs, err)
	}
	switch c.Log.Format {
	case "", "logfmt", "json":
	default:
		errs = append(errs, fmt.Errorf("log.format must be \"logfmt\" or \"json\", got %q", c.Log.Format))
	}
	if _, err := c.WarmRefs(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// WarmRefs parses the warm list.
func (c Config) WarmRefs() ([]core.PackageRef, error) {
	refs := make([]core.PackageRef, 0, len(c.Warm))
	for _, s := range c.Warm {
		ref, err := core.ParseRef(s)
		if err != nil {
			return nil, fmt.Errorf("warm entry %q: %w", s, err)
		}
		refs = append(refs, ref)
	}
	return refs, nil
}

// NewLogger builds a leveled logger writing to w.
func (c LogConfig) NewLogger(w io.Writer) (log.Logger, error) {
	opt, err := parseLevel(c.Level)
	if err != nil {
		return nil, err
	}

	var logger log.Logger
	if c.Format == "json" {
		logger = log.NewJSONLogger(log.NewSyncWriter(w))
	} else {
		logger = log.NewLogfmtLogger(log.NewSyncWriter(w))
	}
	logger = log.With(logger, "ts", log.DefaultTimestampUTC)
	return level.NewFilter(logger, opt), nil
}

func parseLevel(s string) (level.Option, error) {
	switch strings.ToLower(s) {
	case "debug":
		return level.AllowDebug(), nil
	case "", "info":
		return level.AllowInfo(), nil
	case "warn", "warning":
		return level.AllowWarn(), nil
	case "error":
		return level.AllowError(), nil
	default:
		return nil, fmt.Errorf("log.level must be one of debug, info, warn, error, got %q", s)
	}
}
