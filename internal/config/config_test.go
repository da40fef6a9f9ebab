package config

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/go-kit/log/level"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/git-pkgs/schemaloader/internal/cache"
	"github.com/git-pkgs/schemaloader/internal/core"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(viper.New(), "")
	require.NoError(t, err)
	assert.Equal(t, Defaults(), withEmptyWarm(cfg))
	assert.Equal(t, int64(cache.DefaultBudget), cfg.Cache.BudgetBytes)
}

// Unmarshal yields an empty, non-nil warm list from the default.
func withEmptyWarm(cfg Config) Config {
	if len(cfg.Warm) == 0 {
		cfg.Warm = nil
	}
	return cfg
}

func TestLoadFile(t *testing.T) {
	path := writeConfig(t, `
store:
  kind: http
  location: https://schemas.example.com/v1
  rate_limit: 5
cache:
  budget_bytes: 1048576
  max_idle: 10m
resolver:
  list_ttl: 5s
server:
  grpc_addr: ""
log:
  level: debug
  format: json
warm:
  - acme/widgets@^1.0.0
  - pkg:schema/acme/gadgets
`)

	cfg, err := Load(viper.New(), path)
	require.NoError(t, err)

	assert.Equal(t, "http", cfg.Store.Kind)
	assert.Equal(t, "https://schemas.example.com/v1", cfg.Store.Location)
	assert.Equal(t, 5.0, cfg.Store.RateLimit)
	assert.Equal(t, int64(1<<20), cfg.Cache.BudgetBytes)
	assert.Equal(t, 10*time.Minute, cfg.Cache.MaxIdle)
	assert.Equal(t, cache.DefaultJanitorInterval, cfg.Cache.JanitorInterval)
	assert.Equal(t, 5*time.Second, cfg.Resolver.ListTTL)
	assert.Empty(t, cfg.Server.GRPCAddr)
	assert.Equal(t, ":8080", cfg.Server.HTTPAddr)

	refs, err := cfg.WarmRefs()
	require.NoError(t, err)
	assert.Equal(t, []core.PackageRef{
		{Name: "acme/widgets", Constraint: "^1.0.0"},
		{Name: "acme/gadgets"},
	}, refs)
}

func TestLoadEnvironment(t *testing.T) {
	t.Setenv("SCHEMALOADER_STORE_KIND", "file")
	t.Setenv("SCHEMALOADER_STORE_LOCATION", "/srv/schemas")
	t.Setenv("SCHEMALOADER_CACHE_FETCH_TIMEOUT", "45s")

	path := writeConfig(t, "store:\n  kind: memory\n")
	cfg, err := Load(viper.New(), path)
	require.NoError(t, err)

	assert.Equal(t, "file", cfg.Store.Kind, "environment overrides the file")
	assert.Equal(t, "/srv/schemas", cfg.Store.Location)
	assert.Equal(t, 45*time.Second, cfg.Cache.FetchTimeout)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(viper.New(), filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "reading config")
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"empty store kind", func(c *Config) { c.Store.Kind = "" }, "store.kind is required"},
		{"negative rate", func(c *Config) { c.Store.RateLimit = -1 }, "store.rate_limit"},
		{"negative max idle", func(c *Config) { c.Cache.MaxIdle = -time.Second }, "cache.max_idle"},
		{"negative list ttl", func(c *Config) { c.Resolver.ListTTL = -time.Second }, "resolver.list_ttl"},
		{"unknown level", func(c *Config) { c.Log.Level = "verbose" }, "log.level"},
		{"unknown format", func(c *Config) { c.Log.Format = "xml" }, "log.format"},
		{"empty warm entry", func(c *Config) { c.Warm = []string{"acme/widgets", " "} }, "warm entry"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Defaults()
			tt.mutate(&cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}

	require.NoError(t, Defaults().Validate())
}

func TestNewLogger(t *testing.T) {
	var buf bytes.Buffer
	logger, err := LogConfig{Level: "warn"}.NewLogger(&buf)
	require.NoError(t, err)

	level.Info(logger).Log("msg", "hidden")
	level.Warn(logger).Log("msg", "shown", "package", "acme/widgets")

	out := buf.String()
	assert.NotContains(t, out, "hidden")
	assert.Contains(t, out, "msg=shown")
	assert.Contains(t, out, "package=acme/widgets")

	buf.Reset()
	logger, err = LogConfig{Level: "debug", Format: "json"}.NewLogger(&buf)
	require.NoError(t, err)
	level.Debug(logger).Log("msg", "json")
	assert.Contains(t, buf.String(), `"msg":"json"`)

	_, err = LogConfig{Level: "loud"}.NewLogger(&buf)
	assert.Error(t, err)
}
