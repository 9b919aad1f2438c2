package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/fedgate/ratelimit"
	"github.com/c360/fedgate/registry"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0600))
	return path
}

func TestDefault_IsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())

	assert.Equal(t, 10*time.Second, cfg.HealthCheck.Interval)
	assert.Equal(t, 30*time.Second, cfg.CircuitBreaker.ResetTimeout)
	assert.Equal(t, 50.0, cfg.CircuitBreaker.ErrorRatePercent)
	assert.Equal(t, time.Hour, cfg.Cache.TTL)
	assert.Equal(t, 1000, cfg.Cache.MaxSize)
	assert.Equal(t, time.Minute, cfg.RateLimit.Window)
	assert.Equal(t, int64(100), cfg.RateLimit.MaxRequests)
	assert.Equal(t, 3, cfg.Retry.MaxAttempts)
	assert.Equal(t, time.Second, cfg.Retry.BaseDelay)
	assert.Equal(t, 5*time.Second, cfg.Retry.MaxDelay)
	assert.Equal(t, 2.0, cfg.Retry.BackoffFactor)
	assert.Equal(t, 10*time.Second, cfg.Metrics.CollectInterval)
}

func TestLoader_LoadJSON(t *testing.T) {
	path := writeFile(t, "gateway.json", `{
		"server": {"listen_address": ":9090", "read_timeout": "5s"},
		"nats": {"urls": ["nats://a:4222", "nats://b:4222"], "reconnect_wait": "500ms"},
		"subgraphs": [
			{"name": "users", "url": "http://users:4001", "instances": ["http://users-1:4001", "http://users-2:4001"]}
		],
		"circuit_breaker": {"error_threshold": 3, "reset_timeout": "1m"},
		"cache": {"ttl": "1d"},
		"rate_limit": {"max_requests": 5, "window": "1s", "failure_policy": "fail_closed"},
		"retry": {"max_attempts": 4, "base_delay": "100ms"}
	}`)

	loader := NewLoader()
	loader.EnableValidation(true)
	cfg, err := loader.LoadFile(path)
	require.NoError(t, err)

	assert.Equal(t, ":9090", cfg.Server.ListenAddress)
	assert.Equal(t, 5*time.Second, cfg.Server.ReadTimeout)
	assert.Equal(t, 30*time.Second, cfg.Server.WriteTimeout, "unset fields keep defaults")
	assert.Equal(t, []string{"nats://a:4222", "nats://b:4222"}, cfg.NATS.URLs)
	assert.Equal(t, 500*time.Millisecond, cfg.NATS.ReconnectWait)

	require.Len(t, cfg.Subgraphs, 1)
	assert.Equal(t, []string{"http://users-1:4001", "http://users-2:4001"}, cfg.Subgraphs[0].Instances)

	assert.Equal(t, 3, cfg.CircuitBreaker.ErrorThreshold)
	assert.Equal(t, 50.0, cfg.CircuitBreaker.ErrorRatePercent)
	assert.Equal(t, time.Minute, cfg.CircuitBreaker.ResetTimeout)
	assert.Equal(t, 24*time.Hour, cfg.Cache.TTL)
	assert.Equal(t, ratelimit.FailClosed, cfg.RateLimit.FailurePolicy)
	assert.Equal(t, time.Second, cfg.RateLimit.Window)
	assert.Equal(t, 4, cfg.Retry.MaxAttempts)
	assert.Equal(t, 100*time.Millisecond, cfg.Retry.BaseDelay)
	assert.Equal(t, 5*time.Second, cfg.Retry.MaxDelay)
}

func TestLoader_LoadYAML(t *testing.T) {
	path := writeFile(t, "gateway.yaml", `
store:
  mode: memory
health_check:
  interval: 2s
  concurrency: 2
subgraphs:
  - name: orders
    url: http://orders:4002
  - name: users
    instances:
      - http://users-1:4001
cache:
  enabled: false
`)

	loader := NewLoader()
	loader.EnableValidation(true)
	cfg, err := loader.LoadFile(path)
	require.NoError(t, err)

	assert.Equal(t, StoreModeMemory, cfg.Store.Mode)
	assert.Equal(t, 2*time.Second, cfg.HealthCheck.Interval)
	assert.Equal(t, 3*time.Second, cfg.HealthCheck.Timeout)
	assert.Equal(t, 2, cfg.HealthCheck.Concurrency)
	assert.False(t, cfg.Cache.Enabled)
	require.Len(t, cfg.Subgraphs, 2)
	assert.Equal(t, "orders", cfg.Subgraphs[0].Name)
}

func TestLoader_Layers(t *testing.T) {
	base := writeFile(t, "base.json", `{"rate_limit": {"max_requests": 10, "window": "10s"}, "upstream": {"timeout": "2s"}}`)
	override := writeFile(t, "prod.yml", "rate_limit:\n  max_requests: 500\n")

	loader := NewLoader()
	loader.AddLayer(base)
	loader.AddLayer(override)
	cfg, err := loader.Load()
	require.NoError(t, err)

	assert.Equal(t, int64(500), cfg.RateLimit.MaxRequests)
	assert.Equal(t, 10*time.Second, cfg.RateLimit.Window)
	assert.Equal(t, 2*time.Second, cfg.Upstream.Timeout)
}

func TestLoader_EnvOverrides(t *testing.T) {
	t.Setenv("FEDGATE_NATS_URLS", "nats://x:4222,nats://y:4222")
	t.Setenv("FEDGATE_STORE_MODE", "memory")
	t.Setenv("FEDGATE_LISTEN_ADDRESS", ":7000")
	t.Setenv("FEDGATE_CACHE_ENABLED", "false")
	t.Setenv("FEDGATE_RATE_LIMIT_FAILURE_POLICY", "fail_closed")
	t.Setenv("FEDGATE_NATS_TOKEN", "s3cret")

	cfg, err := NewLoader().Load()
	require.NoError(t, err)

	assert.Equal(t, []string{"nats://x:4222", "nats://y:4222"}, cfg.NATS.URLs)
	assert.Equal(t, StoreModeMemory, cfg.Store.Mode)
	assert.Equal(t, ":7000", cfg.Server.ListenAddress)
	assert.False(t, cfg.Cache.Enabled)
	assert.Equal(t, ratelimit.FailClosed, cfg.RateLimit.FailurePolicy)
	assert.NotContains(t, cfg.String(), "s3cret")
}

func TestLoader_EnvOverrideBadBool(t *testing.T) {
	t.Setenv("FEDGATE_RATE_LIMIT_ENABLED", "maybe")
	_, err := NewLoader().Load()
	assert.Error(t, err)
}

func TestLoader_Errors(t *testing.T) {
	tests := []struct {
		name    string
		file    string
		content string
	}{
		{"bad duration", "a.json", `{"cache": {"ttl": "forever"}}`},
		{"malformed json", "b.json", `{"cache": {`},
		{"malformed yaml", "c.yaml", "cache: [unclosed"},
		{"wrong extension", "d.toml", `cache = {}`},
		{"unknown section", "e.yaml", "caching:\n  ttl: 1h\n"},
		{"misspelled key", "f.json", `{"rate_limit": {"max_request": 5}}`},
		{"unknown failure policy", "g.yaml", "rate_limit:\n  failure_policy: fail_sideways\n"},
		{"subgraph without name", "h.json", `{"subgraphs": [{"url": "http://x"}]}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := writeFile(t, tt.file, tt.content)
			_, err := NewLoader().LoadFile(path)
			assert.Error(t, err)
		})
	}

	_, err := NewLoader().LoadFile(filepath.Join(t.TempDir(), "missing.json"))
	assert.Error(t, err)
}

func TestLoader_SchemaErrorNamesField(t *testing.T) {
	path := writeFile(t, "typo.yaml", "upstream:\n  timout: 2s\n")
	_, err := NewLoader().LoadFile(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "timout")
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"unknown store mode", func(c *Config) { c.Store.Mode = "etcd" }},
		{"nats without urls", func(c *Config) { c.NATS.URLs = nil }},
		{"bad bucket", func(c *Config) { c.Cache.Bucket = "has.dot" }},
		{"prefix without dot", func(c *Config) { c.Registry.Prefix = "services" }},
		{"invalid subgraph", func(c *Config) { c.Subgraphs = []registry.ServiceDescriptor{{Name: "x"}} }},
		{"duplicate subgraph", func(c *Config) {
			d := registry.ServiceDescriptor{Name: "x", URL: "http://x"}
			c.Subgraphs = []registry.ServiceDescriptor{d, d}
		}},
		{"zero health interval", func(c *Config) { c.HealthCheck.Interval = 0 }},
		{"zero concurrency", func(c *Config) { c.HealthCheck.Concurrency = 0 }},
		{"breaker rate", func(c *Config) { c.CircuitBreaker.ErrorRatePercent = 150 }},
		{"cache ttl", func(c *Config) { c.Cache.TTL = 0 }},
		{"rate limit policy", func(c *Config) { c.RateLimit.FailurePolicy = "fail_sideways" }},
		{"retry attempts", func(c *Config) { c.Retry.MaxAttempts = 0 }},
		{"retry delays", func(c *Config) { c.Retry.MaxDelay = time.Millisecond }},
		{"retry factor", func(c *Config) { c.Retry.BackoffFactor = 0.5 }},
		{"metrics interval", func(c *Config) { c.Metrics.CollectInterval = 0 }},
		{"upstream timeout", func(c *Config) { c.Upstream.Timeout = 0 }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}

	t.Run("memory mode needs no nats", func(t *testing.T) {
		cfg := Default()
		cfg.Store.Mode = StoreModeMemory
		cfg.NATS.URLs = nil
		assert.NoError(t, cfg.Validate())
	})

	t.Run("disabled sections are not checked", func(t *testing.T) {
		cfg := Default()
		cfg.Cache.Enabled = false
		cfg.Cache.TTL = 0
		cfg.RateLimit.Enabled = false
		cfg.RateLimit.MaxRequests = 0
		assert.NoError(t, cfg.Validate())
	})
}

