package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/c360/fedgate/breaker"
	gwerrors "github.com/c360/fedgate/errors"
	gwhttp "github.com/c360/fedgate/gateway/http"
	"github.com/c360/fedgate/ratelimit"
	"github.com/c360/fedgate/registry"
	"github.com/c360/fedgate/tiercache"
)

// Store modes
const (
	StoreModeNATS   = "nats"   // registry, shared cache and counters in JetStream KV
	StoreModeMemory = "memory" // single-process, in-memory stores
)

// Config is the complete gateway configuration.
type Config struct {
	Server         gwhttp.Config                `json:"server"`
	NATS           NATSConfig                   `json:"nats"`
	Store          StoreConfig                  `json:"store"`
	Registry       RegistryConfig               `json:"registry"`
	Subgraphs      []registry.ServiceDescriptor `json:"subgraphs,omitempty"`
	HealthCheck    HealthCheckConfig            `json:"health_check"`
	CircuitBreaker breaker.Config               `json:"circuit_breaker"`
	Cache          CacheConfig                  `json:"cache"`
	RateLimit      RateLimitConfig              `json:"rate_limit"`
	Retry          gwerrors.RetryConfig         `json:"retry"`
	Metrics        MetricsConfig                `json:"metrics"`
	Upstream       UpstreamConfig               `json:"upstream"`
}

// NATSConfig defines NATS connection settings
type NATSConfig struct {
	URLs          []string      `json:"urls,omitempty"`
	MaxReconnects int           `json:"max_reconnects,omitempty"`
	ReconnectWait time.Duration `json:"reconnect_wait,omitempty"`
	Username      string        `json:"username,omitempty"`
	Password      string        `json:"password,omitempty"`
	Token         string        `json:"token,omitempty"`
}

// StoreConfig selects where shared state lives.
type StoreConfig struct {
	Mode string `json:"mode"`
}

// RegistryConfig locates service descriptors in the coordination store.
type RegistryConfig struct {
	Bucket string `json:"bucket"`
	Prefix string `json:"prefix"`
	// Seed writes Subgraphs into the store on start.
	Seed bool `json:"seed"`
}

// HealthCheckConfig controls backend probing.
type HealthCheckConfig struct {
	Interval    time.Duration `json:"interval"`
	Timeout     time.Duration `json:"timeout"`
	Concurrency int           `json:"concurrency"`
}

// CacheConfig controls the response cache.
type CacheConfig struct {
	Enabled         bool          `json:"enabled"`
	TTL             time.Duration `json:"ttl"`
	MaxSize         int           `json:"max_size"`
	CleanupInterval time.Duration `json:"cleanup_interval"`
	Bucket          string        `json:"bucket"`
}

// Layer returns the tiercache settings.
func (c CacheConfig) Layer() tiercache.Config {
	return tiercache.Config{TTL: c.TTL, MaxSize: c.MaxSize, CleanupInterval: c.CleanupInterval}
}

// RateLimitConfig controls per-client admission.
type RateLimitConfig struct {
	Enabled       bool                    `json:"enabled"`
	Window        time.Duration           `json:"window"`
	MaxRequests   int64                   `json:"max_requests"`
	FailurePolicy ratelimit.FailurePolicy `json:"failure_policy"`
	Bucket        string                  `json:"bucket"`
}

// Limiter returns the ratelimit settings.
func (c RateLimitConfig) Limiter() ratelimit.Config {
	return ratelimit.Config{Window: c.Window, MaxRequests: c.MaxRequests, FailurePolicy: c.FailurePolicy}
}

// MetricsConfig controls the per-service aggregation window.
type MetricsConfig struct {
	CollectInterval time.Duration `json:"collect_interval"`
}

// UpstreamConfig controls calls to backends.
type UpstreamConfig struct {
	Timeout time.Duration `json:"timeout"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Server: gwhttp.DefaultConfig(),
		NATS: NATSConfig{
			URLs:          []string{"nats://localhost:4222"},
			MaxReconnects: -1,
			ReconnectWait: 2 * time.Second,
		},
		Store: StoreConfig{Mode: StoreModeNATS},
		Registry: RegistryConfig{
			Bucket: registry.DefaultBucket,
			Prefix: registry.DefaultPrefix,
			Seed:   true,
		},
		HealthCheck: HealthCheckConfig{
			Interval:    10 * time.Second,
			Timeout:     3 * time.Second,
			Concurrency: 8,
		},
		CircuitBreaker: breaker.Config{
			ErrorThreshold:   5,
			ErrorRatePercent: 50,
			MinimumRequests:  10,
			Window:           10 * time.Second,
			ResetTimeout:     30 * time.Second,
		},
		Cache: CacheConfig{
			Enabled:         true,
			TTL:             time.Hour,
			MaxSize:         1000,
			CleanupInterval: time.Minute,
			Bucket:          tiercache.DefaultBucket,
		},
		RateLimit: RateLimitConfig{
			Enabled:       true,
			Window:        time.Minute,
			MaxRequests:   100,
			FailurePolicy: ratelimit.FailOpen,
			Bucket:        ratelimit.DefaultBucket,
		},
		Retry:    gwerrors.DefaultRetryConfig(),
		Metrics:  MetricsConfig{CollectInterval: 10 * time.Second},
		Upstream: UpstreamConfig{Timeout: 10 * time.Second},
	}
}

// Clone creates a deep copy of the configuration
func (c *Config) Clone() *Config {
	if c == nil {
		return Default()
	}

	data, err := json.Marshal(c)
	if err != nil {
		copied := *c
		return &copied
	}
	var clone Config
	if err := json.Unmarshal(data, &clone); err != nil {
		copied := *c
		return &copied
	}
	return &clone
}

// Validate checks every section and fills listener defaults.
func (c *Config) Validate() error {
	if err := c.Server.Validate(); err != nil {
		return fmt.Errorf("server: %w", err)
	}

	switch c.Store.Mode {
	case StoreModeNATS:
		if len(c.NATS.URLs) == 0 {
			return errors.New("nats.urls is required when store.mode is nats")
		}
		for _, name := range []string{c.Registry.Bucket, c.Cache.Bucket, c.RateLimit.Bucket} {
			if !isValidBucketName(name) {
				return fmt.Errorf("bucket name %q is not valid for JetStream KV", name)
			}
		}
	case StoreModeMemory:
	default:
		return fmt.Errorf("store.mode must be %q or %q, got %q", StoreModeNATS, StoreModeMemory, c.Store.Mode)
	}

	if c.Registry.Prefix == "" || !strings.HasSuffix(c.Registry.Prefix, ".") {
		return fmt.Errorf("registry.prefix %q must end with a dot", c.Registry.Prefix)
	}

	seen := make(map[string]bool, len(c.Subgraphs))
	for i, d := range c.Subgraphs {
		if err := d.Validate(); err != nil {
			return fmt.Errorf("subgraphs[%d]: %w", i, err)
		}
		if seen[d.Name] {
			return fmt.Errorf("subgraphs[%d]: duplicate service %q", i, d.Name)
		}
		seen[d.Name] = true
	}

	if c.HealthCheck.Interval <= 0 || c.HealthCheck.Timeout <= 0 {
		return errors.New("health_check.interval and health_check.timeout must be positive")
	}
	if c.HealthCheck.Concurrency <= 0 {
		return errors.New("health_check.concurrency must be positive")
	}

	if err := c.CircuitBreaker.Validate(); err != nil {
		return fmt.Errorf("circuit_breaker: %w", err)
	}

	if c.Cache.Enabled {
		if c.Cache.TTL <= 0 {
			return errors.New("cache.ttl must be positive")
		}
		if c.Cache.MaxSize <= 0 {
			return errors.New("cache.max_size must be positive")
		}
	}

	if c.RateLimit.Enabled {
		if err := c.RateLimit.Limiter().Validate(); err != nil {
			return fmt.Errorf("rate_limit: %w", err)
		}
	}

	if c.Retry.MaxAttempts < 1 {
		return errors.New("retry.max_attempts must be at least 1")
	}
	if c.Retry.BaseDelay < 0 || c.Retry.MaxDelay < c.Retry.BaseDelay {
		return errors.New("retry.max_delay must be at least retry.base_delay")
	}
	if c.Retry.BackoffFactor < 1 {
		return errors.New("retry.backoff_factor must be at least 1")
	}

	if c.Metrics.CollectInterval <= 0 {
		return errors.New("metrics.collect_interval must be positive")
	}
	if c.Upstream.Timeout <= 0 {
		return errors.New("upstream.timeout must be positive")
	}
	return nil
}

// isValidBucketName reports whether s is usable as a KV bucket name.
func isValidBucketName(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		ok := (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') || r == '-' || r == '_'
		if !ok {
			return false
		}
	}
	return true
}

// String returns a JSON representation of the config with secrets masked
func (c *Config) String() string {
	redacted := c.Clone()
	if redacted.NATS.Password != "" {
		redacted.NATS.Password = "***"
	}
	if redacted.NATS.Token != "" {
		redacted.NATS.Token = "***"
	}
	data, _ := json.MarshalIndent(redacted, "", "  ")
	return string(data)
}

func (c *Config) toMap() (map[string]any, error) {
	data, err := json.Marshal(c)
	if err != nil {
		return nil, err
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, err
	}
	return m, nil
}

func isYAML(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return true
	}
	return false
}
