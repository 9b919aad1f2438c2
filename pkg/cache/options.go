package cache

import (
	"github.com/benbjohnson/clock"

	"github.com/c360/fedgate/metric"
)

// Option configures a cache.
type Option[V any] func(*cacheOptions[V])

type cacheOptions[V any] struct {
	metricsReg    metric.MetricsRegistrar
	metricsPrefix string
	evictCallback EvictCallback[V]
	clock         clock.Clock
}

// WithMetrics exports cache statistics to Prometheus, labelled with prefix as the component.
// A nil registry or empty prefix is ignored.
func WithMetrics[V any](registry metric.MetricsRegistrar, prefix string) Option[V] {
	return func(opts *cacheOptions[V]) {
		if registry != nil && prefix != "" {
			opts.metricsReg = registry
			opts.metricsPrefix = prefix
		}
	}
}

// WithEvictionCallback sets a callback invoked for every evicted or expired entry.
func WithEvictionCallback[V any](callback EvictCallback[V]) Option[V] {
	return func(opts *cacheOptions[V]) {
		opts.evictCallback = callback
	}
}

// WithClock replaces the wall clock used for expiry and the cleanup ticker.
func WithClock[V any](c clock.Clock) Option[V] {
	return func(opts *cacheOptions[V]) {
		if c != nil {
			opts.clock = c
		}
	}
}

func applyOptions[V any](options ...Option[V]) *cacheOptions[V] {
	opts := &cacheOptions[V]{
		clock: clock.New(),
	}
	for _, opt := range options {
		if opt != nil {
			opt(opts)
		}
	}
	return opts
}
