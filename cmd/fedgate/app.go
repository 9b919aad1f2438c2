package main

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"go.uber.org/multierr"

	"github.com/c360/fedgate/breaker"
	"github.com/c360/fedgate/config"
	"github.com/c360/fedgate/gateway"
	gwhttp "github.com/c360/fedgate/gateway/http"
	"github.com/c360/fedgate/health"
	"github.com/c360/fedgate/metric"
	"github.com/c360/fedgate/natsclient"
	"github.com/c360/fedgate/pkg/cache"
	"github.com/c360/fedgate/ratelimit"
	"github.com/c360/fedgate/registry"
	"github.com/c360/fedgate/tiercache"
)

// app holds every long-lived component so shutdown can release them in
// reverse order of construction.
type app struct {
	cfg    *config.Config
	logger *slog.Logger

	metrics  *metric.MetricsRegistry
	monitor  *health.Monitor
	nats     *natsclient.Client // nil in memory mode
	registry *registry.Registry
	cache    *tiercache.Layer // nil when caching is disabled
	gateway  *gateway.Gateway
	server   *gwhttp.Server
}

// stores are the backing stores picked by store mode.
type stores struct {
	registry registry.Store
	cache    tiercache.SharedStore
	counters ratelimit.CounterStore
}

// buildApp wires the gateway from cfg. In nats mode it connects to NATS and
// opens the KV buckets; the connection is closed again on any later failure.
func buildApp(ctx context.Context, cfg *config.Config, logger *slog.Logger) (a *app, err error) {
	a = &app{
		cfg:     cfg,
		logger:  logger,
		metrics: metric.NewMetricsRegistry(),
		monitor: health.NewMonitor(),
	}
	defer func() {
		if err != nil {
			err = multierr.Append(err, a.close(ctx))
			a = nil
		}
	}()

	core := a.metrics.CoreMetrics()

	st, err := a.openStores(ctx, core)
	if err != nil {
		return a, err
	}

	var seed []registry.ServiceDescriptor
	if cfg.Registry.Seed {
		seed = cfg.Subgraphs
	}
	a.registry, err = registry.New(st.registry,
		registry.Config{Prefix: cfg.Registry.Prefix, Seed: seed},
		registry.WithLogger(logger),
		registry.WithMetrics(core),
		registry.WithWatchStateHook(func(healthy bool, err error) {
			if healthy {
				a.monitor.UpdateHealthy(gateway.DependencyRegistry, "watching "+cfg.Registry.Prefix)
				return
			}
			a.monitor.UpdateUnhealthy(gateway.DependencyRegistry, "watch failed: "+err.Error())
		}))
	if err != nil {
		return a, fmt.Errorf("create registry: %w", err)
	}

	cb, err := breaker.New(cfg.CircuitBreaker,
		breaker.WithLogger(logger),
		breaker.WithMetrics(core))
	if err != nil {
		return a, fmt.Errorf("create circuit breaker: %w", err)
	}

	deps := gateway.Dependencies{
		Registry: a.registry,
		Breaker:  cb,
		Metrics:  core,
		Monitor:  a.monitor,
		Logger:   logger,
	}

	if cfg.Cache.Enabled {
		a.cache, err = tiercache.New(ctx, cfg.Cache.Layer(), st.cache,
			tiercache.WithLogger(logger),
			tiercache.WithMetrics(core),
			tiercache.WithLocalOptions(cache.WithMetrics[[]byte](a.metrics, "response_cache")))
		if err != nil {
			return a, fmt.Errorf("create cache: %w", err)
		}
		deps.Cache = a.cache
	}

	if cfg.RateLimit.Enabled {
		limiter, lErr := ratelimit.New(cfg.RateLimit.Limiter(), st.counters, ratelimit.WithLogger(logger))
		if lErr != nil {
			return a, fmt.Errorf("create rate limiter: %w", lErr)
		}
		deps.Limiter = limiter
	}

	a.gateway, err = gateway.New(gateway.Config{
		UpstreamTimeout:   cfg.Upstream.Timeout,
		HealthInterval:    cfg.HealthCheck.Interval,
		HealthTimeout:     cfg.HealthCheck.Timeout,
		HealthConcurrency: cfg.HealthCheck.Concurrency,
		CacheTTL:          cfg.Cache.TTL,
		Retry:             cfg.Retry.ToRetryConfig(),
		MetricsInterval:   cfg.Metrics.CollectInterval,
	}, deps)
	if err != nil {
		return a, fmt.Errorf("create gateway: %w", err)
	}

	a.server, err = gwhttp.NewServer(cfg.Server, a.gateway, a.registry,
		gwhttp.WithLogger(logger),
		gwhttp.WithPrometheus(a.metrics.Handler()))
	if err != nil {
		return a, fmt.Errorf("create http server: %w", err)
	}
	return a, nil
}

// openStores returns in-memory stores or, in nats mode, connects and opens
// the three KV buckets.
func (a *app) openStores(ctx context.Context, core *metric.Metrics) (stores, error) {
	cfg := a.cfg
	if cfg.Store.Mode == config.StoreModeMemory {
		a.logger.Info("Using in-memory stores; state is not shared between instances")
		return stores{
			registry: registry.NewMemoryStore(),
			cache:    tiercache.NewMemoryStore(nil),
			counters: ratelimit.NewMemoryCounterStore(nil),
		}, nil
	}

	opts := []natsclient.ClientOption{
		natsclient.WithClientName(appName),
		natsclient.WithMaxReconnects(cfg.NATS.MaxReconnects),
		natsclient.WithReconnectWait(cfg.NATS.ReconnectWait),
		natsclient.WithLogger(natsclient.NewSlogLogger(a.logger)),
		natsclient.WithHealthChangeCallback(func(healthy bool) {
			core.RecordNATSStatus(healthy)
			if healthy {
				a.monitor.UpdateHealthy(gateway.DependencyNATS, "connected")
			} else {
				a.monitor.UpdateUnhealthy(gateway.DependencyNATS, "disconnected")
			}
		}),
	}
	if cfg.NATS.Token != "" {
		opts = append(opts, natsclient.WithToken(cfg.NATS.Token))
	} else if cfg.NATS.Username != "" {
		opts = append(opts, natsclient.WithCredentials(cfg.NATS.Username, cfg.NATS.Password))
	}

	client, err := natsclient.NewClient(strings.Join(cfg.NATS.URLs, ","), opts...)
	if err != nil {
		return stores{}, fmt.Errorf("create NATS client: %w", err)
	}

	a.logger.Info("Connecting to NATS", "urls", cfg.NATS.URLs)
	connCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := client.Connect(connCtx); err != nil {
		return stores{}, fmt.Errorf("connect to NATS: %w", err)
	}
	a.nats = client
	core.RecordNATSStatus(true)
	a.monitor.UpdateHealthy(gateway.DependencyNATS, "connected")

	var st stores
	if st.registry, err = registry.OpenKVStore(connCtx, client, cfg.Registry.Bucket); err != nil {
		return stores{}, fmt.Errorf("open registry bucket: %w", err)
	}
	if cfg.Cache.Enabled {
		if st.cache, err = tiercache.OpenKVStore(connCtx, client, cfg.Cache.Bucket, cfg.Cache.TTL); err != nil {
			return stores{}, fmt.Errorf("open cache bucket: %w", err)
		}
	}
	if cfg.RateLimit.Enabled {
		if st.counters, err = ratelimit.OpenKVCounterStore(connCtx, client, cfg.RateLimit.Bucket, cfg.RateLimit.Window); err != nil {
			return stores{}, fmt.Errorf("open rate limit bucket: %w", err)
		}
	}
	return st, nil
}

// start brings up the registry and gateway. The HTTP server is started by
// serve.
func (a *app) start(ctx context.Context) error {
	if err := a.registry.Start(ctx); err != nil {
		return fmt.Errorf("start registry: %w", err)
	}
	if err := a.gateway.Start(ctx); err != nil {
		return fmt.Errorf("start gateway: %w", err)
	}
	return nil
}

// serve runs the HTTP server until ctx is cancelled or the listener fails.
func (a *app) serve(ctx context.Context) error {
	ready := make(chan struct{})
	errCh := make(chan error, 1)
	go func() {
		errCh <- a.server.Start(ctx, ready)
	}()

	select {
	case <-ready:
		a.logger.Info("Gateway ready", "address", a.server.Addr())
	case err := <-errCh:
		return err
	}
	return <-errCh
}

// shutdown stops every component within timeout and collects their errors.
func (a *app) shutdown(timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	var err error
	if a.server != nil {
		err = multierr.Append(err, a.server.Stop(timeout))
	}
	if a.gateway != nil {
		err = multierr.Append(err, a.gateway.Stop(ctx))
	}
	return multierr.Append(err, a.close(ctx))
}

// close releases the registry, cache and NATS connection.
func (a *app) close(ctx context.Context) error {
	var err error
	if a.registry != nil {
		err = multierr.Append(err, a.registry.Stop(5*time.Second))
	}
	if a.cache != nil {
		err = multierr.Append(err, a.cache.Close())
	}
	if a.nats != nil {
		err = multierr.Append(err, a.nats.Close(ctx))
	}
	return err
}
