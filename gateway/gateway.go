package gateway

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"

	"github.com/benbjohnson/clock"
	"github.com/vektah/gqlparser/v2/ast"
	"golang.org/x/sync/singleflight"

	"github.com/c360/fedgate/balancer"
	"github.com/c360/fedgate/breaker"
	"github.com/c360/fedgate/errors"
	"github.com/c360/fedgate/health"
	"github.com/c360/fedgate/metric"
	"github.com/c360/fedgate/pkg/retry"
	"github.com/c360/fedgate/ratelimit"
	"github.com/c360/fedgate/tiercache"
)

// SystemName is the component name of the aggregate health status.
const SystemName = "fedgate"

// Dependencies are the collaborators a Gateway is wired from. Registry and
// Breaker are required; everything else has a default or is optional.
type Dependencies struct {
	Registry Registry
	Breaker  *breaker.Breaker

	Balancer  *balancer.Balancer
	Cache     Cache   // nil disables caching
	Limiter   Limiter // nil disables rate limiting
	Collector *metric.Collector
	Metrics   *metric.Metrics
	Monitor   *health.Monitor
	Prober    Prober
	Composer  Composer

	HTTPClient *http.Client
	Logger     *slog.Logger
	Clock      clock.Clock
}

// Gateway runs requests through admission, caching, breaker-gated retries and
// load balancing, and keeps its view of the topology and of backend health
// current in the background.
type Gateway struct {
	cfg       Config
	registry  Registry
	breaker   *breaker.Breaker
	balancer  *balancer.Balancer
	cache     Cache
	limiter   Limiter
	collector *metric.Collector
	metrics   *metric.Metrics
	monitor   *health.Monitor
	prober    Prober
	composer  Composer
	executor  *retry.Executor
	client    *http.Client
	logger    *slog.Logger
	clock     clock.Clock

	plan   atomic.Pointer[Plan]
	flight singleflight.Group

	shutdownCh  chan struct{}
	wg          sync.WaitGroup
	watchCancel func()
	cancelOnce  sync.Once
	started     atomic.Bool
	stopped     atomic.Bool
}

// New validates cfg and wires a Gateway.
func New(cfg Config, deps Dependencies) (*Gateway, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if deps.Registry == nil {
		return nil, errors.WrapFatal(errors.ErrMissingConfig, "Gateway", "New", "registry is required")
	}
	if deps.Breaker == nil {
		return nil, errors.WrapFatal(errors.ErrMissingConfig, "Gateway", "New", "circuit breaker is required")
	}

	g := &Gateway{
		cfg:        cfg,
		registry:   deps.Registry,
		breaker:    deps.Breaker,
		balancer:   deps.Balancer,
		cache:      deps.Cache,
		limiter:    deps.Limiter,
		collector:  deps.Collector,
		metrics:    deps.Metrics,
		monitor:    deps.Monitor,
		prober:     deps.Prober,
		composer:   deps.Composer,
		client:     deps.HTTPClient,
		logger:     deps.Logger,
		clock:      deps.Clock,
		shutdownCh: make(chan struct{}),
	}
	base := g.logger
	if base == nil {
		base = slog.Default()
	}
	g.logger = base.With("component", "gateway")
	if g.clock == nil {
		g.clock = clock.New()
	}
	if g.balancer == nil {
		g.balancer = balancer.New(base)
	}
	if g.collector == nil {
		g.collector = metric.NewCollector(cfg.MetricsInterval,
			metric.WithCollectorClock(g.clock),
			metric.WithCoreMetrics(g.metrics),
			metric.WithCollectorLogger(g.logger))
	}
	if g.monitor == nil {
		g.monitor = health.NewMonitor()
	}
	if g.client == nil {
		g.client = &http.Client{}
	}
	if g.prober == nil {
		p := health.NewHTTPProber(g.client, cfg.HealthTimeout)
		p.Clock = g.clock
		g.prober = p
	}
	if g.composer == nil {
		g.composer = StaticComposer{}
	}

	executor, err := retry.NewExecutor(cfg.Retry,
		retry.WithGate(g.breaker.Gate),
		retry.WithRetryIf(errors.IsTransient),
		retry.WithClock(g.clock),
		retry.WithLogger(g.logger))
	if err != nil {
		return nil, errors.WrapInvalid(err, "Gateway", "New", "retry config")
	}
	g.executor = executor

	g.plan.Store(&Plan{Routes: map[string]Route{}})
	return g, nil
}

// Execute runs one request through the pipeline. Errors are *errors.GatewayError
// or wrap one, except exhausted retries which surface as *retry.ExhaustedError.
func (g *Gateway) Execute(ctx context.Context, req Request) (*Response, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	service := req.Service

	decision, err := g.admit(ctx, req)
	if err != nil {
		return nil, err
	}

	op, err := req.Operation()
	if err != nil {
		return nil, err
	}

	// Cached answers of a service that left the plan are not served either.
	if !g.Plan().Has(service) {
		return nil, errors.NewGatewayError(errors.KindServiceUnresolved, service, nil)
	}

	if op != ast.Query || g.cache == nil {
		resp, err := g.dispatch(ctx, req)
		if resp != nil {
			resp.RateLimit = decision
		}
		return resp, err
	}

	key := tiercache.Key(service, req.Query, req.Variables)
	if body, ok := g.cache.Get(ctx, key); ok {
		if g.metrics != nil {
			g.metrics.RecordRequest(service, metric.OutcomeCacheHit, 0)
		}
		return &Response{
			Service:     service,
			StatusCode:  http.StatusOK,
			ContentType: "application/json",
			Body:        body,
			CacheHit:    true,
			RateLimit:   decision,
		}, nil
	}

	// Identical concurrent misses share one dispatch. It runs detached from
	// the first caller's cancellation; each caller still stops waiting on its own ctx.
	flightCtx := context.WithoutCancel(ctx)
	ch := g.flight.DoChan(key, func() (any, error) {
		resp, err := g.dispatch(flightCtx, req)
		if err == nil && cacheable(resp) {
			g.cache.Set(flightCtx, key, resp.Body, g.cfg.CacheTTL)
		}
		return resp, err
	})

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		shared := *res.Val.(*Response)
		shared.RateLimit = decision
		return &shared, nil
	}
}

// admit applies the rate limit. The decision is nil when no limiter is set.
func (g *Gateway) admit(ctx context.Context, req Request) (*ratelimit.Decision, error) {
	if g.limiter == nil {
		return nil, nil
	}
	identifier := req.ClientID + ":" + req.Service
	d, err := g.limiter.Take(ctx, identifier)
	if err != nil {
		if g.metrics != nil {
			g.metrics.RecordRequest(req.Service, metric.OutcomeRejected, 0)
		}
		return nil, errors.NewGatewayError(errors.KindStoreUnavailable, req.Service, err)
	}
	if !d.Allowed {
		if g.metrics != nil {
			g.metrics.RecordRateLimited(req.Service)
			g.metrics.RecordRequest(req.Service, metric.OutcomeRejected, 0)
		}
		g.logger.Debug("Request rate limited", "service", req.Service, "client", req.ClientID)
		return nil, errors.NewGatewayError(errors.KindRateLimitExceeded, req.Service, nil)
	}
	return &d, nil
}

// cacheable reports whether a backend answer may be stored: a 2xx JSON body
// without GraphQL errors.
func cacheable(resp *Response) bool {
	if resp == nil || resp.StatusCode < 200 || resp.StatusCode > 299 {
		return false
	}
	var envelope struct {
		Errors []json.RawMessage `json:"errors"`
	}
	if err := json.Unmarshal(resp.Body, &envelope); err != nil {
		return false
	}
	return len(envelope.Errors) == 0
}

// Plan returns the current routing plan. Never nil.
func (g *Gateway) Plan() *Plan {
	return g.plan.Load()
}

// Metrics returns the per-service request aggregates.
func (g *Gateway) Metrics() map[string]metric.Snapshot {
	return g.collector.All()
}

// Health aggregates the latest per-service probe results and dependency
// statuses. The gateway is healthy only when every one of them is.
func (g *Gateway) Health() health.Status {
	return g.monitor.AggregateHealth(SystemName)
}

// Monitor exposes the health monitor so dependencies such as the NATS
// connection can report into it.
func (g *Gateway) Monitor() *health.Monitor {
	return g.monitor
}

// Breaker returns the circuit breaker.
func (g *Gateway) Breaker() *breaker.Breaker {
	return g.breaker
}

// Balancer returns the load balancer.
func (g *Gateway) Balancer() *balancer.Balancer {
	return g.balancer
}
