package gateway

import (
	"context"
	"sort"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/c360/fedgate/errors"
	"github.com/c360/fedgate/health"
	"github.com/c360/fedgate/registry"
)

// Start subscribes to topology changes and starts the health check and
// metrics loops. The first snapshot is applied before Start returns.
func (g *Gateway) Start(ctx context.Context) error {
	if !g.started.CompareAndSwap(false, true) {
		return errors.WrapFatal(errors.ErrAlreadyStarted, "Gateway", "Start", "gateway already running")
	}

	loopCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	go func() {
		<-g.shutdownCh
		cancel()
	}()

	snapshots, stopWatch := g.registry.Watch(loopCtx)
	g.watchCancel = stopWatch

	// The registry delivers its current snapshot first.
	select {
	case snap, ok := <-snapshots:
		if ok {
			g.applySnapshot(ctx, snap)
		}
	case <-ctx.Done():
		g.stopped.Store(true)
		g.cancelWatch()
		close(g.shutdownCh)
		return ctx.Err()
	}

	g.collector.Start(loopCtx)

	g.wg.Add(2)
	go g.watchLoop(loopCtx, snapshots)
	go g.healthLoop(loopCtx)

	g.logger.Info("Gateway started",
		"services", len(g.Plan().Services),
		"health_interval", g.cfg.HealthInterval)
	return nil
}

// Stop ends the background loops and the registry subscription. In-flight
// requests are not interrupted. Stop waits for the loops until ctx is done.
func (g *Gateway) Stop(ctx context.Context) error {
	if !g.started.Load() || !g.stopped.CompareAndSwap(false, true) {
		return nil
	}

	close(g.shutdownCh)
	g.cancelWatch()
	g.collector.Stop()

	done := make(chan struct{})
	go func() {
		g.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		g.logger.Info("Gateway stopped")
		return nil
	case <-ctx.Done():
		return errors.WrapTransient(ctx.Err(), "Gateway", "Stop", "wait for background loops")
	}
}

func (g *Gateway) cancelWatch() {
	g.cancelOnce.Do(func() {
		if g.watchCancel != nil {
			g.watchCancel()
		}
	})
}

func (g *Gateway) watchLoop(ctx context.Context, snapshots <-chan *registry.Snapshot) {
	defer g.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case snap, ok := <-snapshots:
			if !ok {
				g.logger.Debug("Topology watch closed")
				return
			}
			g.applySnapshot(ctx, snap)
		}
	}
}

// applySnapshot composes the routing plan for snap and then swaps the
// balancer topology and the plan. A composer failure keeps both on the
// previous topology.
func (g *Gateway) applySnapshot(ctx context.Context, snap *registry.Snapshot) {
	previous := g.Plan()

	plan, err := g.composer.Compose(ctx, snap)
	if err != nil {
		g.logger.Error("Plan composition failed, keeping previous plan",
			"version", snap.Version(), "previous_version", previous.Version, "error", err)
		return
	}
	g.balancer.Update(snap)
	g.plan.Store(plan)

	for _, name := range previous.Services {
		if !plan.Has(name) {
			g.breaker.Forget(name)
		}
	}
	for _, name := range plan.Services {
		g.collector.Track(name)
	}
	g.monitor.Retain(plan.Services, DependencyNATS, DependencyRegistry)

	g.logger.Info("Topology applied", "version", plan.Version, "services", plan.Services)
}

// Names under which dependencies report into the health monitor.
const (
	DependencyNATS     = "nats"
	DependencyRegistry = "registry"
)

func (g *Gateway) healthLoop(ctx context.Context) {
	defer g.wg.Done()

	ticker := g.clock.Ticker(g.cfg.HealthInterval)
	defer ticker.Stop()

	g.CheckHealth(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			g.CheckHealth(ctx)
		}
	}
}

// CheckHealth probes every known instance once and feeds the results to the
// balancer, the metrics collector and the health monitor. A service with no
// healthy instance also counts one failure on its circuit.
func (g *Gateway) CheckHealth(ctx context.Context) {
	services := g.balancer.Services()

	var mu sync.Mutex
	results := make(map[string][]health.ProbeResult, len(services))

	eg, egCtx := errgroup.WithContext(ctx)
	eg.SetLimit(g.cfg.HealthConcurrency)
	for _, service := range services {
		for _, inst := range g.balancer.Instances(service) {
			eg.Go(func() error {
				r := g.prober.Probe(egCtx, inst.URL)
				mu.Lock()
				results[service] = append(results[service], r)
				mu.Unlock()
				return nil
			})
		}
	}
	_ = eg.Wait()

	if ctx.Err() != nil {
		return
	}

	for _, service := range services {
		probes := results[service]
		sort.Slice(probes, func(i, j int) bool { return probes[i].Address < probes[j].Address })
		anyHealthy := false
		for _, r := range probes {
			g.balancer.MarkHealth(r.Address, r.Healthy)
			if r.Healthy {
				anyHealthy = true
			}
		}
		// One breaker sample per service per pass, and only when nothing is
		// left to serve it. Dead instances are already skipped by the balancer.
		if !anyHealthy && len(probes) > 0 {
			g.breaker.RecordResult(service, false)
		}
		g.collector.RecordHealthCheck(service, anyHealthy)
		g.monitor.Update(service, health.FromProbes(service, probes))
	}
	g.logger.Debug("Health check complete", "services", len(services))
}
