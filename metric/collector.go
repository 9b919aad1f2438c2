package metric

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
)

// Snapshot is the per-service view served on /metrics.
type Snapshot struct {
	RequestCount       int64     `json:"requestCount"`
	ErrorCount         int64     `json:"errorCount"`
	AverageLatency     float64   `json:"averageLatency"` // milliseconds, last completed window
	LastWindowRequests int       `json:"lastWindowRequests"`
	SuccessRate        float64   `json:"successRate"`
	IsHealthy          bool      `json:"isHealthy"`
	LastHealthCheck    time.Time `json:"lastHealthCheck,omitempty"`
}

func initialSnapshot() Snapshot {
	return Snapshot{SuccessRate: 100}
}

type serviceStats struct {
	mu      sync.Mutex
	snap    Snapshot
	samples []time.Duration
}

// Collector aggregates per-service request counters and latency samples.
// Each service has its own lock so recording for one service never waits on
// another.
type Collector struct {
	interval time.Duration
	clock    clock.Clock
	core     *Metrics
	logger   *slog.Logger

	mu       sync.RWMutex
	services map[string]*serviceStats

	shutdownCh chan struct{}
	wg         sync.WaitGroup
	started    atomic.Bool
	stopped    atomic.Bool
}

// CollectorOption configures a Collector
type CollectorOption func(*Collector)

// WithCollectorClock replaces the ticker clock
func WithCollectorClock(c clock.Clock) CollectorOption {
	return func(col *Collector) { col.clock = c }
}

// WithCoreMetrics mirrors recorded values into Prometheus
func WithCoreMetrics(m *Metrics) CollectorOption {
	return func(col *Collector) { col.core = m }
}

// WithCollectorLogger sets the logger
func WithCollectorLogger(l *slog.Logger) CollectorOption {
	return func(col *Collector) { col.logger = l }
}

// NewCollector creates a collector that recomputes aggregates every interval
func NewCollector(interval time.Duration, opts ...CollectorOption) *Collector {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	c := &Collector{
		interval:   interval,
		clock:      clock.New(),
		logger:     slog.Default(),
		services:   make(map[string]*serviceStats),
		shutdownCh: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Collector) entry(service string) *serviceStats {
	c.mu.RLock()
	s, ok := c.services[service]
	c.mu.RUnlock()
	if ok {
		return s
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if s, ok = c.services[service]; ok {
		return s
	}
	s = &serviceStats{snap: initialSnapshot()}
	c.services[service] = s
	return s
}

// Track makes service visible in All even before it receives traffic
func (c *Collector) Track(service string) {
	c.entry(service)
}

// RecordRequest counts one finished call against service
func (c *Collector) RecordRequest(service string, duration time.Duration, isError bool) {
	s := c.entry(service)
	s.mu.Lock()
	s.snap.RequestCount++
	if isError {
		s.snap.ErrorCount++
	}
	s.samples = append(s.samples, duration)
	s.mu.Unlock()

	if c.core != nil {
		outcome := OutcomeSuccess
		if isError {
			outcome = OutcomeError
		}
		c.core.RecordRequest(service, outcome, duration)
	}
}

// RecordHealthCheck stores the latest probe result for service
func (c *Collector) RecordHealthCheck(service string, healthy bool) {
	s := c.entry(service)
	s.mu.Lock()
	s.snap.IsHealthy = healthy
	s.snap.LastHealthCheck = c.clock.Now()
	s.mu.Unlock()

	if c.core != nil {
		c.core.RecordHealthStatus(service, healthy)
	}
}

// Snapshot returns the current view of service; unknown services report the
// initial values with IsHealthy false.
func (c *Collector) Snapshot(service string) Snapshot {
	c.mu.RLock()
	s, ok := c.services[service]
	c.mu.RUnlock()
	if !ok {
		return initialSnapshot()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snap
}

// All returns a snapshot for every tracked service
func (c *Collector) All() map[string]Snapshot {
	out := make(map[string]Snapshot)
	for _, name := range c.Services() {
		out[name] = c.Snapshot(name)
	}
	return out
}

// Services lists tracked service names in order
func (c *Collector) Services() []string {
	c.mu.RLock()
	names := make([]string, 0, len(c.services))
	for name := range c.services {
		names = append(names, name)
	}
	c.mu.RUnlock()
	sort.Strings(names)
	return names
}

// Collect closes the current window for every service: average latency and
// success rate are recomputed and the sample buffer is cleared.
func (c *Collector) Collect() {
	c.mu.RLock()
	entries := make([]*serviceStats, 0, len(c.services))
	for _, s := range c.services {
		entries = append(entries, s)
	}
	c.mu.RUnlock()

	for _, s := range entries {
		s.mu.Lock()
		var total time.Duration
		for _, d := range s.samples {
			total += d
		}
		if n := len(s.samples); n > 0 {
			s.snap.AverageLatency = float64(total.Microseconds()) / 1000 / float64(n)
		} else {
			s.snap.AverageLatency = 0
		}
		s.snap.SuccessRate = successRate(s.snap.RequestCount, s.snap.ErrorCount)
		s.snap.LastWindowRequests = len(s.samples)
		s.samples = s.samples[:0]
		s.mu.Unlock()
	}
}

func successRate(total, errs int64) float64 {
	if total == 0 {
		return 100
	}
	return float64(total-errs) / float64(total) * 100
}

// Start runs Collect on every interval until Stop or ctx is done
func (c *Collector) Start(ctx context.Context) {
	if !c.started.CompareAndSwap(false, true) {
		return
	}
	ticker := c.clock.Ticker(c.interval)

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-c.shutdownCh:
				return
			case <-ticker.C:
				c.Collect()
			}
		}
	}()
	c.logger.Debug("metrics collector started", "interval", c.interval)
}

// Stop halts the collection loop. Safe to call more than once.
func (c *Collector) Stop() {
	if !c.stopped.CompareAndSwap(false, true) {
		return
	}
	close(c.shutdownCh)
	c.wg.Wait()
}
