package metric

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Request outcomes used as the "outcome" label.
const (
	OutcomeSuccess  = "success"
	OutcomeError    = "error"
	OutcomeCacheHit = "cache_hit"
	OutcomeRejected = "rejected"
)

// Metrics contains the gateway-level Prometheus metrics
type Metrics struct {
	RequestsTotal   *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec
	HealthStatus    *prometheus.GaugeVec
	CircuitState    *prometheus.GaugeVec
	RateLimited     *prometheus.CounterVec
	CacheLookups    *prometheus.CounterVec
	RegistryUpdates prometheus.Counter
	NATSConnected   prometheus.Gauge
}

// NewMetrics creates the gateway metric set (unregistered)
func NewMetrics() *Metrics {
	return &Metrics{
		RequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "fedgate",
				Subsystem: "gateway",
				Name:      "requests_total",
				Help:      "Total number of subgraph requests by outcome",
			},
			[]string{"service", "outcome"},
		),

		RequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "fedgate",
				Subsystem: "gateway",
				Name:      "request_duration_seconds",
				Help:      "Subgraph request duration in seconds, including retries",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"service"},
		),

		HealthStatus: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: "fedgate",
				Subsystem: "gateway",
				Name:      "health_status",
				Help:      "Last health probe result per service (0=unhealthy, 1=healthy)",
			},
			[]string{"service"},
		),

		CircuitState: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: "fedgate",
				Subsystem: "gateway",
				Name:      "circuit_state",
				Help:      "Circuit breaker state per service (0=closed, 1=open, 2=half-open)",
			},
			[]string{"service"},
		),

		RateLimited: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "fedgate",
				Subsystem: "gateway",
				Name:      "rate_limited_total",
				Help:      "Requests rejected by the rate limiter",
			},
			[]string{"service"},
		),

		CacheLookups: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "fedgate",
				Subsystem: "gateway",
				Name:      "cache_lookups_total",
				Help:      "Two-tier cache lookups by tier and result",
			},
			[]string{"tier", "result"},
		),

		RegistryUpdates: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "fedgate",
				Subsystem: "registry",
				Name:      "snapshots_total",
				Help:      "Topology snapshots published by the service registry",
			},
		),

		NATSConnected: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "fedgate",
				Subsystem: "nats",
				Name:      "connected",
				Help:      "NATS connection status (0=disconnected, 1=connected)",
			},
		),
	}
}

func (m *Metrics) register(reg prometheus.Registerer) {
	reg.MustRegister(
		m.RequestsTotal,
		m.RequestDuration,
		m.HealthStatus,
		m.CircuitState,
		m.RateLimited,
		m.CacheLookups,
		m.RegistryUpdates,
		m.NATSConnected,
	)
}

// RecordRequest counts a finished request and observes its duration
func (m *Metrics) RecordRequest(service, outcome string, duration time.Duration) {
	m.RequestsTotal.WithLabelValues(service, outcome).Inc()
	if outcome == OutcomeSuccess || outcome == OutcomeError {
		m.RequestDuration.WithLabelValues(service).Observe(duration.Seconds())
	}
}

// RecordHealthStatus updates the health gauge
func (m *Metrics) RecordHealthStatus(service string, healthy bool) {
	m.HealthStatus.WithLabelValues(service).Set(boolGauge(healthy))
}

// RecordCircuitState updates the breaker gauge
func (m *Metrics) RecordCircuitState(service string, state int) {
	m.CircuitState.WithLabelValues(service).Set(float64(state))
}

// RecordRateLimited counts a rejected request
func (m *Metrics) RecordRateLimited(service string) {
	m.RateLimited.WithLabelValues(service).Inc()
}

// RecordCacheLookup counts a lookup against one tier
func (m *Metrics) RecordCacheLookup(tier string, hit bool) {
	result := "miss"
	if hit {
		result = "hit"
	}
	m.CacheLookups.WithLabelValues(tier, result).Inc()
}

// RecordNATSStatus updates NATS connection status
func (m *Metrics) RecordNATSStatus(connected bool) {
	m.NATSConnected.Set(boolGauge(connected))
}

func boolGauge(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
