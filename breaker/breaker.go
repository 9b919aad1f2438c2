package breaker

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/c360/fedgate/errors"
	"github.com/c360/fedgate/metric"
)

// State is the circuit state of one service.
type State int

const (
	// StateClosed admits every request.
	StateClosed State = iota
	// StateOpen rejects every request until the reset timeout passes.
	StateOpen
	// StateHalfOpen admits a single probe.
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return fmt.Sprintf("unknown(%d)", int(s))
	}
}

// MarshalText renders the state name in JSON.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Config holds trip and recovery thresholds.
type Config struct {
	// ErrorThreshold trips the circuit after this many consecutive failures in a window.
	ErrorThreshold int `json:"error_threshold" yaml:"error_threshold"`
	// ErrorRatePercent trips the circuit when the window's failure rate reaches it.
	ErrorRatePercent float64 `json:"error_rate_percent" yaml:"error_rate_percent"`
	// MinimumRequests is the sample size required before the rate is evaluated.
	MinimumRequests int `json:"minimum_requests" yaml:"minimum_requests"`
	// Window is the length of the evaluation window.
	Window time.Duration `json:"window" yaml:"window"`
	// ResetTimeout is how long the circuit stays open before admitting a probe.
	ResetTimeout time.Duration `json:"reset_timeout" yaml:"reset_timeout"`
}

// DefaultConfig returns 5 consecutive failures or 50% of at least 10
// requests in a 10s window, with a 30s reset.
func DefaultConfig() Config {
	return Config{
		ErrorThreshold:   5,
		ErrorRatePercent: 50,
		MinimumRequests:  10,
		Window:           10 * time.Second,
		ResetTimeout:     30 * time.Second,
	}
}

// Validate checks the configuration.
func (c Config) Validate() error {
	switch {
	case c.ErrorThreshold <= 0:
		return errors.WrapInvalid(errors.ErrInvalidConfig, "breaker", "Validate", "error_threshold must be positive")
	case c.ErrorRatePercent <= 0 || c.ErrorRatePercent > 100:
		return errors.WrapInvalid(errors.ErrInvalidConfig, "breaker", "Validate", "error_rate_percent must be in (0, 100]")
	case c.MinimumRequests <= 0:
		return errors.WrapInvalid(errors.ErrInvalidConfig, "breaker", "Validate", "minimum_requests must be positive")
	case c.Window <= 0:
		return errors.WrapInvalid(errors.ErrInvalidConfig, "breaker", "Validate", "window must be positive")
	case c.ResetTimeout <= 0:
		return errors.WrapInvalid(errors.ErrInvalidConfig, "breaker", "Validate", "reset_timeout must be positive")
	}
	return nil
}

// StateInfo is a point-in-time view of one circuit.
type StateInfo struct {
	State               State     `json:"state"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
	WindowRequests      int       `json:"window_requests"`
	WindowFailures      int       `json:"window_failures"`
	OpenedAt            time.Time `json:"opened_at,omitempty"`
	ChangedAt           time.Time `json:"changed_at"`
}

// circuit is the per-service arena.
type circuit struct {
	mu             sync.Mutex
	state          State
	consecutive    int
	windowStart    time.Time
	requests       int
	failures       int
	openedAt       time.Time
	changedAt      time.Time
	probing        bool
	probeStartedAt time.Time
	probeID        uint64 // admission that holds the half-open slot
	probeTracked   bool   // probe admitted through Gate; only its ticket settles it
}

// ticket marks the context of a half-open probe admitted through Gate.
type ticket struct {
	service string
	id      uint64
}

type ticketKey struct{}

// Option configures a Breaker.
type Option func(*Breaker)

// WithClock injects the clock used for windows and timeouts.
func WithClock(c clock.Clock) Option {
	return func(b *Breaker) {
		if c != nil {
			b.clock = c
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(b *Breaker) {
		if l != nil {
			b.logger = l
		}
	}
}

// WithMetrics exports state changes to the circuit_state gauge.
func WithMetrics(m *metric.Metrics) Option {
	return func(b *Breaker) { b.metrics = m }
}

// WithStateChangeHook registers fn to run after every transition.
func WithStateChangeHook(fn func(service string, from, to State)) Option {
	return func(b *Breaker) { b.onChange = fn }
}

// Breaker keeps an independent circuit per service.
type Breaker struct {
	cfg      Config
	clock    clock.Clock
	logger   *slog.Logger
	metrics  *metric.Metrics
	onChange func(service string, from, to State)

	mu       sync.RWMutex
	circuits map[string]*circuit
}

// New creates a Breaker.
func New(cfg Config, opts ...Option) (*Breaker, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	b := &Breaker{
		cfg:      cfg,
		clock:    clock.New(),
		logger:   slog.Default(),
		circuits: make(map[string]*circuit),
	}
	for _, opt := range opts {
		opt(b)
	}
	b.logger = b.logger.With("component", "breaker")
	return b, nil
}

func (b *Breaker) circuit(service string) *circuit {
	b.mu.RLock()
	c, ok := b.circuits[service]
	b.mu.RUnlock()
	if ok {
		return c
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if c, ok = b.circuits[service]; ok {
		return c
	}
	now := b.clock.Now()
	c = &circuit{windowStart: now, changedAt: now}
	b.circuits[service] = c
	if b.metrics != nil {
		b.metrics.RecordCircuitState(service, int(StateClosed))
	}
	return c
}

// Allow reports whether a request to service may proceed. An open circuit
// whose reset timeout has passed moves to half-open and admits exactly one
// probe; further requests are rejected until the probe reports back. A probe
// admitted here is settled by the next RecordResult for service.
func (b *Breaker) Allow(service string) bool {
	_, ok := b.admit(service, false)
	return ok
}

// Gate admits one attempt against service. A half-open probe is tagged on the
// returned context and only Record with that context settles the circuit, so
// late results from requests admitted before the trip are ignored.
func (b *Breaker) Gate(ctx context.Context, service string) (context.Context, error) {
	id, ok := b.admit(service, true)
	if !ok {
		return ctx, errors.NewGatewayError(errors.KindCircuitOpen, service, nil)
	}
	if id != 0 {
		ctx = context.WithValue(ctx, ticketKey{}, ticket{service: service, id: id})
	}
	return ctx, nil
}

// admit returns a non-zero id when the admission takes the half-open slot.
func (b *Breaker) admit(service string, tracked bool) (uint64, bool) {
	c := b.circuit(service)
	now := b.clock.Now()

	c.mu.Lock()
	var from State
	changed := false
	allowed := false
	var id uint64

	takeProbe := func() {
		c.probing = true
		c.probeStartedAt = now
		c.probeID++
		c.probeTracked = tracked
		id = c.probeID
		allowed = true
	}

	switch c.state {
	case StateClosed:
		allowed = true
	case StateOpen:
		if now.Sub(c.openedAt) >= b.cfg.ResetTimeout {
			from, changed = c.state, true
			c.state = StateHalfOpen
			c.changedAt = now
			takeProbe()
		}
	case StateHalfOpen:
		// A probe that never reported is abandoned after another reset timeout.
		if !c.probing || now.Sub(c.probeStartedAt) >= b.cfg.ResetTimeout {
			takeProbe()
		}
	}
	c.mu.Unlock()

	if changed {
		b.transitioned(service, from, StateHalfOpen)
	}
	return id, allowed
}

// RecordResult feeds the outcome of a request to service into its circuit.
// While half-open it settles only a probe admitted through Allow.
func (b *Breaker) RecordResult(service string, success bool) {
	b.record(service, success, 0)
}

// Record is RecordResult for attempts admitted through Gate. ctx is the
// context Gate returned.
func (b *Breaker) Record(ctx context.Context, service string, success bool) {
	var id uint64
	if t, ok := ctx.Value(ticketKey{}).(ticket); ok && t.service == service {
		id = t.id
	}
	b.record(service, success, id)
}

func (b *Breaker) record(service string, success bool, id uint64) {
	c := b.circuit(service)
	now := b.clock.Now()

	c.mu.Lock()
	from := c.state
	to := from

	switch c.state {
	case StateClosed:
		if now.Sub(c.windowStart) >= b.cfg.Window {
			c.windowStart = now
			c.requests, c.failures, c.consecutive = 0, 0, 0
		}
		c.requests++
		if success {
			c.consecutive = 0
		} else {
			c.failures++
			c.consecutive++
		}
		if !success && b.shouldTrip(c) {
			to = StateOpen
		}
	case StateHalfOpen:
		if !c.probing {
			break
		}
		if c.probeTracked && id != c.probeID {
			// Not the admitted probe.
			break
		}
		c.probing = false
		if success {
			to = StateClosed
		} else {
			to = StateOpen
		}
	case StateOpen:
		// Late results from requests admitted before the trip.
	}

	if to != from {
		c.state = to
		c.changedAt = now
		switch to {
		case StateOpen:
			c.openedAt = now
		case StateClosed:
			c.windowStart = now
			c.requests, c.failures, c.consecutive = 0, 0, 0
		}
	}
	c.mu.Unlock()

	if to != from {
		b.transitioned(service, from, to)
	}
}

// shouldTrip evaluates the trip conditions. Caller holds c.mu.
func (b *Breaker) shouldTrip(c *circuit) bool {
	if c.consecutive >= b.cfg.ErrorThreshold {
		return true
	}
	if c.requests < b.cfg.MinimumRequests {
		return false
	}
	rate := float64(c.failures) * 100 / float64(c.requests)
	return rate >= b.cfg.ErrorRatePercent
}

func (b *Breaker) transitioned(service string, from, to State) {
	level := slog.LevelInfo
	if to == StateOpen {
		level = slog.LevelWarn
	}
	b.logger.Log(context.Background(), level, "Circuit state changed", "service", service, "from", from, "to", to)

	if b.metrics != nil {
		b.metrics.RecordCircuitState(service, int(to))
	}
	if b.onChange != nil {
		b.onChange(service, from, to)
	}
}

// State returns the current state of service. Unknown services are closed.
// An expired open circuit still reports open until the next Allow.
func (b *Breaker) State(service string) State {
	b.mu.RLock()
	c, ok := b.circuits[service]
	b.mu.RUnlock()
	if !ok {
		return StateClosed
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Snapshot returns the state of every known circuit.
func (b *Breaker) Snapshot() map[string]StateInfo {
	b.mu.RLock()
	circuits := make(map[string]*circuit, len(b.circuits))
	for name, c := range b.circuits {
		circuits[name] = c
	}
	b.mu.RUnlock()

	out := make(map[string]StateInfo, len(circuits))
	for name, c := range circuits {
		c.mu.Lock()
		out[name] = StateInfo{
			State:               c.state,
			ConsecutiveFailures: c.consecutive,
			WindowRequests:      c.requests,
			WindowFailures:      c.failures,
			OpenedAt:            c.openedAt,
			ChangedAt:           c.changedAt,
		}
		c.mu.Unlock()
	}
	return out
}

// Forget drops the circuit for a service that left the topology.
func (b *Breaker) Forget(service string) {
	b.mu.Lock()
	delete(b.circuits, service)
	b.mu.Unlock()
}
