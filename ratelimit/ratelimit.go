package ratelimit

import (
	"context"
	"encoding/base64"
	"fmt"
	"log/slog"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/c360/fedgate/errors"
)

// FailurePolicy decides what Allow answers when the counter store is down.
type FailurePolicy string

const (
	// FailOpen admits requests while the store is unreachable.
	FailOpen FailurePolicy = "fail_open"
	// FailClosed rejects requests while the store is unreachable.
	FailClosed FailurePolicy = "fail_closed"
)

// Config is a fixed-window limit.
type Config struct {
	Window        time.Duration `json:"window" yaml:"window"`
	MaxRequests   int64         `json:"max_requests" yaml:"max_requests"`
	FailurePolicy FailurePolicy `json:"failure_policy" yaml:"failure_policy"`
}

// DefaultConfig allows 100 requests per minute and fails open.
func DefaultConfig() Config {
	return Config{Window: time.Minute, MaxRequests: 100, FailurePolicy: FailOpen}
}

// Validate checks the configuration. An empty policy is treated as FailOpen.
func (c Config) Validate() error {
	switch {
	case c.Window < time.Millisecond:
		return errors.WrapInvalid(errors.ErrInvalidConfig, "ratelimit", "Validate", "window must be at least 1ms")
	case c.MaxRequests <= 0:
		return errors.WrapInvalid(errors.ErrInvalidConfig, "ratelimit", "Validate", "max_requests must be positive")
	}
	switch c.FailurePolicy {
	case "", FailOpen, FailClosed:
		return nil
	default:
		return errors.WrapInvalid(errors.ErrInvalidConfig, "ratelimit", "Validate",
			fmt.Sprintf("unknown failure_policy %q", c.FailurePolicy))
	}
}

// Decision is the outcome of one admission check.
type Decision struct {
	Allowed   bool
	Limit     int64
	Remaining int64
	ResetAt   time.Time
}

// Option configures a Limiter.
type Option func(*Limiter)

// WithClock injects the clock that defines window boundaries.
func WithClock(c clock.Clock) Option {
	return func(l *Limiter) {
		if c != nil {
			l.clock = c
		}
	}
}

// WithLogger sets the logger.
func WithLogger(lg *slog.Logger) Option {
	return func(l *Limiter) {
		if lg != nil {
			l.logger = lg
		}
	}
}

// Limiter admits at most MaxRequests per identifier per window.
type Limiter struct {
	cfg    Config
	store  CounterStore
	clock  clock.Clock
	logger *slog.Logger
}

// New creates a Limiter over store.
func New(cfg Config, store CounterStore, opts ...Option) (*Limiter, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.FailurePolicy == "" {
		cfg.FailurePolicy = FailOpen
	}
	l := &Limiter{cfg: cfg, store: store, clock: clock.New(), logger: slog.Default()}
	for _, opt := range opts {
		opt(l)
	}
	l.logger = l.logger.With("component", "ratelimit")
	return l, nil
}

// Config returns the effective configuration.
func (l *Limiter) Config() Config {
	return l.cfg
}

// Allow counts one request from identifier and reports whether it is within
// the limit. The error is non-nil only when the store is down and the policy
// is FailClosed.
func (l *Limiter) Allow(ctx context.Context, identifier string) (bool, error) {
	d, err := l.Take(ctx, identifier)
	return d.Allowed, err
}

// Take is Allow with the details needed for rate limit response headers.
func (l *Limiter) Take(ctx context.Context, identifier string) (Decision, error) {
	now := l.clock.Now()
	window := l.cfg.Window.Milliseconds()
	index := now.UnixMilli() / window

	d := Decision{
		Limit:   l.cfg.MaxRequests,
		ResetAt: time.UnixMilli((index + 1) * window),
	}

	count, err := l.store.Increment(ctx, Key(identifier, index), l.cfg.Window)
	if err != nil {
		if l.cfg.FailurePolicy == FailClosed {
			l.logger.Error("Counter store unavailable, rejecting", "identifier", identifier, "error", err)
			return d, errors.NewGatewayError(errors.KindStoreUnavailable, "",
				errors.WrapTransient(err, "Limiter", "Take", "increment counter"))
		}
		l.logger.Warn("Counter store unavailable, admitting", "identifier", identifier, "error", err)
		d.Allowed = true
		d.Remaining = l.cfg.MaxRequests
		return d, nil
	}

	d.Allowed = count <= l.cfg.MaxRequests
	if remaining := l.cfg.MaxRequests - count; remaining > 0 {
		d.Remaining = remaining
	}
	return d, nil
}

// Key is the counter key for identifier in the given window. The identifier
// is encoded so any caller-supplied string forms a valid KV key.
func Key(identifier string, windowIndex int64) string {
	if identifier == "" {
		identifier = "anonymous"
	}
	return fmt.Sprintf("rl.%s.%d", base64.RawURLEncoding.EncodeToString([]byte(identifier)), windowIndex)
}
