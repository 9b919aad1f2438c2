package retry

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/benbjohnson/clock"
)

// Gate decides whether an attempt against service may proceed. A non-nil error
// aborts the run immediately without consuming an attempt or sleeping. The
// returned context is the one the attempt runs with.
type Gate func(ctx context.Context, service string) (context.Context, error)

// ExhaustedError is returned when every attempt for a service failed.
type ExhaustedError struct {
	Service  string
	Attempts int
	Err      error
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("retries exhausted for service %s after %d attempts: %v", e.Service, e.Attempts, e.Err)
}

func (e *ExhaustedError) Unwrap() error {
	return e.Err
}

// Executor runs per-service operations with bounded exponential backoff,
// consulting a Gate (normally a circuit breaker) before every attempt.
type Executor struct {
	cfg    Config
	gate    Gate
	retryIf func(error) bool
	clock   clock.Clock
	logger *slog.Logger
}

// ExecutorOption configures an Executor
type ExecutorOption func(*Executor)

// WithGate installs the per-attempt admission check.
func WithGate(g Gate) ExecutorOption {
	return func(e *Executor) { e.gate = g }
}

// WithRetryIf limits retries to errors for which fn returns true. Errors
// wrapped with NonRetryable are never retried.
func WithRetryIf(fn func(error) bool) ExecutorOption {
	return func(e *Executor) { e.retryIf = fn }
}

// WithClock replaces the wall clock used for backoff sleeps.
func WithClock(c clock.Clock) ExecutorOption {
	return func(e *Executor) { e.clock = c }
}

// WithLogger sets the logger used for attempt failures.
func WithLogger(l *slog.Logger) ExecutorOption {
	return func(e *Executor) { e.logger = l }
}

// NewExecutor validates cfg and builds an Executor.
func NewExecutor(cfg Config, opts ...ExecutorOption) (*Executor, error) {
	cfg, err := cfg.normalize()
	if err != nil {
		return nil, err
	}
	e := &Executor{
		cfg:    cfg,
		clock:  clock.New(),
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

// Config returns the normalized configuration.
func (e *Executor) Config() Config {
	return e.cfg
}

// Run calls op until it succeeds, the gate refuses, op returns an error that
// is not retryable, ctx ends, or MaxAttempts is reached. Attempts are numbered from 1.
func (e *Executor) Run(ctx context.Context, service string, op func(ctx context.Context, attempt int) error) error {
	var lastErr error

	for attempt := 1; attempt <= e.cfg.MaxAttempts; attempt++ {
		attemptCtx := ctx
		if e.gate != nil {
			gated, err := e.gate(ctx, service)
			if err != nil {
				return err
			}
			attemptCtx = gated
		}

		err := op(attemptCtx, attempt)
		if err == nil {
			return nil
		}
		lastErr = err

		if IsNonRetryable(err) || (e.retryIf != nil && !e.retryIf(err)) {
			return err
		}

		e.logger.Debug("attempt failed",
			"service", service,
			"attempt", attempt,
			"max_attempts", e.cfg.MaxAttempts,
			"error", err)

		if ctx.Err() != nil {
			return fmt.Errorf("retry cancelled after attempt %d: %w", attempt, ctx.Err())
		}

		if attempt == e.cfg.MaxAttempts {
			break
		}

		if err := sleep(ctx, e.clock, e.cfg.jittered(e.cfg.Delay(attempt))); err != nil {
			return fmt.Errorf("retry cancelled during backoff for attempt %d: %w", attempt+1, err)
		}
	}

	return &ExhaustedError{Service: service, Attempts: e.cfg.MaxAttempts, Err: lastErr}
}

// RunWithResult is Run for operations producing a value.
func RunWithResult[T any](ctx context.Context, e *Executor, service string, op func(ctx context.Context, attempt int) (T, error)) (T, error) {
	var result T
	err := e.Run(ctx, service, func(ctx context.Context, attempt int) error {
		var innerErr error
		result, innerErr = op(ctx, attempt)
		return innerErr
	})
	return result, err
}
