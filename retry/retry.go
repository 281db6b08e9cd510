// Package retry runs backend operations again with exponential backoff until
// they succeed, fail for good or run out of attempts or time. The loop itself
// is github.com/juju/retry; this package decides which errors are worth
// another attempt.
package retry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/juju/clock"
	"github.com/juju/retry"
)

// Operation represents a function that can be retried
type Operation func(ctx context.Context) error

// Config holds retry configuration
type Config struct {
	// MaxAttempts is the maximum number of attempts including the initial
	// attempt. Zero or less retries until the context is done.
	MaxAttempts int

	// InitialDelay is the delay before the first retry
	InitialDelay time.Duration

	// MaxDelay is the maximum delay between retries
	MaxDelay time.Duration

	// Multiplier is the factor by which the delay increases
	Multiplier float64

	// Jitter randomizes each delay
	Jitter bool

	// ShouldRetry decides whether an error is worth another attempt.
	// Defaults to IsRetryable.
	ShouldRetry func(err error) bool

	// OnRetry is called after each failed attempt
	OnRetry func(attempt int, err error)

	// Clock drives the delays, the wall clock when nil
	Clock clock.Clock
}

// DefaultConfig returns a default retry configuration
func DefaultConfig() Config {
	return Config{
		MaxAttempts:  3,
		InitialDelay: 100 * time.Millisecond,
		MaxDelay:     30 * time.Second,
		Multiplier:   2.0,
		Jitter:       true,
	}
}

// Polling returns a configuration that keeps trying every interval (growing
// up to maxInterval) until the context expires.
func Polling(interval, maxInterval time.Duration) Config {
	return Config{
		MaxAttempts:  0,
		InitialDelay: interval,
		MaxDelay:     maxInterval,
		Multiplier:   1.5,
		Jitter:       true,
	}
}

const unlimitedAttempts = -1

func (cfg Config) backoff() func(time.Duration, int) time.Duration {
	multiplier := cfg.Multiplier
	if multiplier < 1 {
		multiplier = 1
	}
	maxDelay := cfg.MaxDelay
	if maxDelay <= 0 {
		maxDelay = cfg.delay()
	}
	return retry.ExpBackoff(cfg.delay(), maxDelay, multiplier, cfg.Jitter)
}

func (cfg Config) delay() time.Duration {
	if cfg.InitialDelay <= 0 {
		return time.Millisecond
	}
	return cfg.InitialDelay
}

// WithBackoff retries an operation with exponential backoff
func WithBackoff(ctx context.Context, op Operation, cfg Config) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("operation cancelled: %w", err)
	}

	shouldRetry := cfg.ShouldRetry
	if shouldRetry == nil {
		shouldRetry = IsRetryable
	}
	attempts := cfg.MaxAttempts
	if attempts <= 0 {
		attempts = unlimitedAttempts
	}
	clk := cfg.Clock
	if clk == nil {
		clk = clock.WallClock
	}

	var lastErr error
	err := retry.Call(retry.CallArgs{
		Func: func() error {
			lastErr = op(ctx)
			return lastErr
		},
		IsFatalError: func(err error) bool { return !shouldRetry(err) },
		NotifyFunc: func(err error, attempt int) {
			if cfg.OnRetry != nil {
				cfg.OnRetry(attempt, err)
			}
		},
		Attempts:    attempts,
		Delay:       cfg.delay(),
		MaxDelay:    cfg.MaxDelay,
		BackoffFunc: cfg.backoff(),
		Clock:       clk,
		Stop:        ctx.Done(),
	})
	switch {
	case err == nil:
		return nil
	case lastErr == nil:
		return err
	case retry.IsRetryStopped(err):
		return fmt.Errorf("operation cancelled: %w", errors.Join(lastErr, ctx.Err()))
	case retry.IsAttemptsExceeded(err):
		return fmt.Errorf("operation failed after %d attempts: %w", attempts, lastErr)
	}
	return fmt.Errorf("non-retryable error: %w", lastErr)
}

// RetryableError marks an error worth another attempt
type RetryableError struct {
	err error
}

// Error implements the error interface
func (e *RetryableError) Error() string {
	return fmt.Sprintf("retryable error: %v", e.err)
}

// Unwrap returns the underlying error
func (e *RetryableError) Unwrap() error {
	return e.err
}

// NewRetryableError wraps an error as retryable
func NewRetryableError(err error) error {
	if err == nil {
		return nil
	}
	return &RetryableError{err: err}
}

// IsRetryable checks if an error is retryable
func IsRetryable(err error) bool {
	var retryable *RetryableError
	return errors.As(err, &retryable)
}
