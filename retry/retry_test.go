package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fastConfig(attempts int) Config {
	return Config{
		MaxAttempts:  attempts,
		InitialDelay: time.Millisecond,
		MaxDelay:     5 * time.Millisecond,
		Multiplier:   2,
	}
}

func TestWithBackoffSucceedsAfterRetries(t *testing.T) {
	calls := 0
	err := WithBackoff(context.Background(), func(ctx context.Context) error {
		calls++
		if calls < 3 {
			return NewRetryableError(errors.New("busy"))
		}
		return nil
	}, fastConfig(5))

	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestWithBackoffStopsOnNonRetryable(t *testing.T) {
	calls := 0
	err := WithBackoff(context.Background(), func(ctx context.Context) error {
		calls++
		return errors.New("fatal")
	}, fastConfig(5))

	require.Error(t, err)
	assert.Equal(t, 1, calls)
	assert.Contains(t, err.Error(), "non-retryable")
}

func TestWithBackoffExhaustsAttempts(t *testing.T) {
	var seen []int
	cfg := fastConfig(3)
	cfg.OnRetry = func(attempt int, err error) { seen = append(seen, attempt) }

	err := WithBackoff(context.Background(), func(ctx context.Context) error {
		return NewRetryableError(errors.New("busy"))
	}, cfg)

	require.Error(t, err)
	assert.Equal(t, []int{1, 2, 3}, seen)
}

func TestWithBackoffUnlimitedUntilContextDone(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	calls := 0
	sentinel := errors.New("held")
	err := WithBackoff(ctx, func(ctx context.Context) error {
		calls++
		return sentinel
	}, Config{InitialDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond, ShouldRetry: func(error) bool { return true }})

	require.Error(t, err)
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
	assert.True(t, errors.Is(err, sentinel))
	assert.Greater(t, calls, 1)
}

func TestWithBackoffCancelledBeforeFirstAttempt(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	calls := 0
	err := WithBackoff(ctx, func(ctx context.Context) error {
		calls++
		return nil
	}, fastConfig(3))

	require.Error(t, err)
	assert.True(t, errors.Is(err, context.Canceled))
	assert.Zero(t, calls)
}

func TestBackoffCapped(t *testing.T) {
	cfg := Config{InitialDelay: 10 * time.Millisecond, MaxDelay: 50 * time.Millisecond, Multiplier: 10}
	backoff := cfg.backoff()
	assert.GreaterOrEqual(t, backoff(0, 1), 10*time.Millisecond)
	assert.Equal(t, 50*time.Millisecond, backoff(0, 8))
}
