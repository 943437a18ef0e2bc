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
		MaxAttempts: attempts,
		InitialWait: time.Millisecond,
		MaxWait:     20 * time.Millisecond,
		Multiplier:  2.0,
	}
}

func TestDoSucceedsAfterRetries(t *testing.T) {
	calls := 0
	err := Do(context.Background(), fastConfig(5), func() error {
		calls++
		if calls < 3 {
			return Retryable(errors.New("flaky"))
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestDoStopsOnNonRetryable(t *testing.T) {
	permanent := errors.New("permanent")
	calls := 0
	err := Do(context.Background(), fastConfig(5), func() error {
		calls++
		return permanent
	})
	assert.ErrorIs(t, err, permanent)
	assert.NotErrorIs(t, err, ErrExhausted)
	assert.Equal(t, 1, calls)
}

func TestDoExhausts(t *testing.T) {
	flaky := errors.New("flaky")
	var remaining []int
	cfg := fastConfig(4)
	cfg.OnRetry = func(attempt, left int, wait time.Duration, err error) {
		remaining = append(remaining, left)
	}

	calls := 0
	err := Do(context.Background(), cfg, func() error {
		calls++
		return Retryable(flaky)
	})
	assert.ErrorIs(t, err, ErrExhausted)
	assert.ErrorIs(t, err, flaky)
	assert.Equal(t, 4, calls)
	assert.Equal(t, []int{3, 2, 1}, remaining, "no retry is announced after the final attempt")
}

func TestDoHonoursContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cfg := Config{MaxAttempts: 0, InitialWait: time.Hour, MaxWait: time.Hour}
	cfg.OnRetry = func(int, int, time.Duration, error) { cancel() }

	err := Do(ctx, cfg, func() error { return Retryable(errors.New("flaky")) })
	assert.ErrorIs(t, err, context.Canceled)
}

func TestBackoffDoublesUntilCap(t *testing.T) {
	cfg := Config{InitialWait: time.Second, MaxWait: 10 * time.Second, Multiplier: 2}

	assert.Equal(t, time.Second, Backoff(cfg, 1))
	assert.Equal(t, 2*time.Second, Backoff(cfg, 2))
	assert.Equal(t, 4*time.Second, Backoff(cfg, 3))
	assert.Equal(t, 8*time.Second, Backoff(cfg, 4))
	assert.Equal(t, 10*time.Second, Backoff(cfg, 5))
	assert.Equal(t, 10*time.Second, Backoff(cfg, 9))
}

func TestDoWithResult(t *testing.T) {
	calls := 0
	v, err := DoWithResult(context.Background(), fastConfig(3), func() (string, error) {
		calls++
		if calls == 1 {
			return "", Retryable(errors.New("flaky"))
		}
		return "ref-1", nil
	})
	require.NoError(t, err)
	assert.Equal(t, "ref-1", v)
}
