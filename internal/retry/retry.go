// Package retry provides retry logic with exponential backoff.
package retry

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"time"
)

// Config holds retry configuration.
type Config struct {
	MaxAttempts int           // Maximum number of attempts (0 = infinite)
	InitialWait time.Duration // Initial wait time
	MaxWait     time.Duration // Maximum wait time
	Multiplier  float64       // Backoff multiplier
	Jitter      float64       // Jitter factor (0-1)

	// OnRetry is called before sleeping ahead of the next attempt.
	// remaining is the number of attempts still allowed (-1 when unbounded).
	OnRetry func(attempt, remaining int, wait time.Duration, err error)
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		MaxAttempts: 3,
		InitialWait: 100 * time.Millisecond,
		MaxWait:     10 * time.Second,
		Multiplier:  2.0,
		Jitter:      0.1,
	}
}

// RetryableError wraps an error that should be retried.
type RetryableError struct {
	Err error
}

func (e RetryableError) Error() string {
	return e.Err.Error()
}

func (e RetryableError) Unwrap() error {
	return e.Err
}

// IsRetryable returns true if the error should be retried.
func IsRetryable(err error) bool {
	var retryable RetryableError
	return errors.As(err, &retryable)
}

// Retryable wraps an error to mark it as retryable.
func Retryable(err error) error {
	if err == nil {
		return nil
	}
	return RetryableError{Err: err}
}

// ErrExhausted is returned (wrapping the last error) when every attempt failed
// with a retryable error.
var ErrExhausted = errors.New("retry attempts exhausted")

// Backoff returns the wait before attempt+1, without jitter.
func Backoff(cfg Config, attempt int) time.Duration {
	mult := cfg.Multiplier
	if mult <= 0 {
		mult = 2.0
	}
	wait := float64(cfg.InitialWait) * math.Pow(mult, float64(attempt-1))
	if cfg.MaxWait > 0 && wait > float64(cfg.MaxWait) {
		wait = float64(cfg.MaxWait)
	}
	return time.Duration(wait)
}

// Do executes fn with retries.
func Do(ctx context.Context, cfg Config, fn func() error) error {
	_, err := DoWithResult(ctx, cfg, func() (struct{}, error) {
		return struct{}{}, fn()
	})
	return err
}

// DoWithResult executes fn with retries and returns a result.
//
// Non-retryable errors are returned as-is. When the attempts run out the
// last error is returned joined with ErrExhausted.
func DoWithResult[T any](ctx context.Context, cfg Config, fn func() (T, error)) (T, error) {
	var result T
	var lastErr error

	for attempt := 1; cfg.MaxAttempts == 0 || attempt <= cfg.MaxAttempts; attempt++ {
		r, err := fn()
		if err == nil {
			return r, nil
		}

		lastErr = err

		if !IsRetryable(err) {
			return result, err
		}

		if ctx.Err() != nil {
			return result, ctx.Err()
		}

		if cfg.MaxAttempts != 0 && attempt == cfg.MaxAttempts {
			break
		}

		wait := Backoff(cfg, attempt)
		if cfg.Jitter > 0 {
			jitter := float64(wait) * cfg.Jitter * (rand.Float64()*2 - 1)
			wait += time.Duration(jitter)
		}

		if cfg.OnRetry != nil {
			remaining := -1
			if cfg.MaxAttempts != 0 {
				remaining = cfg.MaxAttempts - attempt
			}
			cfg.OnRetry(attempt, remaining, wait, err)
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return result, ctx.Err()
		case <-timer.C:
		}
	}

	return result, errors.Join(ErrExhausted, lastErr)
}
