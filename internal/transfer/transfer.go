// Package transfer moves chunk payloads over a leased channel, retrying
// transient failures with exponential backoff.
package transfer

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/pentaract/pentaract/internal/channel"
	"github.com/pentaract/pentaract/internal/logging"
	"github.com/pentaract/pentaract/internal/metrics"
	"github.com/pentaract/pentaract/internal/retry"
	"github.com/pentaract/pentaract/internal/transport"
)

// ErrTransferFailed is returned when every attempt failed transiently.
var ErrTransferFailed = errors.New("transfer failed")

// Config controls the retry discipline.
type Config struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

// DefaultConfig returns 5 attempts, 1s doubling up to 30s.
func DefaultConfig() Config {
	return Config{
		MaxAttempts: 5,
		BaseDelay:   time.Second,
		MaxDelay:    30 * time.Second,
	}
}

// Executor runs transfers against leased channels.
type Executor struct {
	cfg Config
}

// New creates an Executor. Zero fields fall back to DefaultConfig.
func New(cfg Config) *Executor {
	def := DefaultConfig()
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = def.MaxAttempts
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = def.BaseDelay
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = def.MaxDelay
	}
	return &Executor{cfg: cfg}
}

// Upload stores data on the leased channel under key and returns the remote reference.
func (x *Executor) Upload(ctx context.Context, lease *channel.Lease, key string, data []byte) (string, error) {
	start := time.Now()
	ref, err := run(ctx, x, "upload", lease, func(ctx context.Context) (string, error) {
		return lease.Transport().Upload(ctx, key, data)
	})
	metrics.RecordChunkTransfer("upload", lease.Channel().Name, int64(len(data)), time.Since(start), err == nil)
	return ref, err
}

// Download fetches the payload behind ref from the leased channel.
func (x *Executor) Download(ctx context.Context, lease *channel.Lease, ref string) ([]byte, error) {
	start := time.Now()
	data, err := run(ctx, x, "download", lease, func(ctx context.Context) ([]byte, error) {
		return lease.Transport().Download(ctx, ref)
	})
	metrics.RecordChunkTransfer("download", lease.Channel().Name, int64(len(data)), time.Since(start), err == nil)
	return data, err
}

// Delete removes the payload behind ref from the leased channel.
func (x *Executor) Delete(ctx context.Context, lease *channel.Lease, ref string) error {
	start := time.Now()
	_, err := run(ctx, x, "delete", lease, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, lease.Transport().Delete(ctx, ref)
	})
	metrics.RecordChunkTransfer("delete", lease.Channel().Name, 0, time.Since(start), err == nil)
	return err
}

func run[T any](ctx context.Context, x *Executor, op string, lease *channel.Lease, fn func(context.Context) (T, error)) (T, error) {
	ch := lease.Channel()

	// A remote retry-after hint longer than our own backoff is served before
	// the next attempt.
	var extra time.Duration

	cfg := retry.Config{
		MaxAttempts: x.cfg.MaxAttempts,
		InitialWait: x.cfg.BaseDelay,
		MaxWait:     x.cfg.MaxDelay,
		Multiplier:  2,
		OnRetry: func(attempt, remaining int, wait time.Duration, err error) {
			var hint time.Duration
			var te *transport.Error
			if errors.As(err, &te) {
				hint = te.RetryAfter
			}
			extra = max(0, hint-wait)

			logging.Warn("transient transfer failure, retrying",
				zap.String("op", op),
				zap.Int("channel_id", ch.ID),
				zap.String("channel", ch.Name),
				zap.Int("attempt", attempt),
				zap.Int("remaining_attempts", remaining),
				zap.Duration("delay", wait+extra),
				zap.Error(err))
			metrics.RecordTransferRetry(op)
		},
	}

	res, err := retry.DoWithResult(ctx, cfg, func() (T, error) {
		var zero T
		if extra > 0 {
			if err := sleep(ctx, extra); err != nil {
				return zero, err
			}
			extra = 0
		}
		if err := lease.Wait(ctx); err != nil {
			return zero, err
		}
		v, err := fn(ctx)
		if err != nil && transport.IsTransient(err) {
			return zero, retry.Retryable(err)
		}
		return v, err
	})

	if err == nil {
		return res, nil
	}
	if errors.Is(err, retry.ErrExhausted) {
		return res, fmt.Errorf("%w: %s on channel %d after %d attempts: %w",
			ErrTransferFailed, op, ch.ID, x.cfg.MaxAttempts, unwrapRetryable(err))
	}
	return res, err
}

// unwrapRetryable returns the last transport error behind an exhausted retry.
func unwrapRetryable(err error) error {
	var re retry.RetryableError
	if errors.As(err, &re) {
		return re.Err
	}
	return err
}

func sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
