package transfer

import (
	"context"
	"encoding/json"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/pentaract/pentaract/internal/channel"
	"github.com/pentaract/pentaract/internal/logging"
	"github.com/pentaract/pentaract/internal/transport"
)

type staticStore []channel.Channel

func (s staticStore) ListChannels(context.Context) ([]channel.Channel, error) { return s, nil }
func (s staticStore) CreateChannel(context.Context, channel.Channel) (channel.Channel, error) {
	return channel.Channel{}, errors.New("read only")
}

// flakyTransport fails the first failures calls with err, then succeeds.
type flakyTransport struct {
	calls    atomic.Int32
	failures int32
	err      error
}

func (f *flakyTransport) attempt() error {
	if n := f.calls.Add(1); n <= f.failures {
		return f.err
	}
	return nil
}

func (f *flakyTransport) Upload(context.Context, string, []byte) (string, error) {
	if err := f.attempt(); err != nil {
		return "", err
	}
	return "ref-1", nil
}

func (f *flakyTransport) Download(context.Context, string) ([]byte, error) {
	if err := f.attempt(); err != nil {
		return nil, err
	}
	return []byte("data"), nil
}

func (f *flakyTransport) Delete(context.Context, string) error { return f.attempt() }
func (f *flakyTransport) Kind() string                         { return "flaky" }
func (f *flakyTransport) Close() error                         { return nil }

func leaseOn(t *testing.T, tr transport.Transport) *channel.Lease {
	t.Helper()
	open := func(context.Context, string, json.RawMessage) (transport.Transport, error) { return tr, nil }
	reg, err := channel.NewRegistry(context.Background(),
		staticStore{{ID: 1, Name: "test", Kind: "flaky"}}, open)
	require.NoError(t, err)
	lease, err := reg.Select(1)
	require.NoError(t, err)
	t.Cleanup(lease.Release)
	return lease
}

func observe(t *testing.T) *observer.ObservedLogs {
	t.Helper()
	core, logs := observer.New(zap.WarnLevel)
	logging.Replace(zap.New(core))
	t.Cleanup(logging.InitDefault)
	return logs
}

var fastConfig = Config{MaxAttempts: 5, BaseDelay: time.Millisecond, MaxDelay: 50 * time.Millisecond}

func TestTransientFailuresThenSuccess(t *testing.T) {
	logs := observe(t)
	tr := &flakyTransport{failures: 3, err: transport.NewTransient("upload", errors.New("timeout"))}
	x := New(fastConfig)

	ref, err := x.Upload(context.Background(), leaseOn(t, tr), "k", []byte("x"))
	require.NoError(t, err)
	assert.Equal(t, "ref-1", ref)
	assert.Equal(t, int32(4), tr.calls.Load())

	entries := logs.FilterMessage("transient transfer failure, retrying").All()
	require.Len(t, entries, 3)

	var prev time.Duration
	for i, e := range entries {
		fields := e.ContextMap()
		assert.EqualValues(t, 5-(i+1), fields["remaining_attempts"])
		delay := fields["delay"].(time.Duration)
		assert.Greater(t, delay, prev, "delays strictly increase")
		prev = delay
	}
}

func TestAlwaysTransientExhausts(t *testing.T) {
	observe(t)
	tr := &flakyTransport{failures: 100, err: transport.NewTransient("download", errors.New("503"))}
	x := New(fastConfig)

	_, err := x.Download(context.Background(), leaseOn(t, tr), "ref")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrTransferFailed)
	assert.True(t, transport.IsTransient(err), "last transport error is kept")
	assert.Equal(t, int32(5), tr.calls.Load())
}

func TestPermanentIsNotRetried(t *testing.T) {
	tr := &flakyTransport{failures: 100, err: transport.NewPermanent("delete", errors.New("forbidden"))}
	x := New(fastConfig)

	err := x.Delete(context.Background(), leaseOn(t, tr), "ref")
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrTransferFailed)
	assert.Equal(t, transport.Permanent, transport.KindOf(err))
	assert.Equal(t, int32(1), tr.calls.Load())
}

func TestRetryAfterHintExtendsDelay(t *testing.T) {
	logs := observe(t)
	hinted := &transport.Error{Op: "upload", Kind: transport.Transient, RetryAfter: 20 * time.Millisecond, Err: errors.New("429")}
	tr := &flakyTransport{failures: 1, err: hinted}
	x := New(fastConfig)

	start := time.Now()
	_, err := x.Upload(context.Background(), leaseOn(t, tr), "k", []byte("x"))
	require.NoError(t, err)
	assert.GreaterOrEqual(t, time.Since(start), 20*time.Millisecond)

	entries := logs.FilterMessage("transient transfer failure, retrying").All()
	require.Len(t, entries, 1)
	assert.Equal(t, 20*time.Millisecond, entries[0].ContextMap()["delay"])
}

func TestCancelledContextStopsRetrying(t *testing.T) {
	observe(t)
	tr := &flakyTransport{failures: 100, err: transport.NewTransient("upload", errors.New("timeout"))}
	x := New(Config{MaxAttempts: 5, BaseDelay: time.Second, MaxDelay: time.Second})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := x.Upload(ctx, leaseOn(t, tr), "k", []byte("x"))
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, int32(1), tr.calls.Load())
}
