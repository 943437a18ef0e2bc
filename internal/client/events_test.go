package client

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pentaract/pentaract/internal/events"
)

func TestWatchReconnects(t *testing.T) {
	var connects atomic.Int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := connects.Add(1)
		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusOK)
		fmt.Fprintf(w, ": hello\n\n")
		fmt.Fprintf(w, "event: file.completed\ndata: {\"type\":\"file.completed\",\"file_id\":\"f%d\"}\n\n", n)
		w.(http.Flusher).Flush()
	}))
	defer ts.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var mu sync.Mutex
	var got []string
	var lost atomic.Int32
	done := make(chan error, 1)
	go func() {
		done <- newTestClient(ts.URL).Watch(ctx, func(ev events.Event) {
			mu.Lock()
			got = append(got, ev.FileID)
			n := len(got)
			mu.Unlock()
			if n == 2 {
				cancel()
			}
		}, func(err error, retryIn time.Duration) {
			lost.Add(1)
			assert.Equal(t, time.Second, retryIn, "delay resets after a successful connection")
		})
	}()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("watch did not return")
	}

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"f1", "f2"}, got)
	assert.GreaterOrEqual(t, lost.Load(), int32(1))
}

func TestWatchStopsOnCancel(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusNotFound)
	}))
	defer ts.Close()

	ctx, cancel := context.WithCancel(context.Background())
	var errs atomic.Int32
	done := make(chan error, 1)
	go func() {
		done <- newTestClient(ts.URL).Watch(ctx, func(events.Event) {}, func(err error, _ time.Duration) {
			if IsNotFound(err) {
				errs.Add(1)
			}
			cancel()
		})
	}()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("watch did not stop")
	}
	assert.Equal(t, int32(1), errs.Load())
}
