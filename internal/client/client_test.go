package client

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pentaract/pentaract/internal/channel"
	"github.com/pentaract/pentaract/internal/metadata"
	"github.com/pentaract/pentaract/internal/retry"
)

func newTestClient(url string) *Client {
	return New(Config{
		BaseURL: url,
		RetryConfig: retry.Config{
			MaxAttempts: 3,
			InitialWait: time.Millisecond,
			MaxWait:     5 * time.Millisecond,
			Multiplier:  2,
		},
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func TestPing(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/health", r.URL.Path)
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}))
	defer ts.Close()

	assert.NoError(t, newTestClient(ts.URL).Ping(context.Background()))
}

func TestUpload(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "report.pdf", r.URL.Query().Get("name"))
		assert.Equal(t, "/docs", r.URL.Query().Get("folder"))
		body, _ := io.ReadAll(r.Body)
		writeJSON(w, http.StatusCreated, metadata.File{ID: "f1", Name: "report.pdf", Size: int64(len(body))})
	}))
	defer ts.Close()

	f, err := newTestClient(ts.URL).Upload(context.Background(), "/docs", "report.pdf", bytes.NewReader([]byte("%PDF")), 4)
	require.NoError(t, err)
	assert.Equal(t, "f1", f.ID)
	assert.Equal(t, int64(4), f.Size)
}

func TestUploadErrorIsNotRetried(t *testing.T) {
	var calls atomic.Int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		writeJSON(w, http.StatusInsufficientStorage, map[string]any{"error": "no channel can accept the chunk", "code": 507})
	}))
	defer ts.Close()

	_, err := newTestClient(ts.URL).Upload(context.Background(), "", "x", bytes.NewReader(nil), 0)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no channel can accept the chunk")
	assert.Equal(t, int32(1), calls.Load())
}

func TestDownloadResumesWithRange(t *testing.T) {
	content := []byte("abcdefghijklmnopqrstuvwxyz")
	var ranges []string
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ranges = append(ranges, r.Header.Get("Range"))
		if len(ranges) == 1 {
			w.Header().Set("Content-Length", strconv.Itoa(len(content)))
			w.WriteHeader(http.StatusOK)
			w.Write(content[:10])
			w.(http.Flusher).Flush()
			panic(http.ErrAbortHandler)
		}
		w.WriteHeader(http.StatusPartialContent)
		w.Write(content[10:])
	}))
	defer ts.Close()

	var out bytes.Buffer
	n, err := newTestClient(ts.URL).Download(context.Background(), "f1", 0, &out)
	require.NoError(t, err)
	assert.Equal(t, int64(len(content)), n)
	assert.Equal(t, content, out.Bytes())
	assert.Equal(t, []string{"", "bytes=10-"}, ranges)
}

func TestDownloadFromOffset(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "bytes=5-", r.Header.Get("Range"))
		w.WriteHeader(http.StatusPartialContent)
		w.Write([]byte("fghij"))
	}))
	defer ts.Close()

	var out bytes.Buffer
	_, err := newTestClient(ts.URL).Download(context.Background(), "f1", 5, &out)
	require.NoError(t, err)
	assert.Equal(t, "fghij", out.String())
}

func TestStatNotFound(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusNotFound, map[string]any{"error": "file not found", "code": 404})
	}))
	defer ts.Close()

	_, err := newTestClient(ts.URL).Stat(context.Background(), "missing")
	assert.True(t, IsNotFound(err))
}

func TestListRetriesWhenUnavailable(t *testing.T) {
	var calls atomic.Int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			writeJSON(w, http.StatusServiceUnavailable, map[string]any{"error": "command queue is full"})
			return
		}
		assert.Equal(t, "/a", r.URL.Query().Get("folder"))
		writeJSON(w, http.StatusOK, []metadata.File{{ID: "1", Name: "one"}})
	}))
	defer ts.Close()

	files, err := newTestClient(ts.URL).List(context.Background(), "/a")
	require.NoError(t, err)
	require.Len(t, files, 1)
	assert.Equal(t, "one", files[0].Name)
	assert.Equal(t, int32(2), calls.Load())
}

func TestDelete(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodDelete, r.Method)
		assert.Equal(t, "/api/files/f1", r.URL.Path)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer ts.Close()

	assert.NoError(t, newTestClient(ts.URL).Delete(context.Background(), "f1"))
}

func TestChannels(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`[{"id":1,"name":"default-local","kind":"local","outstanding":2}]`))
	}))
	defer ts.Close()

	channels, err := newTestClient(ts.URL).Channels(context.Background())
	require.NoError(t, err)
	require.Len(t, channels, 1)
	assert.Equal(t, int64(2), channels[0].Outstanding)
}

func TestCreateChannel(t *testing.T) {
	var got channel.Channel
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/api/channels", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		if got.Kind == "ftp" {
			writeJSON(w, http.StatusBadRequest, map[string]any{"error": "invalid channel", "code": 400})
			return
		}
		writeJSON(w, http.StatusCreated, channel.Status{ID: 3, Name: got.Name, Kind: got.Kind})
	}))
	defer ts.Close()

	c := newTestClient(ts.URL)
	st, err := c.CreateChannel(context.Background(), channel.Channel{
		Name:   "backup",
		Kind:   "local",
		Config: json.RawMessage(`{"root":"/srv"}`),
	})
	require.NoError(t, err)
	assert.Equal(t, 3, st.ID)
	assert.JSONEq(t, `{"root":"/srv"}`, string(got.Config))

	_, err = c.CreateChannel(context.Background(), channel.Channel{Name: "x", Kind: "ftp"})
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusBadRequest, apiErr.Status)
}
