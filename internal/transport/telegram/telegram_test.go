package telegram

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pentaract/pentaract/internal/transport"
)

// fakeBot is a minimal Bot API server keeping documents in memory.
type fakeBot struct {
	mu       sync.Mutex
	nextID   int64
	docs     map[string][]byte // file id -> content
	messages map[int64]string  // message id -> file id
	throttle int               // respond 429 to the next n sendDocument calls
}

func newFakeBot() *fakeBot {
	return &fakeBot{docs: make(map[string][]byte), messages: make(map[int64]string)}
}

func (b *fakeBot) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /botTOKEN/sendDocument", func(w http.ResponseWriter, r *http.Request) {
		b.mu.Lock()
		defer b.mu.Unlock()
		if b.throttle > 0 {
			b.throttle--
			w.WriteHeader(http.StatusTooManyRequests)
			writeJSON(w, map[string]any{
				"ok": false, "error_code": 429, "description": "Too Many Requests: retry after 3",
				"parameters": map[string]int{"retry_after": 3},
			})
			return
		}
		if r.FormValue("chat_id") != "-100" {
			w.WriteHeader(http.StatusBadRequest)
			writeJSON(w, map[string]any{"ok": false, "error_code": 400, "description": "Bad Request: chat not found"})
			return
		}
		f, _, err := r.FormFile("document")
		if err != nil {
			w.WriteHeader(http.StatusBadRequest)
			writeJSON(w, map[string]any{"ok": false, "error_code": 400, "description": "Bad Request: no document"})
			return
		}
		data, _ := io.ReadAll(f)
		b.nextID++
		fileID := fmt.Sprintf("FILE-%d", b.nextID)
		b.docs[fileID] = data
		b.messages[b.nextID] = fileID
		writeJSON(w, map[string]any{"ok": true, "result": map[string]any{
			"message_id": b.nextID,
			"document":   map[string]string{"file_id": fileID},
		}})
	})
	mux.HandleFunc("POST /botTOKEN/getFile", func(w http.ResponseWriter, r *http.Request) {
		b.mu.Lock()
		defer b.mu.Unlock()
		fileID := r.FormValue("file_id")
		if _, ok := b.docs[fileID]; !ok {
			w.WriteHeader(http.StatusBadRequest)
			writeJSON(w, map[string]any{"ok": false, "error_code": 400, "description": "Bad Request: invalid file_id"})
			return
		}
		writeJSON(w, map[string]any{"ok": true, "result": map[string]string{
			"file_id": fileID, "file_path": "documents/" + fileID,
		}})
	})
	mux.HandleFunc("GET /file/botTOKEN/documents/{id}", func(w http.ResponseWriter, r *http.Request) {
		b.mu.Lock()
		defer b.mu.Unlock()
		data, ok := b.docs[r.PathValue("id")]
		if !ok {
			http.NotFound(w, r)
			return
		}
		_, _ = w.Write(data)
	})
	mux.HandleFunc("POST /botTOKEN/deleteMessage", func(w http.ResponseWriter, r *http.Request) {
		b.mu.Lock()
		defer b.mu.Unlock()
		id, _ := strconv.ParseInt(r.FormValue("message_id"), 10, 64)
		fileID, ok := b.messages[id]
		if !ok {
			w.WriteHeader(http.StatusBadRequest)
			writeJSON(w, map[string]any{"ok": false, "error_code": 400, "description": "Bad Request: message to delete not found"})
			return
		}
		delete(b.messages, id)
		delete(b.docs, fileID)
		writeJSON(w, map[string]any{"ok": true, "result": true})
	})
	return mux
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

func newTestTransport(t *testing.T, bot *fakeBot) *Transport {
	t.Helper()
	srv := httptest.NewServer(bot.handler())
	t.Cleanup(srv.Close)
	tr, err := New(Config{Token: "TOKEN", ChatID: "-100", APIURL: srv.URL})
	require.NoError(t, err)
	return tr
}

func TestRoundTrip(t *testing.T) {
	ctx := context.Background()
	tr := newTestTransport(t, newFakeBot())

	ref, err := tr.Upload(ctx, "file/000000", []byte("chunk payload"))
	require.NoError(t, err)
	assert.Equal(t, "1:FILE-1", ref)

	data, err := tr.Download(ctx, ref)
	require.NoError(t, err)
	assert.Equal(t, []byte("chunk payload"), data)

	require.NoError(t, tr.Delete(ctx, ref))
	require.NoError(t, tr.Delete(ctx, ref), "deleting a gone message is fine")
}

func TestThrottledUploadIsTransient(t *testing.T) {
	bot := newFakeBot()
	bot.throttle = 1
	tr := newTestTransport(t, bot)

	_, err := tr.Upload(context.Background(), "k", []byte("x"))
	require.Error(t, err)

	var te *transport.Error
	require.ErrorAs(t, err, &te)
	assert.Equal(t, transport.Transient, te.Kind)
	assert.Equal(t, 3*time.Second, te.RetryAfter)

	_, err = tr.Upload(context.Background(), "k", []byte("x"))
	assert.NoError(t, err)
}

func TestBadChatIsPermanent(t *testing.T) {
	srv := httptest.NewServer(newFakeBot().handler())
	defer srv.Close()
	tr, err := New(Config{Token: "TOKEN", ChatID: "-999", APIURL: srv.URL})
	require.NoError(t, err)

	_, err = tr.Upload(context.Background(), "k", []byte("x"))
	require.Error(t, err)
	assert.Equal(t, transport.Permanent, transport.KindOf(err))
}

func TestUnreachableIsTransient(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	tr, err := New(Config{Token: "TOKEN", ChatID: "-100", APIURL: url})
	require.NoError(t, err)

	_, err = tr.Upload(context.Background(), "k", []byte("x"))
	require.Error(t, err)
	assert.True(t, transport.IsTransient(err))
	assert.NotContains(t, err.Error(), "TOKEN")
}

func TestParseRef(t *testing.T) {
	id, fileID, err := parseRef("42:AbC-_d")
	require.NoError(t, err)
	assert.Equal(t, int64(42), id)
	assert.Equal(t, "AbC-_d", fileID)

	for _, bad := range []string{"", "42", "x:y", "42:"} {
		_, _, err := parseRef(bad)
		assert.Error(t, err, bad)
	}
}
