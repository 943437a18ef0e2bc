package metrics

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

type ctxKey struct{}

func TestMiddlewareLabelsByRoute(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("DELETE /api/files/{id}", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})
	// An outer middleware that replaces the request, as request logging does.
	outer := func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), ctxKey{}, "x")))
		})
	}
	handler := outer(Middleware(mux))

	counter := httpRequestsTotal.WithLabelValues(http.MethodDelete, "DELETE /api/files/{id}", "204")
	before := testutil.ToFloat64(counter)
	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodDelete, "/api/files/one", nil))
	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodDelete, "/api/files/two", nil))
	assert.Equal(t, before+2, testutil.ToFloat64(counter))

	unmatched := httpRequestsTotal.WithLabelValues(http.MethodGet, "unmatched", "404")
	before = testutil.ToFloat64(unmatched)
	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/missing", nil))
	assert.Equal(t, before+1, testutil.ToFloat64(unmatched))
}

func TestRecordCommandOutcome(t *testing.T) {
	ok := commandsTotal.WithLabelValues("download", "completed")
	failed := commandsTotal.WithLabelValues("download", "failed")
	okBefore, failedBefore := testutil.ToFloat64(ok), testutil.ToFloat64(failed)

	RecordCommand("download", 0, nil)
	RecordCommand("download", 0, assert.AnError)

	assert.Equal(t, okBefore+1, testutil.ToFloat64(ok))
	assert.Equal(t, failedBefore+1, testutil.ToFloat64(failed))
}
