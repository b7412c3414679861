package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecoverJSON_PanicBecomes500(t *testing.T) {
	h := RecoverJSON(RequestLog(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic("boom")
	})))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/rooms", nil))

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.JSONEq(t, `{"error":"internal server error"}`, rec.Body.String())
}

func TestRecoverJSON_KeepsWrittenResponse(t *testing.T) {
	h := RecoverJSON(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusAccepted)
		panic("late")
	}))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/rooms/general/messages", nil))
	assert.Equal(t, http.StatusAccepted, rec.Code)
	assert.Empty(t, rec.Body.String())
}

func TestRequestLog_RecordsStatus(t *testing.T) {
	var seen *responseWriter
	h := RecoverJSON(RequestLog(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen, _ = w.(*responseWriter)
		_, _ = w.Write([]byte("ok"))
	})))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/me", nil))

	require.NotNil(t, seen)
	assert.Equal(t, http.StatusOK, seen.status)
	assert.True(t, seen.wrote)
	assert.Equal(t, "ok", rec.Body.String())
}

func TestResponseWriter_Hijack(t *testing.T) {
	w := &responseWriter{ResponseWriter: httptest.NewRecorder()}
	_, _, err := w.Hijack()
	assert.ErrorIs(t, err, http.ErrNotSupported)
}
