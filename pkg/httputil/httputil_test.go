package httputil

import (
	"bytes"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/REVIVEINC6/nino360-sub015/pkg/observability"
)

func TestWriteCodedError(t *testing.T) {
	w := httptest.NewRecorder()
	WriteCodedError(w, http.StatusForbidden, "FLAC_DENIED", errors.New("denied"), []string{"salary"})

	assert.Equal(t, http.StatusForbidden, w.Code)
	assert.Equal(t, "application/json", w.Header().Get("Content-Type"))

	var body ErrorResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, ErrorResponse{Error: "denied", Code: "FLAC_DENIED", Fields: []string{"salary"}}, body)
}

func TestParseJSON_RejectsUnknownFields(t *testing.T) {
	var dest struct {
		Name string `json:"name"`
	}
	r := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"name":"a","extra":1}`))
	w := httptest.NewRecorder()

	assert.False(t, ParseJSONOrError(w, r, &dest))
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestParsePathAndQuery(t *testing.T) {
	router := mux.NewRouter()
	router.HandleFunc("/entries/{seq}", func(w http.ResponseWriter, r *http.Request) {
		seq, ok := ParsePathInt64OrError(w, r, "seq")
		if !ok {
			return
		}
		limit, ok := ParseQueryInt64OrError(w, r, "limit", 50)
		if !ok {
			return
		}
		WriteSuccess(w, map[string]int64{"seq": seq, "limit": limit})
	})

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/entries/7", nil))
	assert.JSONEq(t, `{"seq":7,"limit":50}`, w.Body.String())

	w = httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/entries/x", nil))
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/entries/7?limit=ten", nil))
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestRequestIDMiddleware(t *testing.T) {
	var seen string
	h := RequestIDMiddleware(observability.NopLogger())(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = observability.GetRequestID(r.Context())
	}))

	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Len(t, seen, 36)
	assert.Equal(t, seen, w.Header().Get(RequestIDHeader))

	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.Header.Set(RequestIDHeader, "upstream-id")
	w = httptest.NewRecorder()
	h.ServeHTTP(w, r)
	assert.Equal(t, "upstream-id", seen)
}

func TestRecoveryAndLogging(t *testing.T) {
	var buf bytes.Buffer
	logger := observability.NewLogger(observability.InfoLevel, &buf)

	h := Chain(RequestIDMiddleware(logger), RecoveryMiddleware, LoggingMiddleware)(
		http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { panic("boom") }))

	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/x", nil))
	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.Contains(t, buf.String(), "handler panicked")
}

func TestGuard_Wrap(t *testing.T) {
	ok := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusTeapot) })

	var nilGuard Guard
	w := httptest.NewRecorder()
	nilGuard.Wrap("obj", "read", ok).ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusTeapot, w.Code)

	var gotObject, gotAction string
	deny := Guard(func(object, action string) func(http.Handler) http.Handler {
		gotObject, gotAction = object, action
		return func(http.Handler) http.Handler {
			return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { WriteForbidden(w, "no") })
		}
	})
	w = httptest.NewRecorder()
	deny.Wrap("ledger.entries", "write", ok).ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusForbidden, w.Code)
	assert.Equal(t, "ledger.entries", gotObject)
	assert.Equal(t, "write", gotAction)
}
