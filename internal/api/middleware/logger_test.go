package middleware_test

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/agentoven/agentoven/relay/internal/api/middleware"
	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func captureLog(t *testing.T) *bytes.Buffer {
	t.Helper()
	var buf bytes.Buffer
	prev, prevLevel := log.Logger, zerolog.GlobalLevel()
	log.Logger = zerolog.New(&buf)
	zerolog.SetGlobalLevel(zerolog.DebugLevel)
	t.Cleanup(func() {
		log.Logger = prev
		zerolog.SetGlobalLevel(prevLevel)
	})
	return &buf
}

func TestLogger_RecordsRelayFields(t *testing.T) {
	buf := captureLog(t)

	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Telemetry)
	r.Get("/sessions/{channel}/{conversation}", func(w http.ResponseWriter, r *http.Request) {
		middleware.Annotate(r.Context(), middleware.FieldChannel, chi.URLParam(r, "channel"))
		middleware.Annotate(r.Context(), middleware.FieldSession, "telegram:42")
		middleware.Annotate(r.Context(), middleware.FieldOutcome, "")
		w.WriteHeader(http.StatusNotFound)
	})

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/sessions/telegram/42", nil))
	require.Equal(t, http.StatusNotFound, w.Code)

	var line map[string]interface{}
	require.NoError(t, json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &line))
	assert.Equal(t, "warn", line["level"])
	assert.Equal(t, "/sessions/{channel}/{conversation}", line["route"])
	assert.Equal(t, "telegram", line["channel"])
	assert.Equal(t, "telegram:42", line["session"])
	assert.EqualValues(t, 404, line["status"])
	assert.NotContains(t, line, "outcome", "empty values are dropped")
}

func TestLogger_UnmatchedRouteLogsPath(t *testing.T) {
	buf := captureLog(t)

	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {})

	r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/nowhere", nil))

	var line map[string]interface{}
	require.NoError(t, json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &line))
	assert.Equal(t, "/nowhere", line["route"])
}

func TestAnnotate_WithoutMiddlewareIsHarmless(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	assert.NotPanics(t, func() {
		middleware.Annotate(req.Context(), middleware.FieldGateway, "gw-1")
	})
}
