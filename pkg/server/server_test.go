package server_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/agentoven/agentoven/relay/internal/config"
	"github.com/agentoven/agentoven/relay/pkg/server"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConfig(t *testing.T, backend string) *config.Config {
	t.Helper()
	return &config.Config{
		Port:    0,
		Version: "test",
		DataDir: t.TempDir(),
		Sessions: config.SessionConfig{
			Backend:       backend,
			MaxHistory:    10,
			SweepInterval: time.Minute,
			IdleAfter:     time.Hour,
		},
		Agent: config.AgentConfig{Timeout: time.Second, HistoryWindow: 5},
	}
}

func TestNewWithConfig_Backends(t *testing.T) {
	for _, backend := range []string{"file", "badger"} {
		t.Run(backend, func(t *testing.T) {
			srv, err := server.NewWithConfig(context.Background(), testConfig(t, backend))
			require.NoError(t, err)
			defer srv.Close(context.Background())

			assert.Equal(t, backend, srv.Sessions.Backend())

			req := httptest.NewRequest(http.MethodGet, "/health", nil)
			w := httptest.NewRecorder()
			srv.Handler.ServeHTTP(w, req)
			assert.Equal(t, http.StatusOK, w.Code)
			assert.Contains(t, w.Body.String(), backend)
		})
	}
}

func TestNewWithConfig_UnknownBackend(t *testing.T) {
	_, err := server.NewWithConfig(context.Background(), testConfig(t, "postgres"))
	assert.ErrorContains(t, err, "unknown session backend")
}

func TestRun_StopsOnCancel(t *testing.T) {
	srv, err := server.NewWithConfig(context.Background(), testConfig(t, "file"))
	require.NoError(t, err)
	srv.ShutdownTimeout = 5 * time.Second

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Run(ctx) }()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("server did not shut down")
	}
}
