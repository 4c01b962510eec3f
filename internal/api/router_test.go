package api_test

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/agentoven/agentoven/relay/internal/api"
	"github.com/agentoven/agentoven/relay/internal/api/handlers"
	"github.com/agentoven/agentoven/relay/internal/config"
	"github.com/agentoven/agentoven/relay/internal/dispatch"
	"github.com/agentoven/agentoven/relay/internal/gateway"
	"github.com/agentoven/agentoven/relay/internal/guardrails"
	"github.com/agentoven/agentoven/relay/internal/router"
	"github.com/agentoven/agentoven/relay/internal/sessions"
	"github.com/agentoven/agentoven/relay/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestAPI(t *testing.T, apiKeys ...string) http.Handler {
	t.Helper()

	agent := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req models.AgentRequest
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		json.NewEncoder(w).Encode(map[string]string{
			"response":  "echo: " + req.Message,
			"thread_id": "th-1",
		})
	}))
	t.Cleanup(agent.Close)

	cfg := &config.Config{
		Version: "test",
		Agent:   config.AgentConfig{DefaultEndpoint: agent.URL},
		Auth:    config.AuthConfig{APIKeys: apiKeys},
	}

	backend, err := sessions.NewFileBackend(t.TempDir())
	require.NoError(t, err)
	store := sessions.NewStore(backend)

	rt := router.New(router.Options{
		Store:      store,
		Dispatcher: dispatch.New(dispatch.Options{Timeout: 5 * time.Second}),
		Endpoints:  cfg.Agent,
		MaxHistory: 20,
	})
	t.Cleanup(func() { rt.Close(context.Background()) })

	decisions, err := guardrails.OpenDecisionStore("")
	require.NoError(t, err)
	engine, err := guardrails.NewEngine(decisions, nil)
	require.NoError(t, err)

	hooks := gateway.NewWebhookDriver()
	gateways := gateway.NewManager(rt)
	gateways.RegisterDriver(hooks)
	t.Cleanup(gateways.StopAll)

	h := handlers.New(rt, store, engine, gateways, hooks)
	return api.NewRouter(cfg, h, func() map[string]interface{} {
		return map[string]interface{}{"active_lanes": rt.ActiveLanes()}
	})
}

func do(t *testing.T, h http.Handler, method, path string, body interface{}, headers ...string) (*httptest.ResponseRecorder, map[string]interface{}) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)

	var out map[string]interface{}
	if w.Body.Len() > 0 && w.Header().Get("Content-Type") == "application/json" {
		json.Unmarshal(w.Body.Bytes(), &out)
	}
	return w, out
}

func TestAPI_EventRoundTrip(t *testing.T) {
	h := newTestAPI(t)

	w, body := do(t, h, http.MethodPost, "/api/v1/events", map[string]interface{}{
		"channelKey":      "telegram",
		"conversationKey": "42",
		"sender":          "alice",
		"text":            "hello",
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, "echo: hello", body["reply"])
	assert.Equal(t, "telegram:42", body["sessionKey"])

	w, body = do(t, h, http.MethodGet, "/api/v1/sessions/telegram/42", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "telegram:42", body["key"])
	assert.Equal(t, "th-1", body["continuationToken"])
	assert.EqualValues(t, 2, body["turns"])

	w, _ = do(t, h, http.MethodGet, "/api/v1/sessions/telegram/nope", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestAPI_InspectSessionDuringTraffic(t *testing.T) {
	h := newTestAPI(t)
	const n = 30

	stop := make(chan struct{})
	inspected := make(chan int, 1)
	go func() {
		count := 0
		defer func() { inspected <- count }()
		for {
			select {
			case <-stop:
				return
			default:
			}
			req := httptest.NewRequest(http.MethodGet, "/api/v1/sessions/irc/busy", nil)
			w := httptest.NewRecorder()
			h.ServeHTTP(w, req)
			if w.Code == http.StatusOK {
				count++
			}
		}
	}()

	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			body, _ := json.Marshal(map[string]interface{}{
				"channelKey": "irc", "conversationKey": "busy", "text": fmt.Sprintf("m%d", i),
			})
			req := httptest.NewRequest(http.MethodPost, "/api/v1/events", bytes.NewReader(body))
			w := httptest.NewRecorder()
			h.ServeHTTP(w, req)
			assert.Equal(t, http.StatusOK, w.Code)
		}(i)
	}
	wg.Wait()
	close(stop)
	<-inspected

	w, body := do(t, h, http.MethodGet, "/api/v1/sessions/irc/busy", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.EqualValues(t, 20, body["turns"], "bounded by retention")
}

func TestAPI_RejectsInvalidEvents(t *testing.T) {
	h := newTestAPI(t)

	w, _ := do(t, h, http.MethodPost, "/api/v1/events", map[string]interface{}{"text": "no key"})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/events", bytes.NewBufferString("{not json"))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestAPI_PolicyFlow(t *testing.T) {
	h := newTestAPI(t)
	cmd := map[string]interface{}{"action": "bash", "args": "rm -rf /tmp/x"}

	w, body := do(t, h, http.MethodPost, "/api/v1/policy/evaluate", cmd)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "ask", body["verdict"])
	assert.Equal(t, "bash: rm -rf /tmp/x", body["summary"])

	w, _ = do(t, h, http.MethodPost, "/api/v1/policy/decisions", cmd)
	assert.Equal(t, http.StatusBadRequest, w.Code, "allow is required")

	w, body = do(t, h, http.MethodPost, "/api/v1/policy/decisions",
		map[string]interface{}{"action": "bash", "args": "rm -rf /tmp/x", "allow": true})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	assert.Equal(t, "allow", body["verdict"])

	w, body = do(t, h, http.MethodPost, "/api/v1/policy/evaluate", cmd)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "allow", body["verdict"])

	w, _ = do(t, h, http.MethodPost, "/api/v1/policy/decisions",
		map[string]interface{}{"action": "bash", "args": "rm -rf /tmp/x", "allow": false})
	assert.Equal(t, http.StatusConflict, w.Code)

	w, body = do(t, h, http.MethodPost, "/api/v1/policy/describe",
		map[string]interface{}{"action": "delete_file", "args": map[string]interface{}{"path": "/tmp/d", "recursive": true}})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "delete_file(path=/tmp/d, recursive=true)", body["summary"])

	w, _ = do(t, h, http.MethodPost, "/api/v1/policy/evaluate", map[string]interface{}{"args": "ls"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestAPI_HealthVersionMetrics(t *testing.T) {
	h := newTestAPI(t, "secret")

	w, body := do(t, h, http.MethodGet, "/health", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "healthy", body["status"])
	assert.Contains(t, body, "active_lanes")

	w, body = do(t, h, http.MethodGet, "/version", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "test", body["version"])

	w, _ = do(t, h, http.MethodGet, "/metrics", nil)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestAPI_RequiresKeyWhenConfigured(t *testing.T) {
	h := newTestAPI(t, "secret")
	ev := map[string]interface{}{"channelKey": "slack", "conversationKey": "c", "text": "hi"}

	w, _ := do(t, h, http.MethodPost, "/api/v1/events", ev)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w, body := do(t, h, http.MethodPost, "/api/v1/events", ev, "X-API-Key", "secret")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "echo: hi", body["reply"])
}

func TestAPI_WebhookGateway(t *testing.T) {
	h := newTestAPI(t)

	received := make(chan models.GatewayMessage, 1)
	callback := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var msg models.GatewayMessage
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&msg))
		received <- msg
	}))
	defer callback.Close()

	w, body := do(t, h, http.MethodPost, "/api/v1/gateways", map[string]interface{}{
		"name":   "hooks",
		"kind":   "webhook",
		"active": true,
		"config": map[string]interface{}{"callback_url": callback.URL},
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	id := body["id"].(string)

	w, _ = do(t, h, http.MethodPost, "/api/v1/gateways/"+id+"/messages", map[string]interface{}{
		"channel_id": "room-7",
		"user_name":  "bob",
		"text":       "ping",
	})
	require.Equal(t, http.StatusAccepted, w.Code)

	select {
	case msg := <-received:
		assert.Equal(t, "echo: ping", msg.Text)
		assert.Equal(t, "room-7", msg.ChannelID)
	case <-time.After(5 * time.Second):
		t.Fatal("webhook callback not called")
	}

	w, body = do(t, h, http.MethodGet, "/api/v1/gateways", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, body["gateways"], 1)

	w, _ = do(t, h, http.MethodDelete, "/api/v1/gateways/"+id, nil)
	assert.Equal(t, http.StatusNoContent, w.Code)
	w, _ = do(t, h, http.MethodDelete, "/api/v1/gateways/"+id, nil)
	assert.Equal(t, http.StatusConflict, w.Code)
	w, _ = do(t, h, http.MethodGet, "/api/v1/gateways/unknown", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}
