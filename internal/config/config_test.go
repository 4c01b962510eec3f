package config_test

import (
	"testing"
	"time"

	"github.com/agentoven/agentoven/relay/internal/config"
	"github.com/stretchr/testify/assert"
)

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("RELAY_DATA_DIR", t.TempDir())

	cfg := config.Load()
	assert.Equal(t, 8080, cfg.Port)
	assert.Equal(t, "file", cfg.Sessions.Backend)
	assert.Equal(t, 50, cfg.Sessions.MaxHistory)
	assert.Equal(t, 60*time.Second, cfg.Agent.Timeout)
	assert.Equal(t, 10, cfg.Agent.HistoryWindow)
	assert.Empty(t, cfg.Auth.APIKeys)
}

func TestLoad_ChannelEndpoints(t *testing.T) {
	t.Setenv("RELAY_AGENT_ENDPOINT", "http://default:9000/chat")
	t.Setenv("RELAY_CHANNEL_ENDPOINTS", "telegram=http://tg:9000/chat, broken, slack=http://slack:9000/chat,=x")

	cfg := config.Load()
	assert.Len(t, cfg.Agent.ChannelEndpoints, 2)
	assert.Equal(t, "http://tg:9000/chat", cfg.Agent.EndpointFor("telegram"))
	assert.Equal(t, "http://slack:9000/chat", cfg.Agent.EndpointFor("slack"))
	assert.Equal(t, "http://default:9000/chat", cfg.Agent.EndpointFor("discord"))
}

func TestEndpointFor_Unconfigured(t *testing.T) {
	var ac config.AgentConfig
	assert.Equal(t, "", ac.EndpointFor("telegram"))
}

func TestLoad_InvalidValuesFallBack(t *testing.T) {
	t.Setenv("RELAY_PORT", "not-a-number")
	t.Setenv("RELAY_AGENT_TIMEOUT", "soon")
	t.Setenv("RELAY_API_KEYS", " k1 , ,k2")

	cfg := config.Load()
	assert.Equal(t, 8080, cfg.Port)
	assert.Equal(t, 60*time.Second, cfg.Agent.Timeout)
	assert.Equal(t, []string{"k1", "k2"}, cfg.Auth.APIKeys)
}
