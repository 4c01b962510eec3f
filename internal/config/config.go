package config

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// Config holds all configuration for the AgentOven relay.
type Config struct {
	Port      int
	Version   string
	LogLevel  string
	DataDir   string
	Sessions  SessionConfig
	Agent     AgentConfig
	Telemetry TelemetryConfig
	Auth      AuthConfig
}

type SessionConfig struct {
	Backend       string // "file" or "badger"
	MaxHistory    int
	SweepInterval time.Duration
	IdleAfter     time.Duration
}

type AgentConfig struct {
	DefaultEndpoint  string
	ChannelEndpoints map[string]string // channelKey → endpoint override
	Timeout          time.Duration
	HistoryWindow    int
}

type TelemetryConfig struct {
	Enabled      bool
	OTLPEndpoint string
	ServiceName  string
}

type AuthConfig struct {
	// Comma-separated API keys; empty disables auth.
	APIKeys []string
}

// Load reads configuration from environment variables with sensible defaults.
func Load() *Config {
	return &Config{
		Port:     envInt("RELAY_PORT", 8080),
		Version:  envStr("RELAY_VERSION", "0.1.0"),
		LogLevel: envStr("RELAY_LOG_LEVEL", "info"),
		DataDir:  envStr("RELAY_DATA_DIR", defaultDataDir()),
		Sessions: SessionConfig{
			Backend:       envStr("RELAY_SESSION_BACKEND", "file"),
			MaxHistory:    envInt("RELAY_MAX_HISTORY", 50),
			SweepInterval: envDuration("RELAY_SWEEP_INTERVAL", 10*time.Minute),
			IdleAfter:     envDuration("RELAY_SESSION_IDLE", time.Hour),
		},
		Agent: AgentConfig{
			DefaultEndpoint:  envStr("RELAY_AGENT_ENDPOINT", ""),
			ChannelEndpoints: envMap("RELAY_CHANNEL_ENDPOINTS"),
			Timeout:          envDuration("RELAY_AGENT_TIMEOUT", 60*time.Second),
			HistoryWindow:    envInt("RELAY_HISTORY_WINDOW", 10),
		},
		Telemetry: TelemetryConfig{
			Enabled:      envBool("OTEL_ENABLED", false),
			OTLPEndpoint: envStr("OTEL_EXPORTER_OTLP_ENDPOINT", "localhost:4317"),
			ServiceName:  envStr("OTEL_SERVICE_NAME", "agentoven-relay"),
		},
		Auth: AuthConfig{
			APIKeys: envList("RELAY_API_KEYS"),
		},
	}
}

// EndpointFor resolves the agent endpoint for a channel: the per-channel
// override if one is set, else the process-wide default. Returns "" when
// neither is configured.
func (c AgentConfig) EndpointFor(channelKey string) string {
	if ep := c.ChannelEndpoints[channelKey]; ep != "" {
		return ep
	}
	return c.DefaultEndpoint
}

func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".agentoven-relay"
	}
	return filepath.Join(home, ".agentoven", "relay")
}

func envStr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return fallback
}

func envBool(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}

func envDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}

func envList(key string) []string {
	var out []string
	for _, item := range strings.Split(os.Getenv(key), ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}

// envMap parses "k1=v1,k2=v2". Malformed pairs are skipped.
func envMap(key string) map[string]string {
	out := make(map[string]string)
	for _, pair := range envList(key) {
		k, v, ok := strings.Cut(pair, "=")
		k, v = strings.TrimSpace(k), strings.TrimSpace(v)
		if !ok || k == "" || v == "" {
			continue
		}
		out[k] = v
	}
	return out
}
