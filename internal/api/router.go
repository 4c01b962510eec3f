package api

import (
	"encoding/json"
	"net/http"

	"github.com/agentoven/agentoven/relay/internal/api/handlers"
	"github.com/agentoven/agentoven/relay/internal/api/middleware"
	"github.com/agentoven/agentoven/relay/internal/config"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// HealthFunc reports runtime details for /health.
type HealthFunc func() map[string]interface{}

// NewRouter creates the HTTP router with all API routes.
func NewRouter(cfg *config.Config, h *handlers.Handlers, health HealthFunc) http.Handler {
	r := chi.NewRouter()
	auth := middleware.NewAPIKeyAuth(cfg.Auth.APIKeys)

	// Global middleware
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)
	r.Use(chimw.Compress(5))
	r.Use(middleware.Logger)
	r.Use(middleware.Telemetry)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-API-Key", "X-Request-Id"},
		ExposedHeaders:   []string{"X-Request-Id", "X-Trace-Id"},
		AllowCredentials: true,
		MaxAge:           300,
	}))
	r.Use(auth.Middleware)

	// Health & info
	r.Get("/health", healthHandler(health))
	r.Get("/version", versionHandler(cfg))
	r.Handle("/metrics", promhttp.Handler())

	// API v1
	r.Route("/api/v1", func(r chi.Router) {
		// Adapter ingress
		r.Post("/events", h.PostEvent)

		// Session inspection
		r.Get("/sessions/{channel}/{conversation}", h.GetSession)

		// Guardrail policy
		r.Route("/policy", func(r chi.Router) {
			r.Post("/evaluate", h.EvaluatePolicy)
			r.Post("/decisions", h.RecordDecision)
			r.Post("/describe", h.DescribePolicy)
		})

		// Chat gateways
		r.Route("/gateways", func(r chi.Router) {
			r.Get("/", h.ListGateways)
			r.Post("/", h.CreateGateway)
			r.Route("/{gatewayId}", func(r chi.Router) {
				r.Get("/", h.GetGateway)
				r.Delete("/", h.StopGateway)
				r.Post("/messages", h.DeliverWebhook)
			})
		})
	})

	return r
}

func healthHandler(health HealthFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		body := map[string]interface{}{
			"status":  "healthy",
			"service": "agentoven-relay",
		}
		if health != nil {
			for k, v := range health() {
				body[k] = v
			}
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(body)
	}
}

func versionHandler(cfg *config.Config) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]string{
			"version": cfg.Version,
			"service": "agentoven-relay",
		})
	}
}
