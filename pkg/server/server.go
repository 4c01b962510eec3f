// Package server provides the public entry point for initializing the
// AgentOven relay.
//
// This package exists in pkg/ (not internal/) so that other binaries can
// compose the relay with their own gateway drivers or middleware.
//
// Usage:
//
//	srv, err := server.New(ctx)
//	srv.Gateways.RegisterDriver(myTelegramDriver)
//	err = srv.Run(ctx)
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"path/filepath"
	"time"

	"github.com/agentoven/agentoven/relay/internal/api"
	"github.com/agentoven/agentoven/relay/internal/api/handlers"
	"github.com/agentoven/agentoven/relay/internal/config"
	"github.com/agentoven/agentoven/relay/internal/dispatch"
	"github.com/agentoven/agentoven/relay/internal/gateway"
	"github.com/agentoven/agentoven/relay/internal/guardrails"
	"github.com/agentoven/agentoven/relay/internal/retention"
	"github.com/agentoven/agentoven/relay/internal/router"
	"github.com/agentoven/agentoven/relay/internal/sessions"
	"github.com/agentoven/agentoven/relay/internal/telemetry"
	"github.com/agentoven/agentoven/relay/pkg/contracts"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

// DefaultShutdownTimeout bounds graceful shutdown, including draining
// queued units of work.
const DefaultShutdownTimeout = 30 * time.Second

// Server holds the initialized relay.
type Server struct {
	// Handler is the HTTP handler with all routes and middleware.
	Handler http.Handler

	Config   *config.Config
	Router   *router.Router
	Sessions *sessions.Store
	Policy   *guardrails.Engine
	Gateways *gateway.Manager
	Janitor  *retention.Janitor

	// Port is the port the server should listen on.
	Port int

	// ShutdownTimeout bounds Run's graceful shutdown.
	ShutdownTimeout time.Duration

	// ShutdownFunc should be called on graceful shutdown to flush telemetry.
	ShutdownFunc func(context.Context) error
}

// New initializes all relay components from environment configuration.
func New(ctx context.Context) (*Server, error) {
	return NewWithConfig(ctx, config.Load())
}

// NewWithConfig initializes the relay with an explicit configuration.
func NewWithConfig(ctx context.Context, cfg *config.Config) (*Server, error) {
	shutdown, err := telemetry.Init(ctx, cfg.Telemetry, cfg.Version)
	if err != nil {
		return nil, fmt.Errorf("init telemetry: %w", err)
	}

	backend, err := OpenSessionBackend(cfg)
	if err != nil {
		shutdown(ctx)
		return nil, err
	}
	store := sessions.NewStore(backend)
	log.Info().Str("backend", backend.Kind()).Int("max_history", cfg.Sessions.MaxHistory).
		Msg("✅ Session store initialized")

	dispatcher := dispatch.New(dispatch.Options{
		Timeout:       cfg.Agent.Timeout,
		HistoryWindow: cfg.Agent.HistoryWindow,
	})
	if cfg.Agent.DefaultEndpoint == "" && len(cfg.Agent.ChannelEndpoints) == 0 {
		log.Warn().Msg("⚠️  No agent endpoint configured; events will be recorded without replies")
	}

	rt := router.New(router.Options{
		Store:      store,
		Dispatcher: dispatcher,
		Endpoints:  cfg.Agent,
		MaxHistory: cfg.Sessions.MaxHistory,
	})
	log.Info().Msg("✅ Session router initialized")

	policy, err := OpenPolicy(cfg)
	if err != nil {
		store.Close()
		shutdown(ctx)
		return nil, err
	}
	log.Info().Int("rules", len(policy.Rules())).Msg("✅ Guardrail policy initialized")

	hooks := gateway.NewWebhookDriver()
	gateways := gateway.NewManager(rt)
	gateways.RegisterDriver(hooks)

	h := handlers.New(rt, store, policy, gateways, hooks)
	handler := api.NewRouter(cfg, h, func() map[string]interface{} {
		return map[string]interface{}{
			"active_lanes":    rt.ActiveLanes(),
			"cached_sessions": store.Cached(),
			"backend":         store.Backend(),
		}
	})

	return &Server{
		Handler:         handler,
		Config:          cfg,
		Router:          rt,
		Sessions:        store,
		Policy:          policy,
		Gateways:        gateways,
		Janitor:         retention.NewJanitor(rt, cfg.Sessions.SweepInterval, cfg.Sessions.IdleAfter),
		Port:            cfg.Port,
		ShutdownTimeout: DefaultShutdownTimeout,
		ShutdownFunc:    shutdown,
	}, nil
}

// OpenSessionBackend opens the configured durable session backend under
// the data directory.
func OpenSessionBackend(cfg *config.Config) (contracts.SessionBackend, error) {
	switch cfg.Sessions.Backend {
	case "", "file":
		b, err := sessions.NewFileBackend(filepath.Join(cfg.DataDir, "sessions"))
		if err != nil {
			return nil, fmt.Errorf("open file session backend: %w", err)
		}
		return b, nil
	case "badger":
		b, err := sessions.OpenBadger(sessions.BadgerConfig{Path: filepath.Join(cfg.DataDir, "badger")})
		if err != nil {
			return nil, fmt.Errorf("open badger session backend: %w", err)
		}
		return b, nil
	default:
		return nil, fmt.Errorf("unknown session backend %q (want file or badger)", cfg.Sessions.Backend)
	}
}

// DecisionsPath is where recorded policy decisions live.
func DecisionsPath(cfg *config.Config) string {
	return filepath.Join(cfg.DataDir, "decisions.json")
}

// OpenPolicy loads the decision store and builds the guardrail engine.
func OpenPolicy(cfg *config.Config) (*guardrails.Engine, error) {
	decisions, err := guardrails.OpenDecisionStore(DecisionsPath(cfg))
	if err != nil {
		return nil, fmt.Errorf("open policy decisions: %w", err)
	}
	engine, err := guardrails.NewEngine(decisions, nil)
	if err != nil {
		return nil, fmt.Errorf("build policy engine: %w", err)
	}
	return engine, nil
}

// Run serves HTTP and runs the session janitor until ctx is canceled, then
// shuts down: gateways stop, in-flight requests finish, queued units of
// work drain, and the session backend closes.
func (s *Server) Run(ctx context.Context) error {
	httpServer := &http.Server{
		Addr:        fmt.Sprintf(":%d", s.Port),
		Handler:     s.Handler,
		ReadTimeout: 30 * time.Second,
		// No WriteTimeout: POST /api/v1/events waits for its lane.
		IdleTimeout: 120 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		log.Info().Int("port", s.Port).Msg("🔥 AgentOven relay is hot and ready!")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		s.Janitor.Start(gctx)
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		log.Info().Msg("🛑 Shutting down gracefully...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.ShutdownTimeout)
		defer cancel()

		s.Gateways.StopAll()
		err := httpServer.Shutdown(shutdownCtx)
		if rerr := s.Router.Close(shutdownCtx); rerr != nil {
			log.Warn().Err(rerr).Msg("Router did not drain before shutdown deadline")
		}
		return err
	})

	err := g.Wait()
	if cerr := s.Close(context.Background()); cerr != nil && err == nil {
		err = cerr
	}
	return err
}

// Close releases the session backend and flushes telemetry.
func (s *Server) Close(ctx context.Context) error {
	var errs []error
	if err := s.Sessions.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close sessions: %w", err))
	}
	if s.ShutdownFunc != nil {
		if err := s.ShutdownFunc(ctx); err != nil {
			errs = append(errs, fmt.Errorf("shutdown telemetry: %w", err))
		}
	}
	return errors.Join(errs...)
}
