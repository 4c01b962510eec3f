package main

import (
	"os/signal"
	"syscall"

	"github.com/agentoven/agentoven/relay/pkg/server"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

func newServeCmd(opts *rootOptions) *cobra.Command {
	var port int
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the relay HTTP server, gateways, and session janitor",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg := opts.loadConfig()
			if port > 0 {
				cfg.Port = port
			}

			log.Info().Str("data_dir", cfg.DataDir).Msg("🏺 AgentOven relay starting...")

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			srv, err := server.NewWithConfig(ctx, cfg)
			if err != nil {
				log.Error().Err(err).Msg("Failed to initialize server")
				return err
			}
			return srv.Run(ctx)
		},
	}
	cmd.Flags().IntVar(&port, "port", 0, "listen port (overrides RELAY_PORT)")
	return cmd
}
