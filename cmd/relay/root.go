package main

import (
	"fmt"
	"strings"

	"github.com/agentoven/agentoven/relay/internal/config"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

type rootOptions struct {
	dataDir  string
	logLevel string
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	rootCmd := &cobra.Command{
		Use:           "relay",
		Short:         "AgentOven relay: ordered chat sessions in front of an agent backend",
		SilenceUsage:  true,
		SilenceErrors: false,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return setLogLevel(opts.logLevel)
		},
	}
	rootCmd.PersistentFlags().StringVar(&opts.dataDir, "data-dir", "", "data directory (overrides RELAY_DATA_DIR)")
	rootCmd.PersistentFlags().StringVar(&opts.logLevel, "log-level", "", "log level (overrides RELAY_LOG_LEVEL)")

	serveCmd := newServeCmd(opts)
	// Bare "relay" serves.
	rootCmd.RunE = serveCmd.RunE
	rootCmd.AddCommand(
		serveCmd,
		newPolicyCmd(opts),
		newVersionCmd(),
	)
	return rootCmd
}

// loadConfig reads the environment and applies persistent flag overrides.
func (o *rootOptions) loadConfig() *config.Config {
	cfg := config.Load()
	if o.dataDir != "" {
		cfg.DataDir = o.dataDir
	}
	if o.logLevel != "" {
		cfg.LogLevel = o.logLevel
	}
	return cfg
}

func setLogLevel(flag string) error {
	level := flag
	if level == "" {
		level = config.Load().LogLevel
	}
	lvl, err := zerolog.ParseLevel(strings.ToLower(level))
	if err != nil {
		return fmt.Errorf("invalid log level %q: %w", level, err)
	}
	zerolog.SetGlobalLevel(lvl)
	return nil
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		RunE: func(cmd *cobra.Command, _ []string) error {
			_, err := fmt.Fprintln(cmd.OutOrStdout(), config.Load().Version)
			return err
		},
	}
}
