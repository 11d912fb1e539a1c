package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"fieldsync/internal/config"
	"fieldsync/internal/logger"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var (
		cfg config.Config
		log *zap.Logger
	)

	root := &cobra.Command{
		Use:           "fieldsync",
		Short:         "Offline-first field sales server and device agent",
		SilenceUsage:  true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			cfg = config.Load()
			if level, _ := cmd.Flags().GetString("log-level"); level != "" {
				cfg.LogLevel = level
			}
			built, err := logger.New(cfg.Env, cfg.LogLevel)
			if err != nil {
				return fmt.Errorf("build logger: %w", err)
			}
			log = built
			return nil
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			if log != nil {
				_ = log.Sync()
			}
		},
	}
	root.PersistentFlags().String("log-level", "", "Log level: debug|info|warn|error (default LOG_LEVEL)")

	env := func() (config.Config, *zap.Logger) { return cfg, log }
	root.AddCommand(newServeCmd(env))
	root.AddCommand(newAgentCmd(env))
	root.AddCommand(newTokenCmd(env))
	return root
}

// envFunc hands subcommands the configuration and logger built in
// PersistentPreRunE.
type envFunc func() (config.Config, *zap.Logger)
