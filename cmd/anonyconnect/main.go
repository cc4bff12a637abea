// Command anonyconnect runs the anonymous chat service, its moderation
// worker and the database migrations.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/whisper/anonyconnect/internal/config"
	"github.com/whisper/anonyconnect/internal/logging"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var envFile string

	root := &cobra.Command{
		Use:           "anonyconnect",
		Short:         "Anonymous one-to-one chat with interest-based matchmaking",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&envFile, "env-file", ".env", "dotenv file applied before the environment")

	// setup loads configuration and builds the logger for a subcommand.
	setup := func() (config.Config, *zap.Logger, error) {
		cfg, err := config.Load(envFile)
		if err != nil {
			return config.Config{}, nil, err
		}
		logger, err := logging.New(cfg.Log)
		if err != nil {
			return config.Config{}, nil, err
		}
		return cfg, logger, nil
	}

	root.AddCommand(
		newServeCmd(setup),
		newModeratorCmd(setup),
		newMigrateCmd(setup),
	)
	return root
}

type setupFunc func() (config.Config, *zap.Logger, error)
