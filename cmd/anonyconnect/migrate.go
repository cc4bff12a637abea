package main

import (
	"errors"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/whisper/anonyconnect/internal/store/postgres"
)

func newMigrateCmd(setup setupFunc) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply or revert the Postgres schema",
	}
	cmd.AddCommand(
		migrateStep(setup, "up", "Apply all pending migrations", postgres.MigrateUp),
		migrateStep(setup, "down", "Revert all migrations", postgres.MigrateDown),
	)
	return cmd
}

func migrateStep(setup setupFunc, use, short string, step func(string) (uint, error)) *cobra.Command {
	return &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			cfg, logger, err := setup()
			if err != nil {
				return err
			}
			defer logger.Sync()

			if cfg.Database.URL == "" {
				return errors.New("migrate: DATABASE_URL is required")
			}
			version, err := step(cfg.Database.URL)
			if err != nil {
				return err
			}
			logger.Info("migration complete", zap.String("direction", use), zap.Uint("version", version))
			return nil
		},
	}
}
