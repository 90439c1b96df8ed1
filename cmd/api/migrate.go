package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/knowyourmechanic/kym-api/internal/config"
	"github.com/knowyourmechanic/kym-api/internal/infra"
	"github.com/knowyourmechanic/kym-api/internal/logging"
)

var migrateList bool

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply pending database migrations",
	Long: `Apply the embedded SQL migrations to DATABASE_URL.

Applied versions are recorded in schema_migrations, so running the
command again is a no-op.`,
	RunE: runMigrate,
}

func init() {
	migrateCmd.Flags().BoolVar(&migrateList, "list", false, "print the embedded migrations without applying them")
}

func runMigrate(cmd *cobra.Command, args []string) error {
	if migrateList {
		migrations, err := infra.Migrations()
		if err != nil {
			return err
		}
		for _, m := range migrations {
			fmt.Fprintln(cmd.OutOrStdout(), m.Version)
		}
		return nil
	}

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if cfg.DatabaseURL == "" {
		return fmt.Errorf("DATABASE_URL is required to migrate")
	}
	logger := logging.New(cfg.LogLevel)

	ctx := context.Background()
	db, err := infra.NewPostgresPool(ctx, cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	if err := infra.Migrate(ctx, db, logger); err != nil {
		return err
	}
	logger.Info("migrations complete")
	return nil
}
