package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	pgstore "github.com/JakeFAU/site-audit/internal/storage/postgres"
)

func newMigrateCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create the status store table and indexes",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, logger, err := ctx.ensure()
			if err != nil {
				return err
			}
			if cfg.Database.DSN == "" {
				return errors.New("database.dsn is required for migrate")
			}
			store, err := pgstore.NewStatusStore(cmd.Context(), pgstore.Config{
				DSN:   cfg.Database.DSN,
				Table: cfg.Database.Table,
			})
			if err != nil {
				return fmt.Errorf("open status store: %w", err)
			}
			defer store.Close()
			if err := store.EnsureSchema(cmd.Context()); err != nil {
				return err
			}
			logger.Info("status store schema applied", zap.String("table", cfg.Database.Table))
			return nil
		},
	}
}
