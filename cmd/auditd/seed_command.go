package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/site-audit/internal/audit"
	pgstore "github.com/JakeFAU/site-audit/internal/storage/postgres"
)

type seedOptions struct {
	id     string
	owner  string
	kind   string
	config string
}

func (o seedOptions) unit() (audit.Unit, error) {
	if strings.TrimSpace(o.id) == "" || strings.TrimSpace(o.owner) == "" {
		return audit.Unit{}, errors.New("--id and --owner are required")
	}
	kind := audit.UnitKind(o.kind)
	if kind != audit.KindProject && kind != audit.KindSession {
		return audit.Unit{}, fmt.Errorf("--kind must be project or session, got %q", o.kind)
	}
	unit := audit.Unit{ID: o.id, OwnerID: o.owner, Kind: kind, Status: audit.StatusPending}
	if o.config != "" {
		if !json.Valid([]byte(o.config)) {
			return audit.Unit{}, errors.New("--config must be valid JSON")
		}
		unit.Config = json.RawMessage(o.config)
	}
	return unit, nil
}

// newSeedCommand registers a pending unit, standing in for the dashboard that
// normally creates them.
func newSeedCommand(ctx *commandContext) *cobra.Command {
	var opts seedOptions
	cmd := &cobra.Command{
		Use:   "seed",
		Short: "Create a pending audit unit in the status store",
		RunE: func(cmd *cobra.Command, _ []string) error {
			unit, err := opts.unit()
			if err != nil {
				return err
			}
			cfg, logger, err := ctx.ensure()
			if err != nil {
				return err
			}
			if cfg.Database.DSN == "" {
				return errors.New("database.dsn is required for seed")
			}
			store, err := pgstore.NewStatusStore(cmd.Context(), pgstore.Config{
				DSN:   cfg.Database.DSN,
				Table: cfg.Database.Table,
			})
			if err != nil {
				return fmt.Errorf("open status store: %w", err)
			}
			defer store.Close()
			if err := store.Create(cmd.Context(), unit); err != nil {
				return err
			}
			logger.Info("unit created", zap.String("unit_id", unit.ID), zap.String("owner_id", unit.OwnerID))
			return nil
		},
	}
	cmd.Flags().StringVar(&opts.id, "id", "", "Unit id")
	cmd.Flags().StringVar(&opts.owner, "owner", "", "Owner id")
	cmd.Flags().StringVar(&opts.kind, "kind", string(audit.KindProject), "Unit kind: project or session")
	cmd.Flags().StringVar(&opts.config, "config-json", "", `Stage config, e.g. {"urls":["https://example.com"]}`)
	return cmd
}
