package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/JakeFAU/site-audit/internal/server"
)

func newServeCommand(ctx *commandContext) *cobra.Command {
	var withWorkers bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the audit API with an embedded worker pool",
		Long: `Serves the start, stop and status API. Unless --workers=false is given the
process also runs worker.count workers against the configured queue.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runApp(cmd.Context(), ctx, server.Options{API: true, Workers: withWorkers})
		},
	}
	cmd.Flags().BoolVar(&withWorkers, "workers", true, "Run the worker pool in this process")
	return cmd
}

func newWorkerCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "worker",
		Short: "Run the worker pool without the HTTP API",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runApp(cmd.Context(), ctx, server.Options{Workers: true})
		},
	}
}

func runApp(parent context.Context, ctx *commandContext, opts server.Options) error {
	cfg, logger, err := ctx.ensure()
	if err != nil {
		return err
	}
	if parent == nil {
		parent = context.Background()
	}
	runCtx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	app, err := server.Build(runCtx, cfg, logger, opts)
	if err != nil {
		return fmt.Errorf("build application: %w", err)
	}
	return app.Run(runCtx)
}
