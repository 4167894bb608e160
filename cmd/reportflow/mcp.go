package main

import (
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/nordiq/reportflow/pkg/mcp"
)

func newMCPCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "mcp",
		Short: "Serve the pipeline as MCP tools over stdio",
		RunE:  runMCP,
	}
}

func runMCP(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := openApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	srv := mcp.NewReportflowServer(mcp.ReportflowServerDeps{
		Runner:       a.runner,
		Orchestrator: a.orch,
		Dedup:        a.dedup,
		Store:        a.store,
		Hub:          a.hub,
		Logger:       a.logger,
	})
	if err := srv.StartNotifier(ctx); err != nil {
		return err
	}
	a.bus.StartSweeper(ctx)
	return srv.Serve(ctx)
}
