package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/nordiq/reportflow/internal/scheduler"
	"github.com/nordiq/reportflow/internal/server"
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API, SSE streams, and the cron scheduler",
		RunE:  runServe,
	}
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := openApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	srv := server.NewServer(server.Deps{
		Store:        a.store,
		Runner:       a.runner,
		Orchestrator: a.orch,
		Dedup:        a.dedup,
		Pool:         a.pool,
		Hub:          a.hub,
		Bus:          a.bus,
		Journal:      a.journal,
		Logger:       a.logger,
	})
	if err := srv.StartJournal(ctx); err != nil {
		return err
	}
	a.bus.StartSweeper(ctx)

	sched := scheduler.NewScheduler(a.store, a.orch, a.logger)
	if err := sched.RecoverMissed(ctx); err != nil {
		a.logger.Warn("missed-run recovery failed", "error", err)
	}
	if err := sched.Start(ctx); err != nil {
		return err
	}
	defer sched.Stop()

	httpSrv := &http.Server{
		Addr:              a.cfg.ListenAddr,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		a.logger.Info("listening", "addr", a.cfg.ListenAddr)
		if err := httpSrv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	a.logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	return httpSrv.Shutdown(shutdownCtx)
}
