package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/JonMunkholm/pqrsync/internal/core"
	"github.com/JonMunkholm/pqrsync/internal/ingest"
	"github.com/JonMunkholm/pqrsync/internal/web"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the status API and the ingest scheduler",
	Long: `Starts the HTTP status API. Runs are triggered with POST /api/runs or on
the INGEST_SCHEDULE cron expression; only MaxConcurrentRuns run at a time.`,
	RunE: serve,
}

var serveNoUpload bool

func init() {
	serveCmd.Flags().BoolVar(&serveNoUpload, "no-upload", false, "Store records without uploading to the object store")
}

func serve(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	d, err := openDeps(ctx, cfg, !serveNoUpload)
	if err != nil {
		return &exitError{exitFatal, err}
	}
	defer d.Close()

	svc := ingest.NewService(d.orchestrator(), ingest.ServiceConfigFrom(cfg.Ingest))

	checks := map[string]web.HealthCheck{"database": d.loader.Ping}
	if d.uploader != nil {
		checks["object_store"] = d.uploader.CheckBucket
	}
	server := web.NewServer(web.Deps{Runs: svc, Rows: d.loader, Checks: checks}, cfg.Server, cfg.Security)

	var sched *ingest.Scheduler
	if cfg.Schedule.Spec != "" {
		sched = ingest.NewScheduler(svc)
		if _, err := sched.Add(cfg.Schedule.Spec, core.ParseCompany(cfg.Schedule.Company)); err != nil {
			return &exitError{exitFatal, err}
		}
		sched.Start()
	}

	slog.Info("companies registered", "count", len(core.Definitions()))

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.Start()
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return &exitError{exitFatal, err}
		}
		return nil
	case <-ctx.Done():
	}

	slog.Info("shutting down...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if sched != nil {
		select {
		case <-sched.Stop().Done():
		case <-shutdownCtx.Done():
		}
	}

	if status := svc.Status(); status.Active > 0 {
		slog.Info("waiting for runs to finish", "active", status.Active)
	}
	if err := svc.Shutdown(shutdownCtx); err != nil {
		slog.Warn("runs did not finish in time", "error", err)
	}

	if err := server.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "error", err)
	}
	return nil
}
