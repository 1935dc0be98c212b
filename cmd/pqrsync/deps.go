package main

import (
	"context"
	"log/slog"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/JonMunkholm/pqrsync/internal/config"
	"github.com/JonMunkholm/pqrsync/internal/core"
	"github.com/JonMunkholm/pqrsync/internal/ingest"
	"github.com/JonMunkholm/pqrsync/internal/objectstore"
	"github.com/JonMunkholm/pqrsync/internal/store"
)

// deps are the external collaborators shared by run and serve.
type deps struct {
	pool     *pgxpool.Pool
	loader   *store.Loader
	uploader *objectstore.Uploader // nil when uploads are disabled
}

// openDeps connects to Postgres and, when uploads are enabled, builds the
// object store uploader. Every failure is fatal.
func openDeps(ctx context.Context, cfg *config.Config, uploads bool) (*deps, error) {
	policy := retryPolicy(cfg.Retry)

	pool, err := store.Open(ctx, cfg.Database)
	if err != nil {
		return nil, err
	}
	d := &deps{pool: pool, loader: store.NewLoader(pool, policy)}
	slog.Info("connected to database", "max_conns", cfg.Database.MaxConns)

	if !uploads {
		slog.Info("object store uploads disabled")
		return d, nil
	}

	layout, err := objectstore.ParseLayout(cfg.ObjectStore.Layout)
	if err != nil {
		d.Close()
		return nil, core.Fatal(err)
	}
	client, err := objectstore.NewS3Client(ctx, cfg.ObjectStore)
	if err != nil {
		d.Close()
		return nil, err
	}
	d.uploader = objectstore.NewUploader(client, objectstore.UploaderConfigFrom(cfg.ObjectStore), layout, policy)
	slog.Info("object store configured",
		"bucket", cfg.ObjectStore.Bucket,
		"layout", layout.Name(),
		"endpoint", cfg.ObjectStore.Endpoint,
	)
	return d, nil
}

// orchestrator builds an Orchestrator over d.
func (d *deps) orchestrator() *ingest.Orchestrator {
	if d.uploader == nil {
		// A typed nil would not compare equal to nil inside the orchestrator.
		return ingest.New(d.loader, nil)
	}
	return ingest.New(d.loader, d.uploader)
}

func (d *deps) Close() {
	d.pool.Close()
}

func retryPolicy(cfg config.RetryConfig) core.RetryPolicy {
	return core.RetryPolicy{
		MaxAttempts:    cfg.MaxAttempts,
		BaseDelay:      cfg.BaseDelay,
		MaxDelay:       cfg.MaxDelay,
		Multiplier:     cfg.Multiplier,
		Jitter:         cfg.Jitter,
		AttemptTimeout: cfg.AttemptTimeout,
	}
}
