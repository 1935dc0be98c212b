// Package store is the relational loader: it persists validated, fingerprinted
// PQR records into PostgreSQL, one table per company, skipping content that was
// already stored.
//
// Every Store call runs in its own transaction. A record is either fully
// committed or not written at all; transient failures are retried with the
// shared core.RetryPolicy.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/JonMunkholm/pqrsync/internal/config"
	"github.com/JonMunkholm/pqrsync/internal/core"
	"github.com/JonMunkholm/pqrsync/internal/logging"
)

// Status is the result of storing one record.
type Status string

const (
	StatusInserted         Status = "inserted"
	StatusSkippedDuplicate Status = "skipped_duplicate"
	StatusUpdated          Status = "updated"
	StatusFailed           Status = "failed"
)

// StoreOptions tune duplicate handling for a single Store call.
type StoreOptions struct {
	// Update overwrites the existing row instead of skipping it.
	Update bool
	// SkipLookup inserts without the pre-insert existence check. The unique
	// fingerprint index still turns a duplicate into StatusSkippedDuplicate,
	// but a known submission number under a new fingerprint is inserted.
	// Ignored when Update is set.
	SkipLookup bool
}

// StoreOutcome describes what happened to a record.
type StoreOutcome struct {
	Status   Status `json:"status"`
	ID       int64  `json:"id,omitempty"`
	Attempts int    `json:"attempts"`
}

// DB is the subset of *pgxpool.Pool the loader needs.
type DB interface {
	Begin(ctx context.Context) (pgx.Tx, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Ping(ctx context.Context) error
}

// Open creates a connection pool from cfg and verifies it with a ping.
// Any failure is fatal: no run can start without the relational store.
func Open(ctx context.Context, cfg config.DatabaseConfig) (*pgxpool.Pool, error) {
	poolConfig, err := pgxpool.ParseConfig(cfg.URL)
	if err != nil {
		return nil, core.Fatal(fmt.Errorf("parse database URL: %w", err))
	}

	if cfg.MaxConns > 0 {
		poolConfig.MaxConns = int32(cfg.MaxConns)
	}
	if cfg.MinConns > 0 {
		poolConfig.MinConns = int32(cfg.MinConns)
	}
	if cfg.MaxConnLifetime > 0 {
		poolConfig.MaxConnLifetime = cfg.MaxConnLifetime
	}
	if cfg.MaxConnIdleTime > 0 {
		poolConfig.MaxConnIdleTime = cfg.MaxConnIdleTime
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, core.Fatal(fmt.Errorf("connect to database: %w", err))
	}

	pingCtx := ctx
	if cfg.ConnectTimeout > 0 {
		var cancel context.CancelFunc
		pingCtx, cancel = context.WithTimeout(ctx, cfg.ConnectTimeout)
		defer cancel()
	}
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, core.Fatal(fmt.Errorf("ping database: %w", err))
	}
	return pool, nil
}

// Loader writes records into their company table.
// It is safe for concurrent use.
type Loader struct {
	db     DB
	policy core.RetryPolicy

	mu      sync.Mutex
	ensured map[string]bool
}

// NewLoader creates a loader over db using policy for transient failures.
func NewLoader(db DB, policy core.RetryPolicy) *Loader {
	return &Loader{
		db:      db,
		policy:  policy,
		ensured: make(map[string]bool),
	}
}

// Ping verifies the database is reachable.
func (l *Loader) Ping(ctx context.Context) error {
	return l.db.Ping(ctx)
}

// EnsureSchema creates the company table and indexes if needed.
// Success is remembered per table; a failure is retried on the next call.
func (l *Loader) EnsureSchema(ctx context.Context, def core.CompanyDefinition) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.ensured[def.Table] {
		return nil
	}

	_, err := l.policy.Do(ctx, Classify, func(ctx context.Context, _ int) error {
		for _, stmt := range SchemaStatements(def) {
			if _, err := l.db.Exec(ctx, stmt); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("ensure schema %s: %w", def.Table, err)
	}

	l.ensured[def.Table] = true
	logging.FromContext(ctx).Debug("schema ready", "table", def.Table)
	return nil
}

// Store persists rec under fp. Duplicates are reported as
// StatusSkippedDuplicate and are not errors. On error the outcome status is
// StatusFailed and the error is a *core.ClassifiedError.
func (l *Loader) Store(ctx context.Context, def core.CompanyDefinition, rec core.Record, fp core.Fingerprint, opts StoreOptions) (StoreOutcome, error) {
	if !fp.Valid() {
		return StoreOutcome{Status: StatusFailed}, &core.ClassifiedError{
			Class: core.ClassValidation,
			Err:   fmt.Errorf("%w: invalid fingerprint %q", core.ErrUnhashable, fp),
		}
	}
	if err := l.EnsureSchema(ctx, def); err != nil {
		return StoreOutcome{Status: StatusFailed}, err
	}

	args, err := rowValues(def, rec, fp)
	if err != nil {
		return StoreOutcome{Status: StatusFailed}, &core.ClassifiedError{Class: core.ClassPermanent, Err: err}
	}

	var out StoreOutcome
	attempts, err := l.policy.Do(ctx, Classify, func(ctx context.Context, attempt int) error {
		var err error
		out, err = l.storeOnce(ctx, def, rec, fp, args, opts)
		if err != nil {
			logging.FromContext(ctx).Debug("store attempt failed",
				"table", def.Table,
				"fingerprint", fp.Short(),
				"attempt", attempt,
				"error", err,
			)
		}
		return err
	})
	out.Attempts = attempts
	if err != nil {
		out.Status = StatusFailed
		out.ID = 0
		return out, err
	}
	return out, nil
}

// storeOnce runs one transaction. The deferred rollback is a no-op after commit.
func (l *Loader) storeOnce(ctx context.Context, def core.CompanyDefinition, rec core.Record, fp core.Fingerprint, args []any, opts StoreOptions) (StoreOutcome, error) {
	tx, err := l.db.Begin(ctx)
	if err != nil {
		return StoreOutcome{}, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	// An existing row matches by fingerprint or, when the key fields of a
	// re-extracted PQR changed, by its submission number.
	var id int64
	if opts.SkipLookup && !opts.Update {
		err = pgx.ErrNoRows
	} else {
		err = tx.QueryRow(ctx, lookupSQL(def), fp.String(), submissionValue(def, rec)).Scan(&id)
	}
	switch {
	case err == nil:
		if !opts.Update {
			return StoreOutcome{Status: StatusSkippedDuplicate, ID: id}, nil
		}
		updateArgs := append(append(make([]any, 0, len(args)+1), args...), id)
		if _, err := tx.Exec(ctx, updateSQL(def), updateArgs...); err != nil {
			return StoreOutcome{}, fmt.Errorf("update %s: %w", def.Table, err)
		}
		if err := tx.Commit(ctx); err != nil {
			return StoreOutcome{}, fmt.Errorf("commit: %w", err)
		}
		return StoreOutcome{Status: StatusUpdated, ID: id}, nil
	case errors.Is(err, pgx.ErrNoRows):
	default:
		return StoreOutcome{}, fmt.Errorf("lookup %s: %w", def.Table, err)
	}

	err = tx.QueryRow(ctx, insertSQL(def), args...).Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) {
		// A concurrent writer stored the same fingerprint between lookup and insert.
		return StoreOutcome{Status: StatusSkippedDuplicate}, nil
	}
	if err != nil {
		return StoreOutcome{}, fmt.Errorf("insert %s: %w", def.Table, err)
	}
	if err := tx.Commit(ctx); err != nil {
		return StoreOutcome{}, fmt.Errorf("commit: %w", err)
	}
	return StoreOutcome{Status: StatusInserted, ID: id}, nil
}

// Count returns the number of rows stored for def.
func (l *Loader) Count(ctx context.Context, def core.CompanyDefinition) (int64, error) {
	if err := l.EnsureSchema(ctx, def); err != nil {
		return 0, err
	}
	var n int64
	err := l.db.QueryRow(ctx, "SELECT count(*) FROM "+core.QuoteIdentifier(def.Table)).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count %s: %w", def.Table, err)
	}
	return n, nil
}

// rowValues builds the arguments for dataColumns in order.
func rowValues(def core.CompanyDefinition, rec core.Record, fp core.Fingerprint) ([]any, error) {
	args := make([]any, 0, len(def.FieldSpecs)+4)
	for _, spec := range def.FieldSpecs {
		v := core.CleanValue(rec.Get(spec.Name))
		if spec.Normalizer != nil && v != "" {
			v = spec.Normalizer(v)
		}
		if spec.Type == core.FieldDate {
			args = append(args, core.ToPgDate(v))
		} else {
			args = append(args, core.ToPgText(v))
		}
	}

	fields, err := json.Marshal(rec.Fields)
	if err != nil {
		return nil, fmt.Errorf("encode fields: %w", err)
	}

	return append(args,
		fp.String(),
		string(fields),
		core.ToPgText(rec.SourceFile),
		core.ToPgTimestamptz(rec.ExtractedAt),
	), nil
}

func submissionValue(def core.CompanyDefinition, rec core.Record) string {
	v := core.CleanValue(rec.Get(def.SubmissionField))
	if spec, ok := def.Spec(def.SubmissionField); ok && spec.Normalizer != nil {
		v = spec.Normalizer(v)
	}
	return v
}

// LogValue keeps outcome logging compact.
func (o StoreOutcome) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("status", string(o.Status)),
		slog.Int64("id", o.ID),
		slog.Int("attempts", o.Attempts),
	)
}
