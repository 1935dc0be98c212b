// Package ingest runs batches of scraper output through the pipeline:
// discovery, validation, fingerprinting, relational storage and object
// storage, and reports what happened to every file.
//
// A run never aborts because one item failed. Setup problems (unreachable
// database, missing bucket, missing inbox) are returned as fatal errors before
// any item is processed. Cancelling the run context stops dispatch; items
// already in flight finish their current step and are reported as cancelled.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/JonMunkholm/pqrsync/internal/config"
	"github.com/JonMunkholm/pqrsync/internal/core"
	"github.com/JonMunkholm/pqrsync/internal/logging"
	"github.com/JonMunkholm/pqrsync/internal/objectstore"
	"github.com/JonMunkholm/pqrsync/internal/store"
)

// ErrUnknownCompany rejects items whose company could not be determined.
var ErrUnknownCompany = errors.New("unknown company")

// RecordStore persists validated records. *store.Loader implements it.
type RecordStore interface {
	Store(ctx context.Context, def core.CompanyDefinition, rec core.Record, fp core.Fingerprint, opts store.StoreOptions) (store.StoreOutcome, error)
}

// ArtifactUploader writes files to object storage. *objectstore.Uploader
// implements it.
type ArtifactUploader interface {
	Upload(ctx context.Context, a core.Artifact) (objectstore.UploadOutcome, error)
	UploadBytes(ctx context.Context, a core.Artifact, data []byte) (objectstore.UploadOutcome, error)
}

// Optional setup checks, used when the collaborators provide them.
type (
	pinger        interface{ Ping(ctx context.Context) error }
	bucketChecker interface{ CheckBucket(ctx context.Context) error }
	schemaEnsurer interface {
		EnsureSchema(ctx context.Context, def core.CompanyDefinition) error
	}
)

// Options control a single run.
type Options struct {
	// RunID is generated when empty.
	RunID string
	// Trigger labels who started the run ("cli", "api", "schedule").
	Trigger    string
	Parallel   bool
	MaxWorkers int
	// CheckDuplicates looks up existing rows by fingerprint and submission
	// number before inserting. When false the insert relies on the fingerprint
	// index alone.
	CheckDuplicates bool
	Recursive       bool
	// Update overwrites stored rows with the newly extracted content.
	Update bool
	// OnProgress, when set, receives a counts snapshot after every item.
	OnProgress func(Counts)
}

// OptionsFrom maps the ingest settings onto run options.
func OptionsFrom(cfg config.IngestConfig) Options {
	return Options{
		Parallel:        cfg.Parallel,
		MaxWorkers:      cfg.MaxWorkers,
		CheckDuplicates: cfg.CheckDuplicates,
		Recursive:       cfg.Recursive,
		Update:          cfg.Update,
	}
}

func (o Options) workers() int {
	if !o.Parallel || o.MaxWorkers < 1 {
		return 1
	}
	return o.MaxWorkers
}

func (o Options) storeOptions() store.StoreOptions {
	return store.StoreOptions{
		Update:     o.Update,
		SkipLookup: !o.CheckDuplicates,
	}
}

// Orchestrator runs batches. It is safe for concurrent use; each Run keeps
// its own state.
type Orchestrator struct {
	store    RecordStore
	uploader ArtifactUploader
	now      func() time.Time
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithClock overrides the time source for run timestamps.
func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) { o.now = now }
}

// New creates an Orchestrator. uploader may be nil: records are then stored
// only and end in the no_artifact state.
func New(loader RecordStore, uploader ArtifactUploader, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		store:    loader,
		uploader: uploader,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// run is the mutable state of one Run call.
type run struct {
	o    *Orchestrator
	opts Options

	counts counters

	mu       sync.Mutex
	outcomes []ItemOutcome
}

// Run ingests src. company may be core.CompanyUnknown to resolve each file's
// company from its path or content.
//
// The returned error is non-nil only for setup failures, which are fatal
// (core.IsFatal). Item failures are reported in the BatchRun.
func (o *Orchestrator) Run(ctx context.Context, src Source, company core.Company, opts Options) (*BatchRun, error) {
	if opts.RunID == "" {
		opts.RunID = uuid.NewString()
	}
	out := &BatchRun{
		ID:        opts.RunID,
		Root:      src.Root,
		Status:    RunRunning,
		Trigger:   opts.Trigger,
		StartedAt: o.now(),
	}
	if company.Known() {
		out.Company = company.Slug()
	}

	logger := logging.WithFields(ctx, "run_id", out.ID)
	ctx = logging.WithLogger(ctx, logger)

	if err := o.preflight(ctx, company); err != nil {
		return nil, err
	}
	p, err := discover(ctx, src, company, opts.Recursive)
	if err != nil {
		return nil, err
	}

	logger.Info("run started",
		"root", src.Root,
		"company", company.Slug(),
		"items", p.size(),
		"workers", opts.workers(),
	)

	r := &run{o: o, opts: opts}
	r.counts.discovered.Add(int64(p.size()))

	tasks := make([]task, 0, p.size())
	for _, it := range p.records {
		tasks = append(tasks, task{
			item: ItemOutcome{Item: it.rel, Kind: ItemRecord, Company: it.company.Slug()},
			run:  func(ctx context.Context) { r.processRecord(ctx, it) },
		})
	}
	for _, a := range p.orphans {
		tasks = append(tasks, task{
			item: ItemOutcome{Item: a.rel, Kind: ItemArtifact, Company: a.company.Slug()},
			run:  func(ctx context.Context) { r.processArtifact(ctx, a) },
		})
	}

	r.dispatch(ctx, tasks)
	if n := r.counts.unprocessed.Load(); n > 0 {
		logger.Warn("run cancelled before all items were dispatched", "unprocessed", n)
	}

	out.FinishedAt = o.now()
	out.Counts = r.counts.snapshot()
	out.Outcomes = r.outcomes
	sort.SliceStable(out.Outcomes, func(i, j int) bool {
		return out.Outcomes[i].Item < out.Outcomes[j].Item
	})
	out.Status = RunCompleted
	if ctx.Err() != nil {
		out.Cancelled = true
		out.Status = RunCancelled
	}

	logger.Info("run finished", "run", out)
	return out, nil
}

// task is one dispatchable item.
type task struct {
	item ItemOutcome
	run  func(ctx context.Context)
}

// dispatch runs tasks on a bounded pool until they are exhausted or ctx is
// cancelled. A task that has started always finishes; one that has not is
// recorded as unprocessed.
func (r *run) dispatch(ctx context.Context, tasks []task) {
	var g errgroup.Group
	g.SetLimit(r.opts.workers())

	for _, t := range tasks {
		if ctx.Err() != nil {
			r.skip(t.item)
			continue
		}
		g.Go(func() error {
			if ctx.Err() != nil {
				r.skip(t.item)
				return nil
			}
			t.run(ctx)
			return nil
		})
	}
	_ = g.Wait()
}

// skip records an item the run never got to.
func (r *run) skip(item ItemOutcome) {
	item.State = core.StateDiscovered
	item.Cancelled = true
	r.counts.unprocessed.Add(1)
	r.record(item)
}

// preflight runs the collaborators' own setup checks. Any failure is fatal.
func (o *Orchestrator) preflight(ctx context.Context, company core.Company) error {
	if o.store == nil {
		return core.Fatal(errors.New("no record store configured"))
	}
	if company != core.CompanyUnknown && !company.Known() {
		return core.Fatal(fmt.Errorf("%w: %q", ErrUnknownCompany, string(company)))
	}

	if p, ok := o.store.(pinger); ok {
		if err := p.Ping(ctx); err != nil {
			return core.Fatal(fmt.Errorf("database: %w", err))
		}
	}
	if s, ok := o.store.(schemaEnsurer); ok {
		defs := core.Definitions()
		if company.Known() {
			defs = []core.CompanyDefinition{core.MustLookup(company)}
		}
		for _, def := range defs {
			if err := s.EnsureSchema(ctx, def); err != nil {
				return core.Fatal(fmt.Errorf("schema %s: %w", def.Table, err))
			}
		}
	}
	if b, ok := o.uploader.(bucketChecker); ok {
		if err := b.CheckBucket(ctx); err != nil {
			return core.Fatal(err)
		}
	}
	return nil
}

// record appends a finished outcome and publishes progress.
func (r *run) record(o ItemOutcome) {
	r.mu.Lock()
	r.outcomes = append(r.outcomes, o)
	r.mu.Unlock()

	if r.opts.OnProgress != nil {
		r.opts.OnProgress(r.counts.snapshot())
	}
}

// processRecord walks one record through validate, hash, store and upload.
// Work runs on a context detached from cancellation so an in-flight step is
// never cut short; ctx is only consulted between steps.
func (r *run) processRecord(ctx context.Context, it *recordItem) {
	start := time.Now()
	out := ItemOutcome{
		Item:    it.rel,
		Kind:    ItemRecord,
		Company: it.company.Slug(),
		State:   core.StateDiscovered,
	}
	for _, a := range it.artifacts {
		out.Artifacts = append(out.Artifacts, a.rel)
	}
	logger := logging.WithFields(ctx, "item", it.rel, "company", it.company.Slug())
	work := logging.WithLogger(context.WithoutCancel(ctx), logger)

	defer func() {
		out.DurationMS = time.Since(start).Milliseconds()
		r.record(out)
	}()

	if it.loadErr != nil {
		if errors.Is(it.loadErr, core.ErrUnparsable) {
			r.reject(&out, core.StepLoad, it.loadErr, []string{core.ErrUnparsable.Error()})
		} else {
			out.setError(core.StepLoad, it.loadErr)
			r.counts.failed.Add(1)
		}
		logger.Warn("record not loaded", "error", it.loadErr)
		return
	}
	if !it.company.Known() {
		r.reject(&out, core.StepValidate, fmt.Errorf("%w for %s", ErrUnknownCompany, it.rel), nil)
		logger.Warn("record rejected", "reason", ErrUnknownCompany)
		return
	}
	def := core.MustLookup(it.company)

	res := core.ValidateRecord(def, it.rec)
	for _, w := range res.Warnings() {
		out.Warnings = append(out.Warnings, w.Error())
	}
	if !res.OK {
		var reasons []string
		for _, e := range res.Errors() {
			reasons = append(reasons, e.Error())
		}
		r.reject(&out, core.StepValidate, fmt.Errorf("validation failed: %s", strings.Join(reasons, "; ")), reasons)
		logger.Info("record rejected", "reasons", reasons)
		return
	}
	out.State = core.StateValidated
	r.counts.validated.Add(1)

	fp, err := core.ComputeFingerprint(def, it.rec)
	if err != nil {
		r.reject(&out, core.StepHash, err, []string{err.Error()})
		logger.Info("record rejected", "error", err)
		return
	}
	out.State = core.StateHashed
	out.Fingerprint = fp.String()
	out.Submission = it.submission()

	stored, err := r.o.store.Store(work, def, it.rec, fp, r.opts.storeOptions())
	storeFailed := err != nil
	out.StoreStatus = stored.Status
	out.RowID = stored.ID
	out.StoreAttempts = stored.Attempts
	switch {
	case err != nil:
		out.State = core.StateStoreFailed
		out.setError(core.StepStore, err)
		r.counts.storeFailed.Add(1)
		r.counts.failed.Add(1)
		logger.Error("store failed", "error", err, "attempts", stored.Attempts)
	case stored.Status == store.StatusSkippedDuplicate:
		out.State = core.StateSkippedDuplicate
		r.counts.skipped.Add(1)
		logger.Debug("duplicate skipped", "fingerprint", fp.Short())
	case stored.Status == store.StatusUpdated:
		out.State = core.StateUpdated
		r.counts.updated.Add(1)
		logger.Debug("record updated", "fingerprint", fp.Short(), "id", stored.ID)
	default:
		out.State = core.StateStored
		r.counts.inserted.Add(1)
		logger.Debug("record stored", "fingerprint", fp.Short(), "id", stored.ID)
	}

	if ctx.Err() != nil {
		out.Cancelled = true
		return
	}

	if r.o.uploader == nil {
		out.State = core.StateNoArtifact
		r.counts.noArtifact.Add(1)
		return
	}

	// The record file itself is uploaded next to its artifacts.
	base := core.Artifact{
		Company:     it.company,
		Kind:        core.KindJSON,
		LocalPath:   it.path,
		Fingerprint: fp,
		BusinessKey: out.Submission,
		Date:        it.date(),
	}
	failed := 0
	if !r.uploadOne(work, &out, it.rel, base, it.raw) {
		failed++
	}
	for _, a := range it.artifacts {
		art := base
		art.Kind = a.kind
		art.LocalPath = a.path
		if !r.uploadOne(work, &out, a.rel, art, nil) {
			failed++
		}
	}

	if failed > 0 {
		out.State = core.StateUploadFailed
		r.counts.uploadFailed.Add(1)
		if !storeFailed {
			r.counts.failed.Add(1)
		}
		return
	}
	out.State = core.StateUploaded
	r.counts.uploaded.Add(1)
}

// processArtifact uploads a file no record claimed.
func (r *run) processArtifact(ctx context.Context, a *artifactFile) {
	start := time.Now()
	out := ItemOutcome{
		Item:    a.rel,
		Kind:    ItemArtifact,
		Company: a.company.Slug(),
		State:   core.StateDiscovered,
	}
	logger := logging.WithFields(ctx, "item", a.rel, "company", a.company.Slug())
	work := logging.WithLogger(context.WithoutCancel(ctx), logger)

	defer func() {
		out.DurationMS = time.Since(start).Milliseconds()
		r.record(out)
	}()

	if !a.company.Known() {
		r.reject(&out, core.StepDiscover, fmt.Errorf("%w for %s", ErrUnknownCompany, a.rel), nil)
		logger.Warn("artifact rejected", "reason", ErrUnknownCompany)
		return
	}
	if r.o.uploader == nil {
		out.State = core.StateNoArtifact
		r.counts.noArtifact.Add(1)
		return
	}

	business, date := pathHints(a)
	art := core.Artifact{
		Company:     a.company,
		Kind:        a.kind,
		LocalPath:   a.path,
		BusinessKey: business,
		Date:        date,
	}
	if !r.uploadOne(work, &out, a.rel, art, nil) {
		out.State = core.StateUploadFailed
		r.counts.uploadFailed.Add(1)
		r.counts.failed.Add(1)
		return
	}
	out.State = core.StateUploaded
	r.counts.uploaded.Add(1)
}

// uploadOne uploads a single object and appends its result to out. data, when
// non-nil, is uploaded instead of re-reading the file.
func (r *run) uploadOne(ctx context.Context, out *ItemOutcome, rel string, a core.Artifact, data []byte) bool {
	var (
		res objectstore.UploadOutcome
		err error
	)
	if data != nil {
		res, err = r.o.uploader.UploadBytes(ctx, a, data)
	} else {
		res, err = r.o.uploader.Upload(ctx, a)
	}

	result := UploadResult{
		File:     rel,
		Kind:     a.Kind,
		Key:      res.Key,
		Bytes:    res.Bytes,
		Attempts: res.Attempts,
	}
	if err != nil {
		result.Error = err.Error()
		out.Uploads = append(out.Uploads, result)
		if out.Error == "" {
			out.setError(core.StepUpload, err)
		}
		logging.FromContext(ctx).Error("upload failed",
			"file", rel,
			"attempts", res.Attempts,
			"error", err,
		)
		return false
	}

	out.Uploads = append(out.Uploads, result)
	r.counts.objects.Add(1)
	logging.FromContext(ctx).Debug("uploaded", slog.String("file", rel), slog.String("key", res.Key))
	return true
}

// reject marks out as rejected for its content.
func (r *run) reject(out *ItemOutcome, step string, err error, reasons []string) {
	out.State = core.StateRejected
	out.Reasons = reasons
	out.setError(step, err)
	if out.ErrorClass == core.ClassPermanent {
		out.ErrorClass = core.ClassValidation
	}
	r.counts.rejected.Add(1)
}
