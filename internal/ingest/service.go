package ingest

// service.go owns run lifecycle for long-lived callers: the status server and
// the scheduler start runs in the background, the CLI runs one in the
// foreground. Either way the run goes through the limiter, lands in History,
// and gets a report on disk.

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/JonMunkholm/pqrsync/internal/config"
	"github.com/JonMunkholm/pqrsync/internal/core"
)

// ErrRunNotFound is returned for unknown run ids.
var ErrRunNotFound = errors.New("run not found")

// ServiceConfig holds the defaults applied to every run.
type ServiceConfig struct {
	Inbox        string
	Options      Options
	ReportDir    string // empty disables reports
	ReportFormat string // "json" or "yaml"
	HistorySize  int
	MaxRuns      int
}

// ServiceConfigFrom maps the ingest settings onto a ServiceConfig.
func ServiceConfigFrom(cfg config.IngestConfig) ServiceConfig {
	return ServiceConfig{
		Inbox:        cfg.Inbox,
		Options:      OptionsFrom(cfg),
		ReportDir:    cfg.ReportDir,
		ReportFormat: cfg.ReportFormat,
		HistorySize:  cfg.HistorySize,
		MaxRuns:      cfg.MaxConcurrentRuns,
	}
}

// RunRequest describes one run. Zero fields take the service defaults.
type RunRequest struct {
	Company core.Company
	Root    string
	Files   []string
	Trigger string
}

// Service runs batches on behalf of the CLI, the status API and the scheduler.
type Service struct {
	orch    *Orchestrator
	cfg     ServiceConfig
	history *History
	limiter *RunLimiter

	// base is the parent of every background run; Shutdown cancels it.
	base   context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	running map[string]context.CancelFunc
	wg      sync.WaitGroup
}

// NewService creates a Service around orch.
func NewService(orch *Orchestrator, cfg ServiceConfig) *Service {
	base, cancel := context.WithCancel(context.Background())
	return &Service{
		orch:    orch,
		cfg:     cfg,
		history: NewHistory(cfg.HistorySize),
		limiter: NewRunLimiter(cfg.MaxRuns, DefaultMaxWait),
		base:    base,
		cancel:  cancel,
		running: make(map[string]context.CancelFunc),
	}
}

// Run executes a run in the foreground, waiting for a free slot.
// The error is non-nil for fatal setup failures and for a full limiter.
func (s *Service) Run(ctx context.Context, req RunRequest) (*BatchRun, error) {
	id := uuid.NewString()
	if err := s.limiter.Acquire(ctx, id, s.inbox(req)); err != nil {
		return nil, err
	}
	defer s.limiter.Release(id)

	return s.execute(ctx, id, req)
}

// Start launches a run in the background and returns its id. It returns
// ErrRunInProgress when every run slot is taken, or ErrInboxBusy when
// another run holds the same inbox.
func (s *Service) Start(req RunRequest) (string, error) {
	id := uuid.NewString()
	if err := s.limiter.TryAcquire(id, s.inbox(req)); err != nil {
		return "", err
	}

	ctx, cancel := context.WithCancel(s.base)

	s.mu.Lock()
	s.running[id] = cancel
	s.mu.Unlock()

	s.history.Put(s.placeholder(id, req))

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer s.limiter.Release(id)
		defer func() {
			s.mu.Lock()
			delete(s.running, id)
			s.mu.Unlock()
			cancel()
		}()
		defer func() {
			if rec := recover(); rec != nil {
				slog.Error("panic in run", "run_id", id, "panic", rec)
				failed := s.placeholder(id, req)
				failed.Status = RunFailed
				failed.Error = fmt.Sprintf("internal error: %v", rec)
				failed.FinishedAt = time.Now()
				s.history.Put(failed)
			}
		}()

		if _, err := s.execute(ctx, id, req); err != nil {
			slog.Error("background run failed", "run_id", id, "error", err)
		}
	}()

	return id, nil
}

// Cancel stops dispatch for a background run.
func (s *Service) Cancel(id string) error {
	s.mu.Lock()
	cancel, ok := s.running[id]
	s.mu.Unlock()

	if !ok {
		return fmt.Errorf("%w: %s", ErrRunNotFound, id)
	}
	cancel()
	return nil
}

// Get returns a run from History.
func (s *Service) Get(id string) (*BatchRun, error) {
	run, ok := s.history.Get(id)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrRunNotFound, id)
	}
	return run, nil
}

// Runs returns run summaries, newest first.
func (s *Service) Runs() []*BatchRun {
	return s.history.List()
}

// Status reports run slot usage.
func (s *Service) Status() LimiterStatus {
	return s.limiter.Status()
}

// Shutdown cancels background runs and waits for them to finalize their
// reports, or for ctx to expire.
func (s *Service) Shutdown(ctx context.Context) error {
	s.cancel()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Service) placeholder(id string, req RunRequest) *BatchRun {
	run := &BatchRun{
		ID:        id,
		Root:      s.root(req),
		Status:    RunRunning,
		Trigger:   req.Trigger,
		StartedAt: s.orch.now(),
	}
	if req.Company.Known() {
		run.Company = req.Company.Slug()
	}
	return run
}

func (s *Service) root(req RunRequest) string {
	if req.Root != "" || len(req.Files) > 0 {
		return req.Root
	}
	return s.cfg.Inbox
}

// inbox is the directory a run claims. Explicit file lists claim none.
func (s *Service) inbox(req RunRequest) string {
	if len(req.Files) > 0 {
		return ""
	}
	return s.root(req)
}

// execute runs the orchestrator and records the result.
func (s *Service) execute(ctx context.Context, id string, req RunRequest) (*BatchRun, error) {
	opts := s.cfg.Options
	opts.RunID = id
	opts.Trigger = req.Trigger
	opts.OnProgress = func(c Counts) { s.history.progress(id, c) }

	s.history.Put(s.placeholder(id, req))

	run, err := s.orch.Run(ctx, Source{Root: s.root(req), Files: req.Files}, req.Company, opts)
	if err != nil {
		failed := s.placeholder(id, req)
		failed.Status = RunFailed
		failed.Error = err.Error()
		failed.FinishedAt = s.orch.now()
		s.history.Put(failed)
		return failed, err
	}

	if s.cfg.ReportDir != "" {
		path := ReportPath(s.cfg.ReportDir, run, s.cfg.ReportFormat)
		if err := WriteReport(run, path); err != nil {
			slog.Error("write report failed", "run_id", id, "path", path, "error", err)
		} else {
			run.Report = path
		}
	}

	s.history.Put(run)
	return run, nil
}
