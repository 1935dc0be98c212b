package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/robfig/cron/v3"

	"github.com/JonMunkholm/pqrsync/internal/core"
)

// Starter launches a background run. *Service implements it.
type Starter interface {
	Start(req RunRequest) (string, error)
}

// Scheduler triggers runs on cron schedules while the status server is up.
// A tick that finds a run already active is skipped, not queued.
type Scheduler struct {
	cron    *cron.Cron
	starter Starter
}

// NewScheduler creates a Scheduler that starts runs through starter.
// Schedules use the standard five-field cron syntax.
func NewScheduler(starter Starter) *Scheduler {
	logger := cronLogger{slog.Default().With("component", "scheduler")}
	return &Scheduler{
		cron:    cron.New(cron.WithLogger(logger), cron.WithChain(cron.Recover(logger))),
		starter: starter,
	}
}

// Add registers a run over the configured inbox on spec.
func (s *Scheduler) Add(spec string, company core.Company) (cron.EntryID, error) {
	id, err := s.cron.AddFunc(spec, func() { s.trigger(company) })
	if err != nil {
		return 0, fmt.Errorf("invalid schedule %q: %w", spec, err)
	}
	slog.Info("run scheduled", "schedule", spec, "company", company.Slug())
	return id, nil
}

func (s *Scheduler) trigger(company core.Company) {
	runID, err := s.starter.Start(RunRequest{Company: company, Trigger: "schedule"})
	switch {
	case errors.Is(err, ErrRunInProgress):
		slog.Info("scheduled run skipped: run already in progress")
	case err != nil:
		slog.Error("scheduled run failed to start", "error", err)
	default:
		slog.Info("scheduled run started", "run_id", runID)
	}
}

// Start begins firing schedules in the background.
func (s *Scheduler) Start() {
	s.cron.Start()
}

// Stop stops the scheduler. The returned context is done once any trigger
// in progress has returned.
func (s *Scheduler) Stop() context.Context {
	return s.cron.Stop()
}

// Entries returns the number of registered schedules.
func (s *Scheduler) Entries() int {
	return len(s.cron.Entries())
}

// cronLogger adapts slog to cron's logger interface.
type cronLogger struct {
	l *slog.Logger
}

func (c cronLogger) Info(msg string, keysAndValues ...any) {
	c.l.Debug(msg, keysAndValues...)
}

func (c cronLogger) Error(err error, msg string, keysAndValues ...any) {
	c.l.Error(msg, append(keysAndValues, "error", err)...)
}
