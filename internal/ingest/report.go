package ingest

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/JonMunkholm/pqrsync/internal/core"
	"github.com/JonMunkholm/pqrsync/internal/store"
)

// ReportPrefix starts every report file name. Discovery skips these files so
// a report written into the inbox is never ingested.
const ReportPrefix = "pqrsync-report"

// RunStatus is the lifecycle state of a BatchRun.
type RunStatus string

const (
	RunRunning   RunStatus = "running"
	RunCompleted RunStatus = "completed"
	RunCancelled RunStatus = "cancelled"
	RunFailed    RunStatus = "failed" // setup error; no item was processed
)

// Item kinds in outcomes.
const (
	ItemRecord   = "record"
	ItemArtifact = "artifact"
)

// Counts aggregates per-item terminal states for one run.
// Failed is the run's success signal: zero means every item either landed,
// was a duplicate, or was rejected for its content.
type Counts struct {
	Discovered   int64 `json:"discovered" yaml:"discovered"`
	Validated    int64 `json:"validated" yaml:"validated"`
	Rejected     int64 `json:"rejected" yaml:"rejected"`
	Inserted     int64 `json:"inserted" yaml:"inserted"`
	Skipped      int64 `json:"skipped_duplicate" yaml:"skipped_duplicate"`
	Updated      int64 `json:"updated" yaml:"updated"`
	StoreFailed  int64 `json:"store_failed" yaml:"store_failed"`
	Uploaded     int64 `json:"uploaded" yaml:"uploaded"`
	UploadFailed int64 `json:"upload_failed" yaml:"upload_failed"`
	NoArtifact   int64 `json:"no_artifact" yaml:"no_artifact"`
	Objects      int64 `json:"objects" yaml:"objects"`
	Unprocessed  int64 `json:"unprocessed" yaml:"unprocessed"`
	Failed       int64 `json:"failed" yaml:"failed"`
}

// counters is the concurrent form of Counts.
type counters struct {
	discovered, validated, rejected         atomic.Int64
	inserted, skipped, updated, storeFailed atomic.Int64
	uploaded, uploadFailed, noArtifact      atomic.Int64
	objects, unprocessed, failed            atomic.Int64
}

func (c *counters) snapshot() Counts {
	return Counts{
		Discovered:   c.discovered.Load(),
		Validated:    c.validated.Load(),
		Rejected:     c.rejected.Load(),
		Inserted:     c.inserted.Load(),
		Skipped:      c.skipped.Load(),
		Updated:      c.updated.Load(),
		StoreFailed:  c.storeFailed.Load(),
		Uploaded:     c.uploaded.Load(),
		UploadFailed: c.uploadFailed.Load(),
		NoArtifact:   c.noArtifact.Load(),
		Objects:      c.objects.Load(),
		Unprocessed:  c.unprocessed.Load(),
		Failed:       c.failed.Load(),
	}
}

// UploadResult describes one object written (or not) for an item.
type UploadResult struct {
	File     string            `json:"file" yaml:"file"`
	Kind     core.ArtifactKind `json:"kind" yaml:"kind"`
	Key      string            `json:"key,omitempty" yaml:"key,omitempty"`
	Bytes    int64             `json:"bytes,omitempty" yaml:"bytes,omitempty"`
	Attempts int               `json:"attempts" yaml:"attempts"`
	Error    string            `json:"error,omitempty" yaml:"error,omitempty"`
}

// ItemOutcome is the final state of one discovered item.
type ItemOutcome struct {
	Item        string         `json:"item" yaml:"item"`
	Kind        string         `json:"kind" yaml:"kind"`
	Company     string         `json:"company" yaml:"company"`
	State       core.ItemState `json:"state" yaml:"state"`
	Submission  string         `json:"submission,omitempty" yaml:"submission,omitempty"`
	Fingerprint string         `json:"fingerprint,omitempty" yaml:"fingerprint,omitempty"`

	StoreStatus   store.Status `json:"store_status,omitempty" yaml:"store_status,omitempty"`
	RowID         int64        `json:"row_id,omitempty" yaml:"row_id,omitempty"`
	StoreAttempts int          `json:"store_attempts,omitempty" yaml:"store_attempts,omitempty"`

	Artifacts []string       `json:"artifacts,omitempty" yaml:"artifacts,omitempty"`
	Uploads   []UploadResult `json:"uploads,omitempty" yaml:"uploads,omitempty"`

	Reasons  []string `json:"reasons,omitempty" yaml:"reasons,omitempty"`
	Warnings []string `json:"warnings,omitempty" yaml:"warnings,omitempty"`

	Step       string          `json:"step,omitempty" yaml:"step,omitempty"`
	ErrorClass core.ErrorClass `json:"error_class,omitempty" yaml:"error_class,omitempty"`
	Error      string          `json:"error,omitempty" yaml:"error,omitempty"`
	Code       string          `json:"code,omitempty" yaml:"code,omitempty"`

	// Cancelled is set when the run stopped before the item reached a
	// terminal state; State is the last state it did reach.
	Cancelled  bool  `json:"cancelled,omitempty" yaml:"cancelled,omitempty"`
	DurationMS int64 `json:"duration_ms" yaml:"duration_ms"`
}

// Failed reports whether the outcome belongs in the failures section.
func (o ItemOutcome) Failed() bool {
	switch o.State {
	case core.StateRejected, core.StateStoreFailed, core.StateUploadFailed:
		return true
	}
	return o.Error != ""
}

// setError records err on the outcome with its step, class and operator code.
func (o *ItemOutcome) setError(step string, err error) {
	o.Step = step
	o.ErrorClass = core.ClassOf(err)
	o.Error = err.Error()
	o.Code = core.MapError(err).Code
}

// BatchRun is the result of one orchestrator run.
type BatchRun struct {
	ID         string        `json:"id" yaml:"id"`
	Company    string        `json:"company,omitempty" yaml:"company,omitempty"`
	Root       string        `json:"root" yaml:"root"`
	Status     RunStatus     `json:"status" yaml:"status"`
	Trigger    string        `json:"trigger,omitempty" yaml:"trigger,omitempty"`
	StartedAt  time.Time     `json:"started_at" yaml:"started_at"`
	FinishedAt time.Time     `json:"finished_at" yaml:"finished_at"`
	Cancelled  bool          `json:"cancelled" yaml:"cancelled"`
	Error      string        `json:"error,omitempty" yaml:"error,omitempty"`
	Report     string        `json:"report,omitempty" yaml:"report,omitempty"`
	Counts     Counts        `json:"counts" yaml:"counts"`
	Outcomes   []ItemOutcome `json:"outcomes,omitempty" yaml:"outcomes,omitempty"`
}

// Duration is the wall time of the run, or time so far while running.
func (r *BatchRun) Duration() time.Duration {
	if r.FinishedAt.IsZero() {
		return time.Since(r.StartedAt)
	}
	return r.FinishedAt.Sub(r.StartedAt)
}

// Failures is the aggregate failure count: store failures, upload failures
// and items that could not be read.
func (r *BatchRun) Failures() int64 {
	return r.Counts.Failed
}

// Succeeded reports whether the run finished with no failures.
func (r *BatchRun) Succeeded() bool {
	return r.Status == RunCompleted && r.Counts.Failed == 0
}

// FailedOutcomes returns the outcomes that need operator attention.
func (r *BatchRun) FailedOutcomes() []ItemOutcome {
	var out []ItemOutcome
	for _, o := range r.Outcomes {
		if o.Failed() {
			out = append(out, o)
		}
	}
	return out
}

// Summary returns a copy of the run without per-item outcomes.
func (r *BatchRun) Summary() *BatchRun {
	s := *r
	s.Outcomes = nil
	return &s
}

// LogValue keeps run logging to the headline numbers.
func (r *BatchRun) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("id", r.ID),
		slog.String("status", string(r.Status)),
		slog.Int64("discovered", r.Counts.Discovered),
		slog.Int64("inserted", r.Counts.Inserted),
		slog.Int64("skipped", r.Counts.Skipped),
		slog.Int64("rejected", r.Counts.Rejected),
		slog.Int64("failed", r.Counts.Failed),
		slog.Int64("duration_ms", r.Duration().Milliseconds()),
	)
}

// report is the on-disk shape: the run plus a failures section.
type report struct {
	ID         string        `json:"id" yaml:"id"`
	Company    string        `json:"company,omitempty" yaml:"company,omitempty"`
	Root       string        `json:"root" yaml:"root"`
	Status     RunStatus     `json:"status" yaml:"status"`
	StartedAt  time.Time     `json:"started_at" yaml:"started_at"`
	FinishedAt time.Time     `json:"finished_at" yaml:"finished_at"`
	Duration   string        `json:"duration" yaml:"duration"`
	Cancelled  bool          `json:"cancelled" yaml:"cancelled"`
	Error      string        `json:"error,omitempty" yaml:"error,omitempty"`
	Counts     Counts        `json:"counts" yaml:"counts"`
	Failures   []ItemOutcome `json:"failures" yaml:"failures"`
	Outcomes   []ItemOutcome `json:"outcomes" yaml:"outcomes"`
}

// ReportPath builds the report file name for run inside dir.
// format is "json" or "yaml".
func ReportPath(dir string, run *BatchRun, format string) string {
	ext := ".json"
	if strings.EqualFold(format, "yaml") || strings.EqualFold(format, "yml") {
		ext = ".yaml"
	}
	id := run.ID
	if len(id) > 8 {
		id = id[:8]
	}
	name := fmt.Sprintf("%s-%s-%s%s", ReportPrefix, run.StartedAt.UTC().Format("20060102T150405Z"), id, ext)
	return filepath.Join(dir, name)
}

// WriteReport writes run to path as YAML when the extension is .yaml or .yml,
// JSON otherwise. The file is written to a temporary name and renamed so a
// reader never sees a partial report.
func WriteReport(run *BatchRun, path string) error {
	rep := report{
		ID:         run.ID,
		Company:    run.Company,
		Root:       run.Root,
		Status:     run.Status,
		StartedAt:  run.StartedAt,
		FinishedAt: run.FinishedAt,
		Duration:   run.Duration().Round(time.Millisecond).String(),
		Cancelled:  run.Cancelled,
		Error:      run.Error,
		Counts:     run.Counts,
		Failures:   run.FailedOutcomes(),
		Outcomes:   run.Outcomes,
	}
	if rep.Failures == nil {
		rep.Failures = []ItemOutcome{}
	}
	if rep.Outcomes == nil {
		rep.Outcomes = []ItemOutcome{}
	}

	var data []byte
	var err error
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		data, err = yaml.Marshal(rep)
	default:
		data, err = json.MarshalIndent(rep, "", "  ")
	}
	if err != nil {
		return fmt.Errorf("encode report: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create report dir: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+ReportPrefix+"-*")
	if err != nil {
		return fmt.Errorf("create report: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write report: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("write report: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("write report: %w", err)
	}
	return nil
}
