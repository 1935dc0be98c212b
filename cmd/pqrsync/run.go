package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/JonMunkholm/pqrsync/internal/core"
	"github.com/JonMunkholm/pqrsync/internal/ingest"
)

var runCmd = &cobra.Command{
	Use:   "run [files...]",
	Short: "Ingest the inbox (or the given files) once",
	Long: `Runs one batch over the configured inbox, or over the files given as
arguments. Records are validated, stored once per fingerprint and uploaded
with their attachments. Exit status is 0 when no item failed, 2 when some
items failed, 1 on a setup error and 130 when interrupted.`,
	RunE: runBatch,
}

var runFlags struct {
	company      string
	inbox        string
	noUpload     bool
	sequential   bool
	workers      int
	noRecursive  bool
	noCheck      bool
	update       bool
	reportDir    string
	reportFormat string
	output       string
}

func init() {
	f := runCmd.Flags()
	f.StringVar(&runFlags.company, "company", "", "Only ingest one company (afinia, aire); default resolves per file")
	f.StringVar(&runFlags.inbox, "inbox", "", "Inbox directory (overrides INGEST_INBOX)")
	f.BoolVar(&runFlags.noUpload, "no-upload", false, "Store records without uploading to the object store")
	f.BoolVar(&runFlags.sequential, "sequential", false, "Process one item at a time")
	f.IntVar(&runFlags.workers, "workers", 0, "Worker pool size (overrides INGEST_MAX_WORKERS)")
	f.BoolVar(&runFlags.noRecursive, "no-recursive", false, "Do not descend into inbox subdirectories")
	f.BoolVar(&runFlags.noCheck, "no-check-duplicates", false, "Skip the pre-insert duplicate lookup; the unique index still rejects duplicates")
	f.BoolVar(&runFlags.update, "update", false, "Overwrite stored duplicates instead of skipping them")
	f.StringVar(&runFlags.reportDir, "report-dir", "", "Report directory (overrides INGEST_REPORT_DIR); \"-\" disables the report")
	f.StringVar(&runFlags.reportFormat, "report-format", "", "Report format: json or yaml (overrides INGEST_REPORT_FORMAT)")
	f.StringVarP(&runFlags.output, "output", "o", "text", "Summary format on stdout: text, json or yaml")
}

func runBatch(cmd *cobra.Command, args []string) error {
	svcCfg, company, err := runConfig()
	if err != nil {
		return &exitError{exitFatal, err}
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	d, err := openDeps(ctx, cfg, !runFlags.noUpload)
	if err != nil {
		return &exitError{exitFatal, err}
	}
	defer d.Close()

	svc := ingest.NewService(d.orchestrator(), svcCfg)
	run, err := svc.Run(ctx, ingest.RunRequest{Company: company, Files: args, Trigger: "cli"})
	if err != nil {
		return &exitError{exitFatal, err}
	}

	if err := printRun(cmd.OutOrStdout(), run, runFlags.output); err != nil {
		return &exitError{exitFatal, err}
	}

	switch {
	case run.Cancelled:
		return &exitError{exitCancelled, context.Canceled}
	case run.Failures() > 0:
		return &exitError{exitFailures, fmt.Errorf("%d items failed", run.Failures())}
	}
	return nil
}

// runConfig applies command-line overrides to the configured defaults.
func runConfig() (ingest.ServiceConfig, core.Company, error) {
	ic := cfg.Ingest
	if runFlags.inbox != "" {
		ic.Inbox = runFlags.inbox
	}
	if runFlags.sequential {
		ic.Parallel = false
	}
	if runFlags.workers > 0 {
		ic.MaxWorkers = runFlags.workers
	}
	if runFlags.noRecursive {
		ic.Recursive = false
	}
	if runFlags.noCheck {
		ic.CheckDuplicates = false
	}
	if runFlags.update {
		ic.Update = true
		ic.CheckDuplicates = true
	}
	switch runFlags.reportDir {
	case "":
	case "-":
		ic.ReportDir = ""
	default:
		ic.ReportDir = runFlags.reportDir
	}
	if runFlags.reportFormat != "" {
		ic.ReportFormat = runFlags.reportFormat
	}

	switch strings.ToLower(runFlags.output) {
	case "text", "json", "yaml":
	default:
		return ingest.ServiceConfig{}, "", fmt.Errorf("--output must be text, json or yaml")
	}
	switch strings.ToLower(ic.ReportFormat) {
	case "json", "yaml":
	default:
		return ingest.ServiceConfig{}, "", fmt.Errorf("--report-format must be json or yaml")
	}

	company := core.CompanyUnknown
	if runFlags.company != "" {
		company = core.ParseCompany(runFlags.company)
		if !company.Known() {
			return ingest.ServiceConfig{}, "", fmt.Errorf("%w: %q", ingest.ErrUnknownCompany, runFlags.company)
		}
	}

	sc := ingest.ServiceConfigFrom(ic)
	sc.HistorySize = 1
	return sc, company, nil
}

// printRun writes the run summary to w.
func printRun(w io.Writer, run *ingest.BatchRun, format string) error {
	switch strings.ToLower(format) {
	case "json":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(run)
	case "yaml":
		enc := yaml.NewEncoder(w)
		defer enc.Close()
		return enc.Encode(run)
	}

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	c := run.Counts
	fmt.Fprintf(tw, "run\t%s\t%s\n", run.ID, run.Status)
	fmt.Fprintf(tw, "duration\t%s\n", run.Duration().Round(time.Millisecond))
	fmt.Fprintf(tw, "discovered\t%d\n", c.Discovered)
	fmt.Fprintf(tw, "validated\t%d\trejected\t%d\n", c.Validated, c.Rejected)
	fmt.Fprintf(tw, "inserted\t%d\tskipped\t%d\tupdated\t%d\n", c.Inserted, c.Skipped, c.Updated)
	fmt.Fprintf(tw, "uploaded\t%d\tobjects\t%d\tno_artifact\t%d\n", c.Uploaded, c.Objects, c.NoArtifact)
	fmt.Fprintf(tw, "store_failed\t%d\tupload_failed\t%d\tunprocessed\t%d\n", c.StoreFailed, c.UploadFailed, c.Unprocessed)
	fmt.Fprintf(tw, "failures\t%d\n", run.Failures())
	if run.Report != "" {
		fmt.Fprintf(tw, "report\t%s\n", run.Report)
	}
	if err := tw.Flush(); err != nil {
		return err
	}

	failed := run.FailedOutcomes()
	if len(failed) == 0 {
		return nil
	}
	fmt.Fprintln(w)
	tw = tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ITEM\tSTATE\tCODE\tERROR")
	for _, o := range failed {
		msg := o.Error
		if len(o.Reasons) > 0 {
			msg = strings.Join(o.Reasons, "; ")
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", o.Item, o.State, o.Code, msg)
	}
	return tw.Flush()
}
