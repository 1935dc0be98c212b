// Command pqrsync ingests scraped PQR records into Postgres and the object store.
package main

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/JonMunkholm/pqrsync/internal/config"
	"github.com/JonMunkholm/pqrsync/internal/core"
	_ "github.com/JonMunkholm/pqrsync/internal/core/companies" // Register company definitions
	"github.com/JonMunkholm/pqrsync/internal/logging"
)

// Exit codes.
const (
	exitOK        = 0
	exitFatal     = 1   // configuration or setup failure
	exitFailures  = 2   // run finished with failed items
	exitCancelled = 130 // interrupted
)

// exitError carries a process exit code out of a command.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string { return e.err.Error() }
func (e *exitError) Unwrap() error { return e.err }

var (
	envFile string
	cfg     *config.Config
	logFile io.Closer
)

var rootCmd = &cobra.Command{
	Use:   "pqrsync",
	Short: "Ingest scraped PQR records into Postgres and the object store",
	Long: `pqrsync validates the JSON records and attachments the portal scrapers
leave in the inbox, stores each record once in its company table and uploads
the files to the object store.`,
	SilenceUsage:      true,
	SilenceErrors:     true,
	PersistentPreRunE: setup,
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logFile != nil {
			logFile.Close()
		}
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&envFile, "env-file", ".env", "Environment file loaded before configuration (missing file is ignored)")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(schemaCmd)
	rootCmd.AddCommand(versionCmd)
}

// setup loads .env, configuration and logging for every subcommand.
func setup(cmd *cobra.Command, args []string) error {
	// Neither touches the database or the object store.
	if cmd == versionCmd || (cmd == schemaCmd && schemaFlags.print) {
		return nil
	}

	// Variables already in the environment win over the file.
	envLoaded := godotenv.Load(envFile) == nil

	var err error
	cfg, err = config.Load()
	if err != nil {
		return &exitError{exitFatal, fmt.Errorf("load configuration: %w", err)}
	}

	logFile, err = logging.Setup(cfg.Logging.Level, cfg.Logging.Format, cfg.Logging.File)
	if err != nil {
		return &exitError{exitFatal, fmt.Errorf("setup logging: %w", err)}
	}
	core.MaxRecordSize = cfg.Ingest.MaxRecordSize

	slog.Debug("configuration loaded", "env_file", envLoaded, "config", cfg.String())
	return nil
}

func main() {
	err := rootCmd.Execute()
	if err == nil {
		os.Exit(exitOK)
	}

	code := exitFatal
	var ee *exitError
	if errors.As(err, &ee) {
		code = ee.code
	}
	if code != exitFailures {
		fmt.Fprintln(os.Stderr, "pqrsync:", core.FormatUserError(err))
		slog.Error("command failed", "error", err, "exit_code", code)
	}
	os.Exit(code)
}
