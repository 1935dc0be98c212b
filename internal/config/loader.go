package config

import (
	"errors"
	"fmt"
	"os"
	"reflect"
	"strconv"
	"strings"
	"time"
)

// Load reads configuration from environment variables, applies defaults and
// validates the result. Every missing or malformed variable is reported in one
// error.
func Load() (*Config, error) {
	cfg := &Config{}

	if errs := loadStruct(reflect.ValueOf(cfg).Elem(), nil); len(errs) > 0 {
		return nil, fmt.Errorf("config load: %w", errors.Join(errs...))
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}

	return cfg, nil
}

// loadStruct populates tagged fields of v, recursing into nested sections.
func loadStruct(v reflect.Value, errs []error) []error {
	t := v.Type()

	for i := range t.NumField() {
		field := t.Field(i)
		fv := v.Field(i)
		if !fv.CanSet() {
			continue
		}

		if field.Type.Kind() == reflect.Struct {
			errs = loadStruct(fv, errs)
			continue
		}

		name := field.Tag.Get("env")
		if name == "" {
			continue
		}

		value, ok := lookupEnv(name, field.Tag.Get("envAlt"))
		if !ok {
			if field.Tag.Get("required") == "true" {
				errs = append(errs, fmt.Errorf("required environment variable %s is not set", name))
				continue
			}
			value = field.Tag.Get("default")
		}
		if value == "" {
			continue
		}

		if err := parseInto(fv.Addr().Interface(), value); err != nil {
			errs = append(errs, fmt.Errorf("invalid value for %s=%q: %w", name, value, err))
		}
	}

	return errs
}

// lookupEnv returns the first non-empty value of name or alt.
func lookupEnv(name, alt string) (string, bool) {
	if v := os.Getenv(name); v != "" {
		return v, true
	}
	if alt != "" {
		if v := os.Getenv(alt); v != "" {
			return v, true
		}
	}
	return "", false
}

// parseInto stores value in the field ptr points to.
func parseInto(ptr any, value string) error {
	var err error
	switch p := ptr.(type) {
	case *string:
		*p = value
	case *bool:
		*p, err = strconv.ParseBool(value)
	case *int:
		*p, err = strconv.Atoi(value)
	case *int64:
		*p, err = strconv.ParseInt(value, 10, 64)
	case *float64:
		*p, err = strconv.ParseFloat(value, 64)
	case *time.Duration:
		*p, err = time.ParseDuration(value)
	case *[]string:
		*p = splitList(value)
	default:
		return fmt.Errorf("unsupported field type %T", ptr)
	}
	return err
}

// splitList splits a comma-separated value, dropping blanks.
func splitList(value string) []string {
	var out []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// Validate checks that the configuration is valid.
// Returns an error describing all validation failures.
func (c *Config) Validate() error {
	var errs []string

	// Database validation
	if c.Database.URL == "" {
		errs = append(errs, "DATABASE_URL is required")
	}
	if c.Database.MaxConns < c.Database.MinConns {
		errs = append(errs, fmt.Sprintf("DB_MAX_CONNS (%d) must be >= DB_MIN_CONNS (%d)",
			c.Database.MaxConns, c.Database.MinConns))
	}
	if c.Database.MaxConns <= 0 {
		errs = append(errs, "DB_MAX_CONNS must be positive")
	}
	if c.Database.MinConns < 0 {
		errs = append(errs, "DB_MIN_CONNS must be non-negative")
	}

	// Server validation
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Sprintf("SERVER_PORT (%d) must be 1-65535", c.Server.Port))
	}
	if c.Server.ReadTimeout < 0 {
		errs = append(errs, "SERVER_READ_TIMEOUT must be non-negative")
	}
	if c.Server.ShutdownTimeout <= 0 {
		errs = append(errs, "SERVER_SHUTDOWN_TIMEOUT must be positive")
	}

	// Security validation
	if c.Security.RequireAPIKey && len(c.Security.APIKeys) == 0 {
		errs = append(errs, "API_KEYS is required when REQUIRE_API_KEY is true")
	}
	if c.Security.RateLimit < 0 {
		errs = append(errs, "RATE_LIMIT_PER_MINUTE must be non-negative")
	}

	// Object store validation
	if c.ObjectStore.Bucket == "" {
		errs = append(errs, "OBJECT_STORE_BUCKET is required")
	}
	validLayouts := map[string]bool{"legacy": true, "central": true, "simple": true}
	if !validLayouts[strings.ToLower(c.ObjectStore.Layout)] {
		errs = append(errs, fmt.Sprintf("OBJECT_STORE_LAYOUT (%q) must be one of: legacy, central, simple", c.ObjectStore.Layout))
	}
	if (c.ObjectStore.AccessKeyID == "") != (c.ObjectStore.SecretAccessKey == "") {
		errs = append(errs, "AWS_ACCESS_KEY_ID and AWS_SECRET_ACCESS_KEY must be set together")
	}
	if c.ObjectStore.PartSize < MinPartSize {
		errs = append(errs, fmt.Sprintf("UPLOAD_PART_SIZE (%d) must be at least %d", c.ObjectStore.PartSize, MinPartSize))
	}
	if c.ObjectStore.MultipartThreshold < c.ObjectStore.PartSize {
		errs = append(errs, "UPLOAD_MULTIPART_THRESHOLD must be >= UPLOAD_PART_SIZE")
	}
	if c.ObjectStore.RatePerSecond < 0 {
		errs = append(errs, "UPLOAD_RATE_PER_SECOND must be non-negative")
	}
	if c.ObjectStore.RatePerSecond > 0 && c.ObjectStore.RateBurst <= 0 {
		errs = append(errs, "UPLOAD_RATE_BURST must be positive when throttling is enabled")
	}

	// Ingest validation
	if c.Ingest.Inbox == "" {
		errs = append(errs, "INGEST_INBOX is required")
	}
	if c.Ingest.MaxWorkers <= 0 {
		errs = append(errs, "INGEST_MAX_WORKERS must be positive")
	}
	if c.Ingest.MaxConcurrentRuns <= 0 {
		errs = append(errs, "INGEST_MAX_CONCURRENT_RUNS must be positive")
	}
	if c.Ingest.HistorySize <= 0 {
		errs = append(errs, "INGEST_HISTORY_SIZE must be positive")
	}
	if c.Ingest.MaxRecordSize <= 0 {
		errs = append(errs, "INGEST_MAX_RECORD_SIZE must be positive")
	}
	validReports := map[string]bool{"json": true, "yaml": true}
	if !validReports[strings.ToLower(c.Ingest.ReportFormat)] {
		errs = append(errs, fmt.Sprintf("INGEST_REPORT_FORMAT (%q) must be one of: json, yaml", c.Ingest.ReportFormat))
	}
	if c.Ingest.Update && !c.Ingest.CheckDuplicates {
		errs = append(errs, "INGEST_UPDATE requires INGEST_CHECK_DUPLICATES")
	}

	// Retry validation
	if c.Retry.MaxAttempts <= 0 {
		errs = append(errs, "RETRY_MAX_ATTEMPTS must be positive")
	}
	if c.Retry.BaseDelay <= 0 {
		errs = append(errs, "RETRY_BASE_DELAY must be positive")
	}
	if c.Retry.MaxDelay < c.Retry.BaseDelay {
		errs = append(errs, "RETRY_MAX_DELAY must be >= RETRY_BASE_DELAY")
	}
	if c.Retry.Multiplier < 1 {
		errs = append(errs, "RETRY_MULTIPLIER must be >= 1")
	}
	if c.Retry.Jitter < 0 || c.Retry.Jitter >= 1 {
		errs = append(errs, "RETRY_JITTER must be in [0, 1)")
	}
	if c.Retry.AttemptTimeout < 0 {
		errs = append(errs, "RETRY_ATTEMPT_TIMEOUT must be non-negative")
	}

	// Logging validation
	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(c.Logging.Level)] {
		errs = append(errs, fmt.Sprintf("LOG_LEVEL (%q) must be one of: debug, info, warn, error", c.Logging.Level))
	}

	validFormats := map[string]bool{"text": true, "json": true}
	if !validFormats[strings.ToLower(c.Logging.Format)] {
		errs = append(errs, fmt.Sprintf("LOG_FORMAT (%q) must be one of: text, json", c.Logging.Format))
	}

	// Schedule validation (expression syntax is checked when the scheduler starts)
	if c.Schedule.Company != "" {
		switch strings.ToLower(strings.TrimSpace(c.Schedule.Company)) {
		case "afinia", "aire":
		default:
			errs = append(errs, fmt.Sprintf("INGEST_SCHEDULE_COMPANY (%q) must be afinia or aire", c.Schedule.Company))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}

	return nil
}

// MinPartSize is the smallest multipart chunk S3 accepts.
const MinPartSize = 5 * 1024 * 1024

// String returns a safe string representation of the config for logging.
// Sensitive values like database URLs and secret keys are masked.
func (c *Config) String() string {
	var b strings.Builder
	b.WriteString("Config{")
	b.WriteString(fmt.Sprintf("Server: {Host: %q, Port: %d}, ", c.Server.Host, c.Server.Port))
	b.WriteString(fmt.Sprintf("Security: {RequireAPIKey: %v, APIKeys: %d configured}, ",
		c.Security.RequireAPIKey, len(c.Security.APIKeys)))
	b.WriteString(fmt.Sprintf("Database: {URL: [MASKED], MaxConns: %d, MinConns: %d}, ",
		c.Database.MaxConns, c.Database.MinConns))
	b.WriteString(fmt.Sprintf("ObjectStore: {Bucket: %q, Region: %q, Endpoint: %q, Layout: %q, SecretAccessKey: [MASKED]}, ",
		c.ObjectStore.Bucket, c.ObjectStore.Region, c.ObjectStore.Endpoint, c.ObjectStore.Layout))
	b.WriteString(fmt.Sprintf("Ingest: {Inbox: %q, Parallel: %v, MaxWorkers: %d}, ",
		c.Ingest.Inbox, c.Ingest.Parallel, c.Ingest.MaxWorkers))
	b.WriteString(fmt.Sprintf("Retry: {MaxAttempts: %d, BaseDelay: %s}, ",
		c.Retry.MaxAttempts, c.Retry.BaseDelay))
	b.WriteString(fmt.Sprintf("Logging: {Level: %q, Format: %q}",
		c.Logging.Level, c.Logging.Format))
	b.WriteString("}")
	return b.String()
}
