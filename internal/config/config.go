// Package config provides centralized configuration management for pqrsync.
// It loads configuration from environment variables with sensible defaults and
// validates all settings on startup to fail fast on misconfiguration.
package config

import (
	"strconv"
	"time"
)

// Config holds all application configuration.
// All settings can be configured via environment variables.
type Config struct {
	Server      ServerConfig
	Security    SecurityConfig
	Database    DatabaseConfig
	ObjectStore ObjectStoreConfig
	Ingest      IngestConfig
	Retry       RetryConfig
	Logging     LoggingConfig
	Schedule    ScheduleConfig
}

// ServerConfig holds status API settings for serve mode.
type ServerConfig struct {
	// Host is the interface to bind to (default: 0.0.0.0)
	Host string `env:"SERVER_HOST" default:"0.0.0.0"`

	// Port is the port to listen on (default: 8080)
	Port int `env:"SERVER_PORT" default:"8080"`

	// ReadTimeout is the maximum duration for reading request body (default: 15s)
	ReadTimeout time.Duration `env:"SERVER_READ_TIMEOUT" default:"15s"`

	// WriteTimeout is the maximum duration for writing a response (default: 30s)
	WriteTimeout time.Duration `env:"SERVER_WRITE_TIMEOUT" default:"30s"`

	// IdleTimeout is the keep-alive timeout (default: 60s)
	IdleTimeout time.Duration `env:"SERVER_IDLE_TIMEOUT" default:"60s"`

	// ShutdownTimeout bounds graceful shutdown, including active runs (default: 30s)
	ShutdownTimeout time.Duration `env:"SERVER_SHUTDOWN_TIMEOUT" default:"30s"`

	// RequestTimeout is the middleware timeout for requests (default: 60s)
	RequestTimeout time.Duration `env:"SERVER_REQUEST_TIMEOUT" default:"60s"`

	// StreamTimeout ends a run event stream; clients reconnect (default: 45s)
	StreamTimeout time.Duration `env:"SERVER_STREAM_TIMEOUT" default:"45s"`
}

// SecurityConfig holds status API access settings.
type SecurityConfig struct {
	// RequireAPIKey enables X-API-Key checks on /api routes (default: false)
	RequireAPIKey bool `env:"REQUIRE_API_KEY" default:"false"`

	// APIKeys is a comma-separated list of accepted keys
	APIKeys []string `env:"API_KEYS"`

	// TrustedProxies lists CIDRs whose X-Real-IP / X-Forwarded-For headers are honored
	TrustedProxies []string `env:"TRUSTED_PROXIES"`

	// RateLimit is requests per minute per client IP; 0 disables it (default: 120)
	RateLimit int `env:"RATE_LIMIT_PER_MINUTE" default:"120"`
}

// DatabaseConfig holds relational store connection settings.
type DatabaseConfig struct {
	// URL is the PostgreSQL connection string (required)
	// Supports both DATABASE_URL and DB_URL env vars for compatibility
	URL string `env:"DATABASE_URL" envAlt:"DB_URL" required:"true"`

	// MaxConns is the maximum number of connections in the pool (default: 10)
	MaxConns int `env:"DB_MAX_CONNS" default:"10"`

	// MinConns is the minimum number of connections to keep open (default: 1)
	MinConns int `env:"DB_MIN_CONNS" default:"1"`

	// MaxConnLifetime is the maximum lifetime of a connection (default: 1h)
	MaxConnLifetime time.Duration `env:"DB_MAX_CONN_LIFETIME" default:"1h"`

	// MaxConnIdleTime is the maximum idle time before a connection is closed (default: 30m)
	MaxConnIdleTime time.Duration `env:"DB_MAX_CONN_IDLE_TIME" default:"30m"`

	// ConnectTimeout bounds the startup ping (default: 10s)
	ConnectTimeout time.Duration `env:"DB_CONNECT_TIMEOUT" default:"10s"`
}

// ObjectStoreConfig holds S3-compatible object store settings.
type ObjectStoreConfig struct {
	// Bucket is the destination bucket (required)
	Bucket string `env:"OBJECT_STORE_BUCKET" envAlt:"S3_BUCKET" required:"true"`

	// Region is the bucket region (default: us-east-1)
	Region string `env:"AWS_REGION" envAlt:"AWS_DEFAULT_REGION" default:"us-east-1"`

	// Endpoint overrides the service endpoint for MinIO-compatible stores
	Endpoint string `env:"OBJECT_STORE_ENDPOINT"`

	// AccessKeyID and SecretAccessKey are static credentials; when empty the
	// default AWS credential chain is used
	AccessKeyID     string `env:"AWS_ACCESS_KEY_ID"`
	SecretAccessKey string `env:"AWS_SECRET_ACCESS_KEY"`

	// UsePathStyle addresses buckets as endpoint/bucket (default: false)
	UsePathStyle bool `env:"OBJECT_STORE_PATH_STYLE" default:"false"`

	// Prefix is prepended to every object key
	Prefix string `env:"OBJECT_STORE_PREFIX"`

	// Layout selects the key layout: legacy, central, simple (default: central)
	Layout string `env:"OBJECT_STORE_LAYOUT" default:"central"`

	// PartSize is the multipart chunk size in bytes (default: 8MB)
	PartSize int64 `env:"UPLOAD_PART_SIZE" default:"8388608"`

	// MultipartThreshold is the size above which multipart is used (default: 16MB)
	MultipartThreshold int64 `env:"UPLOAD_MULTIPART_THRESHOLD" default:"16777216"`

	// RatePerSecond caps object store requests; 0 disables throttling
	RatePerSecond float64 `env:"UPLOAD_RATE_PER_SECOND" default:"0"`

	// RateBurst is the token bucket burst when throttling (default: 4)
	RateBurst int `env:"UPLOAD_RATE_BURST" default:"4"`
}

// IngestConfig holds batch orchestration settings.
type IngestConfig struct {
	// Inbox is the directory scanned for scraper output (default: ./inbox)
	Inbox string `env:"INGEST_INBOX" default:"./inbox"`

	// Parallel processes items with a worker pool (default: true)
	Parallel bool `env:"INGEST_PARALLEL" default:"true"`

	// MaxWorkers bounds the worker pool (default: 4)
	MaxWorkers int `env:"INGEST_MAX_WORKERS" default:"4"`

	// Recursive descends into subdirectories of the inbox (default: true)
	Recursive bool `env:"INGEST_RECURSIVE" default:"true"`

	// CheckDuplicates skips records whose fingerprint or submission number is already stored (default: true)
	CheckDuplicates bool `env:"INGEST_CHECK_DUPLICATES" default:"true"`

	// Update overwrites stored duplicates instead of skipping them (default: false)
	Update bool `env:"INGEST_UPDATE" default:"false"`

	// ReportDir receives one report per run; empty disables reports (default: ./reports)
	ReportDir string `env:"INGEST_REPORT_DIR" default:"./reports"`

	// ReportFormat is json or yaml (default: json)
	ReportFormat string `env:"INGEST_REPORT_FORMAT" default:"json"`

	// MaxConcurrentRuns caps simultaneous runs in serve mode (default: 1)
	MaxConcurrentRuns int `env:"INGEST_MAX_CONCURRENT_RUNS" default:"1"`

	// HistorySize is the number of run summaries kept in memory (default: 50)
	HistorySize int `env:"INGEST_HISTORY_SIZE" default:"50"`

	// MaxRecordSize is the largest accepted record file in bytes (default: 10MB)
	MaxRecordSize int64 `env:"INGEST_MAX_RECORD_SIZE" default:"10485760"`
}

// RetryConfig holds the shared retry policy settings.
type RetryConfig struct {
	// MaxAttempts is the total attempts per operation, including the first (default: 4)
	MaxAttempts int `env:"RETRY_MAX_ATTEMPTS" default:"4"`

	// BaseDelay is the delay before the second attempt (default: 500ms)
	BaseDelay time.Duration `env:"RETRY_BASE_DELAY" default:"500ms"`

	// MaxDelay caps any single delay (default: 10s)
	MaxDelay time.Duration `env:"RETRY_MAX_DELAY" default:"10s"`

	// Multiplier is the backoff growth factor (default: 2)
	Multiplier float64 `env:"RETRY_MULTIPLIER" default:"2"`

	// Jitter is the randomization factor in [0, 1) (default: 0.25)
	Jitter float64 `env:"RETRY_JITTER" default:"0.25"`

	// AttemptTimeout bounds each attempt (default: 30s)
	AttemptTimeout time.Duration `env:"RETRY_ATTEMPT_TIMEOUT" default:"30s"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	// Level is the minimum log level: debug, info, warn, error (default: info)
	Level string `env:"LOG_LEVEL" default:"info"`

	// Format is the log format: text or json (default: text)
	Format string `env:"LOG_FORMAT" default:"text"`

	// File additionally appends JSON logs to this path when set
	File string `env:"LOG_FILE"`
}

// ScheduleConfig holds serve-mode scheduling settings.
type ScheduleConfig struct {
	// Spec is a cron expression for automatic runs; empty disables scheduling
	Spec string `env:"INGEST_SCHEDULE"`

	// Company restricts scheduled runs to one company; empty means all
	Company string `env:"INGEST_SCHEDULE_COMPANY"`
}

// Addr returns the server listen address in host:port format.
func (c *ServerConfig) Addr() string {
	return c.Host + ":" + strconv.Itoa(c.Port)
}
