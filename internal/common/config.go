package common

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/pelletier/go-toml/v2"
	"github.com/robfig/cron/v3"
)

// Config represents the application configuration
type Config struct {
	Environment string          `toml:"environment"` // "development" or "production"
	Storage     StorageConfig   `toml:"storage"`
	Queue       QueueConfig     `toml:"queue"`
	OCR         OCRConfig       `toml:"ocr"`
	Render      RenderConfig    `toml:"render"`
	Scheduler   SchedulerConfig `toml:"scheduler"`
	Notify      NotifyConfig    `toml:"notify"`
	Logging     LoggingConfig   `toml:"logging"`
}

type StorageConfig struct {
	Badger BadgerConfig `toml:"badger"`
}

// BadgerConfig represents BadgerDB-specific configuration
type BadgerConfig struct {
	Path           string  `toml:"path" validate:"required"`               // Database directory path
	ResetOnStartup bool    `toml:"reset_on_startup"`                       // Delete database on startup for clean test runs
	SyncWrites     bool    `toml:"sync_writes"`                            // Fsync every commit so an acknowledged job survives a crash
	GCDiscardRatio float64 `toml:"gc_discard_ratio" validate:"gte=0,lt=1"` // Value log rewrite threshold, 0 disables GC
}

type QueueConfig struct {
	QueueName          string `toml:"queue_name" validate:"required"`  // Queue name prefix in Badger
	Concurrency        int    `toml:"concurrency" validate:"min=1"`    // Number of documents processed in parallel
	VisibilityTimeout  string `toml:"visibility_timeout"`              // e.g., "5m" - lease length before a job counts as stalled
	MaxAttempts        int    `toml:"max_attempts" validate:"min=1"`   // Executions before a job is parked as failed
	BackoffDelay       string `toml:"backoff_delay"`                   // e.g., "5s" - first retry delay, doubles per attempt
	MaxStalled         int    `toml:"max_stalled" validate:"min=0"`    // Stalls tolerated before a job fails
	KeepCompleted      int    `toml:"keep_completed" validate:"min=0"` // Most recent completed jobs kept for inspection
	CompletedRetention string `toml:"completed_retention"`             // e.g., "24h"
	FailedRetention    string `toml:"failed_retention"`                // e.g., "168h"
}

type OCRConfig struct {
	PoolSize       int      `toml:"pool_size" validate:"min=1"`     // Recognition engine instances
	Languages      []string `toml:"languages" validate:"min=1"`     // Tesseract language codes
	TessdataPrefix string   `toml:"tessdata_prefix"`                // Optional tessdata directory
	PageSegMode    int      `toml:"page_seg_mode" validate:"min=0"` // Tesseract PSM, 0 keeps the engine default
	RateLimit      float64  `toml:"rate_limit" validate:"min=0"`    // Pages per second across the pool, 0 = unlimited
	Burst          int      `toml:"burst" validate:"min=0"`
}

type RenderConfig struct {
	Scale    float64 `toml:"scale" validate:"gt=0"` // 1.0 renders at 72 DPI
	Pdftoppm string  `toml:"pdftoppm"`              // Rasterizer binary
	TempDir  string  `toml:"temp_dir"`              // Scratch space for rendered pages and fetched sources
	Timeout  string  `toml:"timeout"`               // Per-page render timeout
}

type SchedulerConfig struct {
	StallCheck   string `toml:"stall_check"`   // Cron schedule for the stalled job sweep
	Cleanup      string `toml:"cleanup"`       // Cron schedule for retention cleanup
	RetryFailed  string `toml:"retry_failed"`  // Cron schedule for bulk retry of failed jobs, empty = disabled
	StatusReport string `toml:"status_report"` // Cron schedule for the pipeline status log line, empty = disabled
}

type NotifyConfig struct {
	Sink   string `toml:"sink" validate:"omitempty,url"` // CloudEvents HTTP sink, empty = log only
	Source string `toml:"source"`                        // CloudEvents source attribute
}

type LoggingConfig struct {
	Level      string   `toml:"level" validate:"oneof=trace debug info warn error"`
	Output     []string `toml:"output"`      // "stdout", "file"
	TimeFormat string   `toml:"time_format"` // Time format for logs (default: "15:04:05.000")
	Dir        string   `toml:"dir"`         // Log and crash file directory, default ./logs next to the executable
}

// NewDefaultConfig returns the configuration used when no file sets a value.
func NewDefaultConfig() *Config {
	return &Config{
		Environment: "development",
		Storage: StorageConfig{
			Badger: BadgerConfig{
				Path:           "./data/folio",
				SyncWrites:     true,
				GCDiscardRatio: 0.5,
			},
		},
		Queue: QueueConfig{
			QueueName:          "folio_documents",
			Concurrency:        4,
			VisibilityTimeout:  "5m",
			MaxAttempts:        3,
			BackoffDelay:       "5s",
			MaxStalled:         1,
			KeepCompleted:      100,
			CompletedRetention: "24h",
			FailedRetention:    "168h",
		},
		OCR: OCRConfig{
			PoolSize:  2,
			Languages: []string{"eng"},
		},
		Render: RenderConfig{
			Scale:    2.0,
			Pdftoppm: "pdftoppm",
			Timeout:  "2m",
		},
		Scheduler: SchedulerConfig{
			StallCheck:   "@every 30s",
			Cleanup:      "@hourly",
			StatusReport: "@every 1m",
		},
		Notify: NotifyConfig{
			Source: "folio",
		},
		Logging: LoggingConfig{
			Level:      "info",
			Output:     []string{"stdout"},
			TimeFormat: "15:04:05.000",
		},
	}
}

// LoadFromFiles loads configuration from multiple files with priority: default -> file1 -> file2 -> ... -> env
// Later files override earlier files. CLI flags are applied afterwards with ApplyFlagOverrides.
func LoadFromFiles(paths ...string) (*Config, error) {
	config := NewDefaultConfig()

	for i, path := range paths {
		if path == "" {
			continue
		}

		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}

		// Unmarshal into config (merges with existing values, later values override)
		if err := toml.Unmarshal(data, config); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s (file %d of %d): %w", path, i+1, len(paths), err)
		}
	}

	applyEnvOverrides(config)

	return config, nil
}

// applyEnvOverrides applies FOLIO_* environment variable overrides to config
func applyEnvOverrides(config *Config) {
	if env := os.Getenv("FOLIO_ENV"); env != "" {
		config.Environment = env
	}

	// Storage configuration
	if badgerPath := os.Getenv("FOLIO_BADGER_PATH"); badgerPath != "" {
		config.Storage.Badger.Path = badgerPath
	}
	if reset := os.Getenv("FOLIO_BADGER_RESET_ON_STARTUP"); reset != "" {
		if b, err := strconv.ParseBool(reset); err == nil {
			config.Storage.Badger.ResetOnStartup = b
		}
	}

	// Queue configuration
	if queueName := os.Getenv("FOLIO_QUEUE_NAME"); queueName != "" {
		config.Queue.QueueName = queueName
	}
	if concurrency := os.Getenv("FOLIO_QUEUE_CONCURRENCY"); concurrency != "" {
		if c, err := strconv.Atoi(concurrency); err == nil {
			config.Queue.Concurrency = c
		}
	}
	if visibilityTimeout := os.Getenv("FOLIO_QUEUE_VISIBILITY_TIMEOUT"); visibilityTimeout != "" {
		config.Queue.VisibilityTimeout = visibilityTimeout
	}
	if maxAttempts := os.Getenv("FOLIO_QUEUE_MAX_ATTEMPTS"); maxAttempts != "" {
		if n, err := strconv.Atoi(maxAttempts); err == nil {
			config.Queue.MaxAttempts = n
		}
	}
	if backoff := os.Getenv("FOLIO_QUEUE_BACKOFF_DELAY"); backoff != "" {
		config.Queue.BackoffDelay = backoff
	}

	// Recognition configuration
	if poolSize := os.Getenv("FOLIO_OCR_POOL_SIZE"); poolSize != "" {
		if n, err := strconv.Atoi(poolSize); err == nil {
			config.OCR.PoolSize = n
		}
	}
	if languages := os.Getenv("FOLIO_OCR_LANGUAGES"); languages != "" {
		if parsed := splitList(languages); len(parsed) > 0 {
			config.OCR.Languages = parsed
		}
	}
	if prefix := os.Getenv("FOLIO_OCR_TESSDATA_PREFIX"); prefix != "" {
		config.OCR.TessdataPrefix = prefix
	}
	if rate := os.Getenv("FOLIO_OCR_RATE_LIMIT"); rate != "" {
		if r, err := strconv.ParseFloat(rate, 64); err == nil {
			config.OCR.RateLimit = r
		}
	}

	// Render configuration
	if scale := os.Getenv("FOLIO_RENDER_SCALE"); scale != "" {
		if s, err := strconv.ParseFloat(scale, 64); err == nil {
			config.Render.Scale = s
		}
	}
	if bin := os.Getenv("FOLIO_RENDER_PDFTOPPM"); bin != "" {
		config.Render.Pdftoppm = bin
	}

	// Notification configuration
	if sink := os.Getenv("FOLIO_NOTIFY_SINK"); sink != "" {
		config.Notify.Sink = sink
	}

	// Logging configuration
	if level := os.Getenv("FOLIO_LOG_LEVEL"); level != "" {
		config.Logging.Level = level
	}
	if output := os.Getenv("FOLIO_LOG_OUTPUT"); output != "" {
		if outputs := splitList(output); len(outputs) > 0 {
			config.Logging.Output = outputs
		}
	}
}

// ApplyFlagOverrides applies command-line flag overrides to config (highest priority).
// Zero values leave the config unchanged.
func ApplyFlagOverrides(config *Config, concurrency int, dataPath string) {
	if concurrency > 0 {
		config.Queue.Concurrency = concurrency
	}
	if dataPath != "" {
		config.Storage.Badger.Path = dataPath
	}
}

// Validate checks struct constraints, durations and schedules.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	durations := map[string]string{
		"queue.visibility_timeout":  c.Queue.VisibilityTimeout,
		"queue.backoff_delay":       c.Queue.BackoffDelay,
		"queue.completed_retention": c.Queue.CompletedRetention,
		"queue.failed_retention":    c.Queue.FailedRetention,
		"render.timeout":            c.Render.Timeout,
	}
	for key, value := range durations {
		if value == "" {
			continue
		}
		if _, err := time.ParseDuration(value); err != nil {
			return fmt.Errorf("invalid duration for %s: %w", key, err)
		}
	}

	schedules := map[string]string{
		"scheduler.stall_check":   c.Scheduler.StallCheck,
		"scheduler.cleanup":       c.Scheduler.Cleanup,
		"scheduler.retry_failed":  c.Scheduler.RetryFailed,
		"scheduler.status_report": c.Scheduler.StatusReport,
	}
	for key, value := range schedules {
		if value == "" {
			continue
		}
		if err := ValidateSchedule(value); err != nil {
			return fmt.Errorf("invalid schedule for %s: %w", key, err)
		}
	}

	return nil
}

// ValidateSchedule validates a standard cron expression or descriptor such as "@every 30s".
func ValidateSchedule(schedule string) error {
	if _, err := cron.ParseStandard(schedule); err != nil {
		return fmt.Errorf("invalid cron expression: %w", err)
	}
	return nil
}

// ParseDuration parses s, returning fallback when s is empty or invalid.
func ParseDuration(s string, fallback time.Duration) time.Duration {
	if s == "" {
		return fallback
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return fallback
	}
	return d
}

// IsProduction returns true if the environment is set to production
func (c *Config) IsProduction() bool {
	env := strings.ToLower(strings.TrimSpace(c.Environment))
	return env == "production" || env == "prod"
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
