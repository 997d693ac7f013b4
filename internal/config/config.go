package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

type (
	// Config holds configuration settings for the worker
	Config struct {
		// API Server
		APIHost  string
		APIPort  int
		LogLevel string

		// Store
		RedisAddr     string
		RedisPassword string
		RedisDB       int
		RedisPrefix   string

		// Blob storage
		BlobBucketURL string
		BlobPrefix    string
		PublicBaseURL string

		// Dispatch
		ConcurrencyDefault int
		ConcurrencyGlobal  int
		PollInterval       time.Duration
		LeaseDuration      time.Duration
		ShutdownTimeout    time.Duration

		// Retry
		Retry RetryConfig

		// DLQ
		DLQRetentionDays  int
		CriticalFunctions []string
		AdminEmail        string

		// FX staleness thresholds, in minutes, ordered
		// Warning < Acceptable < Critical
		FxStalenessWarning    int
		FxStalenessAcceptable int
		FxStalenessCritical   int

		// Workflows
		PdfStepTimeout time.Duration
		MaxReminders   int

		// Outbound adapters
		FxPrimaryURL  string
		FxFallbackURL string
		EmailAPIURL   string
		EmailAPIKey   string
		EmailFrom     string
		PdfRenderURL  string
		HTTPTimeout   time.Duration

		// Bus
		CronCatchUpBudget int
		IdempotencyWindow time.Duration
		QueueDepthLimit   int
	}

	// RetryConfig controls attempt backoff for all functions
	RetryConfig struct {
		BaseDelayMs int64
		Factor      float64
		MaxDelayMs  int64
		Jitter      string
	}
)

const (
	JitterNone = "none"
	JitterFull = "full"

	DefaultAPIPort = 8080
	DefaultAPIHost = "0.0.0.0"
	MaxTCPPort     = 65535

	DefaultRedisEndpoint = "localhost:6379"
	DefaultRedisPrefix   = "ledgerflow"
	DefaultRedisDB       = 0

	DefaultConcurrencyPerFunction = 5
	DefaultConcurrencyGlobal      = 50
	DefaultPollInterval           = 250 * time.Millisecond
	DefaultLeaseDuration          = 2 * time.Minute
	DefaultShutdownTimeout        = 10 * time.Second

	DefaultRetryBaseDelayMs = 1000
	DefaultRetryFactor      = 2.0
	DefaultRetryMaxDelayMs  = 10 * 60 * 1000
	DefaultRetryJitter      = JitterFull

	DefaultDLQRetentionDays = 30
	DefaultAdminEmail       = "ops@example.com"

	DefaultFxStalenessWarning    = 240
	DefaultFxStalenessAcceptable = 480
	DefaultFxStalenessCritical   = 1440

	DefaultFxPrimaryURL  = "https://api.exchangerate-api.com/v4/latest"
	DefaultFxFallbackURL = "https://open.er-api.com/v6/latest"
	DefaultEmailFrom     = "noreply@example.com"
	DefaultHTTPTimeout   = 30 * time.Second

	DefaultPdfStepTimeout    = 45 * time.Second
	DefaultMaxReminders      = 10
	DefaultCronCatchUpBudget = 1
	DefaultIdempotencyWindow = 24 * time.Hour
	DefaultQueueDepthLimit   = 10_000

	MaxConcurrency       = 10_000
	MaxRetryBaseDelayMs  = 24 * 60 * 60 * 1000 // 1 day in ms
	MaxRetryMaxDelayMs   = MaxRetryBaseDelayMs
	MaxCronCatchUpBudget = 100
	MaxQueueDepthLimit   = 10_000_000
)

var (
	ErrInvalidAPIPort     = errors.New("invalid API port")
	ErrInvalidConcurrency = errors.New("concurrency must be positive")
	ErrInvalidRetryBase   = errors.New("retry base delay must be positive")
	ErrInvalidRetryFactor = errors.New("retry factor must be >= 1")
	ErrRetryMaxTooSmall   = errors.New(
		"retry max delay must be >= retry base delay",
	)
	ErrInvalidJitter         = errors.New("retry jitter must be none or full")
	ErrStalenessOutOfOrder   = errors.New(
		"staleness thresholds must be ordered warning < acceptable < critical",
	)
	ErrInvalidCatchUpBudget = errors.New("cron catch-up budget must be >= 0")
)

// DefaultCriticalFunctions always trigger an admin notification when they
// reach the dead-letter queue
var DefaultCriticalFunctions = []string{
	"fx-rate-ingestion",
	"payment-processing",
}

// NewDefaultConfig creates a configuration with sensible defaults for all
// worker settings, stores, and retry behavior
func NewDefaultConfig() *Config {
	return &Config{
		APIHost:  DefaultAPIHost,
		APIPort:  DefaultAPIPort,
		LogLevel: "info",

		RedisAddr:   DefaultRedisEndpoint,
		RedisDB:     DefaultRedisDB,
		RedisPrefix: DefaultRedisPrefix,

		BlobBucketURL: "mem://",
		PublicBaseURL: "http://localhost:8080/files",

		ConcurrencyDefault: DefaultConcurrencyPerFunction,
		ConcurrencyGlobal:  DefaultConcurrencyGlobal,
		PollInterval:       DefaultPollInterval,
		LeaseDuration:      DefaultLeaseDuration,
		ShutdownTimeout:    DefaultShutdownTimeout,

		Retry: RetryConfig{
			BaseDelayMs: DefaultRetryBaseDelayMs,
			Factor:      DefaultRetryFactor,
			MaxDelayMs:  DefaultRetryMaxDelayMs,
			Jitter:      DefaultRetryJitter,
		},

		DLQRetentionDays:  DefaultDLQRetentionDays,
		CriticalFunctions: DefaultCriticalFunctions,
		AdminEmail:        DefaultAdminEmail,

		FxStalenessWarning:    DefaultFxStalenessWarning,
		FxStalenessAcceptable: DefaultFxStalenessAcceptable,
		FxStalenessCritical:   DefaultFxStalenessCritical,

		PdfStepTimeout: DefaultPdfStepTimeout,
		MaxReminders:   DefaultMaxReminders,

		FxPrimaryURL:  DefaultFxPrimaryURL,
		FxFallbackURL: DefaultFxFallbackURL,
		EmailFrom:     DefaultEmailFrom,
		HTTPTimeout:   DefaultHTTPTimeout,

		CronCatchUpBudget: DefaultCronCatchUpBudget,
		IdempotencyWindow: DefaultIdempotencyWindow,
		QueueDepthLimit:   DefaultQueueDepthLimit,
	}
}

// LoadFromEnv populates configuration values from environment variables.
// Returns an error if any env var cannot be parsed.
func (c *Config) LoadFromEnv() error {
	if host := os.Getenv("API_HOST"); host != "" {
		c.APIHost = host
	}
	if level := os.Getenv("LOG_LEVEL"); level != "" {
		c.LogLevel = level
	}
	if addr := os.Getenv("REDIS_ADDR"); addr != "" {
		c.RedisAddr = addr
	}
	if password := os.Getenv("REDIS_PASSWORD"); password != "" {
		c.RedisPassword = password
	}
	if prefix := os.Getenv("REDIS_PREFIX"); prefix != "" {
		c.RedisPrefix = prefix
	}
	if bucket := os.Getenv("BLOB_BUCKET_URL"); bucket != "" {
		c.BlobBucketURL = bucket
	}
	if prefix := os.Getenv("BLOB_PREFIX"); prefix != "" {
		c.BlobPrefix = prefix
	}
	if base := os.Getenv("PUBLIC_BASE_URL"); base != "" {
		c.PublicBaseURL = base
	}
	if jitter := os.Getenv("RETRY_JITTER"); jitter != "" {
		c.Retry.Jitter = jitter
	}
	if email := os.Getenv("DLQ_ADMIN_EMAIL"); email != "" {
		c.AdminEmail = email
	}
	if fns := os.Getenv("DLQ_CRITICAL_FUNCTIONS"); fns != "" {
		c.CriticalFunctions = strings.Split(fns, ",")
	}
	if url := os.Getenv("FX_PRIMARY_URL"); url != "" {
		c.FxPrimaryURL = url
	}
	if url := os.Getenv("FX_FALLBACK_URL"); url != "" {
		c.FxFallbackURL = url
	}
	if url := os.Getenv("EMAIL_API_URL"); url != "" {
		c.EmailAPIURL = url
	}
	if key := os.Getenv("EMAIL_API_KEY"); key != "" {
		c.EmailAPIKey = key
	}
	if from := os.Getenv("EMAIL_FROM"); from != "" {
		c.EmailFrom = from
	}
	if url := os.Getenv("PDF_RENDER_URL"); url != "" {
		c.PdfRenderURL = url
	}

	if err := loadEnvInt("API_PORT", &c.APIPort, 0, MaxTCPPort); err != nil {
		return err
	}
	if err := loadEnvInt("REDIS_DB", &c.RedisDB, -1, 15); err != nil {
		return err
	}
	if err := loadEnvInt(
		"CONCURRENCY_DEFAULT", &c.ConcurrencyDefault, 0, MaxConcurrency,
	); err != nil {
		return err
	}
	if err := loadEnvInt(
		"CONCURRENCY_GLOBAL", &c.ConcurrencyGlobal, 0, MaxConcurrency,
	); err != nil {
		return err
	}
	if err := loadEnvInt(
		"RETRY_BASE_DELAY_MS", &c.Retry.BaseDelayMs, 0, MaxRetryBaseDelayMs,
	); err != nil {
		return err
	}
	if err := loadEnvInt(
		"RETRY_MAX_DELAY_MS", &c.Retry.MaxDelayMs, 0, MaxRetryMaxDelayMs,
	); err != nil {
		return err
	}
	if err := loadEnvInt(
		"DLQ_RETENTION_DAYS", &c.DLQRetentionDays, 0, 3650,
	); err != nil {
		return err
	}
	if err := loadEnvInt(
		"FX_STALENESS_WARNING", &c.FxStalenessWarning, 0, 1<<20,
	); err != nil {
		return err
	}
	if err := loadEnvInt(
		"FX_STALENESS_ACCEPTABLE", &c.FxStalenessAcceptable, 0, 1<<20,
	); err != nil {
		return err
	}
	if err := loadEnvInt(
		"FX_STALENESS_CRITICAL", &c.FxStalenessCritical, 0, 1<<20,
	); err != nil {
		return err
	}
	if err := loadEnvInt(
		"CRON_CATCH_UP_BUDGET", &c.CronCatchUpBudget, -1, MaxCronCatchUpBudget,
	); err != nil {
		return err
	}
	if err := loadEnvInt(
		"QUEUE_DEPTH_LIMIT", &c.QueueDepthLimit, 0, MaxQueueDepthLimit,
	); err != nil {
		return err
	}
	if err := loadEnvInt(
		"MAX_REMINDERS", &c.MaxReminders, 0, 1000,
	); err != nil {
		return err
	}

	if err := loadEnvDuration("PDF_STEP_TIMEOUT_MS", &c.PdfStepTimeout); err != nil {
		return err
	}
	if err := loadEnvDuration("LEASE_DURATION_MS", &c.LeaseDuration); err != nil {
		return err
	}
	if err := loadEnvDuration("POLL_INTERVAL_MS", &c.PollInterval); err != nil {
		return err
	}
	if err := loadEnvDuration(
		"IDEMPOTENCY_WINDOW_MS", &c.IdempotencyWindow,
	); err != nil {
		return err
	}
	if err := loadEnvDuration("HTTP_TIMEOUT_MS", &c.HTTPTimeout); err != nil {
		return err
	}

	return nil
}

// Validate checks that all configuration values are valid
func (c *Config) Validate() error {
	if c.APIPort <= 0 || c.APIPort > MaxTCPPort {
		return fmt.Errorf("%w: %d", ErrInvalidAPIPort, c.APIPort)
	}
	if c.ConcurrencyDefault < 1 || c.ConcurrencyGlobal < 1 {
		return ErrInvalidConcurrency
	}
	if c.Retry.BaseDelayMs <= 0 {
		return ErrInvalidRetryBase
	}
	if c.Retry.Factor < 1 {
		return ErrInvalidRetryFactor
	}
	if c.Retry.MaxDelayMs < c.Retry.BaseDelayMs {
		return ErrRetryMaxTooSmall
	}
	if c.Retry.Jitter != JitterNone && c.Retry.Jitter != JitterFull {
		return fmt.Errorf("%w: %q", ErrInvalidJitter, c.Retry.Jitter)
	}
	if c.FxStalenessWarning >= c.FxStalenessAcceptable ||
		c.FxStalenessAcceptable >= c.FxStalenessCritical {
		return ErrStalenessOutOfOrder
	}
	if c.CronCatchUpBudget < 0 {
		return ErrInvalidCatchUpBudget
	}
	return nil
}

// IsCriticalFunction reports whether DLQ entries for the function always
// notify the admin address
func (c *Config) IsCriticalFunction(id string) bool {
	for _, fn := range c.CriticalFunctions {
		if fn == id {
			return true
		}
	}
	return false
}

// loadEnvInt reads key from the environment, parses it as an integer, and
// sets *dst if the value is in the range (min, max). Returns an error if
// the value cannot be parsed or falls outside the valid range.
func loadEnvInt[T ~int | ~int64](key string, dst *T, min, max T) error {
	s := os.Getenv(key)
	if s == "" {
		return nil
	}
	v, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return fmt.Errorf("invalid %s: %q", key, s)
	}
	tv := T(v)
	if tv <= min || tv > max {
		return fmt.Errorf("invalid %s: %d out of range [%d, %d]",
			key, tv, min+1, max)
	}
	*dst = tv
	return nil
}

// loadEnvDuration reads key as a millisecond count into *dst
func loadEnvDuration(key string, dst *time.Duration) error {
	s := os.Getenv(key)
	if s == "" {
		return nil
	}
	ms, err := strconv.ParseInt(s, 10, 64)
	if err != nil || ms <= 0 {
		return fmt.Errorf("invalid %s: %q", key, s)
	}
	*dst = time.Duration(ms) * time.Millisecond
	return nil
}
