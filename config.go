package jobsched

import (
	"os"
	"strconv"
	"time"
)

// Config represents scheduler configuration.
type Config struct {
	// RetryBaseDelay is the base for automatic retry backoff (default: 10s).
	// Attempt n is scheduled not before now + min(base * 2^n, RetryMaxDelay).
	RetryBaseDelay time.Duration

	// RetryMaxDelay caps the automatic retry backoff (default: 10 minutes).
	RetryMaxDelay time.Duration

	// MaxAutoRetries is the automatic retry cap per chain (default: 3).
	// Manual retries are never capped.
	MaxAutoRetries int

	// PollInterval is how often the dispatcher re-checks the store for due
	// jobs when idle (default: 1s). Backoff-delayed retries dispatch without
	// an external nudge because of this ticker.
	PollInterval time.Duration

	// WebhookURL receives a POST for every terminal run. Empty disables
	// webhook delivery.
	WebhookURL string

	// WebhookTimeout bounds a single delivery attempt (default: 10s).
	WebhookTimeout time.Duration

	// WebhookRetryDelay is the first retry delay after a failed delivery
	// (default: 5s). Subsequent delays grow by WebhookRetryFactor.
	WebhookRetryDelay time.Duration

	// WebhookRetryFactor is the delivery backoff multiplier (default: 3,
	// giving 5s/15s/45s with the default delay).
	WebhookRetryFactor float64

	// WebhookMaxRetries is the delivery retry cap (default: 3). After the
	// cap the failure is logged and the notification dropped.
	WebhookMaxRetries int

	// Concurrency is the dispatch concurrency policy (default: SerialPolicy).
	// Only single-concurrency dispatch is implemented today; the policy is
	// the extension point for future multi-worker operation.
	Concurrency ConcurrencyPolicy
}

// ConcurrencyPolicy decides how many jobs may execute at once.
type ConcurrencyPolicy interface {
	// MaxConcurrent returns the number of jobs allowed to run concurrently.
	MaxConcurrent() int
}

// SerialPolicy is the baseline single-concurrency policy: one job at a time.
type SerialPolicy struct{}

// MaxConcurrent always returns 1.
func (SerialPolicy) MaxConcurrent() int { return 1 }

// LoadConfig loads scheduler configuration from environment variables.
// It reads the following environment variables:
//   - JOBSCHED_RETRY_BASE_DELAY: base retry backoff (default: 10s)
//   - JOBSCHED_RETRY_MAX_DELAY: retry backoff cap (default: 10m)
//   - JOBSCHED_MAX_AUTO_RETRIES: automatic retry cap (default: 3)
//   - JOBSCHED_POLL_INTERVAL: idle dispatcher poll interval (default: 1s)
//   - JOBSCHED_WEBHOOK_URL: terminal-state webhook target (default: disabled)
//   - JOBSCHED_WEBHOOK_TIMEOUT: per-attempt delivery timeout (default: 10s)
//   - JOBSCHED_WEBHOOK_RETRY_DELAY: first delivery retry delay (default: 5s)
//   - JOBSCHED_WEBHOOK_MAX_RETRIES: delivery retry cap (default: 3)
//
// Duration values accept Go duration strings (e.g. "10s", "1h30m").
// Returns a Config with default values for anything unset.
func LoadConfig() *Config {
	return &Config{
		RetryBaseDelay:     getEnvDuration("JOBSCHED_RETRY_BASE_DELAY", 10*time.Second),
		RetryMaxDelay:      getEnvDuration("JOBSCHED_RETRY_MAX_DELAY", 10*time.Minute),
		MaxAutoRetries:     getEnvInt("JOBSCHED_MAX_AUTO_RETRIES", 3),
		PollInterval:       getEnvDuration("JOBSCHED_POLL_INTERVAL", time.Second),
		WebhookURL:         os.Getenv("JOBSCHED_WEBHOOK_URL"),
		WebhookTimeout:     getEnvDuration("JOBSCHED_WEBHOOK_TIMEOUT", 10*time.Second),
		WebhookRetryDelay:  getEnvDuration("JOBSCHED_WEBHOOK_RETRY_DELAY", 5*time.Second),
		WebhookRetryFactor: 3,
		WebhookMaxRetries:  getEnvInt("JOBSCHED_WEBHOOK_MAX_RETRIES", 3),
		Concurrency:        SerialPolicy{},
	}
}

// withDefaults fills zero-valued fields so a partially populated Config (or
// nil) behaves like LoadConfig with no environment set.
func (c *Config) withDefaults() *Config {
	cfg := Config{}
	if c != nil {
		cfg = *c
	}
	if cfg.RetryBaseDelay <= 0 {
		cfg.RetryBaseDelay = 10 * time.Second
	}
	if cfg.RetryMaxDelay <= 0 {
		cfg.RetryMaxDelay = 10 * time.Minute
	}
	if cfg.MaxAutoRetries <= 0 {
		cfg.MaxAutoRetries = 3
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}
	if cfg.WebhookTimeout <= 0 {
		cfg.WebhookTimeout = 10 * time.Second
	}
	if cfg.WebhookRetryDelay <= 0 {
		cfg.WebhookRetryDelay = 5 * time.Second
	}
	if cfg.WebhookRetryFactor <= 1 {
		cfg.WebhookRetryFactor = 3
	}
	if cfg.WebhookMaxRetries <= 0 {
		cfg.WebhookMaxRetries = 3
	}
	if cfg.Concurrency == nil {
		cfg.Concurrency = SerialPolicy{}
	}
	return &cfg
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}
