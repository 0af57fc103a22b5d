package config

import (
	"errors"
	"time"

	"github.com/kelseyhightower/envconfig"
)

type Config struct {
	// ----------------------------
	// Provider
	// ----------------------------
	Provider string `envconfig:"PROVIDER" default:"smtp"`

	SMTPHost     string `envconfig:"SMTP_HOST" default:"localhost"`
	SMTPPort     int    `envconfig:"SMTP_PORT" default:"1025"`
	SMTPUser     string `envconfig:"SMTP_USER" default:""`
	SMTPPassword string `envconfig:"SMTP_PASSWORD" default:""`
	SMTPFrom     string `envconfig:"SMTP_FROM" default:"noreply@example.com"`

	MailgunDomain string `envconfig:"MAILGUN_DOMAIN" default:""`
	MailgunAPIKey string `envconfig:"MAILGUN_API_KEY" default:""`

	AWSRegion string `envconfig:"AWS_REGION" default:"eu-west-1"`

	ProviderTimeout time.Duration `envconfig:"PROVIDER_TIMEOUT" default:"30s"`

	// ----------------------------
	// Queue
	// ----------------------------
	RedisURL    string `envconfig:"REDIS_URL" default:"redis://localhost:6379/0"`
	QueuePrefix string `envconfig:"QUEUE_PREFIX" default:"email"`

	// ----------------------------
	// Workers
	// ----------------------------
	WorkerConcurrency int           `envconfig:"WORKER_CONCURRENCY" default:"5"`
	BatchSize         int           `envconfig:"BATCH_SIZE" default:"10"`
	PollInterval      time.Duration `envconfig:"POLL_INTERVAL" default:"1s"`
	RateLimit         int           `envconfig:"RATE_LIMIT" default:"10"`
	RateWindow        time.Duration `envconfig:"RATE_WINDOW" default:"1s"`
	ShutdownGrace     time.Duration `envconfig:"SHUTDOWN_GRACE" default:"30s"`

	// ----------------------------
	// Retries
	// ----------------------------
	RetryCeiling      int           `envconfig:"RETRY_CEILING" default:"3"`
	BackoffBase       time.Duration `envconfig:"BACKOFF_BASE" default:"30s"`
	BackoffMultiplier float64       `envconfig:"BACKOFF_MULTIPLIER" default:"2"`
	BackoffMax        time.Duration `envconfig:"BACKOFF_MAX" default:"30m"`
	BackoffJitter     float64       `envconfig:"BACKOFF_JITTER" default:"0.5"`

	// ----------------------------
	// Staleness
	// ----------------------------
	StaleAfter          time.Duration `envconfig:"STALE_AFTER" default:"10m"`
	ReclaimInterval     time.Duration `envconfig:"RECLAIM_INTERVAL" default:"1m"`
	HeartbeatInterval   time.Duration `envconfig:"HEARTBEAT_INTERVAL" default:"15s"`
	HeartbeatStaleAfter time.Duration `envconfig:"HEARTBEAT_STALE_AFTER" default:"1m"`

	// ----------------------------
	// Templates
	// ----------------------------
	TemplateDir string `envconfig:"TEMPLATE_DIR" default:""`

	// ----------------------------
	// Webhooks
	// ----------------------------
	WebhookSecret   string        `envconfig:"WEBHOOK_SECRET" default:""`
	WebhookDedupTTL time.Duration `envconfig:"WEBHOOK_DEDUP_TTL" default:"24h"`

	// ----------------------------
	// HTTP API
	// ----------------------------
	APIPort string `envconfig:"API_PORT" default:"8080"`

	// ----------------------------
	// Metrics
	// ----------------------------
	MetricsPort string `envconfig:"METRICS_PORT" default:"9090"`

	// ----------------------------
	// Database
	// ----------------------------
	// Empty keeps delivery records in memory.
	DatabaseURL string `envconfig:"DATABASE_URL" default:""`

	LogFormat string `envconfig:"LOG_FORMAT" default:"json"`
}

func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, err
	}
	return &cfg, cfg.Validate()
}

func (c *Config) Validate() error {
	var errs []error
	if c.WorkerConcurrency <= 0 {
		errs = append(errs, errors.New("WORKER_CONCURRENCY must be positive"))
	}
	if c.BatchSize <= 0 {
		errs = append(errs, errors.New("BATCH_SIZE must be positive"))
	}
	if c.RetryCeiling <= 0 {
		errs = append(errs, errors.New("RETRY_CEILING must be positive"))
	}
	if c.BackoffMultiplier < 1 {
		errs = append(errs, errors.New("BACKOFF_MULTIPLIER must be at least 1"))
	}
	if c.BackoffJitter < 0 || c.BackoffJitter > 1 {
		errs = append(errs, errors.New("BACKOFF_JITTER must be within [0,1]"))
	}
	if c.HeartbeatInterval >= c.HeartbeatStaleAfter && c.HeartbeatStaleAfter > 0 {
		errs = append(errs, errors.New("HEARTBEAT_INTERVAL must be shorter than HEARTBEAT_STALE_AFTER"))
	}
	if c.RateLimit < 0 {
		errs = append(errs, errors.New("RATE_LIMIT must not be negative"))
	}
	return errors.Join(errs...)
}
