package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
)

type Config struct {
	Port     int    `env:"PORT" envDefault:"8080"`
	LogLevel string `env:"LOG_LEVEL" envDefault:"info"`
	LogFile  string `env:"LOG_FILE"` // rotated log file, stdout only when empty
	Env      string `env:"ENV" envDefault:"development"`

	// Notification store: postgres or sqlite
	StoreDriver string `env:"STORE_DRIVER" envDefault:"postgres"`
	SQLitePath  string `env:"SQLITE_PATH" envDefault:"courier.db"`

	// Database
	DBHost     string `env:"DB_HOST" envDefault:"localhost"`
	DBPort     int    `env:"DB_PORT" envDefault:"5432"`
	DBUser     string `env:"DB_USER" envDefault:"courier"`
	DBPassword string `env:"DB_PASSWORD"`
	DBName     string `env:"DB_NAME" envDefault:"courier"`
	DBSSLMode  string `env:"DB_SSLMODE" envDefault:"disable"`

	// Redis config
	RedisHost     string `env:"REDIS_HOST" envDefault:"localhost"`
	RedisPort     int    `env:"REDIS_PORT" envDefault:"6379"`
	RedisPassword string `env:"REDIS_PASSWORD"`
	RedisDB       int    `env:"REDIS_DB" envDefault:"0"`
	RedisEnabled  bool   `env:"REDIS_ENABLED" envDefault:"true"`

	// Work queue: redis, sqs or memory
	QueueDriver       string        `env:"QUEUE_DRIVER" envDefault:"redis"`
	QueueName         string        `env:"QUEUE_NAME" envDefault:"notifications"`
	VisibilityTimeout time.Duration `env:"QUEUE_VISIBILITY_TIMEOUT" envDefault:"60s"`
	PollTimeout       time.Duration `env:"QUEUE_POLL_TIMEOUT" envDefault:"5s"`

	// SQS config
	SQSRegion   string `env:"SQS_REGION"`
	SQSQueueURL string `env:"SQS_QUEUE_URL"`
	SQSEndpoint string `env:"SQS_ENDPOINT"` // LocalStack

	// Dispatch worker
	WorkerConcurrency   int           `env:"WORKER_CONCURRENCY" envDefault:"2"`
	EmbeddedWorkers     int           `env:"EMBEDDED_WORKERS" envDefault:"0"`
	MaxRetries          int           `env:"MAX_RETRIES" envDefault:"3"`
	DeliveryTimeout     time.Duration `env:"DELIVERY_TIMEOUT" envDefault:"30s"`
	ChannelRateLimit    int           `env:"CHANNEL_RATE_LIMIT" envDefault:"0"` // sends per second per channel, 0 = unlimited
	WorkerMetricsPort   int           `env:"WORKER_METRICS_PORT" envDefault:"9091"`
	BreakerMaxFailures  int           `env:"BREAKER_MAX_FAILURES" envDefault:"5"`
	BreakerRecoveryTime time.Duration `env:"BREAKER_RECOVERY_TIMEOUT" envDefault:"30s"`

	// Reconciler
	ReconcileInterval time.Duration `env:"RECONCILE_INTERVAL" envDefault:"1m"`
	ReconcileGrace    time.Duration `env:"RECONCILE_GRACE" envDefault:"2m"`
	ReconcileBatch    int           `env:"RECONCILE_BATCH" envDefault:"100"`

	// Email: ses, smtp or log
	EmailProvider string `env:"EMAIL_PROVIDER" envDefault:"log"`
	EmailSubject  string `env:"EMAIL_SUBJECT" envDefault:"Notification"`

	// SMTP config for email sending
	SMTPHost       string `env:"SMTP_HOST" envDefault:"smtp.gmail.com"`
	SMTPPort       int    `env:"SMTP_PORT" envDefault:"465"`
	SMTPUsername   string `env:"SMTP_USERNAME"`
	SMTPPassword   string `env:"SMTP_PASSWORD"`
	SMTPFrom       string `env:"SMTP_FROM" envDefault:"Notif Service <noreply@courier.local>"`
	SMTPEncryption string `env:"SMTP_ENCRYPTION" envDefault:"ssl"` // ssl, starttls or none

	// SMS: sns or log
	SMSProvider string `env:"SMS_PROVIDER" envDefault:"log"`

	// AWS Services
	AWSRegion    string `env:"AWS_REGION" envDefault:"us-east-1"`
	SESFromEmail string `env:"SES_FROM_EMAIL" envDefault:"noreply@courier.local"`
	SNSRegion    string `env:"SNS_REGION"`
	SMSSenderID  string `env:"SNS_SENDER_ID"`
	SNSEndpoint  string `env:"SNS_ENDPOINT"` // LocalStack

	// Outcome events: sent and failed notifications are published here when set
	OutcomeTopicARN string `env:"OUTCOME_TOPIC_ARN"`

	// In-app inbox
	InboxSize int `env:"INBOX_SIZE" envDefault:"100"`

	// API
	RateLimitPerMinute int           `env:"RATE_LIMIT_PER_MINUTE" envDefault:"100"`
	IdempotencyTTL     time.Duration `env:"IDEMPOTENCY_TTL" envDefault:"24h"`
}

// Load reads configuration from environment variables with sensible defaults
func Load() (*Config, error) {
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse environment: %w", err)
	}

	if cfg.SQSRegion == "" {
		cfg.SQSRegion = cfg.AWSRegion
	}
	if cfg.SNSRegion == "" {
		cfg.SNSRegion = cfg.AWSRegion
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if err := oneOf("STORE_DRIVER", c.StoreDriver, "postgres", "sqlite"); err != nil {
		return err
	}
	if err := oneOf("QUEUE_DRIVER", c.QueueDriver, "redis", "sqs", "memory"); err != nil {
		return err
	}
	if err := oneOf("EMAIL_PROVIDER", c.EmailProvider, "ses", "smtp", "log"); err != nil {
		return err
	}
	if err := oneOf("SMS_PROVIDER", c.SMSProvider, "sns", "log"); err != nil {
		return err
	}
	if err := oneOf("SMTP_ENCRYPTION", c.SMTPEncryption, "ssl", "starttls", "none"); err != nil {
		return err
	}

	if c.QueueDriver == "sqs" && c.SQSQueueURL == "" {
		return fmt.Errorf("invalid SQS_QUEUE_URL: required when QUEUE_DRIVER=sqs")
	}
	if c.QueueDriver == "redis" && !c.RedisEnabled {
		return fmt.Errorf("invalid REDIS_ENABLED: QUEUE_DRIVER=redis needs redis")
	}
	if c.MaxRetries < 0 {
		return fmt.Errorf("invalid MAX_RETRIES: %d", c.MaxRetries)
	}
	if c.WorkerConcurrency < 1 {
		return fmt.Errorf("invalid WORKER_CONCURRENCY: %d", c.WorkerConcurrency)
	}
	if c.DeliveryTimeout <= 0 {
		return fmt.Errorf("invalid DELIVERY_TIMEOUT: %s", c.DeliveryTimeout)
	}
	if c.QueueDriver != "memory" && c.VisibilityTimeout <= c.DeliveryTimeout {
		return fmt.Errorf("invalid QUEUE_VISIBILITY_TIMEOUT: %s must exceed DELIVERY_TIMEOUT %s", c.VisibilityTimeout, c.DeliveryTimeout)
	}
	return nil
}

// DatabaseURL returns the PostgreSQL connection URL used by the migrator.
func (c *Config) DatabaseURL() string {
	auth := c.DBUser
	if c.DBPassword != "" {
		auth += ":" + c.DBPassword
	}
	return fmt.Sprintf("postgres://%s@%s:%d/%s?sslmode=%s", auth, c.DBHost, c.DBPort, c.DBName, c.DBSSLMode)
}

func oneOf(name, value string, allowed ...string) error {
	for _, a := range allowed {
		if value == a {
			return nil
		}
	}
	return fmt.Errorf("invalid %s: %q (want one of %v)", name, value, allowed)
}
