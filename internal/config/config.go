package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
)

type Config struct {
	Port     int    `env:"PORT" envDefault:"8080"`
	LogLevel string `env:"LOG_LEVEL" envDefault:"info"`
	Env      string `env:"ENV" envDefault:"development"`

	// Database. DatabaseURL wins over the discrete fields when set.
	DatabaseURL string `env:"DATABASE_URL"`
	DBHost      string `env:"DB_HOST" envDefault:"localhost"`
	DBPort      int    `env:"DB_PORT" envDefault:"5432"`
	DBUser      string `env:"DB_USER" envDefault:"ledgerdesk"`
	DBPassword  string `env:"DB_PASSWORD"`
	DBName      string `env:"DB_NAME" envDefault:"ledgerdesk"`
	DBSSLMode   string `env:"DB_SSLMODE" envDefault:"disable"`

	// Shared store (cache, presence, pub/sub, rate limits)
	RedisURL string        `env:"REDIS_URL" envDefault:"redis://localhost:6379/0"`
	CacheTTL time.Duration `env:"CACHE_TTL" envDefault:"60s"`

	// Durable queue
	QueueBackend  string        `env:"QUEUE_BACKEND" envDefault:"redis"` // redis | sqs
	QueueRedisURL string        `env:"QUEUE_REDIS_URL"`                   // defaults to RedisURL
	SQSRegion     string        `env:"SQS_REGION"`
	SQSQueueURL   string        `env:"SQS_QUEUE_URL"`
	SQSDLQURL     string        `env:"SQS_DLQ_URL"`
	JobAttempts   int           `env:"JOB_ATTEMPTS" envDefault:"3"`
	JobBackoff    time.Duration `env:"JOB_BACKOFF" envDefault:"2s"`

	// Worker pool
	WorkerEnabled      bool          `env:"WORKER_ENABLED" envDefault:"true"`
	WorkerConcurrency  int           `env:"WORKER_CONCURRENCY" envDefault:"5"`
	WorkerRateLimit    int           `env:"WORKER_RATE_LIMIT" envDefault:"100"`
	WorkerRateWindow   time.Duration `env:"WORKER_RATE_WINDOW" envDefault:"1s"`
	WorkerPollInterval time.Duration `env:"WORKER_POLL_INTERVAL" envDefault:"500ms"`
	JobTimeout         time.Duration `env:"JOB_TIMEOUT" envDefault:"30s"`

	// Real-time broadcast
	BroadcastBackend   string   `env:"BROADCAST_BACKEND" envDefault:"redis"` // redis | nats
	NATSURL            string   `env:"NATS_URL" envDefault:"nats://127.0.0.1:4222"`
	CORSAllowedOrigins []string `env:"CORS_ALLOWED_ORIGINS" envSeparator:"," envDefault:"http://localhost:3000"`

	// Outbound channels
	EmailProvider     string        `env:"EMAIL_PROVIDER" envDefault:"log"` // ses | gateway | log
	EmailTimeout      time.Duration `env:"EMAIL_TIMEOUT" envDefault:"10s"`
	EmailGatewayURL   string        `env:"EMAIL_GATEWAY_URL"`
	EmailGatewayToken string        `env:"EMAIL_GATEWAY_TOKEN"`
	AWSRegion         string        `env:"AWS_REGION" envDefault:"us-east-1"`
	SESFromEmail      string        `env:"SES_FROM_EMAIL" envDefault:"noreply@ledgerdesk.local"`
	SMSEnabled        bool          `env:"SMS_ENABLED" envDefault:"false"`
	SNSRegion         string        `env:"SNS_REGION"`
	AppBaseURL        string        `env:"APP_BASE_URL" envDefault:"http://localhost:3000"`

	// API protection
	APIRateLimit  int           `env:"API_RATE_LIMIT" envDefault:"100"`
	APIRateWindow time.Duration `env:"API_RATE_WINDOW" envDefault:"1m"`
}

// Load reads configuration from environment variables with sensible defaults
func Load() (*Config, error) {
	cfg, err := env.ParseAs[Config]()
	if err != nil {
		return nil, fmt.Errorf("parse environment: %w", err)
	}

	if cfg.QueueRedisURL == "" {
		cfg.QueueRedisURL = cfg.RedisURL
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
	return &cfg, nil
}

func (c *Config) validate() error {
	switch c.QueueBackend {
	case "redis":
	case "sqs":
		if c.SQSQueueURL == "" {
			return fmt.Errorf("SQS_QUEUE_URL is required when QUEUE_BACKEND=sqs")
		}
	default:
		return fmt.Errorf("invalid QUEUE_BACKEND %q: must be redis or sqs", c.QueueBackend)
	}

	switch c.BroadcastBackend {
	case "redis", "nats":
	default:
		return fmt.Errorf("invalid BROADCAST_BACKEND %q: must be redis or nats", c.BroadcastBackend)
	}

	switch c.EmailProvider {
	case "ses", "log":
	case "gateway":
		if c.EmailGatewayURL == "" {
			return fmt.Errorf("EMAIL_GATEWAY_URL is required when EMAIL_PROVIDER=gateway")
		}
	default:
		return fmt.Errorf("invalid EMAIL_PROVIDER %q: must be ses, gateway or log", c.EmailProvider)
	}

	if c.WorkerConcurrency < 1 {
		return fmt.Errorf("invalid WORKER_CONCURRENCY: must be >= 1")
	}
	if c.WorkerRateLimit < 1 || c.WorkerRateWindow <= 0 {
		return fmt.Errorf("invalid worker rate limit: %d per %s", c.WorkerRateLimit, c.WorkerRateWindow)
	}
	if c.JobAttempts < 1 {
		return fmt.Errorf("invalid JOB_ATTEMPTS: must be >= 1")
	}

	origins := c.CORSAllowedOrigins[:0]
	for _, o := range c.CORSAllowedOrigins {
		if o = strings.TrimSpace(o); o != "" {
			origins = append(origins, o)
		}
	}
	c.CORSAllowedOrigins = origins

	return nil
}

// DatabaseDSN returns the connection string for the relational store.
func (c *Config) DatabaseDSN() string {
	if c.DatabaseURL != "" {
		return c.DatabaseURL
	}
	if c.DBPassword != "" {
		return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
			c.DBHost, c.DBPort, c.DBUser, c.DBPassword, c.DBName, c.DBSSLMode)
	}
	return fmt.Sprintf("host=%s port=%d user=%s dbname=%s sslmode=%s",
		c.DBHost, c.DBPort, c.DBUser, c.DBName, c.DBSSLMode)
}

// IsProduction reports whether the process runs with production settings.
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}
