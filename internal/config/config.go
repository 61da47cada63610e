package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/Netflix/go-env"
	"github.com/joho/godotenv"
	"github.com/kursadbilgin/dispatch-core/internal/domain"
)

const (
	BackendPostgres = "postgres"
	BackendRedis    = "redis"
	BackendMemory   = "memory"

	BrokerNone     = "none"
	BrokerRabbitMQ = "rabbitmq"
	BrokerKafka    = "kafka"
)

type Config struct {
	StorageBackend string `env:"STORAGE_BACKEND,default=postgres"`
	QueueBackend   string `env:"QUEUE_BACKEND,default=redis"`
	DatabaseDSN    string `env:"DATABASE_DSN"`
	RedisURL       string `env:"REDIS_URL"`

	DBMaxOpenConns    int           `env:"DB_MAX_OPEN_CONNS,default=25"`
	DBMaxIdleConns    int           `env:"DB_MAX_IDLE_CONNS,default=5"`
	DBConnMaxLifetime time.Duration `env:"DB_CONN_MAX_LIFETIME,default=1h"`
	RedisPoolSize     int           `env:"REDIS_POOL_SIZE,default=0"`

	EventsBroker string `env:"EVENTS_BROKER,default=none"`
	RabbitMQURL  string `env:"RABBITMQ_URL"`
	KafkaBrokers string `env:"KAFKA_BROKERS"`
	KafkaTopic   string `env:"KAFKA_TOPIC,default=dispatch.events"`

	MaxAttempts   int           `env:"MAX_ATTEMPTS,default=3"`
	BackoffBase   time.Duration `env:"BACKOFF_BASE,default=1s"`
	BackoffCap    time.Duration `env:"BACKOFF_CAP,default=60s"`
	BackoffJitter float64       `env:"BACKOFF_JITTER,default=0.2"`

	EmailTimeout time.Duration `env:"EMAIL_TIMEOUT,default=30s"`
	SMSTimeout   time.Duration `env:"SMS_TIMEOUT,default=10s"`
	PushTimeout  time.Duration `env:"PUSH_TIMEOUT,default=30s"`

	QueueCapacityHigh int `env:"QUEUE_CAPACITY_HIGH,default=10000"`
	QueueCapacityLow  int `env:"QUEUE_CAPACITY_LOW,default=10000"`

	IdempotencyTTL         time.Duration `env:"IDEMPOTENCY_TTL,default=24h"`
	StatusRetentionTTL     time.Duration `env:"STATUS_RETENTION_TTL,default=720h"`
	LeaseDuration          time.Duration `env:"LEASE_DURATION,default=2m"`
	RecoveryScanInterval   time.Duration `env:"RECOVERY_SCAN_INTERVAL,default=15s"`
	RetentionSweepInterval time.Duration `env:"RETENTION_SWEEP_INTERVAL,default=1h"`
	SubmitLockWait         time.Duration `env:"SUBMIT_LOCK_WAIT,default=2s"`

	WorkerConcurrency  int           `env:"WORKER_CONCURRENCY,default=16"`
	WorkerPollInterval time.Duration `env:"WORKER_POLL_INTERVAL,default=200ms"`
	RateLimitPerSec    int           `env:"RATE_LIMIT_PER_SEC,default=100"`

	// Per channel limits. Zero falls back to RATE_LIMIT_PER_SEC.
	EmailRateLimitPerSec int `env:"EMAIL_RATE_LIMIT_PER_SEC,default=0"`
	SMSRateLimitPerSec   int `env:"SMS_RATE_LIMIT_PER_SEC,default=0"`
	PushRateLimitPerSec  int `env:"PUSH_RATE_LIMIT_PER_SEC,default=0"`

	WebhookSMSURL        string `env:"WEBHOOK_SMS_URL"`
	WebhookPushURL       string `env:"WEBHOOK_PUSH_URL"`
	WebhookToken         string `env:"WEBHOOK_TOKEN"`
	PostmarkServerToken  string `env:"POSTMARK_SERVER_TOKEN"`
	PostmarkAccountToken string `env:"POSTMARK_ACCOUNT_TOKEN"`
	EmailSender          string `env:"EMAIL_SENDER"`

	// JWTSecret enables bearer token auth. Without it the caller comes from X-Caller-ID.
	JWTSecret string `env:"JWT_SECRET"`
	APIPort   int    `env:"API_PORT,default=8080"`
	LogLevel  string `env:"LOG_LEVEL,default=info"`
}

// Load reads the environment, after merging an optional .env file from the working directory.
// Variables already set in the environment win over the file.
func Load() (*Config, error) {
	_ = godotenv.Load()

	var cfg Config
	_, err := env.UnmarshalFromEnviron(&cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &cfg, nil
}

// Validate checks values go-env cannot express, such as settings required only by the
// selected backend.
func (c *Config) Validate() error {
	c.StorageBackend = strings.ToLower(strings.TrimSpace(c.StorageBackend))
	c.QueueBackend = strings.ToLower(strings.TrimSpace(c.QueueBackend))
	c.EventsBroker = strings.ToLower(strings.TrimSpace(c.EventsBroker))

	switch c.StorageBackend {
	case BackendPostgres:
		if c.DatabaseDSN == "" {
			return fmt.Errorf("DATABASE_DSN is required when STORAGE_BACKEND=%s", BackendPostgres)
		}
	case BackendMemory:
	default:
		return fmt.Errorf("unsupported STORAGE_BACKEND %q", c.StorageBackend)
	}

	switch c.QueueBackend {
	case BackendRedis:
		if c.RedisURL == "" {
			return fmt.Errorf("REDIS_URL is required when QUEUE_BACKEND=%s", BackendRedis)
		}
	case BackendMemory:
		if c.StorageBackend != BackendMemory {
			return fmt.Errorf("QUEUE_BACKEND=%s requires STORAGE_BACKEND=%s", BackendMemory, BackendMemory)
		}
	default:
		return fmt.Errorf("unsupported QUEUE_BACKEND %q", c.QueueBackend)
	}

	switch c.EventsBroker {
	case BrokerNone:
	case BrokerRabbitMQ:
		if c.RabbitMQURL == "" {
			return fmt.Errorf("RABBITMQ_URL is required when EVENTS_BROKER=%s", BrokerRabbitMQ)
		}
	case BrokerKafka:
		if len(c.KafkaBrokerList()) == 0 {
			return fmt.Errorf("KAFKA_BROKERS is required when EVENTS_BROKER=%s", BrokerKafka)
		}
	default:
		return fmt.Errorf("unsupported EVENTS_BROKER %q", c.EventsBroker)
	}

	if c.MaxAttempts < 1 {
		return fmt.Errorf("MAX_ATTEMPTS must be at least 1")
	}
	if c.BackoffBase <= 0 || c.BackoffCap < c.BackoffBase {
		return fmt.Errorf("BACKOFF_BASE must be positive and not above BACKOFF_CAP")
	}
	if c.BackoffJitter < 0 || c.BackoffJitter > 1 {
		return fmt.Errorf("BACKOFF_JITTER must be within [0, 1]")
	}
	if c.QueueCapacityHigh < 0 || c.QueueCapacityLow < 0 {
		return fmt.Errorf("queue capacities must not be negative")
	}
	if c.RateLimitPerSec < 1 {
		return fmt.Errorf("RATE_LIMIT_PER_SEC must be at least 1")
	}
	if c.EmailRateLimitPerSec < 0 || c.SMSRateLimitPerSec < 0 || c.PushRateLimitPerSec < 0 {
		return fmt.Errorf("per channel rate limits must not be negative")
	}
	if c.LeaseDuration <= 0 {
		return fmt.Errorf("LEASE_DURATION must be positive")
	}
	if c.RecoveryScanInterval >= c.LeaseDuration {
		return fmt.Errorf("RECOVERY_SCAN_INTERVAL must be shorter than LEASE_DURATION")
	}
	return nil
}

// RateLimitOverrides returns the channels whose limit differs from RATE_LIMIT_PER_SEC.
func (c *Config) RateLimitOverrides() map[domain.Channel]int {
	overrides := make(map[domain.Channel]int)
	for channel, limit := range map[domain.Channel]int{
		domain.ChannelEmail: c.EmailRateLimitPerSec,
		domain.ChannelSMS:   c.SMSRateLimitPerSec,
		domain.ChannelPush:  c.PushRateLimitPerSec,
	} {
		if limit > 0 {
			overrides[channel] = limit
		}
	}
	return overrides
}

// KafkaBrokerList splits KAFKA_BROKERS on commas.
func (c *Config) KafkaBrokerList() []string {
	var brokers []string
	for _, broker := range strings.Split(c.KafkaBrokers, ",") {
		if broker = strings.TrimSpace(broker); broker != "" {
			brokers = append(brokers, broker)
		}
	}
	return brokers
}
