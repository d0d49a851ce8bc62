package app

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
	"go.uber.org/multierr"

	"github.com/vladislavdragonenkov/commerce/internal/service/payment"
)

// EnvPrefix: префикс переменных окружения сервиса.
const EnvPrefix = "COMMERCE"

const (
	StorageDriverMemory   = "memory"
	StorageDriverPostgres = "postgres"
)

// Config описывает настройки запуска сервиса. Переменные: COMMERCE_<TAG>.
type Config struct {
	GRPCAddr string `envconfig:"GRPC_ADDR"`
	HTTPAddr string `envconfig:"HTTP_ADDR"`
	LogLevel string `envconfig:"LOG_LEVEL"`

	StorageDriver       string `envconfig:"STORAGE_DRIVER"`
	PostgresDSN         string `envconfig:"POSTGRES_DSN"`
	PostgresAutoMigrate bool   `envconfig:"POSTGRES_AUTO_MIGRATE"`

	// RedisURL пустой: блокировки выплат держатся в памяти процесса.
	RedisURL string `envconfig:"REDIS_URL"`

	// KafkaBrokers пустой: outbox пишется в лог, consumer callback-ов не запускается.
	KafkaBrokers       []string `envconfig:"KAFKA_BROKERS"`
	KafkaClientID      string   `envconfig:"KAFKA_CLIENT_ID"`
	KafkaEventsTopic   string   `envconfig:"KAFKA_EVENTS_TOPIC"`
	KafkaWebhookTopic  string   `envconfig:"KAFKA_WEBHOOK_TOPIC"`
	KafkaConsumerGroup string   `envconfig:"KAFKA_CONSUMER_GROUP"`

	WebhookSecret       string        `envconfig:"WEBHOOK_SECRET"`
	CheckoutBaseURL     string        `envconfig:"CHECKOUT_BASE_URL"`
	CheckoutSessionTTL  time.Duration `envconfig:"CHECKOUT_SESSION_TTL"`
	WebhookReceiveGrace time.Duration `envconfig:"WEBHOOK_RECEIVE_GRACE"`

	PGFeeRate             string `envconfig:"PG_FEE_RATE"`
	PlatformFeeRate       string `envconfig:"PLATFORM_FEE_RATE"`
	ShippingFee           int64  `envconfig:"SHIPPING_FEE"`
	FreeShippingThreshold int64  `envconfig:"FREE_SHIPPING_THRESHOLD"`

	WebhookRetryInterval time.Duration `envconfig:"WEBHOOK_RETRY_INTERVAL"`
	WebhookRetryBatch    int           `envconfig:"WEBHOOK_RETRY_BATCH"`
	WebhookMaxAttempts   int           `envconfig:"WEBHOOK_MAX_ATTEMPTS"`
	WebhookBackoffBase   time.Duration `envconfig:"WEBHOOK_BACKOFF_BASE"`
	WebhookBackoffMax    time.Duration `envconfig:"WEBHOOK_BACKOFF_MAX"`

	OutboxPollInterval      time.Duration `envconfig:"OUTBOX_POLL_INTERVAL"`
	OutboxBatchSize         int           `envconfig:"OUTBOX_BATCH_SIZE"`
	OutboxMaxAttempts       int           `envconfig:"OUTBOX_MAX_ATTEMPTS"`
	OutboxRetryDelay        time.Duration `envconfig:"OUTBOX_RETRY_DELAY"`
	OutboxRetention         time.Duration `envconfig:"OUTBOX_RETENTION"`
	OutboxRetentionInterval time.Duration `envconfig:"OUTBOX_RETENTION_INTERVAL"`

	PayoutRunnerEnabled bool          `envconfig:"PAYOUT_RUNNER_ENABLED"`
	PayoutRunInterval   time.Duration `envconfig:"PAYOUT_RUN_INTERVAL"`
	PayoutRunBatch      int           `envconfig:"PAYOUT_RUN_BATCH"`
	PayoutLockTTL       time.Duration `envconfig:"PAYOUT_LOCK_TTL"`
}

// DefaultConfig возвращает настройки для локального запуска на памяти.
func DefaultConfig() Config {
	return Config{
		GRPCAddr: ":50051",
		HTTPAddr: ":8080",
		LogLevel: "info",

		StorageDriver:       StorageDriverMemory,
		PostgresAutoMigrate: true,

		KafkaClientID:      "commerce-service",
		KafkaEventsTopic:   "commerce.order.events",
		KafkaWebhookTopic:  "commerce.payment.webhooks",
		KafkaConsumerGroup: "commerce-webhooks",

		WebhookSecret:       "dev-webhook-secret",
		CheckoutBaseURL:     "https://pay.local/checkout",
		CheckoutSessionTTL:  30 * time.Minute,
		WebhookReceiveGrace: 30 * time.Second,

		PGFeeRate:       "0.03",
		PlatformFeeRate: "0.10",
		ShippingFee:     3000,

		WebhookRetryInterval: 30 * time.Second,
		WebhookRetryBatch:    50,
		WebhookMaxAttempts:   5,
		WebhookBackoffBase:   30 * time.Second,
		WebhookBackoffMax:    30 * time.Minute,

		OutboxPollInterval:      time.Second,
		OutboxBatchSize:         100,
		OutboxMaxAttempts:       3,
		OutboxRetryDelay:        50 * time.Millisecond,
		OutboxRetention:         7 * 24 * time.Hour,
		OutboxRetentionInterval: 10 * time.Minute,

		PayoutRunnerEnabled: true,
		PayoutRunInterval:   time.Minute,
		PayoutRunBatch:      20,
		PayoutLockTTL:       5 * time.Minute,
	}
}

// LoadConfig накладывает переменные окружения на DefaultConfig и проверяет результат.
func LoadConfig() (Config, error) {
	cfg := DefaultConfig()
	if err := envconfig.Process(EnvPrefix, &cfg); err != nil {
		return Config{}, fmt.Errorf("load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate собирает все ошибки конфигурации разом.
func (c Config) Validate() error {
	var err error
	switch strings.ToLower(strings.TrimSpace(c.StorageDriver)) {
	case StorageDriverMemory:
	case StorageDriverPostgres:
		if strings.TrimSpace(c.PostgresDSN) == "" {
			err = multierr.Append(err, errors.New("COMMERCE_POSTGRES_DSN is required for postgres storage"))
		}
	default:
		err = multierr.Append(err, fmt.Errorf("unsupported storage driver %q", c.StorageDriver))
	}
	if c.GRPCAddr == "" {
		err = multierr.Append(err, errors.New("COMMERCE_GRPC_ADDR is required"))
	}
	if c.HTTPAddr == "" {
		err = multierr.Append(err, errors.New("COMMERCE_HTTP_ADDR is required"))
	}
	if c.WebhookSecret == "" {
		err = multierr.Append(err, errors.New("COMMERCE_WEBHOOK_SECRET is required"))
	}
	if _, feeErr := c.FeePolicy(); feeErr != nil {
		err = multierr.Append(err, feeErr)
	}
	if c.ShippingFee < 0 || c.FreeShippingThreshold < 0 {
		err = multierr.Append(err, errors.New("shipping fee and free threshold must be non-negative"))
	}
	if c.WebhookMaxAttempts <= 0 {
		err = multierr.Append(err, errors.New("COMMERCE_WEBHOOK_MAX_ATTEMPTS must be positive"))
	}
	if c.WebhookBackoffMax < c.WebhookBackoffBase {
		err = multierr.Append(err, errors.New("COMMERCE_WEBHOOK_BACKOFF_MAX must not be below COMMERCE_WEBHOOK_BACKOFF_BASE"))
	}
	return err
}

// FeePolicy разбирает ставки комиссий.
func (c Config) FeePolicy() (payment.FeePolicy, error) {
	policy, err := payment.NewFeePolicy(c.PGFeeRate, c.PlatformFeeRate)
	if err != nil {
		return payment.FeePolicy{}, fmt.Errorf("invalid fee rates %q/%q: %w", c.PGFeeRate, c.PlatformFeeRate, err)
	}
	if policy.PGFeeRate.IsNegative() || policy.PlatformFeeRate.IsNegative() {
		return payment.FeePolicy{}, fmt.Errorf("fee rates must be non-negative: %s/%s", c.PGFeeRate, c.PlatformFeeRate)
	}
	return policy, nil
}

func (c Config) kafkaEnabled() bool {
	return len(c.KafkaBrokers) > 0 && strings.TrimSpace(c.KafkaBrokers[0]) != ""
}
