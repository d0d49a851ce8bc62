package app

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"
	"go.uber.org/multierr"

	"github.com/vladislavdragonenkov/commerce/internal/domain"
	"github.com/vladislavdragonenkov/commerce/internal/health"
	"github.com/vladislavdragonenkov/commerce/internal/lock"
	"github.com/vladislavdragonenkov/commerce/internal/messaging/kafka"
	"github.com/vladislavdragonenkov/commerce/internal/metrics"
	"github.com/vladislavdragonenkov/commerce/internal/service/inventory"
	"github.com/vladislavdragonenkov/commerce/internal/service/order"
	"github.com/vladislavdragonenkov/commerce/internal/service/payment"
	"github.com/vladislavdragonenkov/commerce/internal/service/refund"
	"github.com/vladislavdragonenkov/commerce/internal/service/settlement"
	"github.com/vladislavdragonenkov/commerce/internal/storage/memory"
	"github.com/vladislavdragonenkov/commerce/internal/storage/postgres"
)

// storage: общее для memory- и postgres-хранилищ.
type storage interface {
	domain.Store
	domain.OpsTaskSink
	Outbox() domain.OutboxRepository
	Ping(ctx context.Context) error
}

// Services: workflow-сервисы ядра.
type Services struct {
	Ledger     *inventory.Ledger
	Orders     *order.Service
	Payments   *payment.Service
	Refunds    *refund.Service
	Settlement *settlement.Service
}

// NewServices собирает сервисы поверх хранилища.
func NewServices(store domain.Store, tasks domain.OpsTaskSink, catalog domain.Catalog, cfg Config, m *metrics.CommerceMetrics, logger *log.Entry) (*Services, error) {
	fees, err := cfg.FeePolicy()
	if err != nil {
		return nil, err
	}
	gateway := payment.NewSimulatedGateway(cfg.WebhookSecret, cfg.CheckoutBaseURL, cfg.CheckoutSessionTTL)

	ledger := inventory.NewLedger(store,
		inventory.WithLogger(logger.WithField("component", "inventory-ledger")),
		inventory.WithMetrics(m),
	)
	orders := order.NewService(store, ledger, catalog,
		order.WithLogger(logger.WithField("component", "order-service")),
		order.WithMetrics(m),
		order.WithShippingPolicy(order.ShippingPolicy{StandardFee: cfg.ShippingFee, FreeThreshold: cfg.FreeShippingThreshold}),
	)
	payments := payment.NewService(store, orders, ledger, gateway,
		payment.WithLogger(logger.WithField("component", "payment-service")),
		payment.WithMetrics(m),
		payment.WithFeePolicy(fees),
		payment.WithReceiveGrace(cfg.WebhookReceiveGrace),
	)
	refunds := refund.NewService(store, orders, ledger, gateway, tasks,
		refund.WithLogger(logger.WithField("component", "refund-service")),
		refund.WithMetrics(m),
	)
	settlements := settlement.NewService(store,
		settlement.WithLogger(logger.WithField("component", "settlement-service")),
		settlement.WithMetrics(m),
	)

	return &Services{
		Ledger:     ledger,
		Orders:     orders,
		Payments:   payments,
		Refunds:    refunds,
		Settlement: settlements,
	}, nil
}

type runtimeDependencies struct {
	store    storage
	services *Services
	metrics  *metrics.CommerceMetrics
	locker   lock.Locker
	redis    *redis.Client

	producer  *kafka.Producer
	publisher domain.OutboxPublisher
	dlq       domain.OutboxPublisher
	consumer  *kafka.Consumer

	checks  map[string]health.Checker
	closers []func() error
}

// close освобождает ресурсы в обратном порядке открытия.
func (d *runtimeDependencies) close() error {
	var err error
	for i := len(d.closers) - 1; i >= 0; i-- {
		err = multierr.Append(err, d.closers[i]())
	}
	d.closers = nil
	return err
}

// initRuntimeDependencies открывает хранилище, блокировки и Kafka по конфигурации.
// При ошибке уже открытые ресурсы закрываются.
func initRuntimeDependencies(ctx context.Context, cfg Config, logger *log.Entry) (*runtimeDependencies, error) {
	deps := &runtimeDependencies{
		metrics: metrics.NewCommerceMetrics(),
		checks:  make(map[string]health.Checker),
	}
	if err := deps.init(ctx, cfg, logger); err != nil {
		return nil, multierr.Append(err, deps.close())
	}
	return deps, nil
}

func (d *runtimeDependencies) init(ctx context.Context, cfg Config, logger *log.Entry) error {
	if err := d.initStorage(ctx, cfg, logger); err != nil {
		return err
	}
	if err := d.initLocker(ctx, cfg, logger); err != nil {
		return err
	}
	services, err := NewServices(d.store, d.store, memory.NewCatalog(), cfg, d.metrics, logger)
	if err != nil {
		return err
	}
	d.services = services
	return d.initKafka(cfg, logger)
}

func (d *runtimeDependencies) initStorage(ctx context.Context, cfg Config, logger *log.Entry) error {
	switch strings.ToLower(strings.TrimSpace(cfg.StorageDriver)) {
	case "", StorageDriverMemory:
		d.store = memory.NewStore()
		logger.Info("using in-memory storage")
	case StorageDriverPostgres:
		if strings.TrimSpace(cfg.PostgresDSN) == "" {
			return errors.New("postgres storage requires COMMERCE_POSTGRES_DSN")
		}
		store, err := postgres.Open(ctx, cfg.PostgresDSN, postgres.WithLogger(logger.WithField("component", "postgres")))
		if err != nil {
			return fmt.Errorf("open postgres storage: %w", err)
		}
		d.closers = append(d.closers, store.Close)
		if cfg.PostgresAutoMigrate {
			if err := store.EnsureSchema(ctx); err != nil {
				return fmt.Errorf("apply postgres migrations: %w", err)
			}
		}
		d.store = store
		logger.Info("using postgres storage")
	default:
		return fmt.Errorf("unsupported storage driver %q", cfg.StorageDriver)
	}
	d.checks["storage"] = health.PingChecker(d.store)
	return nil
}

func (d *runtimeDependencies) initLocker(ctx context.Context, cfg Config, logger *log.Entry) error {
	if strings.TrimSpace(cfg.RedisURL) == "" {
		d.locker = lock.NewLocalLocker()
		logger.Info("redis is not configured, payout locks are process-local")
		return nil
	}
	client, err := lock.Dial(ctx, cfg.RedisURL)
	if err != nil {
		return err
	}
	d.redis = client
	d.closers = append(d.closers, client.Close)

	locker, err := lock.NewRedisLocker(client)
	if err != nil {
		return err
	}
	d.locker = locker
	d.checks["redis"] = health.FuncChecker(func(ctx context.Context) error {
		return client.Ping(ctx).Err()
	})
	logger.Info("payout locks use redis")
	return nil
}

func (d *runtimeDependencies) initKafka(cfg Config, logger *log.Entry) error {
	if !cfg.kafkaEnabled() {
		d.publisher = logPublisher{logger: logger.WithField("component", "outbox-log")}
		logger.Info("kafka is not configured, outbox events are logged")
		return nil
	}

	producer, err := initKafkaProducer(cfg, logger)
	if err != nil {
		return err
	}
	d.producer = producer
	d.closers = append(d.closers, producer.Close)
	d.publisher = kafka.NewOutboxPublisher(producer, cfg.KafkaEventsTopic)
	d.dlq = kafka.NewOutboxPublisher(producer, kafka.TopicDeadLetterQueue)

	consumer, err := kafka.NewConsumer(cfg.KafkaBrokers, cfg.KafkaConsumerGroup, []string{cfg.KafkaWebhookTopic},
		kafka.NewWebhookHandler(d.services.Payments, logger.WithField("component", "kafka-webhooks")),
		kafka.WithDLQ(producer),
		kafka.WithConsumerLogger(logger.WithField("component", "kafka-consumer")),
	)
	if err != nil {
		return err
	}
	d.consumer = consumer
	return nil
}

// logPublisher заменяет брокер, когда Kafka не настроена.
type logPublisher struct {
	logger *log.Entry
}

func (p logPublisher) Publish(_ context.Context, msg domain.OutboxMessage) error {
	p.logger.WithFields(log.Fields{
		"outbox_id":      msg.ID,
		"aggregate_type": msg.AggregateType,
		"aggregate_id":   msg.AggregateID,
		"event_type":     msg.EventType,
	}).Info("outbox event")
	return nil
}
