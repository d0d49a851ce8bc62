package app

import (
	"context"
	"errors"
	"os"
	"strings"
	"testing"

	log "github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"github.com/vladislavdragonenkov/commerce/internal/domain"
	"github.com/vladislavdragonenkov/commerce/internal/health"
	"github.com/vladislavdragonenkov/commerce/internal/lock"
	"github.com/vladislavdragonenkov/commerce/internal/storage/memory"
)

func TestInitRuntimeDependencies_Memory(t *testing.T) {
	deps, err := initRuntimeDependencies(context.Background(), DefaultConfig(), log.WithField("test", "memory-storage"))
	require.NoError(t, err)
	defer func() { require.NoError(t, deps.close()) }()

	require.IsType(t, &memory.Store{}, deps.store)
	require.IsType(t, &lock.LocalLocker{}, deps.locker)
	require.IsType(t, logPublisher{}, deps.publisher)
	require.Nil(t, deps.dlq)
	require.Nil(t, deps.consumer)
	require.Nil(t, deps.redis)
	require.NotNil(t, deps.services.Payments)
	require.NotNil(t, deps.services.Refunds)
	require.NotNil(t, deps.services.Settlement)

	check := deps.checks["storage"].Check(context.Background())
	require.Equal(t, health.StatusHealthy, check.Status)
}

func TestInitRuntimeDependencies_PostgresRequiresDSN(t *testing.T) {
	cfg := DefaultConfig()
	cfg.StorageDriver = StorageDriverPostgres

	_, err := initRuntimeDependencies(context.Background(), cfg, log.WithField("test", "postgres-missing-dsn"))
	require.ErrorContains(t, err, "COMMERCE_POSTGRES_DSN")
}

func TestInitRuntimeDependencies_UnsupportedDriver(t *testing.T) {
	cfg := DefaultConfig()
	cfg.StorageDriver = "sqlite"

	_, err := initRuntimeDependencies(context.Background(), cfg, log.WithField("test", "unsupported-driver"))
	require.ErrorContains(t, err, "unsupported storage driver")
}

func TestInitRuntimeDependencies_InvalidRedisURL(t *testing.T) {
	cfg := DefaultConfig()
	cfg.RedisURL = "://not-a-url"

	_, err := initRuntimeDependencies(context.Background(), cfg, log.WithField("test", "redis"))
	require.Error(t, err)
}

func TestInitRuntimeDependencies_Postgres(t *testing.T) {
	dsn := strings.TrimSpace(os.Getenv("COMMERCE_POSTGRES_TEST_DSN"))
	if dsn == "" {
		t.Skip("COMMERCE_POSTGRES_TEST_DSN is not set")
	}

	cfg := DefaultConfig()
	cfg.StorageDriver = StorageDriverPostgres
	cfg.PostgresDSN = dsn

	deps, err := initRuntimeDependencies(context.Background(), cfg, log.WithField("test", "postgres-init"))
	if err != nil {
		t.Skipf("postgres is not available: %v", err)
	}
	defer func() { _ = deps.close() }()

	check := deps.checks["storage"].Check(context.Background())
	require.Equal(t, health.StatusHealthy, check.Status, check.Message)
}

func TestRuntimeDependenciesClose_ReverseOrderAndErrors(t *testing.T) {
	var order []string
	deps := &runtimeDependencies{closers: []func() error{
		func() error { order = append(order, "storage"); return nil },
		func() error { order = append(order, "redis"); return errors.New("redis close") },
		func() error { order = append(order, "kafka"); return nil },
	}}

	err := deps.close()
	require.ErrorContains(t, err, "redis close")
	require.Equal(t, []string{"kafka", "redis", "storage"}, order)
	require.NoError(t, deps.close(), "second close is a no-op")
}

func TestNewServices_InvalidFees(t *testing.T) {
	cfg := DefaultConfig()
	cfg.PGFeeRate = "abc"
	store := memory.NewStore()

	_, err := NewServices(store, store, memory.NewCatalog(), cfg, nil, log.WithField("test", "services"))
	require.Error(t, err)
}

func TestLogPublisher(t *testing.T) {
	publisher := logPublisher{logger: log.WithField("test", "outbox")}
	err := publisher.Publish(context.Background(), domain.OutboxMessage{ID: "1", EventType: domain.EventPaymentCaptured})
	require.NoError(t, err)
}
