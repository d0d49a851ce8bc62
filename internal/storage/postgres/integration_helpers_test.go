package postgres

import (
	"context"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// integrationDSNEnv указывает на базу, которую тесты могут очищать.
const integrationDSNEnv = "COMMERCE_POSTGRES_TEST_DSN"

// Таблицы схемы 0001_init в порядке, безопасном для TRUNCATE.
var integrationTables = []string{
	"ops_tasks", "outbox_messages", "financial_ledger", "payouts", "settlement_lines", "settlement_cycles",
	"refund_items", "refunds", "webhook_events", "payments", "order_events", "order_items", "orders",
	"inventory_ledger", "inventory_balances",
}

// rawIntegrationStore открывает базу без миграций; без DSN тест пропускается.
func rawIntegrationStore(t *testing.T) *Store {
	t.Helper()

	dsn := strings.TrimSpace(os.Getenv(integrationDSNEnv))
	if dsn == "" {
		t.Skipf("%s is not set", integrationDSNEnv)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	store, err := Open(ctx, dsn)
	if err != nil {
		t.Skipf("postgres is not reachable: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

// integrationStore возвращает базу с актуальной схемой и пустыми таблицами.
func integrationStore(t *testing.T) *Store {
	t.Helper()

	store := rawIntegrationStore(t)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	require.NoError(t, store.EnsureSchema(ctx))
	_, err := store.DB().ExecContext(ctx, "TRUNCATE TABLE "+strings.Join(integrationTables, ", ")+" RESTART IDENTITY CASCADE")
	require.NoError(t, err)
	return store
}
