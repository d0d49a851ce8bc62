package postgres

import (
	"context"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/require"

	"github.com/vladislavdragonenkov/commerce/internal/domain"
)

func newMockStore(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()

	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	store := NewStore(db)
	store.now = func() time.Time { return time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC) }
	return store, mock
}

func TestStore_InTxCommitsOnSuccess(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta("FROM inventory_balances")).
		WithArgs(int64(43), int64(7)).
		WillReturnRows(sqlmock.NewRows([]string{"sku_id", "seller_id", "on_hand", "reserved", "available", "updated_at"}).
			AddRow(43, 7, 10, 2, 8, time.Now()))
	mock.ExpectCommit()

	err := store.InTx(context.Background(), func(tx domain.Tx) error {
		balance, found, err := tx.Inventory().LockBalance(context.Background(), 43, 7)
		require.NoError(t, err)
		require.True(t, found)
		require.Equal(t, int64(8), balance.Available)
		return nil
	})
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestStore_InTxRollsBackOnError(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectRollback()

	err := store.InTx(context.Background(), func(domain.Tx) error {
		return domain.ErrInsufficientStock
	})
	require.ErrorIs(t, err, domain.ErrInsufficientStock)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestStore_SavepointRollsBackInnerWork(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectExec("SAVEPOINT sp_1").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("ROLLBACK TO SAVEPOINT sp_1").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("SAVEPOINT sp_2").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("RELEASE SAVEPOINT sp_2").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectCommit()

	inner := errors.New("restock failed")
	err := store.InTx(context.Background(), func(tx domain.Tx) error {
		require.ErrorIs(t, tx.Savepoint(context.Background(), func() error { return inner }), inner)
		require.NoError(t, tx.Savepoint(context.Background(), func() error { return nil }))
		return nil
	})
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestInventoryRepository_AppendEntryMapsUniqueViolation(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta("INSERT INTO inventory_ledger")).
		WillReturnError(&pgconn.PgError{Code: uniqueViolationCode})
	mock.ExpectRollback()

	err := store.InTx(context.Background(), func(tx domain.Tx) error {
		_, err := tx.Inventory().AppendEntry(context.Background(), domain.InventoryLedgerEntry{
			SKUID: 43, SellerID: 7, Type: domain.MutationReserve, Delta: 1, IdempotencyKey: "order:1:sku:43:reserve",
		})
		return err
	})
	require.ErrorIs(t, err, domain.ErrIdempotencyConflict)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestWebhookRepository_InsertDuplicateReturnsFalse(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta("WHERE NOT webhook_events.signature_valid AND EXCLUDED.signature_valid")).
		WillReturnRows(sqlmock.NewRows([]string{"id"}))
	mock.ExpectCommit()

	err := store.InTx(context.Background(), func(tx domain.Tx) error {
		inserted, err := tx.Webhooks().Insert(context.Background(), &domain.WebhookEvent{
			Provider: "sim", EventID: "evt-1", ProcessStatus: domain.WebhookReceived,
		})
		require.NoError(t, err)
		require.False(t, inserted)
		return nil
	})
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestWebhookRepository_InsertTakesOverRejectedRow(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta("ON CONFLICT (provider, event_id) DO UPDATE")).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(int64(12)))
	mock.ExpectCommit()

	err := store.InTx(context.Background(), func(tx domain.Tx) error {
		event := &domain.WebhookEvent{
			Provider: "sim", EventID: "evt-1", SignatureValid: true, ProcessStatus: domain.WebhookReceived,
		}
		inserted, err := tx.Webhooks().Insert(context.Background(), event)
		require.NoError(t, err)
		require.True(t, inserted)
		require.Equal(t, int64(12), event.ID)
		return nil
	})
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSettlementRepository_DuplicateCycle(t *testing.T) {
	store, mock := newMockStore(t)
	start := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta("INSERT INTO settlement_cycles")).
		WillReturnError(&pgconn.PgError{Code: uniqueViolationCode})
	mock.ExpectRollback()

	err := store.InTx(context.Background(), func(tx domain.Tx) error {
		return tx.Settlements().CreateCycle(context.Background(), &domain.SettlementCycle{StartDate: start, EndDate: start, Status: domain.CycleGenerated})
	})
	require.ErrorIs(t, err, domain.ErrDuplicateCycle)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestOutboxRepository_DeleteSentBefore(t *testing.T) {
	store, mock := newMockStore(t)
	before := time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)

	mock.ExpectExec(regexp.QuoteMeta("DELETE FROM outbox_messages")).
		WithArgs(before, 500).
		WillReturnResult(sqlmock.NewResult(0, 3))

	deleted, err := store.Outbox().DeleteSentBefore(context.Background(), before, 0)
	require.NoError(t, err)
	require.Equal(t, 3, deleted)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestStore_CreateTask(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectQuery(regexp.QuoteMeta("INSERT INTO ops_tasks")).
		WithArgs(domain.OpsTaskRestockFailed, sqlmock.AnyArg(), "OPEN", sqlmock.AnyArg()).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(12))

	task, err := store.CreateTask(context.Background(), domain.OpsTaskRestockFailed, []byte(`{"refund_id":1}`))
	require.NoError(t, err)
	require.Equal(t, int64(12), task.ID)
	require.NoError(t, mock.ExpectationsWereMet())
}
