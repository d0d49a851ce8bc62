package memory_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/vladislavdragonenkov/commerce/internal/domain"
	"github.com/vladislavdragonenkov/commerce/internal/storage/memory"
)

func newOrder() domain.Order {
	now := time.Now().UTC()
	return domain.Order{
		OrderNo:        "ORD-20260101-deadbeef",
		UserID:         5,
		Status:         domain.OrderCreated,
		Currency:       "KRW",
		TotalAmount:    36000,
		ShippingFee:    3000,
		IdempotencyKey: "checkout-1",
		Items: []domain.OrderItem{
			{SKUID: 43, SellerID: 7, OfferID: 1, Qty: 1, UnitPrice: 33000, ItemAmount: 33000, Status: domain.OrderCreated},
		},
		CreatedAt: now,
		UpdatedAt: now,
	}
}

func TestStore_CommitPublishesChanges(t *testing.T) {
	store := memory.NewStore()
	ctx := context.Background()

	order := newOrder()
	err := store.InTx(ctx, func(tx domain.Tx) error {
		return tx.Orders().Create(ctx, &order)
	})
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}
	if order.ID == 0 || order.Items[0].ID == 0 || order.Items[0].OrderID != order.ID {
		t.Fatalf("expected ids to be assigned, got order=%d item=%+v", order.ID, order.Items[0])
	}

	err = store.InTx(ctx, func(tx domain.Tx) error {
		stored, err := tx.Orders().Get(ctx, order.ID)
		if err != nil {
			return err
		}
		if stored.TotalAmount != 36000 {
			t.Fatalf("expected total 36000, got %d", stored.TotalAmount)
		}
		byKey, found, err := tx.Orders().GetByIdempotencyKey(ctx, "checkout-1")
		if err != nil || !found || byKey.ID != order.ID {
			t.Fatalf("lookup by key failed: found=%v err=%v", found, err)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("read failed: %v", err)
	}
}

func TestStore_ErrorRollsBack(t *testing.T) {
	store := memory.NewStore()
	ctx := context.Background()
	boom := errors.New("boom")

	err := store.InTx(ctx, func(tx domain.Tx) error {
		if _, err := tx.Inventory().CreateBalance(ctx, 1, 1); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}

	err = store.InTx(ctx, func(tx domain.Tx) error {
		_, found, err := tx.Inventory().LockBalance(ctx, 1, 1)
		if err != nil {
			return err
		}
		if found {
			t.Fatal("expected balance creation to be rolled back")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestStore_SavepointRestoresOnlyInnerChanges(t *testing.T) {
	store := memory.NewStore()
	ctx := context.Background()

	err := store.InTx(ctx, func(tx domain.Tx) error {
		if _, err := tx.Inventory().CreateBalance(ctx, 1, 1); err != nil {
			return err
		}
		spErr := tx.Savepoint(ctx, func() error {
			if _, err := tx.Inventory().CreateBalance(ctx, 2, 1); err != nil {
				return err
			}
			return errors.New("inner failure")
		})
		if spErr == nil {
			t.Fatal("expected savepoint error")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("tx failed: %v", err)
	}

	_ = store.InTx(ctx, func(tx domain.Tx) error {
		if _, found, _ := tx.Inventory().LockBalance(ctx, 1, 1); !found {
			t.Fatal("expected outer balance to survive")
		}
		if _, found, _ := tx.Inventory().LockBalance(ctx, 2, 1); found {
			t.Fatal("expected inner balance to be rolled back")
		}
		return nil
	})
}

func TestStore_CanceledContext(t *testing.T) {
	store := memory.NewStore()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	called := false
	err := store.InTx(ctx, func(domain.Tx) error {
		called = true
		return nil
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if called {
		t.Fatal("fn must not run with canceled context")
	}
}

func TestInventoryRepository_LedgerKeys(t *testing.T) {
	store := memory.NewStore()
	ctx := context.Background()

	err := store.InTx(ctx, func(tx domain.Tx) error {
		repo := tx.Inventory()
		entry := domain.InventoryLedgerEntry{SKUID: 1, SellerID: 2, Type: domain.MutationRestock, Delta: 5, IdempotencyKey: "k1"}
		if _, err := repo.AppendEntry(ctx, entry); err != nil {
			return err
		}
		if _, err := repo.AppendEntry(ctx, entry); !errors.Is(err, domain.ErrIdempotencyConflict) {
			t.Fatalf("expected idempotency conflict, got %v", err)
		}
		found, ok, err := repo.EntryByKey(ctx, "k1")
		if err != nil || !ok || found.Delta != 5 {
			t.Fatalf("entry by key failed: ok=%v err=%v entry=%+v", ok, err, found)
		}
		entries, err := repo.ListEntries(ctx, domain.LedgerFilter{SKUID: 1})
		if err != nil || len(entries) != 1 {
			t.Fatalf("expected 1 entry, got %d (%v)", len(entries), err)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("tx failed: %v", err)
	}
}

func TestWebhookRepository_DedupAndRetryable(t *testing.T) {
	store := memory.NewStore()
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	later := now.Add(time.Minute)

	err := store.InTx(ctx, func(tx domain.Tx) error {
		repo := tx.Webhooks()
		first := &domain.WebhookEvent{Provider: "sim", EventID: "evt-1", ProcessStatus: domain.WebhookReceived}
		inserted, err := repo.Insert(ctx, first)
		if err != nil || !inserted {
			t.Fatalf("expected insert, got inserted=%v err=%v", inserted, err)
		}
		dup := &domain.WebhookEvent{Provider: "sim", EventID: "evt-1", ProcessStatus: domain.WebhookReceived}
		if inserted, _ := repo.Insert(ctx, dup); inserted {
			t.Fatal("expected duplicate to be skipped")
		}

		delayed := &domain.WebhookEvent{Provider: "sim", EventID: "evt-2", ProcessStatus: domain.WebhookRetryPending, NextRetryAt: &later}
		if _, err := repo.Insert(ctx, delayed); err != nil {
			return err
		}
		exhausted := &domain.WebhookEvent{Provider: "sim", EventID: "evt-3", ProcessStatus: domain.WebhookRetryPending, RetryCount: 3}
		if _, err := repo.Insert(ctx, exhausted); err != nil {
			return err
		}
		done := &domain.WebhookEvent{Provider: "sim", EventID: "evt-4", ProcessStatus: domain.WebhookProcessed}
		if _, err := repo.Insert(ctx, done); err != nil {
			return err
		}

		due, err := repo.ListRetryable(ctx, now, 3, 10)
		if err != nil {
			return err
		}
		if len(due) != 1 || due[0].EventID != "evt-1" {
			t.Fatalf("expected only evt-1 to be due, got %+v", due)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("tx failed: %v", err)
	}
}

func TestWebhookRepository_ValidDeliveryReplacesRejectedRow(t *testing.T) {
	store := memory.NewStore()
	ctx := context.Background()

	err := store.InTx(ctx, func(tx domain.Tx) error {
		repo := tx.Webhooks()
		rejected := &domain.WebhookEvent{Provider: "sim", EventID: "evt-1", ProcessStatus: domain.WebhookFailed, LastError: "invalid_signature"}
		if inserted, err := repo.Insert(ctx, rejected); err != nil || !inserted {
			t.Fatalf("expected insert, got inserted=%v err=%v", inserted, err)
		}
		forged := &domain.WebhookEvent{Provider: "sim", EventID: "evt-1", ProcessStatus: domain.WebhookFailed}
		if inserted, _ := repo.Insert(ctx, forged); inserted {
			t.Fatal("invalid delivery must not replace a rejected row")
		}

		valid := &domain.WebhookEvent{Provider: "sim", EventID: "evt-1", SignatureValid: true, ProcessStatus: domain.WebhookReceived}
		inserted, err := repo.Insert(ctx, valid)
		if err != nil || !inserted {
			t.Fatalf("expected valid delivery to take the row, got inserted=%v err=%v", inserted, err)
		}
		if valid.ID != rejected.ID {
			t.Fatalf("expected row id %d to be kept, got %d", rejected.ID, valid.ID)
		}
		stored, err := repo.Get(ctx, valid.ID)
		if err != nil {
			return err
		}
		if !stored.SignatureValid || stored.ProcessStatus != domain.WebhookReceived || stored.LastError != "" {
			t.Fatalf("unexpected stored event %+v", stored)
		}

		again := &domain.WebhookEvent{Provider: "sim", EventID: "evt-1", SignatureValid: true, ProcessStatus: domain.WebhookReceived}
		if inserted, _ := repo.Insert(ctx, again); inserted {
			t.Fatal("second valid delivery is a duplicate")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("tx failed: %v", err)
	}
}

func TestFinancialRepository_AppendAndAggregate(t *testing.T) {
	store := memory.NewStore()
	ctx := context.Background()
	day := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	err := store.InTx(ctx, func(tx domain.Tx) error {
		repo := tx.Financial()
		entries := []domain.FinancialEntry{
			{SellerID: 7, EntryType: domain.EntrySale, Amount: 33000, IdempotencyKey: "s", CreatedAt: day},
			{SellerID: 7, EntryType: domain.EntryPGFee, Amount: -990, IdempotencyKey: "pg", CreatedAt: day},
			{SellerID: 7, EntryType: domain.EntryRefund, Amount: -33000, IdempotencyKey: "r", CreatedAt: day.Add(48 * time.Hour)},
			{SellerID: 3, EntryType: domain.EntrySale, Amount: 1000, IdempotencyKey: "s3", CreatedAt: day},
		}
		for _, entry := range entries {
			if _, inserted, err := repo.Append(ctx, entry); err != nil || !inserted {
				t.Fatalf("append failed: inserted=%v err=%v", inserted, err)
			}
		}
		if _, inserted, _ := repo.Append(ctx, entries[0]); inserted {
			t.Fatal("expected duplicate key to be skipped")
		}

		totals, err := repo.AggregateBySeller(ctx, day.Truncate(24*time.Hour), day.Truncate(24*time.Hour).Add(24*time.Hour))
		if err != nil {
			return err
		}
		if len(totals) != 2 || totals[0].SellerID != 3 || totals[1].SellerID != 7 {
			t.Fatalf("unexpected totals: %+v", totals)
		}
		if totals[1].GrossSales() != 33000 || totals[1].TotalFees() != -990 {
			t.Fatalf("unexpected seller 7 totals: %+v", totals[1])
		}
		return nil
	})
	if err != nil {
		t.Fatalf("tx failed: %v", err)
	}
}

func TestSettlementRepository_DuplicateCycle(t *testing.T) {
	store := memory.NewStore()
	ctx := context.Background()
	start := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)

	create := func() error {
		return store.InTx(ctx, func(tx domain.Tx) error {
			cycle := &domain.SettlementCycle{StartDate: start, EndDate: start, Status: domain.CycleGenerated}
			return tx.Settlements().CreateCycle(ctx, cycle)
		})
	}
	if err := create(); err != nil {
		t.Fatalf("first create failed: %v", err)
	}
	if err := create(); !errors.Is(err, domain.ErrDuplicateCycle) {
		t.Fatalf("expected duplicate cycle, got %v", err)
	}
}

func TestStore_CreateTask(t *testing.T) {
	store := memory.NewStore()

	task, err := store.CreateTask(context.Background(), domain.OpsTaskRestockFailed, []byte(`{"refund_id":1}`))
	if err != nil {
		t.Fatalf("create task failed: %v", err)
	}
	if task.ID == 0 || task.Status != "OPEN" {
		t.Fatalf("unexpected task: %+v", task)
	}
	if len(store.Tasks()) != 1 {
		t.Fatalf("expected 1 task, got %d", len(store.Tasks()))
	}
}
