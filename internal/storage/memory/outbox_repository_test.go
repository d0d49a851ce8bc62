package memory

import (
	"context"
	"testing"
	"time"

	"github.com/vladislavdragonenkov/commerce/internal/domain"
)

func enqueue(t *testing.T, store *Store, msg domain.OutboxMessage) domain.OutboxMessage {
	t.Helper()
	var saved domain.OutboxMessage
	err := store.InTx(context.Background(), func(tx domain.Tx) error {
		var err error
		saved, err = tx.Outbox().Enqueue(context.Background(), msg)
		return err
	})
	if err != nil {
		t.Fatalf("enqueue failed: %v", err)
	}
	return saved
}

func TestOutboxRepository_EnqueueAndPull(t *testing.T) {
	store := NewStore()
	repo := store.Outbox()

	saved := enqueue(t, store, domain.OutboxMessage{
		AggregateType: "order",
		AggregateID:   "1",
		EventType:     "OrderPaid",
		Payload:       []byte(`{"status":"PAID"}`),
	})
	if saved.ID == "" {
		t.Fatal("expected generated id")
	}

	pending, err := repo.PullPending(context.Background(), 10)
	if err != nil {
		t.Fatalf("pull failed: %v", err)
	}
	if len(pending) != 1 || pending[0].ID != saved.ID {
		t.Fatalf("expected saved message, got %+v", pending)
	}

	stats, err := repo.Stats(context.Background())
	if err != nil {
		t.Fatalf("stats failed: %v", err)
	}
	if stats.PendingCount != 1 || stats.OldestPendingAt.IsZero() {
		t.Fatalf("unexpected stats: %+v", stats)
	}
}

func TestOutboxRepository_RolledBackEnqueueIsInvisible(t *testing.T) {
	store := NewStore()

	_ = store.InTx(context.Background(), func(tx domain.Tx) error {
		_, _ = tx.Outbox().Enqueue(context.Background(), domain.OutboxMessage{AggregateType: "order"})
		return domain.ErrInvalidState
	})

	if len(store.AllPending()) != 0 {
		t.Fatal("expected rolled back message to be dropped")
	}
}

func TestOutboxRepository_MarkSentAndFailed(t *testing.T) {
	store := NewStore()
	repo := store.Outbox()
	saved := enqueue(t, store, domain.OutboxMessage{AggregateType: "order"})

	if err := repo.MarkSent(context.Background(), saved.ID); err != nil {
		t.Fatalf("mark sent failed: %v", err)
	}
	if err := repo.MarkFailed(context.Background(), saved.ID); err != nil {
		t.Fatalf("mark failed: %v", err)
	}
	if err := repo.MarkFailed(context.Background(), "missing"); err == nil {
		t.Fatal("expected error for missing record")
	}
}

func TestOutboxRepository_DeleteSentBefore(t *testing.T) {
	store := NewStore()
	repo := store.Outbox()
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	store.SetClock(func() time.Time { return base })

	first := enqueue(t, store, domain.OutboxMessage{AggregateType: "order"})
	second := enqueue(t, store, domain.OutboxMessage{AggregateType: "order"})
	pending := enqueue(t, store, domain.OutboxMessage{AggregateType: "order"})

	_ = repo.MarkSent(context.Background(), first.ID)
	_ = repo.MarkSent(context.Background(), second.ID)

	deleted, err := repo.DeleteSentBefore(context.Background(), base.Add(time.Hour), 1)
	if err != nil {
		t.Fatalf("delete failed: %v", err)
	}
	if deleted != 1 {
		t.Fatalf("expected 1 deleted, got %d", deleted)
	}

	deleted, _ = repo.DeleteSentBefore(context.Background(), base.Add(time.Hour), 10)
	if deleted != 1 {
		t.Fatalf("expected remaining sent message to be deleted, got %d", deleted)
	}

	left := store.AllPending()
	if len(left) != 1 || left[0].ID != pending.ID {
		t.Fatalf("pending message must survive cleanup, got %+v", left)
	}
}
