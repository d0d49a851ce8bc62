package postgres

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/vladislavdragonenkov/commerce/internal/domain"
)

func enqueueForIntegrationTest(t *testing.T, store *Store, msg domain.OutboxMessage) domain.OutboxMessage {
	t.Helper()

	var saved domain.OutboxMessage
	err := store.InTx(context.Background(), func(tx domain.Tx) error {
		var err error
		saved, err = tx.Outbox().Enqueue(context.Background(), msg)
		return err
	})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	return saved
}

func TestOutboxRepository_PostgresFlow(t *testing.T) {
	store := integrationStore(t)
	repo := store.Outbox()
	ctx := context.Background()

	stored1 := enqueueForIntegrationTest(t, store, domain.OutboxMessage{
		AggregateType: "order",
		AggregateID:   "1",
		EventType:     "OrderPaid",
		Payload:       []byte(`{"order_id":1}`),
	})
	if stored1.ID == "" {
		t.Fatal("expected generated id for outbox message")
	}
	stored2 := enqueueForIntegrationTest(t, store, domain.OutboxMessage{
		ID:            "outbox-fixed-id",
		AggregateType: "order",
		AggregateID:   "2",
		EventType:     "OrderCanceled",
		Payload:       []byte(`{"order_id":2}`),
	})

	pending, err := repo.PullPending(ctx, 0)
	if err != nil {
		t.Fatalf("pull pending: %v", err)
	}
	if len(pending) != 2 {
		t.Fatalf("expected 2 pending messages, got %d", len(pending))
	}

	stats, err := repo.Stats(ctx)
	if err != nil {
		t.Fatalf("stats before marks: %v", err)
	}
	if stats.PendingCount != 2 || stats.OldestPendingAt.IsZero() {
		t.Fatalf("unexpected stats before marks: %+v", stats)
	}

	if err := repo.MarkSent(ctx, stored1.ID); err != nil {
		t.Fatalf("mark sent: %v", err)
	}
	if err := repo.MarkFailed(ctx, stored2.ID); err != nil {
		t.Fatalf("mark failed: %v", err)
	}

	after, err := repo.PullPending(ctx, 10)
	if err != nil {
		t.Fatalf("pull pending after marks: %v", err)
	}
	if len(after) != 0 {
		t.Fatalf("expected no pending after marks, got %d", len(after))
	}

	deleted, err := repo.DeleteSentBefore(ctx, time.Now().UTC().Add(time.Minute), 10)
	if err != nil {
		t.Fatalf("delete sent: %v", err)
	}
	if deleted != 1 {
		t.Fatalf("expected 1 deleted message, got %d", deleted)
	}
}

func TestOutboxRepository_PostgresMissingRows(t *testing.T) {
	store := integrationStore(t)
	repo := store.Outbox()

	if err := repo.MarkSent(context.Background(), "missing-outbox"); !errors.Is(err, domain.ErrOutboxPublish) {
		t.Fatalf("expected ErrOutboxPublish on mark sent missing id, got %v", err)
	}
	if err := repo.MarkFailed(context.Background(), "missing-outbox"); !errors.Is(err, domain.ErrOutboxPublish) {
		t.Fatalf("expected ErrOutboxPublish on mark failed missing id, got %v", err)
	}
}

func TestOutboxRepository_PostgresRolledBackEnqueue(t *testing.T) {
	store := integrationStore(t)

	_ = store.InTx(context.Background(), func(tx domain.Tx) error {
		if _, err := tx.Outbox().Enqueue(context.Background(), domain.OutboxMessage{AggregateType: "order", AggregateID: "3", EventType: "OrderPaid"}); err != nil {
			return err
		}
		return domain.ErrInvalidState
	})

	stats, err := store.Outbox().Stats(context.Background())
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if stats.PendingCount != 0 {
		t.Fatalf("expected rolled back message to be absent, got %d", stats.PendingCount)
	}
}
