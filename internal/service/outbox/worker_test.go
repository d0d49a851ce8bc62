package outbox

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/vladislavdragonenkov/commerce/internal/domain"
	"github.com/vladislavdragonenkov/commerce/internal/storage/memory"
)

type stubOutboxRepo struct {
	mu            sync.Mutex
	pending       []domain.OutboxMessage
	sentIDs       []string
	failedIDs     []string
	deleteResults []int
	deleteErr     error
	deleteCutoffs []time.Time
}

func (s *stubOutboxRepo) PullPending(_ context.Context, limit int) ([]domain.OutboxMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if limit <= 0 || limit >= len(s.pending) {
		return append([]domain.OutboxMessage(nil), s.pending...), nil
	}
	return append([]domain.OutboxMessage(nil), s.pending[:limit]...), nil
}

func (s *stubOutboxRepo) Stats(context.Context) (domain.OutboxStats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	stats := domain.OutboxStats{PendingCount: len(s.pending)}
	if len(s.pending) > 0 {
		stats.OldestPendingAt = time.Now().UTC().Add(-time.Second)
	}
	return stats, nil
}

func (s *stubOutboxRepo) MarkSent(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sentIDs = append(s.sentIDs, id)
	return nil
}

func (s *stubOutboxRepo) MarkFailed(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failedIDs = append(s.failedIDs, id)
	return nil
}

func (s *stubOutboxRepo) DeleteSentBefore(_ context.Context, before time.Time, _ int) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deleteCutoffs = append(s.deleteCutoffs, before)
	if s.deleteErr != nil {
		return 0, s.deleteErr
	}
	if len(s.deleteResults) == 0 {
		return 0, nil
	}
	n := s.deleteResults[0]
	s.deleteResults = s.deleteResults[1:]
	return n, nil
}

type stubPublisher struct {
	mu             sync.Mutex
	err            error
	sequenceErrors []error
	published      []domain.OutboxMessage
	callCount      int
}

func (s *stubPublisher) Publish(_ context.Context, msg domain.OutboxMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.callCount++
	if len(s.sequenceErrors) > 0 {
		err := s.sequenceErrors[0]
		s.sequenceErrors = s.sequenceErrors[1:]
		if err == nil {
			s.published = append(s.published, msg)
		}
		return err
	}
	if s.err == nil {
		s.published = append(s.published, msg)
	}
	return s.err
}

func (s *stubPublisher) calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.callCount
}

var (
	_ domain.OutboxRepository = (*stubOutboxRepo)(nil)
	_ domain.OutboxPublisher  = (*stubPublisher)(nil)
)

func captured(id string) domain.OutboxMessage {
	return domain.OutboxMessage{
		ID:            id,
		AggregateType: domain.AggregatePayment,
		AggregateID:   "1",
		EventType:     domain.EventPaymentCaptured,
		Payload:       []byte(`{"payment_id":1}`),
	}
}

func TestWorker_ProcessOnce_MarkSent(t *testing.T) {
	t.Parallel()

	repo := &stubOutboxRepo{pending: []domain.OutboxMessage{captured("msg-1")}}
	publisher := &stubPublisher{}

	result := NewWorker(repo, publisher, WithRetryBaseDelay(0)).ProcessOnce(context.Background())

	if result != (BatchResult{Sent: 1}) {
		t.Fatalf("unexpected result: %+v", result)
	}
	if len(repo.sentIDs) != 1 || repo.sentIDs[0] != "msg-1" {
		t.Fatalf("expected msg-1 to be marked sent, got %v", repo.sentIDs)
	}
	if len(repo.failedIDs) != 0 {
		t.Fatalf("expected no failed marks, got %v", repo.failedIDs)
	}
}

func TestWorker_ProcessOnce_DeadLettersAfterRetries(t *testing.T) {
	t.Parallel()

	repo := &stubOutboxRepo{pending: []domain.OutboxMessage{captured("msg-2")}}
	publisher := &stubPublisher{err: errors.New("broker unavailable")}
	dlq := &stubPublisher{}
	failedAt := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)

	worker := NewWorker(repo, publisher,
		WithDLQPublisher(dlq),
		WithRetryBaseDelay(0),
		WithMaxAttempts(3),
		WithClock(func() time.Time { return failedAt }),
	)
	result := worker.ProcessOnce(context.Background())

	if result != (BatchResult{Failed: 1}) {
		t.Fatalf("unexpected result: %+v", result)
	}
	if got := publisher.calls(); got != 3 {
		t.Fatalf("expected 3 publish attempts, got %d", got)
	}
	if len(repo.failedIDs) != 1 || repo.failedIDs[0] != "msg-2" {
		t.Fatalf("expected msg-2 to be marked failed, got %v", repo.failedIDs)
	}
	if len(dlq.published) != 1 {
		t.Fatalf("expected 1 DLQ publish, got %d", len(dlq.published))
	}

	var envelope dlqEnvelope
	if err := json.Unmarshal(dlq.published[0].Payload, &envelope); err != nil {
		t.Fatalf("decode dlq envelope: %v", err)
	}
	if envelope.OutboxID != "msg-2" || envelope.Attempts != 3 || !envelope.FailedAt.Equal(failedAt) {
		t.Fatalf("unexpected envelope: %+v", envelope)
	}
	if string(envelope.Payload) != `{"payment_id":1}` {
		t.Fatalf("original payload must be embedded, got %s", envelope.Payload)
	}
}

func TestWorker_ProcessOnce_SuccessAfterRetry(t *testing.T) {
	t.Parallel()

	repo := &stubOutboxRepo{pending: []domain.OutboxMessage{captured("msg-3")}}
	publisher := &stubPublisher{sequenceErrors: []error{errors.New("attempt 1"), errors.New("attempt 2"), nil}}

	NewWorker(repo, publisher, WithRetryBaseDelay(0), WithMaxAttempts(3)).ProcessOnce(context.Background())

	if got := publisher.calls(); got != 3 {
		t.Fatalf("expected 3 publish attempts, got %d", got)
	}
	if len(repo.sentIDs) != 1 || len(repo.failedIDs) != 0 {
		t.Fatalf("expected sent after retry, sent=%v failed=%v", repo.sentIDs, repo.failedIDs)
	}
}

func TestWorker_Backoff(t *testing.T) {
	t.Parallel()

	w := NewWorker(nil, nil, WithRetryBaseDelay(time.Second))
	for attempt, want := range map[int]time.Duration{1: time.Second, 2: 2 * time.Second, 3: 4 * time.Second, 4: maxRetryDelay, 70: maxRetryDelay} {
		if got := w.backoff(attempt); got != want {
			t.Fatalf("backoff(%d) = %s, want %s", attempt, got, want)
		}
	}
}

func TestWorker_PublishesFromMemoryStore(t *testing.T) {
	t.Parallel()

	store := memory.NewStore()
	ctx := context.Background()
	err := store.InTx(ctx, func(tx domain.Tx) error {
		return domain.EmitEvent(ctx, tx, domain.AggregateOrder, 7, domain.EventOrderCreated, map[string]int64{"order_id": 7})
	})
	if err != nil {
		t.Fatalf("emit: %v", err)
	}

	publisher := &stubPublisher{}
	worker := NewWorker(store.Outbox(), publisher, WithRetryBaseDelay(0))
	if result := worker.ProcessOnce(ctx); result.Sent != 1 {
		t.Fatalf("expected 1 sent, got %+v", result)
	}
	if result := worker.ProcessOnce(ctx); result.Sent != 0 {
		t.Fatalf("sent messages must not be republished, got %+v", result)
	}
	if publisher.published[0].EventType != domain.EventOrderCreated || publisher.published[0].AggregateID != "7" {
		t.Fatalf("unexpected message: %+v", publisher.published[0])
	}
}

func TestWorker_Run_StopsOnContextCancel(t *testing.T) {
	t.Parallel()

	worker := NewWorker(&stubOutboxRepo{}, &stubPublisher{}, WithPollInterval(5*time.Millisecond))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		worker.Run(ctx)
	}()

	time.Sleep(15 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("worker did not stop on context cancel")
	}
}
