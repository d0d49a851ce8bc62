package memory

import (
	"context"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/vladislavdragonenkov/commerce/internal/domain"
)

const (
	outboxStatusPending = "pending"
	outboxStatusSent    = "sent"
	outboxStatusFailed  = "failed"
)

// outboxRecord хранит сообщение и служебные поля для in-memory реализации.
type outboxRecord struct {
	msg        domain.OutboxMessage
	status     string
	attemptCnt int
	createdAt  time.Time
	updatedAt  time.Time
}

// outboxWriter пишет событие в outbox в рамках транзакции.
type outboxWriter struct {
	tx *memTx
}

// Enqueue сохраняет событие со статусом `pending` и возвращает его идентификатор.
func (w outboxWriter) Enqueue(_ context.Context, msg domain.OutboxMessage) (domain.OutboxMessage, error) {
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	now := w.tx.now()
	w.tx.state.outbox = append(w.tx.state.outbox, outboxRecord{
		msg:       msg,
		status:    outboxStatusPending,
		createdAt: now,
		updatedAt: now,
	})
	return msg, nil
}

// outboxRepository: сторона публикатора; работает вне бизнес-транзакций.
type outboxRepository struct {
	store *Store
}

// PullPending возвращает до limit сообщений со статусом `pending` в порядке записи.
func (r *outboxRepository) PullPending(ctx context.Context, limit int) ([]domain.OutboxMessage, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 100
	}

	r.store.mu.Lock()
	defer r.store.mu.Unlock()

	result := make([]domain.OutboxMessage, 0, limit)
	for _, rec := range r.store.state.outbox {
		if rec.status != outboxStatusPending {
			continue
		}
		result = append(result, rec.msg)
		if len(result) >= limit {
			break
		}
	}
	return result, nil
}

// Stats возвращает размер backlog и возраст самого старого pending сообщения.
func (r *outboxRepository) Stats(context.Context) (domain.OutboxStats, error) {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()

	var stats domain.OutboxStats
	for _, rec := range r.store.state.outbox {
		if rec.status != outboxStatusPending {
			continue
		}
		stats.PendingCount++
		if stats.OldestPendingAt.IsZero() || rec.createdAt.Before(stats.OldestPendingAt) {
			stats.OldestPendingAt = rec.createdAt
		}
	}
	return stats, nil
}

// MarkSent обновляет статус события после успешной публикации.
func (r *outboxRepository) MarkSent(_ context.Context, id string) error {
	return r.mark(id, outboxStatusSent)
}

// MarkFailed фиксирует ошибку публикации.
func (r *outboxRepository) MarkFailed(_ context.Context, id string) error {
	return r.mark(id, outboxStatusFailed)
}

func (r *outboxRepository) mark(id, status string) error {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()

	for i := range r.store.state.outbox {
		rec := &r.store.state.outbox[i]
		if rec.msg.ID != id {
			continue
		}
		rec.status = status
		rec.attemptCnt++
		rec.updatedAt = r.store.now()
		return nil
	}
	return domain.ErrOutboxPublish.Withf("outbox message %s not found", id)
}

// DeleteSentBefore удаляет самые старые опубликованные сообщения.
func (r *outboxRepository) DeleteSentBefore(_ context.Context, before time.Time, limit int) (int, error) {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()

	candidates := make([]int, 0)
	for i, rec := range r.store.state.outbox {
		if rec.status == outboxStatusSent && rec.updatedAt.Before(before) {
			candidates = append(candidates, i)
		}
	}
	sort.Slice(candidates, func(a, b int) bool {
		return r.store.state.outbox[candidates[a]].updatedAt.Before(r.store.state.outbox[candidates[b]].updatedAt)
	})
	if limit > 0 && len(candidates) > limit {
		candidates = candidates[:limit]
	}
	if len(candidates) == 0 {
		return 0, nil
	}

	drop := make(map[int]struct{}, len(candidates))
	for _, idx := range candidates {
		drop[idx] = struct{}{}
	}
	kept := make([]outboxRecord, 0, len(r.store.state.outbox)-len(drop))
	for i, rec := range r.store.state.outbox {
		if _, ok := drop[i]; !ok {
			kept = append(kept, rec)
		}
	}
	r.store.state.outbox = kept
	return len(drop), nil
}

// AllPending возвращает копию всех сообщений со статусом `pending` (используется в тестах).
func (s *Store) AllPending() []domain.OutboxMessage {
	s.mu.Lock()
	defer s.mu.Unlock()

	result := make([]domain.OutboxMessage, 0)
	for _, rec := range s.state.outbox {
		if rec.status == outboxStatusPending {
			result = append(result, rec.msg)
		}
	}
	return result
}

var (
	_ domain.OutboxWriter     = outboxWriter{}
	_ domain.OutboxRepository = (*outboxRepository)(nil)
)
