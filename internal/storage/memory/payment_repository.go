package memory

import (
	"context"
	"sort"
	"time"

	"github.com/vladislavdragonenkov/commerce/internal/domain"
)

type paymentRepository struct {
	tx *memTx
}

func (r paymentRepository) Create(_ context.Context, payment *domain.Payment) error {
	if payment.IdempotencyKey != "" {
		if _, exists := r.tx.state.paymentByKey[payment.IdempotencyKey]; exists {
			return domain.ErrIdempotencyConflict.Withf("payment key %s", payment.IdempotencyKey)
		}
	}
	payment.ID = r.tx.state.nextID("payments")
	r.tx.state.payments[payment.ID] = *payment
	if payment.IdempotencyKey != "" {
		r.tx.state.paymentByKey[payment.IdempotencyKey] = payment.ID
	}
	return nil
}

func (r paymentRepository) Get(_ context.Context, id int64) (domain.Payment, error) {
	payment, ok := r.tx.state.payments[id]
	if !ok {
		return domain.Payment{}, domain.ErrPaymentNotFound.Withf("payment %d", id)
	}
	return payment, nil
}

func (r paymentRepository) GetForUpdate(ctx context.Context, id int64) (domain.Payment, error) {
	return r.Get(ctx, id)
}

func (r paymentRepository) GetByIdempotencyKey(_ context.Context, key string) (domain.Payment, bool, error) {
	id, ok := r.tx.state.paymentByKey[key]
	if !ok || key == "" {
		return domain.Payment{}, false, nil
	}
	return r.tx.state.payments[id], true, nil
}

func (r paymentRepository) ListByOrder(_ context.Context, orderID int64) ([]domain.Payment, error) {
	result := make([]domain.Payment, 0)
	for _, payment := range r.tx.state.payments {
		if payment.OrderID == orderID {
			result = append(result, payment)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	return result, nil
}

func (r paymentRepository) Update(_ context.Context, payment domain.Payment) error {
	if _, ok := r.tx.state.payments[payment.ID]; !ok {
		return domain.ErrPaymentNotFound.Withf("payment %d", payment.ID)
	}
	r.tx.state.payments[payment.ID] = payment
	return nil
}

// webhookRepository: журнал событий провайдера; уникальность по (provider, event_id).
type webhookRepository struct {
	tx *memTx
}

func (r webhookRepository) Insert(_ context.Context, event *domain.WebhookEvent) (bool, error) {
	key := webhookKey{provider: event.Provider, eventID: event.EventID}
	now := r.tx.now()
	if event.CreatedAt.IsZero() {
		event.CreatedAt = now
	}
	event.UpdatedAt = event.CreatedAt
	if id, exists := r.tx.state.webhookByID[key]; exists {
		if r.tx.state.webhooks[id].SignatureValid || !event.SignatureValid {
			return false, nil
		}
		event.ID = id
		r.tx.state.webhooks[id] = *event
		return true, nil
	}
	event.ID = r.tx.state.nextID("webhook_events")
	r.tx.state.webhooks[event.ID] = *event
	r.tx.state.webhookByID[key] = event.ID
	return true, nil
}

func (r webhookRepository) Get(_ context.Context, id int64) (domain.WebhookEvent, error) {
	event, ok := r.tx.state.webhooks[id]
	if !ok {
		return domain.WebhookEvent{}, domain.ErrWebhookEventNotFound.Withf("event %d", id)
	}
	return event, nil
}

func (r webhookRepository) GetForUpdate(ctx context.Context, id int64) (domain.WebhookEvent, error) {
	return r.Get(ctx, id)
}

func (r webhookRepository) GetByEventID(_ context.Context, provider, eventID string) (domain.WebhookEvent, bool, error) {
	id, ok := r.tx.state.webhookByID[webhookKey{provider: provider, eventID: eventID}]
	if !ok {
		return domain.WebhookEvent{}, false, nil
	}
	return r.tx.state.webhooks[id], true, nil
}

func (r webhookRepository) Update(_ context.Context, event domain.WebhookEvent) error {
	if _, ok := r.tx.state.webhooks[event.ID]; !ok {
		return domain.ErrWebhookEventNotFound.Withf("event %d", event.ID)
	}
	r.tx.state.webhooks[event.ID] = event
	return nil
}

func (r webhookRepository) ListRetryable(_ context.Context, now time.Time, maxAttempts, limit int) ([]domain.WebhookEvent, error) {
	result := make([]domain.WebhookEvent, 0)
	for _, event := range r.tx.state.webhooks {
		if !event.ProcessStatus.Retryable() || event.RetryCount >= maxAttempts {
			continue
		}
		if event.NextRetryAt != nil && event.NextRetryAt.After(now) {
			continue
		}
		result = append(result, event)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

var (
	_ domain.PaymentRepository      = paymentRepository{}
	_ domain.WebhookEventRepository = webhookRepository{}
)
