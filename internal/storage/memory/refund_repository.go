package memory

import (
	"context"
	"sort"

	"github.com/vladislavdragonenkov/commerce/internal/domain"
)

type refundRepository struct {
	tx *memTx
}

func (r refundRepository) Create(_ context.Context, refund *domain.Refund) error {
	if refund.IdempotencyKey != "" {
		if _, exists := r.tx.state.refundByKey[refund.IdempotencyKey]; exists {
			return domain.ErrIdempotencyConflict.Withf("refund key %s", refund.IdempotencyKey)
		}
	}
	refund.ID = r.tx.state.nextID("refunds")
	for i := range refund.Items {
		refund.Items[i].ID = r.tx.state.nextID("refund_items")
		refund.Items[i].RefundID = refund.ID
	}
	r.tx.state.refunds[refund.ID] = refund.Clone()
	if refund.IdempotencyKey != "" {
		r.tx.state.refundByKey[refund.IdempotencyKey] = refund.ID
	}
	return nil
}

func (r refundRepository) Get(_ context.Context, id int64) (domain.Refund, error) {
	refund, ok := r.tx.state.refunds[id]
	if !ok {
		return domain.Refund{}, domain.ErrRefundNotFound.Withf("refund %d", id)
	}
	return refund.Clone(), nil
}

func (r refundRepository) GetForUpdate(ctx context.Context, id int64) (domain.Refund, error) {
	return r.Get(ctx, id)
}

func (r refundRepository) GetByIdempotencyKey(ctx context.Context, key string) (domain.Refund, bool, error) {
	id, ok := r.tx.state.refundByKey[key]
	if !ok || key == "" {
		return domain.Refund{}, false, nil
	}
	refund, err := r.Get(ctx, id)
	return refund, err == nil, err
}

func (r refundRepository) ListByOrder(_ context.Context, orderID int64) ([]domain.Refund, error) {
	result := make([]domain.Refund, 0)
	for _, refund := range r.tx.state.refunds {
		if refund.OrderID == orderID {
			result = append(result, refund.Clone())
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	return result, nil
}

// Update сохраняет статус и суммы; позиции возврата неизменны.
func (r refundRepository) Update(_ context.Context, refund domain.Refund) error {
	stored, ok := r.tx.state.refunds[refund.ID]
	if !ok {
		return domain.ErrRefundNotFound.Withf("refund %d", refund.ID)
	}
	items := stored.Items
	stored = refund.Clone()
	stored.Items = items
	r.tx.state.refunds[refund.ID] = stored
	return nil
}

var _ domain.RefundRepository = refundRepository{}
