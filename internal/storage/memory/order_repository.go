package memory

import (
	"context"

	"github.com/vladislavdragonenkov/commerce/internal/domain"
)

// orderRepository: in-memory реализация OrderRepository.
type orderRepository struct {
	tx *memTx
}

// Create сохраняет заказ и проставляет идентификаторы заказа и позиций.
func (r orderRepository) Create(_ context.Context, order *domain.Order) error {
	if order.IdempotencyKey != "" {
		if _, exists := r.tx.state.orderByKey[order.IdempotencyKey]; exists {
			return domain.ErrIdempotencyConflict.Withf("order key %s", order.IdempotencyKey)
		}
	}

	order.ID = r.tx.state.nextID("orders")
	for i := range order.Items {
		order.Items[i].ID = r.tx.state.nextID("order_items")
		order.Items[i].OrderID = order.ID
	}
	// Сохраняем копию, чтобы избежать непредсказуемых мутаций извне.
	r.tx.state.orders[order.ID] = order.Clone()
	if order.IdempotencyKey != "" {
		r.tx.state.orderByKey[order.IdempotencyKey] = order.ID
	}
	return nil
}

func (r orderRepository) Get(_ context.Context, id int64) (domain.Order, error) {
	order, ok := r.tx.state.orders[id]
	if !ok {
		return domain.Order{}, domain.ErrOrderNotFound.Withf("order %d", id)
	}
	return order.Clone(), nil
}

func (r orderRepository) GetForUpdate(ctx context.Context, id int64) (domain.Order, error) {
	return r.Get(ctx, id)
}

func (r orderRepository) GetByIdempotencyKey(ctx context.Context, key string) (domain.Order, bool, error) {
	id, ok := r.tx.state.orderByKey[key]
	if !ok || key == "" {
		return domain.Order{}, false, nil
	}
	order, err := r.Get(ctx, id)
	if err != nil {
		return domain.Order{}, false, err
	}
	return order, true, nil
}

func (r orderRepository) Update(_ context.Context, order domain.Order) error {
	stored, ok := r.tx.state.orders[order.ID]
	if !ok {
		return domain.ErrOrderNotFound.Withf("order %d", order.ID)
	}
	stored.Status = order.Status
	stored.UpdatedAt = order.UpdatedAt
	stored.PaidAt = order.PaidAt
	stored.ShippedAt = order.ShippedAt
	stored.DeliveredAt = order.DeliveredAt
	stored.CanceledAt = order.CanceledAt
	stored.PaymentMethod = order.PaymentMethod
	for i := range stored.Items {
		if item, found := order.Item(stored.Items[i].ID); found {
			stored.Items[i].Status = item.Status
		}
	}
	r.tx.state.orders[order.ID] = stored
	return nil
}

func (r orderRepository) AppendEvent(_ context.Context, event domain.OrderEvent) (domain.OrderEvent, error) {
	event.ID = r.tx.state.nextID("order_events")
	if event.CreatedAt.IsZero() {
		event.CreatedAt = r.tx.now()
	}
	r.tx.state.orderEvents = append(r.tx.state.orderEvents, event)
	return event, nil
}

func (r orderRepository) ListEvents(_ context.Context, orderID int64) ([]domain.OrderEvent, error) {
	result := make([]domain.OrderEvent, 0)
	for _, event := range r.tx.state.orderEvents {
		if event.OrderID == orderID {
			result = append(result, event)
		}
	}
	return result, nil
}

var _ domain.OrderRepository = orderRepository{}
