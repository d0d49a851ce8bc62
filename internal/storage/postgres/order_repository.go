package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/vladislavdragonenkov/commerce/internal/domain"
)

type orderRepository struct {
	q queryer
}

const orderColumns = `
	id, order_no, user_id, cart_id, status, total_amount, currency, shipping_fee, shipping_mode,
	discount_amount, payment_method, COALESCE(idempotency_key, ''), shipping_snapshot,
	created_at, updated_at, paid_at, shipped_at, delivered_at, canceled_at`

func (r orderRepository) Create(ctx context.Context, order *domain.Order) error {
	err := r.q.QueryRowContext(ctx, `
		INSERT INTO orders (
			order_no, user_id, cart_id, status, total_amount, currency, shipping_fee, shipping_mode,
			discount_amount, payment_method, idempotency_key, shipping_snapshot, created_at, updated_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14)
		RETURNING id
	`,
		order.OrderNo, order.UserID, order.CartID, string(order.Status), order.TotalAmount,
		order.Currency, order.ShippingFee, order.ShippingMode, order.DiscountAmount,
		order.PaymentMethod, nullString(order.IdempotencyKey), nullJSON(order.ShippingSnapshot),
		order.CreatedAt, order.UpdatedAt,
	).Scan(&order.ID)
	if err != nil {
		if isUniqueViolation(err) {
			return domain.ErrIdempotencyConflict.Withf("order key %s", order.IdempotencyKey)
		}
		return fmt.Errorf("insert order: %w", err)
	}

	for i := range order.Items {
		item := &order.Items[i]
		item.OrderID = order.ID
		if err := r.q.QueryRowContext(ctx, `
			INSERT INTO order_items (
				order_id, sku_id, seller_id, offer_id, qty, unit_price, item_amount, status, price_snapshot
			) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
			RETURNING id
		`,
			item.OrderID, item.SKUID, item.SellerID, item.OfferID, item.Qty,
			item.UnitPrice, item.ItemAmount, string(item.Status), nullJSON(item.PriceSnapshot),
		).Scan(&item.ID); err != nil {
			return fmt.Errorf("insert order item: %w", err)
		}
	}
	return nil
}

func (r orderRepository) Get(ctx context.Context, id int64) (domain.Order, error) {
	return r.get(ctx, `SELECT `+orderColumns+` FROM orders WHERE id = $1`, id)
}

func (r orderRepository) GetForUpdate(ctx context.Context, id int64) (domain.Order, error) {
	return r.get(ctx, `SELECT `+orderColumns+` FROM orders WHERE id = $1 FOR UPDATE`, id)
}

func (r orderRepository) GetByIdempotencyKey(ctx context.Context, key string) (domain.Order, bool, error) {
	if key == "" {
		return domain.Order{}, false, nil
	}
	order, err := r.get(ctx, `SELECT `+orderColumns+` FROM orders WHERE idempotency_key = $1`, key)
	if err != nil {
		if errors.Is(err, domain.ErrOrderNotFound) {
			return domain.Order{}, false, nil
		}
		return domain.Order{}, false, err
	}
	return order, true, nil
}

func (r orderRepository) get(ctx context.Context, query string, arg any) (domain.Order, error) {
	var (
		order    domain.Order
		status   string
		snapshot []byte
	)
	err := r.q.QueryRowContext(ctx, query, arg).Scan(
		&order.ID, &order.OrderNo, &order.UserID, &order.CartID, &status, &order.TotalAmount,
		&order.Currency, &order.ShippingFee, &order.ShippingMode, &order.DiscountAmount,
		&order.PaymentMethod, &order.IdempotencyKey, &snapshot,
		&order.CreatedAt, &order.UpdatedAt, &order.PaidAt, &order.ShippedAt, &order.DeliveredAt, &order.CanceledAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.Order{}, domain.ErrOrderNotFound.Withf("order %v", arg)
		}
		return domain.Order{}, fmt.Errorf("select order: %w", err)
	}
	order.Status = domain.OrderStatus(status)
	order.ShippingSnapshot = rawJSON(snapshot)

	items, err := r.loadItems(ctx, order.ID)
	if err != nil {
		return domain.Order{}, err
	}
	order.Items = items
	return order, nil
}

func (r orderRepository) loadItems(ctx context.Context, orderID int64) ([]domain.OrderItem, error) {
	rows, err := r.q.QueryContext(ctx, `
		SELECT id, order_id, sku_id, seller_id, offer_id, qty, unit_price, item_amount, status, price_snapshot
		FROM order_items
		WHERE order_id = $1
		ORDER BY id
	`, orderID)
	if err != nil {
		return nil, fmt.Errorf("select order items: %w", err)
	}
	defer rows.Close()

	items := make([]domain.OrderItem, 0)
	for rows.Next() {
		var (
			item     domain.OrderItem
			status   string
			snapshot []byte
		)
		if err := rows.Scan(
			&item.ID, &item.OrderID, &item.SKUID, &item.SellerID, &item.OfferID,
			&item.Qty, &item.UnitPrice, &item.ItemAmount, &status, &snapshot,
		); err != nil {
			return nil, fmt.Errorf("scan order item: %w", err)
		}
		item.Status = domain.OrderStatus(status)
		item.PriceSnapshot = rawJSON(snapshot)
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate order items: %w", err)
	}
	return items, nil
}

func (r orderRepository) Update(ctx context.Context, order domain.Order) error {
	res, err := r.q.ExecContext(ctx, `
		UPDATE orders
		SET status = $2,
		    payment_method = $3,
		    updated_at = $4,
		    paid_at = $5,
		    shipped_at = $6,
		    delivered_at = $7,
		    canceled_at = $8
		WHERE id = $1
	`,
		order.ID, string(order.Status), order.PaymentMethod, order.UpdatedAt,
		order.PaidAt, order.ShippedAt, order.DeliveredAt, order.CanceledAt,
	)
	if err != nil {
		return fmt.Errorf("update order: %w", err)
	}
	if err := expectAffected(res, domain.ErrOrderNotFound.Withf("order %d", order.ID)); err != nil {
		return err
	}

	for _, item := range order.Items {
		if _, err := r.q.ExecContext(ctx, `
			UPDATE order_items SET status = $3 WHERE id = $1 AND order_id = $2
		`, item.ID, order.ID, string(item.Status)); err != nil {
			return fmt.Errorf("update order item status: %w", err)
		}
	}
	return nil
}

func (r orderRepository) AppendEvent(ctx context.Context, event domain.OrderEvent) (domain.OrderEvent, error) {
	if err := r.q.QueryRowContext(ctx, `
		INSERT INTO order_events (order_id, event_type, from_status, to_status, reason_code, payload, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7)
		RETURNING id
	`,
		event.OrderID, event.EventType, string(event.FromStatus), string(event.ToStatus),
		event.ReasonCode, nullJSON(event.Payload), event.CreatedAt,
	).Scan(&event.ID); err != nil {
		return domain.OrderEvent{}, fmt.Errorf("insert order event: %w", err)
	}
	return event, nil
}

func (r orderRepository) ListEvents(ctx context.Context, orderID int64) ([]domain.OrderEvent, error) {
	rows, err := r.q.QueryContext(ctx, `
		SELECT id, order_id, event_type, from_status, to_status, reason_code, payload, created_at
		FROM order_events
		WHERE order_id = $1
		ORDER BY id
	`, orderID)
	if err != nil {
		return nil, fmt.Errorf("list order events: %w", err)
	}
	defer rows.Close()

	events := make([]domain.OrderEvent, 0)
	for rows.Next() {
		var (
			event    domain.OrderEvent
			from, to string
			payload  []byte
		)
		if err := rows.Scan(
			&event.ID, &event.OrderID, &event.EventType, &from, &to, &event.ReasonCode, &payload, &event.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan order event: %w", err)
		}
		event.FromStatus = domain.OrderStatus(from)
		event.ToStatus = domain.OrderStatus(to)
		event.Payload = rawJSON(payload)
		events = append(events, event)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate order events: %w", err)
	}
	return events, nil
}

var _ domain.OrderRepository = orderRepository{}
