package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/vladislavdragonenkov/commerce/internal/domain"
)

type refundRepository struct {
	q queryer
}

const refundColumns = `
	id, order_id, payment_id, status, reason_code, policy, item_amount, shipping_refund, return_fee,
	refund_amount, COALESCE(idempotency_key, ''), provider_refund_id, failure_reason,
	created_at, updated_at, approved_at, refunded_at`

func (r refundRepository) Create(ctx context.Context, refund *domain.Refund) error {
	err := r.q.QueryRowContext(ctx, `
		INSERT INTO refunds (
			order_id, payment_id, status, reason_code, policy, item_amount, shipping_refund, return_fee,
			refund_amount, idempotency_key, provider_refund_id, failure_reason, created_at, updated_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14)
		RETURNING id
	`,
		refund.OrderID, refund.PaymentID, string(refund.Status), refund.ReasonCode, refund.PolicyCode,
		refund.ItemAmount, refund.ShippingRefundAmount, refund.ReturnFeeAmount, refund.Amount,
		nullString(refund.IdempotencyKey), refund.ProviderRefundID, refund.FailureReason,
		refund.CreatedAt, refund.UpdatedAt,
	).Scan(&refund.ID)
	if err != nil {
		if isUniqueViolation(err) {
			return domain.ErrIdempotencyConflict.Withf("refund key %s", refund.IdempotencyKey)
		}
		return fmt.Errorf("insert refund: %w", err)
	}

	for i := range refund.Items {
		item := &refund.Items[i]
		item.RefundID = refund.ID
		if err := r.q.QueryRowContext(ctx, `
			INSERT INTO refund_items (refund_id, order_item_id, sku_id, seller_id, qty, amount)
			VALUES ($1,$2,$3,$4,$5,$6)
			RETURNING id
		`, item.RefundID, item.OrderItemID, item.SKUID, item.SellerID, item.Qty, item.Amount).Scan(&item.ID); err != nil {
			return fmt.Errorf("insert refund item: %w", err)
		}
	}
	return nil
}

func (r refundRepository) Get(ctx context.Context, id int64) (domain.Refund, error) {
	return r.get(ctx, `SELECT `+refundColumns+` FROM refunds WHERE id = $1`, id)
}

func (r refundRepository) GetForUpdate(ctx context.Context, id int64) (domain.Refund, error) {
	return r.get(ctx, `SELECT `+refundColumns+` FROM refunds WHERE id = $1 FOR UPDATE`, id)
}

func (r refundRepository) GetByIdempotencyKey(ctx context.Context, key string) (domain.Refund, bool, error) {
	if key == "" {
		return domain.Refund{}, false, nil
	}
	refund, err := r.get(ctx, `SELECT `+refundColumns+` FROM refunds WHERE idempotency_key = $1`, key)
	if err != nil {
		if errors.Is(err, domain.ErrRefundNotFound) {
			return domain.Refund{}, false, nil
		}
		return domain.Refund{}, false, err
	}
	return refund, true, nil
}

func scanRefund(row interface{ Scan(...any) error }) (domain.Refund, error) {
	var (
		refund domain.Refund
		status string
	)
	err := row.Scan(
		&refund.ID, &refund.OrderID, &refund.PaymentID, &status, &refund.ReasonCode, &refund.PolicyCode,
		&refund.ItemAmount, &refund.ShippingRefundAmount, &refund.ReturnFeeAmount, &refund.Amount,
		&refund.IdempotencyKey, &refund.ProviderRefundID, &refund.FailureReason,
		&refund.CreatedAt, &refund.UpdatedAt, &refund.ApprovedAt, &refund.RefundedAt,
	)
	refund.Status = domain.RefundStatus(status)
	return refund, err
}

func (r refundRepository) get(ctx context.Context, query string, arg any) (domain.Refund, error) {
	refund, err := scanRefund(r.q.QueryRowContext(ctx, query, arg))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.Refund{}, domain.ErrRefundNotFound.Withf("refund %v", arg)
		}
		return domain.Refund{}, fmt.Errorf("select refund: %w", err)
	}
	items, err := r.loadItems(ctx, refund.ID)
	if err != nil {
		return domain.Refund{}, err
	}
	refund.Items = items
	return refund, nil
}

func (r refundRepository) loadItems(ctx context.Context, refundID int64) ([]domain.RefundItem, error) {
	rows, err := r.q.QueryContext(ctx, `
		SELECT id, refund_id, order_item_id, sku_id, seller_id, qty, amount
		FROM refund_items
		WHERE refund_id = $1
		ORDER BY id
	`, refundID)
	if err != nil {
		return nil, fmt.Errorf("select refund items: %w", err)
	}
	defer rows.Close()

	items := make([]domain.RefundItem, 0)
	for rows.Next() {
		var item domain.RefundItem
		if err := rows.Scan(&item.ID, &item.RefundID, &item.OrderItemID, &item.SKUID, &item.SellerID, &item.Qty, &item.Amount); err != nil {
			return nil, fmt.Errorf("scan refund item: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate refund items: %w", err)
	}
	return items, nil
}

func (r refundRepository) ListByOrder(ctx context.Context, orderID int64) ([]domain.Refund, error) {
	rows, err := r.q.QueryContext(ctx, `SELECT `+refundColumns+` FROM refunds WHERE order_id = $1 ORDER BY id`, orderID)
	if err != nil {
		return nil, fmt.Errorf("list refunds: %w", err)
	}

	refunds := make([]domain.Refund, 0)
	for rows.Next() {
		refund, err := scanRefund(rows)
		if err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan refund: %w", err)
		}
		refunds = append(refunds, refund)
	}
	err = rows.Err()
	rows.Close()
	if err != nil {
		return nil, fmt.Errorf("iterate refunds: %w", err)
	}

	// Позиции читаем после закрытия курсора: в транзакции нельзя держать два открытых результата.
	for i := range refunds {
		items, err := r.loadItems(ctx, refunds[i].ID)
		if err != nil {
			return nil, err
		}
		refunds[i].Items = items
	}
	return refunds, nil
}

func (r refundRepository) Update(ctx context.Context, refund domain.Refund) error {
	res, err := r.q.ExecContext(ctx, `
		UPDATE refunds
		SET status = $2,
		    provider_refund_id = $3,
		    failure_reason = $4,
		    updated_at = $5,
		    approved_at = $6,
		    refunded_at = $7
		WHERE id = $1
	`,
		refund.ID, string(refund.Status), refund.ProviderRefundID, refund.FailureReason,
		refund.UpdatedAt, refund.ApprovedAt, refund.RefundedAt,
	)
	if err != nil {
		return fmt.Errorf("update refund: %w", err)
	}
	return expectAffected(res, domain.ErrRefundNotFound.Withf("refund %d", refund.ID))
}

var _ domain.RefundRepository = refundRepository{}
