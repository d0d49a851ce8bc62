package domain

import (
	"strings"
	"time"
)

// RefundStatus: состояние возврата.
type RefundStatus string

const (
	RefundRequested  RefundStatus = "REQUESTED"
	RefundApproved   RefundStatus = "APPROVED"
	RefundProcessing RefundStatus = "PROCESSING"
	RefundRefunded   RefundStatus = "REFUNDED"
	RefundFailed     RefundStatus = "FAILED"
)

// Counts сообщает, учитывается ли возврат при расчёте остатка к возврату.
func (s RefundStatus) Counts() bool {
	return s != RefundFailed
}

// Политики распределения стоимости доставки.
const (
	PolicyPreShipmentFullRefund = "PRE_SHIPMENT_FULL_REFUND"
	PolicyCustomerRemorseReturn = "CUSTOMER_REMORSE_RETURN"
	PolicyItemOnly              = "ITEM_ONLY"
)

// Коды причин, которые считаются "передумал" со стороны покупателя.
var changeOfMindReasons = map[string]struct{}{
	"CHANGE_OF_MIND":   {},
	"CUSTOMER_REMORSE": {},
	"SIMPLE_CHANGE":    {},
}

// IsChangeOfMind проверяет, что причина: инициатива покупателя.
func IsChangeOfMind(reason string) bool {
	_, ok := changeOfMindReasons[strings.ToUpper(strings.TrimSpace(reason))]
	return ok
}

// Refund: заявка на возврат по заказу.
type Refund struct {
	ID                   int64
	OrderID              int64
	PaymentID            int64
	Status               RefundStatus
	ReasonCode           string
	ItemAmount           int64
	ShippingRefundAmount int64
	ReturnFeeAmount      int64
	Amount               int64
	IdempotencyKey       string
	PolicyCode           string
	ProviderRefundID     string
	FailureReason        string
	Items                []RefundItem
	CreatedAt            time.Time
	UpdatedAt            time.Time
	ApprovedAt           *time.Time
	RefundedAt           *time.Time
}

// Clone возвращает копию возврата с независимым срезом позиций.
func (r Refund) Clone() Refund {
	cp := r
	cp.Items = append([]RefundItem(nil), r.Items...)
	return cp
}

// RefundItem: позиция возврата.
type RefundItem struct {
	ID          int64
	RefundID    int64
	OrderItemID int64
	SKUID       int64
	SellerID    int64
	Qty         int64
	Amount      int64
}

// RefundItemRequest: запрошенное количество по позиции заказа.
type RefundItemRequest struct {
	OrderItemID int64
	Qty         int64
}

// RefundHistory: сводка по уже заведённым возвратам заказа.
type RefundHistory struct {
	// QtyByItem: Σ qty по активным возвратам (всё, кроме FAILED).
	QtyByItem map[int64]int64
	// ShippingRefunded: уже возвращённая стоимость доставки.
	ShippingRefunded int64
	// ReturnFeeCharged: уже удержанный сбор за возврат.
	ReturnFeeCharged int64
}

// RefundQuote: рассчитанные суммы возврата.
type RefundQuote struct {
	Items                []RefundItem
	ItemAmount           int64
	ShippingRefundAmount int64
	ReturnFeeAmount      int64
	Amount               int64
	PolicyCode           string
}

// QuoteRefund рассчитывает позиции и суммы возврата.
// Пустой requested означает "весь остаток по каждой позиции".
func QuoteRefund(order Order, requested []RefundItemRequest, reasonCode string, history RefundHistory) (RefundQuote, error) {
	remaining := make(map[int64]int64, len(order.Items))
	for _, item := range order.Items {
		remaining[item.ID] = item.Qty - history.QtyByItem[item.ID]
	}

	var quote RefundQuote
	if len(requested) == 0 {
		for _, item := range order.Items {
			if qty := remaining[item.ID]; qty > 0 {
				quote.Items = append(quote.Items, refundItemFor(item, qty))
			}
		}
	} else {
		seen := make(map[int64]int64, len(requested))
		for _, req := range requested {
			if req.Qty <= 0 {
				return RefundQuote{}, ErrInvalidQty.Withf("order item %d: qty %d", req.OrderItemID, req.Qty)
			}
			seen[req.OrderItemID] += req.Qty
		}
		for _, item := range order.Items {
			qty, ok := seen[item.ID]
			if !ok {
				continue
			}
			delete(seen, item.ID)
			if qty > remaining[item.ID] {
				return RefundQuote{}, ErrRefundExceeds.Withf("order item %d: requested %d, remaining %d", item.ID, qty, remaining[item.ID])
			}
			quote.Items = append(quote.Items, refundItemFor(item, qty))
		}
		for id := range seen {
			return RefundQuote{}, ErrOrderItemNotFound.Withf("order item %d is not part of order %d", id, order.ID)
		}
	}
	if len(quote.Items) == 0 {
		return RefundQuote{}, ErrEmptyRefund
	}

	coversAll := true
	for _, item := range quote.Items {
		quote.ItemAmount += item.Amount
		remaining[item.OrderItemID] -= item.Qty
	}
	for _, qty := range remaining {
		if qty > 0 {
			coversAll = false
			break
		}
	}

	switch {
	case !order.EverShipped() && coversAll:
		quote.PolicyCode = PolicyPreShipmentFullRefund
		quote.ShippingRefundAmount = nonNegative(order.ShippingFee - history.ShippingRefunded)
	case order.DeliveredAt != nil && IsChangeOfMind(reasonCode):
		quote.PolicyCode = PolicyCustomerRemorseReturn
		// Сбор удерживается один раз на заказ и не превышает стоимость возвращаемых позиций.
		fee := nonNegative(order.ShippingFee - history.ReturnFeeCharged)
		if fee > quote.ItemAmount {
			fee = quote.ItemAmount
		}
		quote.ReturnFeeAmount = fee
	default:
		quote.PolicyCode = PolicyItemOnly
	}

	quote.Amount = quote.ItemAmount + quote.ShippingRefundAmount - quote.ReturnFeeAmount
	return quote, nil
}

func refundItemFor(item OrderItem, qty int64) RefundItem {
	return RefundItem{
		OrderItemID: item.ID,
		SKUID:       item.SKUID,
		SellerID:    item.SellerID,
		Qty:         qty,
		Amount:      item.UnitPrice * qty,
	}
}

func nonNegative(v int64) int64 {
	if v < 0 {
		return 0
	}
	return v
}
