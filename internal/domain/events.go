package domain

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
)

// Типы агрегатов для outbox.
const (
	AggregateOrder      = "order"
	AggregatePayment    = "payment"
	AggregateRefund     = "refund"
	AggregateSettlement = "settlement_cycle"
)

// Типы доменных событий, публикуемых через outbox.
const (
	EventOrderCreated       = "OrderCreated"
	EventOrderStatusChanged = "OrderStatusChanged"
	EventPaymentCaptured    = "PaymentCaptured"
	EventPaymentFailed      = "PaymentFailed"
	EventRefundRequested    = "RefundRequested"
	EventRefundCompleted    = "RefundCompleted"
	EventRefundFailed       = "RefundFailed"
	EventCycleGenerated     = "SettlementCycleGenerated"
	EventPayoutResolved     = "PayoutResolved"
)

// NewOutboxMessage сериализует payload в сообщение для outbox.
func NewOutboxMessage(aggregateType string, aggregateID int64, eventType string, payload any) (OutboxMessage, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return OutboxMessage{}, fmt.Errorf("marshal %s payload: %w", eventType, err)
	}
	return OutboxMessage{
		AggregateType: aggregateType,
		AggregateID:   strconv.FormatInt(aggregateID, 10),
		EventType:     eventType,
		Payload:       raw,
	}, nil
}

// EmitEvent пишет событие в outbox текущей транзакции.
func EmitEvent(ctx context.Context, tx Tx, aggregateType string, aggregateID int64, eventType string, payload any) error {
	msg, err := NewOutboxMessage(aggregateType, aggregateID, eventType, payload)
	if err != nil {
		return err
	}
	if _, err := tx.Outbox().Enqueue(ctx, msg); err != nil {
		return fmt.Errorf("enqueue %s: %w", eventType, err)
	}
	return nil
}
