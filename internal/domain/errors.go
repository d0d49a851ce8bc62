package domain

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrorKind: класс ошибки, по которому вызывающая сторона выбирает реакцию.
type ErrorKind string

const (
	KindBadRequest   ErrorKind = "BAD_REQUEST"
	KindNotFound     ErrorKind = "NOT_FOUND"
	KindConflict     ErrorKind = "CONFLICT"
	KindUnauthorized ErrorKind = "UNAUTHORIZED"
	KindInternal     ErrorKind = "INTERNAL"
)

// HTTPStatus возвращает HTTP-код для класса ошибки.
func (k ErrorKind) HTTPStatus() int {
	switch k {
	case KindBadRequest:
		return http.StatusBadRequest
	case KindNotFound:
		return http.StatusNotFound
	case KindConflict:
		return http.StatusConflict
	case KindUnauthorized:
		return http.StatusUnauthorized
	default:
		return http.StatusInternalServerError
	}
}

// Error: типизированная доменная ошибка: класс + машинно-читаемая причина.
type Error struct {
	Kind    ErrorKind
	Reason  string
	Message string
	cause   error
}

// NewError создаёт доменную ошибку.
func NewError(kind ErrorKind, reason, message string) *Error {
	return &Error{Kind: kind, Reason: reason, Message: message}
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	msg := string(e.Kind) + "(" + e.Reason + ")"
	if e.Message != "" {
		msg += ": " + e.Message
	}
	if e.cause != nil {
		msg += ": " + e.cause.Error()
	}
	return msg
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.cause
}

// Is сравнивает ошибки по классу и причине, поэтому errors.Is(err, ErrInsufficientStock)
// срабатывает и для копий с уточнённым сообщением.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) || t == nil || e == nil {
		return false
	}
	return e.Kind == t.Kind && e.Reason == t.Reason
}

// Withf возвращает копию ошибки с уточнённым сообщением.
func (e *Error) Withf(format string, args ...any) *Error {
	cp := *e
	cp.Message = fmt.Sprintf(format, args...)
	return &cp
}

// Wrap возвращает копию ошибки с причиной.
func (e *Error) Wrap(cause error) *Error {
	cp := *e
	cp.cause = cause
	return &cp
}

// Internal заворачивает инфраструктурную ошибку в INTERNAL.
func Internal(op string, cause error) *Error {
	return &Error{Kind: KindInternal, Reason: "internal", Message: op, cause: cause}
}

// KindOf возвращает класс ошибки; всё нетипизированное считается INTERNAL.
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// ReasonOf возвращает код причины; для нетипизированных ошибок: "internal".
func ReasonOf(err error) string {
	var e *Error
	if errors.As(err, &e) && e.Reason != "" {
		return e.Reason
	}
	return "internal"
}

var (
	// Ошибки валидации входных данных.
	ErrInvalidQty           = NewError(KindBadRequest, "invalid_qty", "qty must be greater than zero")
	ErrInvalidDelta         = NewError(KindBadRequest, "invalid_delta", "adjust delta must be non-zero")
	ErrInvalidMutationType  = NewError(KindBadRequest, "invalid_mutation_type", "unknown inventory mutation type")
	ErrUserRequired         = NewError(KindBadRequest, "user_required", "user_id is required")
	ErrOrderIDRequired      = NewError(KindBadRequest, "order_id_required", "order_id is required")
	ErrItemsRequired        = NewError(KindBadRequest, "items_required", "order must contain at least one item")
	ErrCurrencyRequired     = NewError(KindBadRequest, "currency_required", "currency is required")
	ErrSKURequired          = NewError(KindBadRequest, "sku_required", "sku_id is required")
	ErrSellerRequired       = NewError(KindBadRequest, "seller_required", "seller_id is required")
	ErrPriceInvalid         = NewError(KindBadRequest, "invalid_price", "price must be non-negative")
	ErrEmptyRefund          = NewError(KindBadRequest, "empty_refund", "refund must contain at least one item")
	ErrInvalidPeriod        = NewError(KindBadRequest, "invalid_period", "end date is before start date")
	ErrEventIDRequired      = NewError(KindBadRequest, "event_id_required", "webhook payload must carry event_id")
	ErrMalformedPayload     = NewError(KindBadRequest, "malformed_payload", "webhook payload is not valid json")
	ErrPaymentMethodInvalid = NewError(KindBadRequest, "invalid_payment_method", "payment method is required")

	// Отсутствующие сущности.
	ErrBalanceNotFound      = NewError(KindNotFound, "balance_not_found", "inventory balance not found")
	ErrOrderNotFound        = NewError(KindNotFound, "order_not_found", "order not found")
	ErrOrderItemNotFound    = NewError(KindNotFound, "order_item_not_found", "order item not found")
	ErrPaymentNotFound      = NewError(KindNotFound, "payment_not_found", "payment not found")
	ErrRefundNotFound       = NewError(KindNotFound, "refund_not_found", "refund not found")
	ErrWebhookEventNotFound = NewError(KindNotFound, "webhook_event_not_found", "webhook event not found")
	ErrCycleNotFound        = NewError(KindNotFound, "cycle_not_found", "settlement cycle not found")
	ErrLineNotFound         = NewError(KindNotFound, "line_not_found", "settlement line not found")
	ErrPayoutNotFound       = NewError(KindNotFound, "payout_not_found", "payout not found")
	ErrOfferNotFound        = NewError(KindNotFound, "current_offer_not_found", "no active offer for sku")
	ErrAddressNotFound      = NewError(KindNotFound, "address_not_found", "address not found")

	// Конфликты доменных инвариантов.
	ErrInsufficientStock    = NewError(KindConflict, "insufficient_stock", "not enough stock")
	ErrInsufficientReserved = NewError(KindConflict, "insufficient_reserved", "not enough reserved stock")
	ErrInvalidState         = NewError(KindConflict, "invalid_state", "transition is not allowed")
	ErrPriceChanged         = NewError(KindConflict, "price_changed", "offer price changed")
	ErrAmountMismatch       = NewError(KindConflict, "amount_mismatch", "payment amount does not match order total")
	ErrRefundExceeds        = NewError(KindConflict, "refund_exceeds", "refund qty exceeds remaining qty")
	ErrDuplicateCycle       = NewError(KindConflict, "duplicate_cycle", "settlement cycle for the period already exists")
	ErrRefundNotRequested   = NewError(KindConflict, "refund_not_requested", "refund is not in REQUESTED state")
	ErrRefundNotApproved    = NewError(KindConflict, "refund_not_approved", "refund is not in APPROVED state")
	ErrIdempotencyConflict  = NewError(KindConflict, "idempotency_conflict", "idempotency key already used")

	// Ошибки аутентификации.
	ErrInvalidSignature = NewError(KindUnauthorized, "invalid_signature", "webhook signature verification failed")

	// Внешние зависимости.
	ErrGatewayRefundFailed = NewError(KindInternal, "gateway_refund_failed", "payment gateway refund failed")
	ErrOutboxPublish       = NewError(KindInternal, "outbox_publish_failed", "outbox publish failed")

	// Схема БД.
	ErrMigrationSource  = NewError(KindInternal, "migration_source_invalid", "embedded migrations are inconsistent")
	ErrMigrationDrift   = NewError(KindInternal, "migration_checksum_mismatch", "applied migration differs from embedded script")
	ErrMigrationUnknown = NewError(KindInternal, "migration_unknown_version", "database has a migration this build does not know")
)
