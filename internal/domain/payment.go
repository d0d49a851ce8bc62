package domain

import (
	"time"

	"go.uber.org/multierr"
)

// PaymentStatus описывает состояние платежа.
type PaymentStatus string

const (
	// PaymentInitiated: платёж создан, сессия у провайдера ещё не открыта.
	PaymentInitiated PaymentStatus = "INITIATED"
	// PaymentProcessing: клиент перенаправлен на checkout, ждём webhook.
	PaymentProcessing PaymentStatus = "PROCESSING"
	// PaymentCaptured: деньги списаны.
	PaymentCaptured PaymentStatus = "CAPTURED"
	// PaymentFailed: провайдер отклонил платёж.
	PaymentFailed PaymentStatus = "FAILED"
	// PaymentCanceled: платёж отменён вместе с заказом.
	PaymentCanceled PaymentStatus = "CANCELED"
)

// Active сообщает, может ли платёж ещё привести заказ в PAID.
func (s PaymentStatus) Active() bool {
	return s == PaymentInitiated || s == PaymentProcessing
}

// Payment описывает платёж, связанный с заказом.
type Payment struct {
	ID                int64
	OrderID           int64
	Method            string
	Status            PaymentStatus
	Amount            int64
	Currency          string
	Provider          string
	ProviderPaymentID string
	IdempotencyKey    string
	CheckoutSessionID string
	RedirectURL       string
	ExpiresAt         *time.Time
	CapturedAt        *time.Time
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// Validate проверяет обязательные поля платежа.
func (p Payment) Validate() error {
	var err error
	if p.OrderID <= 0 {
		err = multierr.Append(err, ErrOrderIDRequired)
	}
	if p.Method == "" {
		err = multierr.Append(err, ErrPaymentMethodInvalid)
	}
	if p.Amount < 0 {
		err = multierr.Append(err, ErrPriceInvalid)
	}
	if p.Currency == "" {
		err = multierr.Append(err, ErrCurrencyRequired)
	}
	return err
}

// CheckoutSession: сессия оплаты у провайдера.
type CheckoutSession struct {
	SessionID   string
	RedirectURL string
	ExpiresAt   time.Time
}
