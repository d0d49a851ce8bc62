package domain

import (
	"encoding/json"
	"time"
)

// WebhookStatus: состояние обработки входящего события провайдера.
type WebhookStatus string

const (
	WebhookReceived     WebhookStatus = "RECEIVED"
	WebhookProcessed    WebhookStatus = "PROCESSED"
	WebhookIgnored      WebhookStatus = "IGNORED"
	WebhookFailed       WebhookStatus = "FAILED"
	WebhookRetryPending WebhookStatus = "RETRY_PENDING"
	WebhookRetried      WebhookStatus = "RETRIED"
)

// Retryable сообщает, подхватит ли событие планировщик повторов.
func (s WebhookStatus) Retryable() bool {
	return s == WebhookReceived || s == WebhookRetryPending
}

// Resolved сообщает, что событие уже применено или сознательно пропущено.
func (s WebhookStatus) Resolved() bool {
	return s == WebhookProcessed || s == WebhookIgnored || s == WebhookRetried
}

// Типы событий платёжного провайдера.
const (
	WebhookPaymentSucceeded = "payment.succeeded"
	WebhookPaymentFailed    = "payment.failed"
)

// WebhookOutcome: итог приёма или обработки события.
type WebhookOutcome string

const (
	OutcomeProcessed WebhookOutcome = "processed"
	OutcomeDuplicate WebhookOutcome = "duplicate"
	OutcomeIgnored   WebhookOutcome = "ignored"
)

// WebhookEvent: журнал callback-ов провайдера, уникальный по (provider, event_id).
type WebhookEvent struct {
	ID             int64
	Provider       string
	EventID        string
	EventType      string
	PaymentID      int64
	Payload        json.RawMessage
	Signature      string
	SignatureValid bool
	ProcessStatus  WebhookStatus
	RetryCount     int
	NextRetryAt    *time.Time
	LastError      string
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// WebhookPayload: JSON-тело callback-а провайдера.
type WebhookPayload struct {
	EventID           string    `json:"event_id"`
	Type              string    `json:"type"`
	PaymentID         int64     `json:"payment_id"`
	OrderID           int64     `json:"order_id"`
	ProviderPaymentID string    `json:"provider_payment_id,omitempty"`
	Amount            int64     `json:"amount,omitempty"`
	OccurredAt        time.Time `json:"occurred_at,omitempty"`
}

// ParseWebhookPayload разбирает тело и требует event_id.
func ParseWebhookPayload(raw []byte) (WebhookPayload, error) {
	var payload WebhookPayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		return WebhookPayload{}, ErrMalformedPayload.Wrap(err)
	}
	if payload.EventID == "" {
		return payload, ErrEventIDRequired
	}
	return payload, nil
}
