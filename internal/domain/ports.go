package domain

import (
	"context"
	"encoding/json"
	"time"
)

// Offer: текущее активное предложение по SKU.
type Offer struct {
	OfferID  int64
	SKUID    int64
	SellerID int64
	Price    int64
	Currency string
}

// Catalog отдаёт только предложения, активные в текущем временном окне.
type Catalog interface {
	// GetCurrentOffer возвращает ErrOfferNotFound, если активного предложения нет.
	GetCurrentOffer(ctx context.Context, skuID int64) (Offer, error)
}

// AddressSnapshot: копия адреса доставки на момент оформления заказа.
type AddressSnapshot struct {
	AddressID  int64  `json:"address_id"`
	Recipient  string `json:"recipient"`
	Phone      string `json:"phone,omitempty"`
	Line1      string `json:"line1"`
	Line2      string `json:"line2,omitempty"`
	City       string `json:"city"`
	PostalCode string `json:"postal_code"`
	Country    string `json:"country"`
}

// AddressBook: адресная книга пользователя.
type AddressBook interface {
	FindAddress(ctx context.Context, userID, addressID int64) (AddressSnapshot, error)
}

// CartLine: строка корзины.
type CartLine struct {
	SKUID int64
	Qty   int64
}

// CartReader читает содержимое корзины при оформлении заказа.
type CartReader interface {
	CartItems(ctx context.Context, userID, cartID int64) ([]CartLine, error)
}

// Типы задач для операционной команды.
const (
	OpsTaskRestockFailed = "RESTOCK_FAILED"
)

// OpsTask: задача на ручную сверку.
type OpsTask struct {
	ID        int64
	TaskType  string
	Payload   json.RawMessage
	Status    string
	CreatedAt time.Time
}

// OpsTaskSink принимает задачи для ручной обработки.
type OpsTaskSink interface {
	CreateTask(ctx context.Context, taskType string, payload json.RawMessage) (OpsTask, error)
}

// CheckoutRequest: параметры открытия платёжной сессии.
type CheckoutRequest struct {
	PaymentID int64
	OrderID   int64
	OrderNo   string
	Amount    int64
	Currency  string
	Method    string
}

// PaymentGateway: платёжный провайдер.
type PaymentGateway interface {
	// Provider возвращает код провайдера, под которым пишутся события.
	Provider() string
	CreateCheckoutSession(ctx context.Context, req CheckoutRequest) (CheckoutSession, error)
	// Refund возвращает деньги по захваченному платежу. Повтор с тем же ключом
	// отдаёт прежний идентификатор возврата и второй раз денег не переводит.
	Refund(ctx context.Context, payment Payment, amount int64, idempotencyKey string) (string, error)
	// VerifySignature проверяет подпись сырого тела callback-а.
	VerifySignature(payload []byte, signature string) bool
}

// OutboxPublisher публикует события из transactional outbox.
type OutboxPublisher interface {
	// Publish передаёт событие наружу; должен быть идемпотентным.
	Publish(ctx context.Context, event OutboxMessage) error
}

// OutboxMessage хранит данные для публикуемого события.
type OutboxMessage struct {
	ID            string
	AggregateType string
	AggregateID   string
	EventType     string
	Payload       []byte
}

// OutboxStats описывает текущее состояние backlog transactional outbox.
type OutboxStats struct {
	PendingCount    int
	OldestPendingAt time.Time
}
