package domain

import (
	"context"
	"time"
)

// Store открывает единицы работы поверх хранилища.
type Store interface {
	// InTx выполняет fn в одной транзакции: ошибка fn откатывает все изменения.
	InTx(ctx context.Context, fn func(tx Tx) error) error
}

// Tx: репозитории, привязанные к одной транзакции.
type Tx interface {
	Inventory() InventoryRepository
	Orders() OrderRepository
	Payments() PaymentRepository
	Webhooks() WebhookEventRepository
	Refunds() RefundRepository
	Settlements() SettlementRepository
	Financial() FinancialLedgerRepository
	Outbox() OutboxWriter
	// Savepoint изолирует fn: при ошибке откатываются только изменения fn.
	Savepoint(ctx context.Context, fn func() error) error
}

// InventoryRepository: остатки и леджер склада.
type InventoryRepository interface {
	// LockBalance читает остаток под эксклюзивной блокировкой строки.
	LockBalance(ctx context.Context, skuID, sellerID int64) (InventoryBalance, bool, error)
	// CreateBalance создаёт нулевой остаток (если его нет) и блокирует его.
	CreateBalance(ctx context.Context, skuID, sellerID int64) (InventoryBalance, error)
	SaveBalance(ctx context.Context, balance InventoryBalance) error
	GetBalance(ctx context.Context, skuID, sellerID int64) (InventoryBalance, error)
	EntryByKey(ctx context.Context, key string) (InventoryLedgerEntry, bool, error)
	AppendEntry(ctx context.Context, entry InventoryLedgerEntry) (InventoryLedgerEntry, error)
	ListEntries(ctx context.Context, filter LedgerFilter) ([]InventoryLedgerEntry, error)
}

// OrderRepository: заказы, позиции и аудит.
type OrderRepository interface {
	// Create сохраняет заказ с позициями и проставляет идентификаторы.
	Create(ctx context.Context, order *Order) error
	Get(ctx context.Context, id int64) (Order, error)
	// GetForUpdate читает заказ под блокировкой строки.
	GetForUpdate(ctx context.Context, id int64) (Order, error)
	GetByIdempotencyKey(ctx context.Context, key string) (Order, bool, error)
	// Update сохраняет статус, временные метки и статусы позиций.
	Update(ctx context.Context, order Order) error
	AppendEvent(ctx context.Context, event OrderEvent) (OrderEvent, error)
	ListEvents(ctx context.Context, orderID int64) ([]OrderEvent, error)
}

// PaymentRepository: платежи.
type PaymentRepository interface {
	Create(ctx context.Context, payment *Payment) error
	Get(ctx context.Context, id int64) (Payment, error)
	GetForUpdate(ctx context.Context, id int64) (Payment, error)
	GetByIdempotencyKey(ctx context.Context, key string) (Payment, bool, error)
	ListByOrder(ctx context.Context, orderID int64) ([]Payment, error)
	Update(ctx context.Context, payment Payment) error
}

// WebhookEventRepository: журнал событий провайдера.
type WebhookEventRepository interface {
	// Insert возвращает inserted=false, если (provider, event_id) уже записан.
	// Исключение: доставка с верной подписью занимает строку, записанную с неверной,
	// сохраняя её id. Иначе поддельный callback блокировал бы настоящий.
	Insert(ctx context.Context, event *WebhookEvent) (bool, error)
	Get(ctx context.Context, id int64) (WebhookEvent, error)
	GetForUpdate(ctx context.Context, id int64) (WebhookEvent, error)
	GetByEventID(ctx context.Context, provider, eventID string) (WebhookEvent, bool, error)
	Update(ctx context.Context, event WebhookEvent) error
	// ListRetryable возвращает до limit событий для повторной обработки.
	ListRetryable(ctx context.Context, now time.Time, maxAttempts, limit int) ([]WebhookEvent, error)
}

// RefundRepository: возвраты.
type RefundRepository interface {
	Create(ctx context.Context, refund *Refund) error
	Get(ctx context.Context, id int64) (Refund, error)
	GetForUpdate(ctx context.Context, id int64) (Refund, error)
	GetByIdempotencyKey(ctx context.Context, key string) (Refund, bool, error)
	ListByOrder(ctx context.Context, orderID int64) ([]Refund, error)
	Update(ctx context.Context, refund Refund) error
}

// SettlementRepository: циклы, строки и выплаты.
type SettlementRepository interface {
	// CreateCycle возвращает ErrDuplicateCycle, если цикл за период уже есть.
	CreateCycle(ctx context.Context, cycle *SettlementCycle) error
	GetCycleForUpdate(ctx context.Context, id int64) (SettlementCycle, error)
	ListCycles(ctx context.Context, status CycleStatus, limit int) ([]SettlementCycle, error)
	UpdateCycle(ctx context.Context, cycle SettlementCycle) error
	CreateLine(ctx context.Context, line *SettlementLine) error
	GetLineForUpdate(ctx context.Context, id int64) (SettlementLine, error)
	ListLines(ctx context.Context, cycleID int64) ([]SettlementLine, error)
	UpdateLine(ctx context.Context, line SettlementLine) error
	CreatePayout(ctx context.Context, payout *Payout) error
	GetPayoutForUpdate(ctx context.Context, id int64) (Payout, error)
	ListPayouts(ctx context.Context, cycleID int64) ([]Payout, error)
	UpdatePayout(ctx context.Context, payout Payout) error
}

// FinancialLedgerRepository: денежный леджер продавцов.
type FinancialLedgerRepository interface {
	// Append возвращает inserted=false, если запись с таким ключом уже есть.
	Append(ctx context.Context, entry FinancialEntry) (FinancialEntry, bool, error)
	// AggregateBySeller суммирует записи с created_at в [from, to).
	AggregateBySeller(ctx context.Context, from, to time.Time) ([]SellerTotals, error)
}

// OutboxWriter пишет события в outbox в рамках транзакции.
type OutboxWriter interface {
	Enqueue(ctx context.Context, msg OutboxMessage) (OutboxMessage, error)
}

// OutboxRepository позволяет публикатору вычитывать outbox.
type OutboxRepository interface {
	PullPending(ctx context.Context, limit int) ([]OutboxMessage, error)
	Stats(ctx context.Context) (OutboxStats, error)
	MarkSent(ctx context.Context, id string) error
	MarkFailed(ctx context.Context, id string) error
	// DeleteSentBefore удаляет до limit опубликованных сообщений старше before.
	DeleteSentBefore(ctx context.Context, before time.Time, limit int) (int, error)
}
