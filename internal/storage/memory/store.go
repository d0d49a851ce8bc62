package memory

import (
	"context"
	"encoding/json"
	"maps"
	"sync"
	"time"

	"github.com/vladislavdragonenkov/commerce/internal/domain"
)

type balanceKey struct {
	skuID    int64
	sellerID int64
}

type webhookKey struct {
	provider string
	eventID  string
}

type cyclePeriod struct {
	start time.Time
	end   time.Time
}

// state: снимок всех таблиц. Транзакция работает с копией и подменяет оригинал при коммите.
type state struct {
	seq map[string]int64

	balances      map[balanceKey]domain.InventoryBalance
	ledger        []domain.InventoryLedgerEntry
	ledgerByKey   map[string]int
	orders        map[int64]domain.Order
	orderByKey    map[string]int64
	orderEvents   []domain.OrderEvent
	payments      map[int64]domain.Payment
	paymentByKey  map[string]int64
	webhooks      map[int64]domain.WebhookEvent
	webhookByID   map[webhookKey]int64
	refunds       map[int64]domain.Refund
	refundByKey   map[string]int64
	cycles        map[int64]domain.SettlementCycle
	cycleByPeriod map[cyclePeriod]int64
	lines         map[int64]domain.SettlementLine
	payouts       map[int64]domain.Payout
	financial     []domain.FinancialEntry
	financialKeys map[string]int
	outbox        []outboxRecord
	opsTasks      []domain.OpsTask
}

func newState() *state {
	return &state{
		seq:           make(map[string]int64),
		balances:      make(map[balanceKey]domain.InventoryBalance),
		ledgerByKey:   make(map[string]int),
		orders:        make(map[int64]domain.Order),
		orderByKey:    make(map[string]int64),
		payments:      make(map[int64]domain.Payment),
		paymentByKey:  make(map[string]int64),
		webhooks:      make(map[int64]domain.WebhookEvent),
		webhookByID:   make(map[webhookKey]int64),
		refunds:       make(map[int64]domain.Refund),
		refundByKey:   make(map[string]int64),
		cycles:        make(map[int64]domain.SettlementCycle),
		cycleByPeriod: make(map[cyclePeriod]int64),
		lines:         make(map[int64]domain.SettlementLine),
		payouts:       make(map[int64]domain.Payout),
		financialKeys: make(map[string]int),
	}
}

func (s *state) clone() *state {
	cp := &state{
		seq:           maps.Clone(s.seq),
		balances:      maps.Clone(s.balances),
		ledger:        append([]domain.InventoryLedgerEntry(nil), s.ledger...),
		ledgerByKey:   maps.Clone(s.ledgerByKey),
		orders:        make(map[int64]domain.Order, len(s.orders)),
		orderByKey:    maps.Clone(s.orderByKey),
		orderEvents:   append([]domain.OrderEvent(nil), s.orderEvents...),
		payments:      maps.Clone(s.payments),
		paymentByKey:  maps.Clone(s.paymentByKey),
		webhooks:      maps.Clone(s.webhooks),
		webhookByID:   maps.Clone(s.webhookByID),
		refunds:       make(map[int64]domain.Refund, len(s.refunds)),
		refundByKey:   maps.Clone(s.refundByKey),
		cycles:        maps.Clone(s.cycles),
		cycleByPeriod: maps.Clone(s.cycleByPeriod),
		lines:         maps.Clone(s.lines),
		payouts:       maps.Clone(s.payouts),
		financial:     append([]domain.FinancialEntry(nil), s.financial...),
		financialKeys: maps.Clone(s.financialKeys),
		outbox:        append([]outboxRecord(nil), s.outbox...),
		opsTasks:      append([]domain.OpsTask(nil), s.opsTasks...),
	}
	// Позиции заказов и возвратов: срезы, их копируем отдельно.
	for id, order := range s.orders {
		cp.orders[id] = order.Clone()
	}
	for id, refund := range s.refunds {
		cp.refunds[id] = refund.Clone()
	}
	return cp
}

func (s *state) nextID(table string) int64 {
	s.seq[table]++
	return s.seq[table]
}

// Store: in-memory хранилище с сериализуемыми транзакциями.
// Одна транзакция в момент времени: глобальная блокировка заменяет блокировки строк.
type Store struct {
	mu    sync.Mutex
	state *state
	now   func() time.Time
}

// NewStore создаёт пустое in-memory хранилище.
func NewStore() *Store {
	return &Store{
		state: newState(),
		now:   func() time.Time { return time.Now().UTC() },
	}
}

// SetClock подменяет источник времени (используется в тестах).
func (s *Store) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

// InTx выполняет fn над копией состояния и публикует её только при успехе.
func (s *Store) InTx(ctx context.Context, fn func(tx domain.Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tx := &memTx{state: s.state.clone(), now: s.now}
	if err := fn(tx); err != nil {
		return err
	}
	s.state = tx.state
	return nil
}

// Outbox возвращает репозиторий для outbox worker.
func (s *Store) Outbox() domain.OutboxRepository {
	return &outboxRepository{store: s}
}

// CreateTask сохраняет задачу для операционной команды.
func (s *Store) CreateTask(_ context.Context, taskType string, payload json.RawMessage) (domain.OpsTask, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	task := domain.OpsTask{
		ID:        s.state.nextID("ops_tasks"),
		TaskType:  taskType,
		Payload:   append(json.RawMessage(nil), payload...),
		Status:    "OPEN",
		CreatedAt: s.now(),
	}
	s.state.opsTasks = append(s.state.opsTasks, task)
	return task, nil
}

// Tasks возвращает копию задач (используется в тестах).
func (s *Store) Tasks() []domain.OpsTask {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]domain.OpsTask(nil), s.state.opsTasks...)
}

// Ping всегда успешен: хранилище в памяти процесса.
func (s *Store) Ping(context.Context) error {
	return nil
}

// memTx: транзакция над копией состояния.
type memTx struct {
	state *state
	now   func() time.Time
}

func (tx *memTx) Inventory() domain.InventoryRepository { return inventoryRepository{tx: tx} }
func (tx *memTx) Orders() domain.OrderRepository { return orderRepository{tx: tx} }
func (tx *memTx) Payments() domain.PaymentRepository { return paymentRepository{tx: tx} }
func (tx *memTx) Webhooks() domain.WebhookEventRepository { return webhookRepository{tx: tx} }
func (tx *memTx) Refunds() domain.RefundRepository { return refundRepository{tx: tx} }
func (tx *memTx) Settlements() domain.SettlementRepository { return settlementRepository{tx: tx} }
func (tx *memTx) Financial() domain.FinancialLedgerRepository { return financialRepository{tx: tx} }
func (tx *memTx) Outbox() domain.OutboxWriter { return outboxWriter{tx: tx} }

// Savepoint запоминает состояние и восстанавливает его, если fn вернула ошибку.
func (tx *memTx) Savepoint(_ context.Context, fn func() error) error {
	snapshot := tx.state.clone()
	if err := fn(); err != nil {
		tx.state = snapshot
		return err
	}
	return nil
}

var (
	_ domain.Store       = (*Store)(nil)
	_ domain.OpsTaskSink = (*Store)(nil)
	_ domain.Tx          = (*memTx)(nil)
)
