package inventory

import (
	"context"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/commerce/internal/domain"
	"github.com/vladislavdragonenkov/commerce/internal/metrics"
)

const (
	resultApplied    = "applied"
	resultIdempotent = "idempotent"
	resultRejected   = "rejected"
)

// Option настраивает Ledger.
type Option func(*Ledger)

// WithLogger задаёт logger для леджера.
func WithLogger(logger *log.Entry) Option {
	return func(l *Ledger) {
		l.logger = logger
	}
}

// WithMetrics подключает метрики.
func WithMetrics(m *metrics.CommerceMetrics) Option {
	return func(l *Ledger) {
		l.metrics = m
	}
}

// WithClock подменяет источник времени.
func WithClock(now func() time.Time) Option {
	return func(l *Ledger) {
		l.now = now
	}
}

// Ledger: единственная точка изменения складских остатков.
// Каждая мутация блокирует строку остатка и пишет запись в леджер в той же транзакции.
type Ledger struct {
	store   domain.Store
	logger  *log.Entry
	metrics *metrics.CommerceMetrics
	now     func() time.Time
}

// NewLedger создаёт леджер поверх хранилища.
func NewLedger(store domain.Store, options ...Option) *Ledger {
	l := &Ledger{
		store: store,
		now:   func() time.Time { return time.Now().UTC() },
	}
	for _, option := range options {
		option(l)
	}
	if l.logger == nil {
		l.logger = log.WithField("component", "inventory-ledger")
	}
	return l
}

// Mutate применяет мутацию в собственной транзакции.
func (l *Ledger) Mutate(ctx context.Context, m domain.InventoryMutation) (domain.MutationResult, error) {
	var result domain.MutationResult
	err := l.store.InTx(ctx, func(tx domain.Tx) error {
		var err error
		result, err = l.MutateTx(ctx, tx, m)
		return err
	})
	if err != nil {
		return domain.MutationResult{}, err
	}
	return result, nil
}

// MutateTx применяет мутацию внутри транзакции вызывающего.
// Повтор с уже использованным ключом возвращает исходную запись и текущий остаток без изменений.
// Ключ, занятый записью другого SKU, продавца или типа, даёт ErrIdempotencyConflict.
func (l *Ledger) MutateTx(ctx context.Context, tx domain.Tx, m domain.InventoryMutation) (domain.MutationResult, error) {
	if err := m.Validate(); err != nil {
		l.metrics.RecordInventoryMutation(string(m.Type), resultRejected)
		return domain.MutationResult{}, err
	}

	repo := tx.Inventory()
	balance, found, err := repo.LockBalance(ctx, m.SKUID, m.SellerID)
	if err != nil {
		return domain.MutationResult{}, err
	}
	if !found {
		if !m.Type.CreatesBalance() {
			l.metrics.RecordInventoryMutation(string(m.Type), resultRejected)
			return domain.MutationResult{}, domain.ErrBalanceNotFound.Withf("sku %d seller %d", m.SKUID, m.SellerID)
		}
		if balance, err = repo.CreateBalance(ctx, m.SKUID, m.SellerID); err != nil {
			return domain.MutationResult{}, err
		}
	}

	if m.IdempotencyKey != "" {
		entry, exists, err := repo.EntryByKey(ctx, m.IdempotencyKey)
		if err != nil {
			return domain.MutationResult{}, err
		}
		if exists {
			if entry.SKUID != m.SKUID || entry.SellerID != m.SellerID || entry.Type != m.Type {
				l.metrics.RecordInventoryMutation(string(m.Type), resultRejected)
				return domain.MutationResult{}, domain.ErrIdempotencyConflict.Withf(
					"ledger key %s belongs to %s sku %d seller %d", m.IdempotencyKey, entry.Type, entry.SKUID, entry.SellerID)
			}
			l.metrics.RecordInventoryMutation(string(m.Type), resultIdempotent)
			l.logger.WithFields(log.Fields{
				"idempotency_key": m.IdempotencyKey,
				"sku_id":          m.SKUID,
				"seller_id":       m.SellerID,
			}).Debug("inventory mutation replayed")
			return domain.MutationResult{Balance: balance, Entry: entry, Idempotent: true}, nil
		}
	}

	next, err := domain.ApplyMutation(balance, m)
	if err != nil {
		l.metrics.RecordInventoryMutation(string(m.Type), resultRejected)
		return domain.MutationResult{}, err
	}
	now := l.now()
	next.UpdatedAt = now
	if err := repo.SaveBalance(ctx, next); err != nil {
		return domain.MutationResult{}, err
	}
	entry, err := repo.AppendEntry(ctx, domain.EntryFor(m, now))
	if err != nil {
		return domain.MutationResult{}, err
	}

	l.metrics.RecordInventoryMutation(string(m.Type), resultApplied)
	return domain.MutationResult{Balance: next, Entry: entry}, nil
}

// Reserve переводит qty из доступного остатка в резерв.
func (l *Ledger) Reserve(ctx context.Context, skuID, sellerID, qty int64, key, refType string, refID int64) (domain.MutationResult, error) {
	return l.mutate(ctx, domain.MutationReserve, skuID, sellerID, qty, key, refType, refID)
}

// Release возвращает qty из резерва в доступный остаток.
func (l *Ledger) Release(ctx context.Context, skuID, sellerID, qty int64, key, refType string, refID int64) (domain.MutationResult, error) {
	return l.mutate(ctx, domain.MutationRelease, skuID, sellerID, qty, key, refType, refID)
}

// Deduct списывает зарезервированное количество с физического остатка.
func (l *Ledger) Deduct(ctx context.Context, skuID, sellerID, qty int64, key, refType string, refID int64) (domain.MutationResult, error) {
	return l.mutate(ctx, domain.MutationDeduct, skuID, sellerID, qty, key, refType, refID)
}

// Restock приходует товар; отсутствующий остаток создаётся.
func (l *Ledger) Restock(ctx context.Context, skuID, sellerID, qty int64, key, refType string, refID int64) (domain.MutationResult, error) {
	return l.mutate(ctx, domain.MutationRestock, skuID, sellerID, qty, key, refType, refID)
}

// Adjust применяет ручную корректировку со знаковой дельтой.
func (l *Ledger) Adjust(ctx context.Context, skuID, sellerID, delta int64, key string) (domain.MutationResult, error) {
	return l.mutate(ctx, domain.MutationAdjust, skuID, sellerID, delta, key, domain.RefTypeManual, 0)
}

func (l *Ledger) mutate(ctx context.Context, typ domain.MutationType, skuID, sellerID, qty int64, key, refType string, refID int64) (domain.MutationResult, error) {
	m, err := domain.NewInventoryMutation(typ, skuID, sellerID, qty, key, refType, refID)
	if err != nil {
		l.metrics.RecordInventoryMutation(string(typ), resultRejected)
		return domain.MutationResult{}, err
	}
	return l.Mutate(ctx, m)
}

// Balance возвращает текущий остаток.
func (l *Ledger) Balance(ctx context.Context, skuID, sellerID int64) (domain.InventoryBalance, error) {
	var balance domain.InventoryBalance
	err := l.store.InTx(ctx, func(tx domain.Tx) error {
		var err error
		balance, err = tx.Inventory().GetBalance(ctx, skuID, sellerID)
		return err
	})
	return balance, err
}

// Entries возвращает записи леджера по фильтру в порядке записи.
func (l *Ledger) Entries(ctx context.Context, filter domain.LedgerFilter) ([]domain.InventoryLedgerEntry, error) {
	var entries []domain.InventoryLedgerEntry
	err := l.store.InTx(ctx, func(tx domain.Tx) error {
		var err error
		entries, err = tx.Inventory().ListEntries(ctx, filter)
		return err
	})
	return entries, err
}
