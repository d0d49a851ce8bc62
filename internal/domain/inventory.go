package domain

import (
	"time"

	"go.uber.org/multierr"
)

// MutationType: вид изменения складского остатка.
type MutationType string

const (
	MutationReserve MutationType = "RESERVE"
	MutationRelease MutationType = "RELEASE"
	MutationDeduct  MutationType = "DEDUCT"
	MutationRestock MutationType = "RESTOCK"
	MutationAdjust  MutationType = "ADJUST"
)

// Valid проверяет, что тип мутации известен.
func (t MutationType) Valid() bool {
	switch t {
	case MutationReserve, MutationRelease, MutationDeduct, MutationRestock, MutationAdjust:
		return true
	}
	return false
}

// CreatesBalance сообщает, может ли мутация создать отсутствующий остаток.
func (t MutationType) CreatesBalance() bool {
	return t == MutationRestock || t == MutationAdjust
}

// Типы ссылок, которыми запись леджера привязывается к источнику.
const (
	RefTypeOrder   = "ORDER"
	RefTypePayment = "PAYMENT"
	RefTypeRefund  = "REFUND"
	RefTypeManual  = "MANUAL"
)

// InventoryBalance: остаток по паре (sku, seller).
type InventoryBalance struct {
	SKUID     int64
	SellerID  int64
	OnHand    int64
	Reserved  int64
	Available int64
	UpdatedAt time.Time
}

// Valid проверяет инвариант available == on_hand - reserved и неотрицательность.
func (b InventoryBalance) Valid() bool {
	return b.OnHand >= 0 && b.Reserved >= 0 && b.Available == b.OnHand-b.Reserved
}

// InventoryLedgerEntry: неизменяемая запись об одной мутации остатка.
type InventoryLedgerEntry struct {
	ID             int64
	SKUID          int64
	SellerID       int64
	Type           MutationType
	Delta          int64
	IdempotencyKey string
	RefType        string
	RefID          int64
	CreatedAt      time.Time
}

// InventoryMutation: запрос на изменение остатка.
// Для ADJUST Qty трактуется как знаковая дельта.
type InventoryMutation struct {
	SKUID          int64
	SellerID       int64
	Type           MutationType
	Qty            int64
	IdempotencyKey string
	RefType        string
	RefID          int64
}

// NewInventoryMutation собирает и валидирует мутацию.
func NewInventoryMutation(typ MutationType, skuID, sellerID, qty int64, key, refType string, refID int64) (InventoryMutation, error) {
	m := InventoryMutation{
		SKUID:          skuID,
		SellerID:       sellerID,
		Type:           typ,
		Qty:            qty,
		IdempotencyKey: key,
		RefType:        refType,
		RefID:          refID,
	}
	return m, m.Validate()
}

// Validate проверяет форму мутации без учёта текущего остатка.
func (m InventoryMutation) Validate() error {
	var err error
	if m.SKUID <= 0 {
		err = multierr.Append(err, ErrSKURequired)
	}
	if m.SellerID <= 0 {
		err = multierr.Append(err, ErrSellerRequired)
	}
	switch {
	case !m.Type.Valid():
		err = multierr.Append(err, ErrInvalidMutationType)
	case m.Type == MutationAdjust && m.Qty == 0:
		err = multierr.Append(err, ErrInvalidDelta)
	case m.Type != MutationAdjust && m.Qty <= 0:
		err = multierr.Append(err, ErrInvalidQty)
	}
	return err
}

// MutationResult: результат применения мутации.
type MutationResult struct {
	Balance    InventoryBalance
	Entry      InventoryLedgerEntry
	Idempotent bool
}

// ApplyMutation вычисляет новый остаток. Исходный остаток не изменяется.
func ApplyMutation(b InventoryBalance, m InventoryMutation) (InventoryBalance, error) {
	next := b
	switch m.Type {
	case MutationReserve:
		if b.Available < m.Qty {
			return b, ErrInsufficientStock.Withf("sku %d seller %d: available %d, requested %d", m.SKUID, m.SellerID, b.Available, m.Qty)
		}
		next.Reserved += m.Qty
	case MutationRelease:
		if b.Reserved < m.Qty {
			return b, ErrInsufficientReserved.Withf("sku %d seller %d: reserved %d, requested %d", m.SKUID, m.SellerID, b.Reserved, m.Qty)
		}
		next.Reserved -= m.Qty
	case MutationDeduct:
		if b.Reserved < m.Qty {
			return b, ErrInsufficientReserved.Withf("sku %d seller %d: reserved %d, requested %d", m.SKUID, m.SellerID, b.Reserved, m.Qty)
		}
		if b.OnHand-m.Qty < 0 {
			return b, ErrInsufficientStock.Withf("sku %d seller %d: on hand %d, requested %d", m.SKUID, m.SellerID, b.OnHand, m.Qty)
		}
		next.Reserved -= m.Qty
		next.OnHand -= m.Qty
	case MutationRestock:
		next.OnHand += m.Qty
	case MutationAdjust:
		// Ручная корректировка не может уронить остаток ниже нуля или ниже резерва.
		if b.OnHand+m.Qty < 0 || b.OnHand+m.Qty < b.Reserved {
			return b, ErrInsufficientStock.Withf("sku %d seller %d: on hand %d, reserved %d, delta %d", m.SKUID, m.SellerID, b.OnHand, b.Reserved, m.Qty)
		}
		next.OnHand += m.Qty
	default:
		return b, ErrInvalidMutationType
	}
	next.Available = next.OnHand - next.Reserved
	return next, nil
}

// EntryFor строит запись леджера для применённой мутации.
func EntryFor(m InventoryMutation, at time.Time) InventoryLedgerEntry {
	return InventoryLedgerEntry{
		SKUID:          m.SKUID,
		SellerID:       m.SellerID,
		Type:           m.Type,
		Delta:          m.Qty,
		IdempotencyKey: m.IdempotencyKey,
		RefType:        m.RefType,
		RefID:          m.RefID,
		CreatedAt:      at,
	}
}

// LedgerFilter ограничивает выборку записей леджера.
type LedgerFilter struct {
	SKUID    int64
	SellerID int64
	RefType  string
	RefID    int64
	Limit    int
}
