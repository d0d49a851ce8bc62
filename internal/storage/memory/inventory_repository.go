package memory

import (
	"context"

	"github.com/vladislavdragonenkov/commerce/internal/domain"
)

// inventoryRepository: остатки и леджер склада поверх снимка транзакции.
type inventoryRepository struct {
	tx *memTx
}

func (r inventoryRepository) LockBalance(_ context.Context, skuID, sellerID int64) (domain.InventoryBalance, bool, error) {
	balance, ok := r.tx.state.balances[balanceKey{skuID: skuID, sellerID: sellerID}]
	return balance, ok, nil
}

func (r inventoryRepository) CreateBalance(_ context.Context, skuID, sellerID int64) (domain.InventoryBalance, error) {
	key := balanceKey{skuID: skuID, sellerID: sellerID}
	if balance, ok := r.tx.state.balances[key]; ok {
		return balance, nil
	}
	balance := domain.InventoryBalance{SKUID: skuID, SellerID: sellerID, UpdatedAt: r.tx.now()}
	r.tx.state.balances[key] = balance
	return balance, nil
}

func (r inventoryRepository) SaveBalance(_ context.Context, balance domain.InventoryBalance) error {
	key := balanceKey{skuID: balance.SKUID, sellerID: balance.SellerID}
	if _, ok := r.tx.state.balances[key]; !ok {
		return domain.ErrBalanceNotFound
	}
	r.tx.state.balances[key] = balance
	return nil
}

func (r inventoryRepository) GetBalance(_ context.Context, skuID, sellerID int64) (domain.InventoryBalance, error) {
	balance, ok := r.tx.state.balances[balanceKey{skuID: skuID, sellerID: sellerID}]
	if !ok {
		return domain.InventoryBalance{}, domain.ErrBalanceNotFound.Withf("sku %d seller %d", skuID, sellerID)
	}
	return balance, nil
}

func (r inventoryRepository) EntryByKey(_ context.Context, key string) (domain.InventoryLedgerEntry, bool, error) {
	if key == "" {
		return domain.InventoryLedgerEntry{}, false, nil
	}
	idx, ok := r.tx.state.ledgerByKey[key]
	if !ok {
		return domain.InventoryLedgerEntry{}, false, nil
	}
	return r.tx.state.ledger[idx], true, nil
}

func (r inventoryRepository) AppendEntry(_ context.Context, entry domain.InventoryLedgerEntry) (domain.InventoryLedgerEntry, error) {
	if entry.IdempotencyKey != "" {
		if _, exists := r.tx.state.ledgerByKey[entry.IdempotencyKey]; exists {
			return domain.InventoryLedgerEntry{}, domain.ErrIdempotencyConflict.Withf("ledger key %s", entry.IdempotencyKey)
		}
	}
	entry.ID = r.tx.state.nextID("inventory_ledger")
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = r.tx.now()
	}
	r.tx.state.ledger = append(r.tx.state.ledger, entry)
	if entry.IdempotencyKey != "" {
		r.tx.state.ledgerByKey[entry.IdempotencyKey] = len(r.tx.state.ledger) - 1
	}
	return entry, nil
}

func (r inventoryRepository) ListEntries(_ context.Context, filter domain.LedgerFilter) ([]domain.InventoryLedgerEntry, error) {
	result := make([]domain.InventoryLedgerEntry, 0)
	for _, entry := range r.tx.state.ledger {
		if filter.SKUID != 0 && entry.SKUID != filter.SKUID {
			continue
		}
		if filter.SellerID != 0 && entry.SellerID != filter.SellerID {
			continue
		}
		if filter.RefType != "" && entry.RefType != filter.RefType {
			continue
		}
		if filter.RefID != 0 && entry.RefID != filter.RefID {
			continue
		}
		result = append(result, entry)
		if filter.Limit > 0 && len(result) >= filter.Limit {
			break
		}
	}
	return result, nil
}

var _ domain.InventoryRepository = inventoryRepository{}
