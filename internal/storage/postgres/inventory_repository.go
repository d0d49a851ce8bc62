package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/vladislavdragonenkov/commerce/internal/domain"
)

type inventoryRepository struct {
	q queryer
}

const balanceColumns = `sku_id, seller_id, on_hand, reserved, available, updated_at`

func scanBalance(row interface{ Scan(...any) error }) (domain.InventoryBalance, error) {
	var b domain.InventoryBalance
	err := row.Scan(&b.SKUID, &b.SellerID, &b.OnHand, &b.Reserved, &b.Available, &b.UpdatedAt)
	return b, err
}

func (r inventoryRepository) LockBalance(ctx context.Context, skuID, sellerID int64) (domain.InventoryBalance, bool, error) {
	balance, err := scanBalance(r.q.QueryRowContext(ctx, `
		SELECT `+balanceColumns+`
		FROM inventory_balances
		WHERE sku_id = $1 AND seller_id = $2
		FOR UPDATE
	`, skuID, sellerID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.InventoryBalance{}, false, nil
		}
		return domain.InventoryBalance{}, false, fmt.Errorf("lock inventory balance: %w", err)
	}
	return balance, true, nil
}

// CreateBalance вставляет нулевую строку; при гонке с другой транзакцией повторно читает её под блокировкой.
func (r inventoryRepository) CreateBalance(ctx context.Context, skuID, sellerID int64) (domain.InventoryBalance, error) {
	if _, err := r.q.ExecContext(ctx, `
		INSERT INTO inventory_balances (sku_id, seller_id, on_hand, reserved, available, updated_at)
		VALUES ($1,$2,0,0,0,NOW())
		ON CONFLICT (sku_id, seller_id) DO NOTHING
	`, skuID, sellerID); err != nil {
		return domain.InventoryBalance{}, fmt.Errorf("insert inventory balance: %w", err)
	}

	balance, found, err := r.LockBalance(ctx, skuID, sellerID)
	if err != nil {
		return domain.InventoryBalance{}, err
	}
	if !found {
		return domain.InventoryBalance{}, domain.ErrBalanceNotFound.Withf("sku %d seller %d", skuID, sellerID)
	}
	return balance, nil
}

func (r inventoryRepository) SaveBalance(ctx context.Context, balance domain.InventoryBalance) error {
	res, err := r.q.ExecContext(ctx, `
		UPDATE inventory_balances
		SET on_hand = $3,
		    reserved = $4,
		    available = $5,
		    updated_at = $6
		WHERE sku_id = $1 AND seller_id = $2
	`, balance.SKUID, balance.SellerID, balance.OnHand, balance.Reserved, balance.Available, balance.UpdatedAt)
	if err != nil {
		return fmt.Errorf("update inventory balance: %w", err)
	}
	return expectAffected(res, domain.ErrBalanceNotFound.Withf("sku %d seller %d", balance.SKUID, balance.SellerID))
}

func (r inventoryRepository) GetBalance(ctx context.Context, skuID, sellerID int64) (domain.InventoryBalance, error) {
	balance, err := scanBalance(r.q.QueryRowContext(ctx, `
		SELECT `+balanceColumns+`
		FROM inventory_balances
		WHERE sku_id = $1 AND seller_id = $2
	`, skuID, sellerID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.InventoryBalance{}, domain.ErrBalanceNotFound.Withf("sku %d seller %d", skuID, sellerID)
		}
		return domain.InventoryBalance{}, fmt.Errorf("select inventory balance: %w", err)
	}
	return balance, nil
}

const ledgerColumns = `id, sku_id, seller_id, entry_type, delta, COALESCE(idempotency_key, ''), ref_type, ref_id, created_at`

func scanLedgerEntry(row interface{ Scan(...any) error }) (domain.InventoryLedgerEntry, error) {
	var (
		e   domain.InventoryLedgerEntry
		typ string
	)
	err := row.Scan(&e.ID, &e.SKUID, &e.SellerID, &typ, &e.Delta, &e.IdempotencyKey, &e.RefType, &e.RefID, &e.CreatedAt)
	e.Type = domain.MutationType(typ)
	return e, err
}

func (r inventoryRepository) EntryByKey(ctx context.Context, key string) (domain.InventoryLedgerEntry, bool, error) {
	if key == "" {
		return domain.InventoryLedgerEntry{}, false, nil
	}
	entry, err := scanLedgerEntry(r.q.QueryRowContext(ctx, `
		SELECT `+ledgerColumns+`
		FROM inventory_ledger
		WHERE idempotency_key = $1
	`, key))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.InventoryLedgerEntry{}, false, nil
		}
		return domain.InventoryLedgerEntry{}, false, fmt.Errorf("select ledger entry by key: %w", err)
	}
	return entry, true, nil
}

func (r inventoryRepository) AppendEntry(ctx context.Context, entry domain.InventoryLedgerEntry) (domain.InventoryLedgerEntry, error) {
	err := r.q.QueryRowContext(ctx, `
		INSERT INTO inventory_ledger (
			sku_id, seller_id, entry_type, delta, idempotency_key, ref_type, ref_id, created_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
		RETURNING id
	`,
		entry.SKUID, entry.SellerID, string(entry.Type), entry.Delta,
		nullString(entry.IdempotencyKey), entry.RefType, entry.RefID, entry.CreatedAt,
	).Scan(&entry.ID)
	if err != nil {
		if isUniqueViolation(err) {
			return domain.InventoryLedgerEntry{}, domain.ErrIdempotencyConflict.Withf("ledger key %s", entry.IdempotencyKey)
		}
		return domain.InventoryLedgerEntry{}, fmt.Errorf("insert ledger entry: %w", err)
	}
	return entry, nil
}

func (r inventoryRepository) ListEntries(ctx context.Context, filter domain.LedgerFilter) ([]domain.InventoryLedgerEntry, error) {
	var (
		conds []string
		args  []any
	)
	add := func(cond string, v any) {
		args = append(args, v)
		conds = append(conds, fmt.Sprintf(cond, len(args)))
	}
	if filter.SKUID != 0 {
		add("sku_id = $%d", filter.SKUID)
	}
	if filter.SellerID != 0 {
		add("seller_id = $%d", filter.SellerID)
	}
	if filter.RefType != "" {
		add("ref_type = $%d", filter.RefType)
	}
	if filter.RefID != 0 {
		add("ref_id = $%d", filter.RefID)
	}

	query := `SELECT ` + ledgerColumns + ` FROM inventory_ledger`
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY id"
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	rows, err := r.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list ledger entries: %w", err)
	}
	defer rows.Close()

	result := make([]domain.InventoryLedgerEntry, 0)
	for rows.Next() {
		entry, err := scanLedgerEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("scan ledger entry: %w", err)
		}
		result = append(result, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate ledger rows: %w", err)
	}
	return result, nil
}

// expectAffected возвращает notFound, если UPDATE не затронул ни одной строки.
func expectAffected(res sql.Result, notFound error) error {
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if affected == 0 {
		return notFound
	}
	return nil
}

var _ domain.InventoryRepository = inventoryRepository{}
