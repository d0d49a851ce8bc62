package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/vladislavdragonenkov/commerce/internal/domain"
)

type settlementRepository struct {
	q queryer
}

func (r settlementRepository) CreateCycle(ctx context.Context, cycle *domain.SettlementCycle) error {
	err := r.q.QueryRowContext(ctx, `
		INSERT INTO settlement_cycles (start_date, end_date, status, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5)
		RETURNING id
	`, cycle.StartDate, cycle.EndDate, string(cycle.Status), cycle.CreatedAt, cycle.UpdatedAt).Scan(&cycle.ID)
	if err != nil {
		if isUniqueViolation(err) {
			return domain.ErrDuplicateCycle.Withf("%s..%s", cycle.StartDate.Format(time.DateOnly), cycle.EndDate.Format(time.DateOnly))
		}
		return fmt.Errorf("insert settlement cycle: %w", err)
	}
	return nil
}

const cycleColumns = `id, start_date, end_date, status, created_at, updated_at`

func scanCycle(row interface{ Scan(...any) error }) (domain.SettlementCycle, error) {
	var (
		c      domain.SettlementCycle
		status string
	)
	err := row.Scan(&c.ID, &c.StartDate, &c.EndDate, &status, &c.CreatedAt, &c.UpdatedAt)
	c.Status = domain.CycleStatus(status)
	c.StartDate = c.StartDate.UTC()
	c.EndDate = c.EndDate.UTC()
	return c, err
}

func (r settlementRepository) GetCycleForUpdate(ctx context.Context, id int64) (domain.SettlementCycle, error) {
	cycle, err := scanCycle(r.q.QueryRowContext(ctx, `SELECT `+cycleColumns+` FROM settlement_cycles WHERE id = $1 FOR UPDATE`, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.SettlementCycle{}, domain.ErrCycleNotFound.Withf("cycle %d", id)
		}
		return domain.SettlementCycle{}, fmt.Errorf("select settlement cycle: %w", err)
	}
	return cycle, nil
}

func (r settlementRepository) ListCycles(ctx context.Context, status domain.CycleStatus, limit int) ([]domain.SettlementCycle, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.q.QueryContext(ctx, `
		SELECT `+cycleColumns+`
		FROM settlement_cycles
		WHERE ($1 = '' OR status = $1)
		ORDER BY id
		LIMIT $2
	`, string(status), limit)
	if err != nil {
		return nil, fmt.Errorf("list settlement cycles: %w", err)
	}
	defer rows.Close()

	result := make([]domain.SettlementCycle, 0)
	for rows.Next() {
		cycle, err := scanCycle(rows)
		if err != nil {
			return nil, fmt.Errorf("scan settlement cycle: %w", err)
		}
		result = append(result, cycle)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate settlement cycles: %w", err)
	}
	return result, nil
}

func (r settlementRepository) UpdateCycle(ctx context.Context, cycle domain.SettlementCycle) error {
	res, err := r.q.ExecContext(ctx, `
		UPDATE settlement_cycles SET status = $2, updated_at = $3 WHERE id = $1
	`, cycle.ID, string(cycle.Status), cycle.UpdatedAt)
	if err != nil {
		return fmt.Errorf("update settlement cycle: %w", err)
	}
	return expectAffected(res, domain.ErrCycleNotFound.Withf("cycle %d", cycle.ID))
}

func (r settlementRepository) CreateLine(ctx context.Context, line *domain.SettlementLine) error {
	if err := r.q.QueryRowContext(ctx, `
		INSERT INTO settlement_lines (
			cycle_id, seller_id, gross_sales, total_fees, net_amount, status, created_at, updated_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
		RETURNING id
	`,
		line.CycleID, line.SellerID, line.GrossSales, line.TotalFees, line.NetAmount,
		string(line.Status), line.CreatedAt, line.UpdatedAt,
	).Scan(&line.ID); err != nil {
		return fmt.Errorf("insert settlement line: %w", err)
	}
	return nil
}

const lineColumns = `id, cycle_id, seller_id, gross_sales, total_fees, net_amount, status, created_at, updated_at`

func scanLine(row interface{ Scan(...any) error }) (domain.SettlementLine, error) {
	var (
		l      domain.SettlementLine
		status string
	)
	err := row.Scan(&l.ID, &l.CycleID, &l.SellerID, &l.GrossSales, &l.TotalFees, &l.NetAmount, &status, &l.CreatedAt, &l.UpdatedAt)
	l.Status = domain.LineStatus(status)
	return l, err
}

func (r settlementRepository) GetLineForUpdate(ctx context.Context, id int64) (domain.SettlementLine, error) {
	line, err := scanLine(r.q.QueryRowContext(ctx, `SELECT `+lineColumns+` FROM settlement_lines WHERE id = $1 FOR UPDATE`, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.SettlementLine{}, domain.ErrLineNotFound.Withf("line %d", id)
		}
		return domain.SettlementLine{}, fmt.Errorf("select settlement line: %w", err)
	}
	return line, nil
}

func (r settlementRepository) ListLines(ctx context.Context, cycleID int64) ([]domain.SettlementLine, error) {
	rows, err := r.q.QueryContext(ctx, `SELECT `+lineColumns+` FROM settlement_lines WHERE cycle_id = $1 ORDER BY id`, cycleID)
	if err != nil {
		return nil, fmt.Errorf("list settlement lines: %w", err)
	}
	defer rows.Close()

	result := make([]domain.SettlementLine, 0)
	for rows.Next() {
		line, err := scanLine(rows)
		if err != nil {
			return nil, fmt.Errorf("scan settlement line: %w", err)
		}
		result = append(result, line)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate settlement lines: %w", err)
	}
	return result, nil
}

func (r settlementRepository) UpdateLine(ctx context.Context, line domain.SettlementLine) error {
	res, err := r.q.ExecContext(ctx, `
		UPDATE settlement_lines SET status = $2, updated_at = $3 WHERE id = $1
	`, line.ID, string(line.Status), line.UpdatedAt)
	if err != nil {
		return fmt.Errorf("update settlement line: %w", err)
	}
	return expectAffected(res, domain.ErrLineNotFound.Withf("line %d", line.ID))
}

func (r settlementRepository) CreatePayout(ctx context.Context, payout *domain.Payout) error {
	if err := r.q.QueryRowContext(ctx, `
		INSERT INTO payouts (
			line_id, cycle_id, seller_id, amount, status, failure_reason, attempt_count, created_at, updated_at, paid_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
		RETURNING id
	`,
		payout.LineID, payout.CycleID, payout.SellerID, payout.Amount, string(payout.Status),
		payout.FailureReason, payout.AttemptCount, payout.CreatedAt, payout.UpdatedAt, payout.PaidAt,
	).Scan(&payout.ID); err != nil {
		return fmt.Errorf("insert payout: %w", err)
	}
	return nil
}

const payoutColumns = `id, line_id, cycle_id, seller_id, amount, status, failure_reason, attempt_count, created_at, updated_at, paid_at`

func scanPayout(row interface{ Scan(...any) error }) (domain.Payout, error) {
	var (
		p      domain.Payout
		status string
	)
	err := row.Scan(&p.ID, &p.LineID, &p.CycleID, &p.SellerID, &p.Amount, &status, &p.FailureReason, &p.AttemptCount, &p.CreatedAt, &p.UpdatedAt, &p.PaidAt)
	p.Status = domain.PayoutStatus(status)
	return p, err
}

func (r settlementRepository) GetPayoutForUpdate(ctx context.Context, id int64) (domain.Payout, error) {
	payout, err := scanPayout(r.q.QueryRowContext(ctx, `SELECT `+payoutColumns+` FROM payouts WHERE id = $1 FOR UPDATE`, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.Payout{}, domain.ErrPayoutNotFound.Withf("payout %d", id)
		}
		return domain.Payout{}, fmt.Errorf("select payout: %w", err)
	}
	return payout, nil
}

func (r settlementRepository) ListPayouts(ctx context.Context, cycleID int64) ([]domain.Payout, error) {
	rows, err := r.q.QueryContext(ctx, `SELECT `+payoutColumns+` FROM payouts WHERE cycle_id = $1 ORDER BY id`, cycleID)
	if err != nil {
		return nil, fmt.Errorf("list payouts: %w", err)
	}
	defer rows.Close()

	result := make([]domain.Payout, 0)
	for rows.Next() {
		payout, err := scanPayout(rows)
		if err != nil {
			return nil, fmt.Errorf("scan payout: %w", err)
		}
		result = append(result, payout)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate payouts: %w", err)
	}
	return result, nil
}

func (r settlementRepository) UpdatePayout(ctx context.Context, payout domain.Payout) error {
	res, err := r.q.ExecContext(ctx, `
		UPDATE payouts
		SET amount = $2,
		    status = $3,
		    failure_reason = $4,
		    attempt_count = $5,
		    updated_at = $6,
		    paid_at = $7
		WHERE id = $1
	`, payout.ID, payout.Amount, string(payout.Status), payout.FailureReason, payout.AttemptCount, payout.UpdatedAt, payout.PaidAt)
	if err != nil {
		return fmt.Errorf("update payout: %w", err)
	}
	return expectAffected(res, domain.ErrPayoutNotFound.Withf("payout %d", payout.ID))
}

type financialRepository struct {
	q queryer
}

// Append пишет запись через ON CONFLICT DO NOTHING; повтор возвращает уже сохранённую запись.
func (r financialRepository) Append(ctx context.Context, entry domain.FinancialEntry) (domain.FinancialEntry, bool, error) {
	err := r.q.QueryRowContext(ctx, `
		INSERT INTO financial_ledger (
			order_id, order_item_id, seller_id, payment_id, refund_id, entry_type, amount, currency,
			idempotency_key, created_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
		ON CONFLICT (idempotency_key) WHERE idempotency_key IS NOT NULL DO NOTHING
		RETURNING id
	`,
		entry.OrderID, entry.OrderItemID, entry.SellerID, entry.PaymentID, entry.RefundID,
		string(entry.EntryType), entry.Amount, entry.Currency, nullString(entry.IdempotencyKey), entry.CreatedAt,
	).Scan(&entry.ID)
	if err == nil {
		return entry, true, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return domain.FinancialEntry{}, false, fmt.Errorf("insert financial entry: %w", err)
	}

	var (
		existing domain.FinancialEntry
		typ      string
	)
	if err := r.q.QueryRowContext(ctx, `
		SELECT id, order_id, order_item_id, seller_id, payment_id, refund_id, entry_type, amount, currency,
		       idempotency_key, created_at
		FROM financial_ledger
		WHERE idempotency_key = $1
	`, entry.IdempotencyKey).Scan(
		&existing.ID, &existing.OrderID, &existing.OrderItemID, &existing.SellerID, &existing.PaymentID,
		&existing.RefundID, &typ, &existing.Amount, &existing.Currency, &existing.IdempotencyKey, &existing.CreatedAt,
	); err != nil {
		return domain.FinancialEntry{}, false, fmt.Errorf("select existing financial entry: %w", err)
	}
	existing.EntryType = domain.FinancialEntryType(typ)
	return existing, false, nil
}

func (r financialRepository) AggregateBySeller(ctx context.Context, from, to time.Time) ([]domain.SellerTotals, error) {
	rows, err := r.q.QueryContext(ctx, `
		SELECT seller_id,
		       COALESCE(SUM(amount) FILTER (WHERE entry_type = 'SALE'), 0),
		       COALESCE(SUM(amount) FILTER (WHERE entry_type = 'REFUND'), 0),
		       COALESCE(SUM(amount) FILTER (WHERE entry_type = 'PG_FEE'), 0),
		       COALESCE(SUM(amount) FILTER (WHERE entry_type = 'PLATFORM_FEE'), 0)
		FROM financial_ledger
		WHERE created_at >= $1 AND created_at < $2
		GROUP BY seller_id
		ORDER BY seller_id
	`, from, to)
	if err != nil {
		return nil, fmt.Errorf("aggregate financial ledger: %w", err)
	}
	defer rows.Close()

	result := make([]domain.SellerTotals, 0)
	for rows.Next() {
		var t domain.SellerTotals
		if err := rows.Scan(&t.SellerID, &t.Sales, &t.Refunds, &t.PGFees, &t.PlatformFees); err != nil {
			return nil, fmt.Errorf("scan seller totals: %w", err)
		}
		result = append(result, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate seller totals: %w", err)
	}
	return result, nil
}

var (
	_ domain.SettlementRepository      = settlementRepository{}
	_ domain.FinancialLedgerRepository = financialRepository{}
)
