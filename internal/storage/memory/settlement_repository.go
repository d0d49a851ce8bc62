package memory

import (
	"context"
	"sort"
	"time"

	"github.com/vladislavdragonenkov/commerce/internal/domain"
)

type settlementRepository struct {
	tx *memTx
}

func (r settlementRepository) CreateCycle(_ context.Context, cycle *domain.SettlementCycle) error {
	period := cyclePeriod{start: cycle.StartDate.UTC(), end: cycle.EndDate.UTC()}
	if _, exists := r.tx.state.cycleByPeriod[period]; exists {
		return domain.ErrDuplicateCycle.Withf("%s..%s", period.start.Format(time.DateOnly), period.end.Format(time.DateOnly))
	}
	cycle.ID = r.tx.state.nextID("settlement_cycles")
	r.tx.state.cycles[cycle.ID] = *cycle
	r.tx.state.cycleByPeriod[period] = cycle.ID
	return nil
}

func (r settlementRepository) GetCycleForUpdate(_ context.Context, id int64) (domain.SettlementCycle, error) {
	cycle, ok := r.tx.state.cycles[id]
	if !ok {
		return domain.SettlementCycle{}, domain.ErrCycleNotFound.Withf("cycle %d", id)
	}
	return cycle, nil
}

func (r settlementRepository) ListCycles(_ context.Context, status domain.CycleStatus, limit int) ([]domain.SettlementCycle, error) {
	result := make([]domain.SettlementCycle, 0)
	for _, cycle := range r.tx.state.cycles {
		if status != "" && cycle.Status != status {
			continue
		}
		result = append(result, cycle)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (r settlementRepository) UpdateCycle(_ context.Context, cycle domain.SettlementCycle) error {
	if _, ok := r.tx.state.cycles[cycle.ID]; !ok {
		return domain.ErrCycleNotFound.Withf("cycle %d", cycle.ID)
	}
	r.tx.state.cycles[cycle.ID] = cycle
	return nil
}

func (r settlementRepository) CreateLine(_ context.Context, line *domain.SettlementLine) error {
	line.ID = r.tx.state.nextID("settlement_lines")
	r.tx.state.lines[line.ID] = *line
	return nil
}

func (r settlementRepository) GetLineForUpdate(_ context.Context, id int64) (domain.SettlementLine, error) {
	line, ok := r.tx.state.lines[id]
	if !ok {
		return domain.SettlementLine{}, domain.ErrLineNotFound.Withf("line %d", id)
	}
	return line, nil
}

func (r settlementRepository) ListLines(_ context.Context, cycleID int64) ([]domain.SettlementLine, error) {
	result := make([]domain.SettlementLine, 0)
	for _, line := range r.tx.state.lines {
		if line.CycleID == cycleID {
			result = append(result, line)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	return result, nil
}

func (r settlementRepository) UpdateLine(_ context.Context, line domain.SettlementLine) error {
	if _, ok := r.tx.state.lines[line.ID]; !ok {
		return domain.ErrLineNotFound.Withf("line %d", line.ID)
	}
	r.tx.state.lines[line.ID] = line
	return nil
}

func (r settlementRepository) CreatePayout(_ context.Context, payout *domain.Payout) error {
	payout.ID = r.tx.state.nextID("payouts")
	r.tx.state.payouts[payout.ID] = *payout
	return nil
}

func (r settlementRepository) GetPayoutForUpdate(_ context.Context, id int64) (domain.Payout, error) {
	payout, ok := r.tx.state.payouts[id]
	if !ok {
		return domain.Payout{}, domain.ErrPayoutNotFound.Withf("payout %d", id)
	}
	return payout, nil
}

func (r settlementRepository) ListPayouts(_ context.Context, cycleID int64) ([]domain.Payout, error) {
	result := make([]domain.Payout, 0)
	for _, payout := range r.tx.state.payouts {
		if payout.CycleID == cycleID {
			result = append(result, payout)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	return result, nil
}

func (r settlementRepository) UpdatePayout(_ context.Context, payout domain.Payout) error {
	if _, ok := r.tx.state.payouts[payout.ID]; !ok {
		return domain.ErrPayoutNotFound.Withf("payout %d", payout.ID)
	}
	r.tx.state.payouts[payout.ID] = payout
	return nil
}

// financialRepository: денежный леджер продавцов.
type financialRepository struct {
	tx *memTx
}

func (r financialRepository) Append(_ context.Context, entry domain.FinancialEntry) (domain.FinancialEntry, bool, error) {
	if entry.IdempotencyKey != "" {
		if idx, exists := r.tx.state.financialKeys[entry.IdempotencyKey]; exists {
			return r.tx.state.financial[idx], false, nil
		}
	}
	entry.ID = r.tx.state.nextID("financial_ledger")
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = r.tx.now()
	}
	r.tx.state.financial = append(r.tx.state.financial, entry)
	if entry.IdempotencyKey != "" {
		r.tx.state.financialKeys[entry.IdempotencyKey] = len(r.tx.state.financial) - 1
	}
	return entry, true, nil
}

func (r financialRepository) AggregateBySeller(_ context.Context, from, to time.Time) ([]domain.SellerTotals, error) {
	bySeller := make(map[int64]*domain.SellerTotals)
	for _, entry := range r.tx.state.financial {
		if entry.CreatedAt.Before(from) || !entry.CreatedAt.Before(to) {
			continue
		}
		totals, ok := bySeller[entry.SellerID]
		if !ok {
			totals = &domain.SellerTotals{SellerID: entry.SellerID}
			bySeller[entry.SellerID] = totals
		}
		totals.Add(entry)
	}

	result := make([]domain.SellerTotals, 0, len(bySeller))
	for _, totals := range bySeller {
		result = append(result, *totals)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].SellerID < result[j].SellerID })
	return result, nil
}

var (
	_ domain.SettlementRepository      = settlementRepository{}
	_ domain.FinancialLedgerRepository = financialRepository{}
)
