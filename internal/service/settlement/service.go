package settlement

import (
	"context"
	"sort"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/commerce/internal/domain"
	"github.com/vladislavdragonenkov/commerce/internal/metrics"
)

// Option настраивает Service.
type Option func(*Service)

// WithLogger задаёт logger.
func WithLogger(logger *log.Entry) Option {
	return func(s *Service) { s.logger = logger }
}

// WithMetrics подключает метрики.
func WithMetrics(m *metrics.CommerceMetrics) Option {
	return func(s *Service) { s.metrics = m }
}

// WithClock подменяет источник времени.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// CycleReport: цикл вместе со строками и выплатами.
type CycleReport struct {
	Cycle   domain.SettlementCycle
	Lines   []domain.SettlementLine
	Payouts []domain.Payout
}

// Service агрегирует финансовый леджер в расчётные циклы и проводит выплаты.
// Сериализация прогонов по одному циклу: забота вызывающего (см. PayoutRunner).
type Service struct {
	store   domain.Store
	logger  *log.Entry
	metrics *metrics.CommerceMetrics
	now     func() time.Time
}

// NewService создаёт сервис расчётов.
func NewService(store domain.Store, options ...Option) *Service {
	s := &Service{
		store: store,
		now:   func() time.Time { return time.Now().UTC() },
	}
	for _, option := range options {
		option(s)
	}
	if s.logger == nil {
		s.logger = log.WithField("component", "settlement-service")
	}
	return s
}

// CreateCycle создаёт цикл за [start, end] (end включительно, по календарным дням UTC)
// и по строке на каждого продавца с записями в леджере за период.
func (s *Service) CreateCycle(ctx context.Context, start, end time.Time) (CycleReport, error) {
	started := time.Now()
	defer func() { s.metrics.ObserveOperation("settlement_create_cycle", time.Since(started)) }()

	start, end = domain.NormalizeDate(start), domain.NormalizeDate(end)
	if end.Before(start) {
		return CycleReport{}, domain.ErrInvalidPeriod.Withf("%s > %s", start.Format(time.DateOnly), end.Format(time.DateOnly))
	}

	var report CycleReport
	err := s.store.InTx(ctx, func(tx domain.Tx) error {
		now := s.now()
		cycle := domain.SettlementCycle{
			StartDate: start,
			EndDate:   end,
			Status:    domain.CycleGenerated,
			CreatedAt: now,
			UpdatedAt: now,
		}
		if err := tx.Settlements().CreateCycle(ctx, &cycle); err != nil {
			return err
		}

		totals, err := tx.Financial().AggregateBySeller(ctx, start, end.AddDate(0, 0, 1))
		if err != nil {
			return err
		}
		sort.Slice(totals, func(i, j int) bool { return totals[i].SellerID < totals[j].SellerID })

		lines := make([]domain.SettlementLine, 0, len(totals))
		for _, total := range totals {
			line := domain.SettlementLine{
				CycleID:    cycle.ID,
				SellerID:   total.SellerID,
				GrossSales: total.GrossSales(),
				TotalFees:  total.TotalFees(),
				NetAmount:  total.GrossSales() + total.TotalFees(),
				Status:     domain.LineUnpaid,
				CreatedAt:  now,
				UpdatedAt:  now,
			}
			if err := tx.Settlements().CreateLine(ctx, &line); err != nil {
				return err
			}
			lines = append(lines, line)
		}

		if err := domain.EmitEvent(ctx, tx, domain.AggregateSettlement, cycle.ID, domain.EventCycleGenerated, map[string]any{
			"cycle_id":   cycle.ID,
			"start_date": start.Format(time.DateOnly),
			"end_date":   end.Format(time.DateOnly),
			"lines":      len(lines),
		}); err != nil {
			return err
		}

		report = CycleReport{Cycle: cycle, Lines: lines}
		return nil
	})
	if err != nil {
		return CycleReport{}, err
	}

	s.logger.WithFields(log.Fields{
		"cycle_id": report.Cycle.ID,
		"start":    start.Format(time.DateOnly),
		"end":      end.Format(time.DateOnly),
		"lines":    len(report.Lines),
	}).Info("settlement cycle generated")
	return report, nil
}

// RunPayouts проводит выплаты по всем неоплаченным строкам цикла. Оплаченный цикл не трогается.
func (s *Service) RunPayouts(ctx context.Context, cycleID int64) (CycleReport, error) {
	started := time.Now()
	defer func() { s.metrics.ObserveOperation("settlement_run_payouts", time.Since(started)) }()

	var (
		report   CycleReport
		resolved []domain.Payout
		skipped  bool
	)
	err := s.store.InTx(ctx, func(tx domain.Tx) error {
		cycle, err := tx.Settlements().GetCycleForUpdate(ctx, cycleID)
		if err != nil {
			return err
		}
		lines, err := tx.Settlements().ListLines(ctx, cycleID)
		if err != nil {
			return err
		}
		if cycle.Status == domain.CyclePaid {
			skipped = true
			report, err = s.reportTx(ctx, tx, cycle, lines)
			return err
		}

		now := s.now()
		for i := range lines {
			if lines[i].Status == domain.LinePaid {
				continue
			}
			payout := domain.Payout{
				LineID:       lines[i].ID,
				CycleID:      cycle.ID,
				SellerID:     lines[i].SellerID,
				Amount:       lines[i].NetAmount,
				Status:       domain.PayoutScheduled,
				AttemptCount: 1,
				CreatedAt:    now,
				UpdatedAt:    now,
			}
			if err := tx.Settlements().CreatePayout(ctx, &payout); err != nil {
				return err
			}
			if err := s.resolveTx(ctx, tx, &lines[i], &payout, now); err != nil {
				return err
			}
			resolved = append(resolved, payout)
		}

		cycle.Status = domain.CycleStatusFor(lines)
		cycle.UpdatedAt = now
		if err := tx.Settlements().UpdateCycle(ctx, cycle); err != nil {
			return err
		}
		report, err = s.reportTx(ctx, tx, cycle, lines)
		return err
	})
	if err != nil {
		return CycleReport{}, err
	}

	if skipped {
		s.logger.WithField("cycle_id", cycleID).Debug("cycle already paid, payouts skipped")
		return report, nil
	}
	for _, payout := range resolved {
		s.metrics.RecordPayout(string(payout.Status))
	}
	s.metrics.RecordPayoutCycle(string(report.Cycle.Status))
	s.logger.WithFields(log.Fields{
		"cycle_id": cycleID,
		"status":   report.Cycle.Status,
		"payouts":  len(resolved),
	}).Info("payouts resolved")
	return report, nil
}

// RetryPayout повторно разрешает неуспешную выплату и пересчитывает статус цикла.
func (s *Service) RetryPayout(ctx context.Context, payoutID int64) (domain.Payout, error) {
	var (
		payout  domain.Payout
		cycle   domain.SettlementCycle
		retried bool
	)
	err := s.store.InTx(ctx, func(tx domain.Tx) error {
		var err error
		payout, err = tx.Settlements().GetPayoutForUpdate(ctx, payoutID)
		if err != nil {
			return err
		}
		if payout.Status == domain.PayoutPaid {
			return nil
		}

		line, err := tx.Settlements().GetLineForUpdate(ctx, payout.LineID)
		if err != nil {
			return err
		}
		now := s.now()
		payout.AttemptCount++
		if err := s.resolveTx(ctx, tx, &line, &payout, now); err != nil {
			return err
		}

		cycle, err = tx.Settlements().GetCycleForUpdate(ctx, payout.CycleID)
		if err != nil {
			return err
		}
		lines, err := tx.Settlements().ListLines(ctx, cycle.ID)
		if err != nil {
			return err
		}
		cycle.Status = domain.CycleStatusFor(lines)
		cycle.UpdatedAt = now
		retried = true
		return tx.Settlements().UpdateCycle(ctx, cycle)
	})
	if err != nil {
		return domain.Payout{}, err
	}

	if retried {
		s.metrics.RecordPayout(string(payout.Status))
		s.logger.WithFields(log.Fields{
			"payout_id": payout.ID,
			"status":    payout.Status,
			"attempts":  payout.AttemptCount,
			"cycle":     cycle.Status,
		}).Info("payout retried")
	}
	return payout, nil
}

// Cycle возвращает цикл со строками и выплатами.
func (s *Service) Cycle(ctx context.Context, cycleID int64) (CycleReport, error) {
	var report CycleReport
	err := s.store.InTx(ctx, func(tx domain.Tx) error {
		cycle, err := tx.Settlements().GetCycleForUpdate(ctx, cycleID)
		if err != nil {
			return err
		}
		lines, err := tx.Settlements().ListLines(ctx, cycleID)
		if err != nil {
			return err
		}
		report, err = s.reportTx(ctx, tx, cycle, lines)
		return err
	})
	return report, err
}

// Cycles перечисляет циклы; пустой status: все.
func (s *Service) Cycles(ctx context.Context, status domain.CycleStatus, limit int) ([]domain.SettlementCycle, error) {
	var cycles []domain.SettlementCycle
	err := s.store.InTx(ctx, func(tx domain.Tx) error {
		var err error
		cycles, err = tx.Settlements().ListCycles(ctx, status, limit)
		return err
	})
	return cycles, err
}

func (s *Service) resolveTx(ctx context.Context, tx domain.Tx, line *domain.SettlementLine, payout *domain.Payout, now time.Time) error {
	domain.ResolvePayout(line, payout, now)
	if err := tx.Settlements().UpdatePayout(ctx, *payout); err != nil {
		return err
	}
	if err := tx.Settlements().UpdateLine(ctx, *line); err != nil {
		return err
	}
	return domain.EmitEvent(ctx, tx, domain.AggregateSettlement, payout.CycleID, domain.EventPayoutResolved, map[string]any{
		"payout_id":      payout.ID,
		"line_id":        line.ID,
		"seller_id":      payout.SellerID,
		"amount":         payout.Amount,
		"status":         payout.Status,
		"failure_reason": payout.FailureReason,
		"attempt":        payout.AttemptCount,
	})
}

func (s *Service) reportTx(ctx context.Context, tx domain.Tx, cycle domain.SettlementCycle, lines []domain.SettlementLine) (CycleReport, error) {
	payouts, err := tx.Settlements().ListPayouts(ctx, cycle.ID)
	if err != nil {
		return CycleReport{}, err
	}
	return CycleReport{Cycle: cycle, Lines: lines, Payouts: payouts}, nil
}
