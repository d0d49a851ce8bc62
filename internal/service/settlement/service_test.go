package settlement

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	"github.com/vladislavdragonenkov/commerce/internal/domain"
	"github.com/vladislavdragonenkov/commerce/internal/metrics"
	"github.com/vladislavdragonenkov/commerce/internal/storage/memory"
)

var day = time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)

func newService(t *testing.T) (*Service, *memory.Store) {
	t.Helper()
	store := memory.NewStore()
	m := metrics.NewCommerceMetricsWithRegisterer(prometheus.NewRegistry())
	svc := NewService(store, WithMetrics(m), WithClock(func() time.Time { return day.AddDate(0, 0, 10) }))
	return svc, store
}

func seedEntries(t *testing.T, store *memory.Store, entries ...domain.FinancialEntry) {
	t.Helper()
	err := store.InTx(context.Background(), func(tx domain.Tx) error {
		for i, entry := range entries {
			if entry.IdempotencyKey == "" {
				entry.IdempotencyKey = fmt.Sprintf("seed:%d:%s:%d", entry.SellerID, entry.EntryType, i)
			}
			if entry.Currency == "" {
				entry.Currency = "KRW"
			}
			if _, _, err := tx.Financial().Append(context.Background(), entry); err != nil {
				return err
			}
		}
		return nil
	})
	require.NoError(t, err)
}

func TestService_PositiveNetIsPaid(t *testing.T) {
	svc, store := newService(t)
	ctx := context.Background()
	seedEntries(t, store,
		domain.FinancialEntry{SellerID: 7, EntryType: domain.EntrySale, Amount: 100000, CreatedAt: day.Add(9 * time.Hour)},
		domain.FinancialEntry{SellerID: 7, EntryType: domain.EntryPGFee, Amount: -3000, CreatedAt: day.Add(9 * time.Hour)},
		domain.FinancialEntry{SellerID: 7, EntryType: domain.EntryPlatformFee, Amount: -9000, CreatedAt: day.Add(9 * time.Hour)},
	)

	report, err := svc.CreateCycle(ctx, day, day)
	require.NoError(t, err)
	require.Equal(t, domain.CycleGenerated, report.Cycle.Status)
	require.Len(t, report.Lines, 1)
	line := report.Lines[0]
	require.Equal(t, int64(7), line.SellerID)
	require.Equal(t, int64(100000), line.GrossSales)
	require.Equal(t, int64(-12000), line.TotalFees)
	require.Equal(t, int64(88000), line.NetAmount)
	require.Equal(t, domain.LineUnpaid, line.Status)

	report, err = svc.RunPayouts(ctx, report.Cycle.ID)
	require.NoError(t, err)
	require.Equal(t, domain.CyclePaid, report.Cycle.Status)
	require.Equal(t, domain.LinePaid, report.Lines[0].Status)
	require.Len(t, report.Payouts, 1)
	require.Equal(t, domain.PayoutPaid, report.Payouts[0].Status)
	require.Equal(t, int64(88000), report.Payouts[0].Amount)
	require.NotNil(t, report.Payouts[0].PaidAt)

	// Повторный прогон по оплаченному циклу ничего не создаёт.
	again, err := svc.RunPayouts(ctx, report.Cycle.ID)
	require.NoError(t, err)
	require.Len(t, again.Payouts, 1)

	events := 0
	pending, err := store.Outbox().PullPending(ctx, 100)
	require.NoError(t, err)
	for _, msg := range pending {
		if msg.AggregateType == domain.AggregateSettlement {
			events++
		}
	}
	require.Equal(t, 2, events)
}

func TestService_NonPositiveNetFailsCycle(t *testing.T) {
	svc, store := newService(t)
	ctx := context.Background()
	seedEntries(t, store,
		domain.FinancialEntry{SellerID: 7, EntryType: domain.EntrySale, Amount: 10000, CreatedAt: day},
		domain.FinancialEntry{SellerID: 8, EntryType: domain.EntrySale, Amount: 1000, CreatedAt: day},
		domain.FinancialEntry{SellerID: 8, EntryType: domain.EntryRefund, Amount: -1000, CreatedAt: day},
		domain.FinancialEntry{SellerID: 8, EntryType: domain.EntryPGFee, Amount: -30, CreatedAt: day},
	)

	report, err := svc.CreateCycle(ctx, day, day)
	require.NoError(t, err)
	require.Len(t, report.Lines, 2)
	require.Equal(t, int64(-30), report.Lines[1].NetAmount)

	report, err = svc.RunPayouts(ctx, report.Cycle.ID)
	require.NoError(t, err)
	require.Equal(t, domain.CycleFailed, report.Cycle.Status)
	require.Equal(t, domain.LinePaid, report.Lines[0].Status)
	require.Equal(t, domain.LineFailed, report.Lines[1].Status)

	failed := report.Payouts[1]
	require.Equal(t, domain.PayoutFailed, failed.Status)
	require.Equal(t, domain.FailureNonPositiveNet, failed.FailureReason)

	retried, err := svc.RetryPayout(ctx, failed.ID)
	require.NoError(t, err)
	require.Equal(t, domain.PayoutFailed, retried.Status)
	require.Equal(t, 2, retried.AttemptCount)

	paid, err := svc.RetryPayout(ctx, report.Payouts[0].ID)
	require.NoError(t, err)
	require.Equal(t, 1, paid.AttemptCount, "paid payouts are left untouched")

	current, err := svc.Cycle(ctx, report.Cycle.ID)
	require.NoError(t, err)
	require.Equal(t, domain.CycleFailed, current.Cycle.Status)
}

func TestService_RetryAfterLineCorrection(t *testing.T) {
	svc, store := newService(t)
	ctx := context.Background()
	seedEntries(t, store, domain.FinancialEntry{SellerID: 9, EntryType: domain.EntryPGFee, Amount: -10, CreatedAt: day})

	report, err := svc.CreateCycle(ctx, day, day)
	require.NoError(t, err)
	report, err = svc.RunPayouts(ctx, report.Cycle.ID)
	require.NoError(t, err)
	require.Equal(t, domain.CycleFailed, report.Cycle.Status)

	// Ручная корректировка строки бухгалтерией.
	err = store.InTx(ctx, func(tx domain.Tx) error {
		line, err := tx.Settlements().GetLineForUpdate(ctx, report.Lines[0].ID)
		if err != nil {
			return err
		}
		line.NetAmount = 500
		return tx.Settlements().UpdateLine(ctx, line)
	})
	require.NoError(t, err)

	payout, err := svc.RetryPayout(ctx, report.Payouts[0].ID)
	require.NoError(t, err)
	require.Equal(t, domain.PayoutPaid, payout.Status)
	require.Equal(t, int64(500), payout.Amount)
	require.Empty(t, payout.FailureReason)

	current, err := svc.Cycle(ctx, report.Cycle.ID)
	require.NoError(t, err)
	require.Equal(t, domain.CyclePaid, current.Cycle.Status)
}

func TestService_CycleBoundsAreInclusiveByDay(t *testing.T) {
	svc, store := newService(t)
	end := day.AddDate(0, 0, 6)
	seedEntries(t, store,
		domain.FinancialEntry{SellerID: 7, EntryType: domain.EntrySale, Amount: 100, CreatedAt: day.Add(-time.Second)},
		domain.FinancialEntry{SellerID: 7, EntryType: domain.EntrySale, Amount: 200, CreatedAt: day},
		domain.FinancialEntry{SellerID: 7, EntryType: domain.EntrySale, Amount: 400, CreatedAt: end.Add(23*time.Hour + 59*time.Minute)},
		domain.FinancialEntry{SellerID: 7, EntryType: domain.EntrySale, Amount: 800, CreatedAt: end.AddDate(0, 0, 1)},
	)

	report, err := svc.CreateCycle(context.Background(), day.Add(15*time.Hour), end.Add(time.Hour))
	require.NoError(t, err)
	require.Equal(t, day, report.Cycle.StartDate)
	require.Equal(t, end, report.Cycle.EndDate)
	require.Len(t, report.Lines, 1)
	require.Equal(t, int64(600), report.Lines[0].GrossSales)
}

func TestService_CreateCycleErrors(t *testing.T) {
	svc, _ := newService(t)
	ctx := context.Background()

	_, err := svc.CreateCycle(ctx, day, day.AddDate(0, 0, -1))
	require.ErrorIs(t, err, domain.ErrInvalidPeriod)
	require.Equal(t, domain.KindBadRequest, domain.KindOf(err))

	_, err = svc.CreateCycle(ctx, day, day)
	require.NoError(t, err)
	_, err = svc.CreateCycle(ctx, day, day)
	require.ErrorIs(t, err, domain.ErrDuplicateCycle)
	require.Equal(t, domain.KindConflict, domain.KindOf(err))

	_, err = svc.RunPayouts(ctx, 999)
	require.ErrorIs(t, err, domain.ErrCycleNotFound)
	_, err = svc.RetryPayout(ctx, 999)
	require.ErrorIs(t, err, domain.ErrPayoutNotFound)
}

func TestService_EmptyCycleIsPaidImmediately(t *testing.T) {
	svc, _ := newService(t)

	report, err := svc.CreateCycle(context.Background(), day, day)
	require.NoError(t, err)
	require.Empty(t, report.Lines)

	report, err = svc.RunPayouts(context.Background(), report.Cycle.ID)
	require.NoError(t, err)
	require.Equal(t, domain.CyclePaid, report.Cycle.Status)
}
