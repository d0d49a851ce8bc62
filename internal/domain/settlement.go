package domain

import "time"

// CycleStatus: состояние расчётного цикла.
type CycleStatus string

const (
	CycleGenerated CycleStatus = "GENERATED"
	CyclePaid      CycleStatus = "PAID"
	CycleFailed    CycleStatus = "FAILED"
)

// LineStatus: состояние строки выплаты продавцу.
type LineStatus string

const (
	LineUnpaid LineStatus = "UNPAID"
	LinePaid   LineStatus = "PAID"
	LineFailed LineStatus = "FAILED"
)

// PayoutStatus: состояние попытки выплаты.
type PayoutStatus string

const (
	PayoutScheduled PayoutStatus = "SCHEDULED"
	PayoutPaid      PayoutStatus = "PAID"
	PayoutFailed    PayoutStatus = "FAILED"
)

// FailureNonPositiveNet: причина отказа в выплате при net_amount <= 0.
const FailureNonPositiveNet = "non_positive_net_amount"

// SettlementCycle: период агрегации продаж и комиссий.
type SettlementCycle struct {
	ID        int64
	StartDate time.Time
	EndDate   time.Time
	Status    CycleStatus
	CreatedAt time.Time
	UpdatedAt time.Time
}

// SettlementLine: итог по продавцу за цикл.
type SettlementLine struct {
	ID         int64
	CycleID    int64
	SellerID   int64
	GrossSales int64
	TotalFees  int64
	NetAmount  int64
	Status     LineStatus
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// Payout: попытка выплаты по строке.
type Payout struct {
	ID            int64
	LineID        int64
	CycleID       int64
	SellerID      int64
	Amount        int64
	Status        PayoutStatus
	FailureReason string
	AttemptCount  int
	CreatedAt     time.Time
	UpdatedAt     time.Time
	PaidAt        *time.Time
}

// ResolvePayout синхронно разрешает выплату: net > 0: PAID, иначе FAILED.
func ResolvePayout(line *SettlementLine, payout *Payout, at time.Time) {
	payout.Amount = line.NetAmount
	payout.UpdatedAt = at
	line.UpdatedAt = at
	if line.NetAmount > 0 {
		stamp := at
		payout.Status = PayoutPaid
		payout.FailureReason = ""
		payout.PaidAt = &stamp
		line.Status = LinePaid
		return
	}
	payout.Status = PayoutFailed
	payout.FailureReason = FailureNonPositiveNet
	line.Status = LineFailed
}

// CycleStatusFor пересчитывает статус цикла по строкам.
func CycleStatusFor(lines []SettlementLine) CycleStatus {
	unpaid := 0
	for _, line := range lines {
		switch line.Status {
		case LineFailed:
			return CycleFailed
		case LineUnpaid:
			unpaid++
		}
	}
	if unpaid == 0 {
		return CyclePaid
	}
	return CycleGenerated
}

// NormalizeDate отбрасывает время суток и переводит дату в UTC.
func NormalizeDate(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}
