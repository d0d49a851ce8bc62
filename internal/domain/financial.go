package domain

import "time"

// FinancialEntryType: вид денежного движения в финансовом леджере.
type FinancialEntryType string

const (
	EntrySale        FinancialEntryType = "SALE"
	EntryPGFee       FinancialEntryType = "PG_FEE"
	EntryPlatformFee FinancialEntryType = "PLATFORM_FEE"
	EntryRefund      FinancialEntryType = "REFUND"
)

// FinancialEntry: неизменяемая запись о движении денег продавца.
// Комиссии и возвраты хранятся отрицательными суммами.
type FinancialEntry struct {
	ID             int64
	OrderID        int64
	OrderItemID    int64
	SellerID       int64
	PaymentID      int64
	RefundID       int64
	EntryType      FinancialEntryType
	Amount         int64
	Currency       string
	IdempotencyKey string
	CreatedAt      time.Time
}

// SellerTotals: агрегат финансового леджера по продавцу.
type SellerTotals struct {
	SellerID     int64
	Sales        int64
	Refunds      int64
	PGFees       int64
	PlatformFees int64
}

// GrossSales = SALE + REFUND.
func (t SellerTotals) GrossSales() int64 { return t.Sales + t.Refunds }

// TotalFees = PG_FEE + PLATFORM_FEE (отрицательное число).
func (t SellerTotals) TotalFees() int64 { return t.PGFees + t.PlatformFees }

// Add учитывает запись в агрегате.
func (t *SellerTotals) Add(entry FinancialEntry) {
	switch entry.EntryType {
	case EntrySale:
		t.Sales += entry.Amount
	case EntryRefund:
		t.Refunds += entry.Amount
	case EntryPGFee:
		t.PGFees += entry.Amount
	case EntryPlatformFee:
		t.PlatformFees += entry.Amount
	}
}
