package domain

import (
	"testing"
	"time"
)

func TestResolvePayout(t *testing.T) {
	at := time.Now().UTC()

	line := SettlementLine{SellerID: 7, GrossSales: 100000, TotalFees: -12000, NetAmount: 88000, Status: LineUnpaid}
	payout := Payout{Status: PayoutScheduled}
	ResolvePayout(&line, &payout, at)
	if payout.Status != PayoutPaid || line.Status != LinePaid || payout.Amount != 88000 {
		t.Fatalf("unexpected resolution: line=%+v payout=%+v", line, payout)
	}

	line = SettlementLine{SellerID: 8, NetAmount: 0, Status: LineUnpaid}
	payout = Payout{Status: PayoutScheduled}
	ResolvePayout(&line, &payout, at)
	if payout.Status != PayoutFailed || payout.FailureReason != FailureNonPositiveNet || line.Status != LineFailed {
		t.Fatalf("unexpected resolution: line=%+v payout=%+v", line, payout)
	}
}

func TestCycleStatusFor(t *testing.T) {
	tests := []struct {
		name  string
		lines []LineStatus
		want  CycleStatus
	}{
		{name: "all paid", lines: []LineStatus{LinePaid, LinePaid}, want: CyclePaid},
		{name: "no lines", lines: nil, want: CyclePaid},
		{name: "any failed", lines: []LineStatus{LinePaid, LineFailed, LineUnpaid}, want: CycleFailed},
		{name: "unpaid left", lines: []LineStatus{LinePaid, LineUnpaid}, want: CycleGenerated},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			lines := make([]SettlementLine, 0, len(tt.lines))
			for _, s := range tt.lines {
				lines = append(lines, SettlementLine{Status: s})
			}
			if got := CycleStatusFor(lines); got != tt.want {
				t.Fatalf("got %s want %s", got, tt.want)
			}
		})
	}
}

func TestSellerTotals(t *testing.T) {
	var totals SellerTotals
	for _, e := range []FinancialEntry{
		{EntryType: EntrySale, Amount: 100000},
		{EntryType: EntryPGFee, Amount: -5000},
		{EntryType: EntryPlatformFee, Amount: -7000},
		{EntryType: EntryRefund, Amount: -10000},
	} {
		totals.Add(e)
	}

	if totals.GrossSales() != 90000 || totals.TotalFees() != -12000 {
		t.Fatalf("unexpected totals: gross=%d fees=%d", totals.GrossSales(), totals.TotalFees())
	}
}

func TestNormalizeDate(t *testing.T) {
	in := time.Date(2026, 5, 10, 23, 59, 0, 0, time.FixedZone("KST", 9*3600))
	got := NormalizeDate(in)
	want := time.Date(2026, 5, 10, 0, 0, 0, 0, time.UTC)
	if !got.Equal(want) {
		t.Fatalf("got %v want %v", got, want)
	}
}
