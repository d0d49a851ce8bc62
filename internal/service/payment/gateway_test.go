package payment

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/vladislavdragonenkov/commerce/internal/domain"
)

func TestSimulatedGateway_Signature(t *testing.T) {
	gw := NewSimulatedGateway("whsec", "", 0)
	body := []byte(`{"event_id":"evt-ok"}`)

	sig := gw.Sign(body)
	if len(sig) != 64 {
		t.Fatalf("expected hex sha256 signature, got %q", sig)
	}
	if !gw.VerifySignature(body, sig) {
		t.Fatal("expected signature to verify")
	}
	if gw.VerifySignature([]byte(`{"event_id":"evt-other"}`), sig) {
		t.Fatal("signature must not verify for different payload")
	}
	if gw.VerifySignature(body, "") {
		t.Fatal("empty signature must be rejected")
	}
	if NewSimulatedGateway("", "", 0).VerifySignature(body, Sign(nil, body)) {
		t.Fatal("gateway without secret must reject every signature")
	}
}

func TestSimulatedGateway_CheckoutSession(t *testing.T) {
	gw := NewSimulatedGateway("whsec", "https://pay.example/", time.Minute)
	fixed := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	gw.now = func() time.Time { return fixed }

	session, err := gw.CreateCheckoutSession(context.Background(), domain.CheckoutRequest{PaymentID: 31, OrderID: 11})
	if err != nil {
		t.Fatalf("create session: %v", err)
	}
	if session.SessionID != "cs_11_31" {
		t.Fatalf("unexpected session id %q", session.SessionID)
	}
	if session.RedirectURL != "https://pay.example/checkout/cs_11_31" {
		t.Fatalf("unexpected redirect %q", session.RedirectURL)
	}
	if !session.ExpiresAt.Equal(fixed.Add(time.Minute)) {
		t.Fatalf("unexpected expiry %s", session.ExpiresAt)
	}
}

func TestSimulatedGateway_Refund(t *testing.T) {
	gw := NewSimulatedGateway("whsec", "", 0)
	payment := domain.Payment{ID: 1, Amount: 1000}

	id, err := gw.Refund(context.Background(), payment, 500, "refund:1")
	if err != nil || id == "" {
		t.Fatalf("expected refund id, got %q err=%v", id, err)
	}
	if _, err := gw.Refund(context.Background(), payment, 1500, "refund:2"); err == nil {
		t.Fatal("expected error for refund above captured amount")
	}

	boom := errors.New("provider down")
	gw.SetRefundErr(boom)
	if _, err := gw.Refund(context.Background(), payment, 100, "refund:3"); !errors.Is(err, boom) {
		t.Fatalf("expected configured error, got %v", err)
	}
	if gw.RefundCalls != 3 {
		t.Fatalf("expected 3 refund calls, got %d", gw.RefundCalls)
	}
}

func TestSimulatedGateway_RefundIsIdempotentByKey(t *testing.T) {
	gw := NewSimulatedGateway("whsec", "", 0)
	payment := domain.Payment{ID: 1, Amount: 1000}
	ctx := context.Background()

	first, err := gw.Refund(ctx, payment, 400, domain.GatewayRefundKey(7))
	if err != nil {
		t.Fatalf("first refund: %v", err)
	}
	again, err := gw.Refund(ctx, payment, 400, domain.GatewayRefundKey(7))
	if err != nil {
		t.Fatalf("repeated refund: %v", err)
	}
	if again != first {
		t.Fatalf("expected the same provider refund id, got %q and %q", first, again)
	}
	if _, err := gw.Refund(ctx, payment, 500, domain.GatewayRefundKey(7)); err == nil {
		t.Fatal("expected error when the key is reused with another amount")
	}

	count, total := gw.Refunded()
	if count != 1 || total != 400 {
		t.Fatalf("expected one refund of 400, got %d refunds totalling %d", count, total)
	}

	// Ошибка провайдера не занимает ключ.
	gw.SetRefundErr(errors.New("provider down"))
	if _, err := gw.Refund(ctx, payment, 100, domain.GatewayRefundKey(8)); err == nil {
		t.Fatal("expected configured error")
	}
	gw.SetRefundErr(nil)
	if _, err := gw.Refund(ctx, payment, 100, domain.GatewayRefundKey(8)); err != nil {
		t.Fatalf("retry after provider error: %v", err)
	}
	if count, _ := gw.Refunded(); count != 2 {
		t.Fatalf("expected two refunds, got %d", count)
	}
}
