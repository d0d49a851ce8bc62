package refund

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/vladislavdragonenkov/commerce/internal/domain"
	"github.com/vladislavdragonenkov/commerce/internal/service/inventory"
	"github.com/vladislavdragonenkov/commerce/internal/service/order"
	"github.com/vladislavdragonenkov/commerce/internal/service/payment"
	"github.com/vladislavdragonenkov/commerce/internal/storage/memory"
)

// flakyStock отказывает в мутациях по выбранному SKU.
type flakyStock struct {
	ledger  *inventory.Ledger
	failSKU int64
}

func (f *flakyStock) MutateTx(ctx context.Context, tx domain.Tx, m domain.InventoryMutation) (domain.MutationResult, error) {
	if m.SKUID == f.failSKU {
		return domain.MutationResult{}, errors.New("warehouse unavailable")
	}
	return f.ledger.MutateTx(ctx, tx, m)
}

// commitFailingStore откатывает следующую транзакцию уже после успешного fn.
type commitFailingStore struct {
	domain.Store
	failNext bool
}

func (s *commitFailingStore) InTx(ctx context.Context, fn func(tx domain.Tx) error) error {
	return s.Store.InTx(ctx, func(tx domain.Tx) error {
		if err := fn(tx); err != nil {
			return err
		}
		if s.failNext {
			s.failNext = false
			return errors.New("commit failed: connection reset")
		}
		return nil
	})
}

type fixture struct {
	store    *memory.Store
	ledger   *inventory.Ledger
	stock    *flakyStock
	orders   *order.Service
	payments *payment.Service
	gateway  *payment.SimulatedGateway
	svc      *Service
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	f := &fixture{store: memory.NewStore()}
	catalog := memory.NewCatalog()
	catalog.PutOffer(domain.Offer{OfferID: 501, SKUID: 43, SellerID: 7, Price: 33000, Currency: "KRW"}, time.Time{}, time.Time{})
	catalog.PutOffer(domain.Offer{OfferID: 502, SKUID: 44, SellerID: 8, Price: 1000, Currency: "KRW"}, time.Time{}, time.Time{})

	f.ledger = inventory.NewLedger(f.store)
	f.stock = &flakyStock{ledger: f.ledger}
	f.orders = order.NewService(f.store, f.ledger, catalog, order.WithShippingPolicy(order.ShippingPolicy{StandardFee: 3000}))
	f.gateway = payment.NewSimulatedGateway("whsec", "", time.Hour)
	f.payments = payment.NewService(f.store, f.orders, f.ledger, f.gateway)
	f.svc = NewService(f.store, f.orders, f.stock, f.gateway, f.store)

	for _, seed := range []struct{ sku, seller, qty int64 }{{43, 7, 5}, {44, 8, 5}} {
		_, err := f.ledger.Restock(context.Background(), seed.sku, seed.seller, seed.qty, "", domain.RefTypeManual, 0)
		require.NoError(t, err)
	}
	return f
}

// paidOrder создаёт заказ и проводит оплату через webhook.
func (f *fixture) paidOrder(t *testing.T, items ...order.ItemInput) domain.Order {
	t.Helper()
	ctx := context.Background()

	o, err := f.orders.Create(ctx, order.CreateOrderInput{UserID: 1, Items: items})
	require.NoError(t, err)
	res, err := f.payments.CreatePayment(ctx, payment.CreatePaymentInput{OrderID: o.ID, Amount: o.TotalAmount, Method: "CARD"})
	require.NoError(t, err)

	body, err := json.Marshal(domain.WebhookPayload{
		EventID: "evt-" + o.OrderNo, Type: domain.WebhookPaymentSucceeded, PaymentID: res.Payment.ID, OrderID: o.ID,
	})
	require.NoError(t, err)
	_, err = f.payments.HandleWebhook(ctx, payment.ProviderSimulated, body, f.gateway.Sign(body))
	require.NoError(t, err)

	o, err = f.orders.Get(ctx, o.ID)
	require.NoError(t, err)
	require.Equal(t, domain.OrderPaid, o.Status)
	return o
}

func (f *fixture) deliveredOrder(t *testing.T, items ...order.ItemInput) domain.Order {
	t.Helper()
	ctx := context.Background()
	o := f.paidOrder(t, items...)
	_, err := f.orders.MarkReadyToShip(ctx, o.ID)
	require.NoError(t, err)
	_, err = f.orders.MarkShipped(ctx, o.ID)
	require.NoError(t, err)
	o, err = f.orders.MarkDelivered(ctx, o.ID)
	require.NoError(t, err)
	return o
}

func (f *fixture) approveAndProcess(t *testing.T, refundID int64) domain.Refund {
	t.Helper()
	_, err := f.svc.Approve(context.Background(), refundID)
	require.NoError(t, err)
	r, err := f.svc.Process(context.Background(), refundID)
	require.NoError(t, err)
	return r
}

func TestService_ChangeOfMindAfterDeliveryWithholdsShipping(t *testing.T) {
	f := newFixture(t)
	o := f.deliveredOrder(t, order.ItemInput{SKUID: 43, Qty: 1})

	r, err := f.svc.CreateRefund(context.Background(), CreateRefundInput{OrderID: o.ID, ReasonCode: "CHANGE_OF_MIND"})
	require.NoError(t, err)

	require.Equal(t, domain.RefundRequested, r.Status)
	require.Equal(t, domain.PolicyCustomerRemorseReturn, r.PolicyCode)
	require.Equal(t, int64(33000), r.ItemAmount)
	require.Equal(t, int64(0), r.ShippingRefundAmount)
	require.Equal(t, int64(3000), r.ReturnFeeAmount)
	require.Equal(t, int64(30000), r.Amount)
}

func TestService_PreShipmentFullRefund(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	o := f.paidOrder(t, order.ItemInput{SKUID: 43, Qty: 1}, order.ItemInput{SKUID: 44, Qty: 2})

	r, err := f.svc.CreateRefund(ctx, CreateRefundInput{OrderID: o.ID, ReasonCode: "OUT_OF_STOCK"})
	require.NoError(t, err)
	require.Equal(t, domain.PolicyPreShipmentFullRefund, r.PolicyCode)
	require.Equal(t, int64(35000), r.ItemAmount)
	require.Equal(t, int64(3000), r.ShippingRefundAmount)
	require.Equal(t, int64(38000), r.Amount)
	require.Equal(t, o.TotalAmount, r.Amount)

	approved, err := f.svc.Approve(ctx, r.ID)
	require.NoError(t, err)
	require.NotNil(t, approved.ApprovedAt)

	pending, err := f.orders.Get(ctx, o.ID)
	require.NoError(t, err)
	require.Equal(t, domain.OrderRefundPending, pending.Status)
	_, err = f.orders.MarkReadyToShip(ctx, o.ID)
	require.ErrorIs(t, err, domain.ErrInvalidState)

	done, err := f.svc.Process(ctx, r.ID)
	require.NoError(t, err)
	require.Equal(t, domain.RefundRefunded, done.Status)
	require.NotEmpty(t, done.ProviderRefundID)
	require.NotNil(t, done.RefundedAt)

	refunded, err := f.orders.Get(ctx, o.ID)
	require.NoError(t, err)
	require.Equal(t, domain.OrderRefunded, refunded.Status)

	restocks, err := f.ledger.Entries(ctx, domain.LedgerFilter{RefType: domain.RefTypeRefund, RefID: r.ID})
	require.NoError(t, err)
	require.Len(t, restocks, 2)

	balance, err := f.ledger.Balance(ctx, 44, 8)
	require.NoError(t, err)
	require.Equal(t, int64(5), balance.OnHand)
	require.True(t, balance.Valid())

	var totals []domain.SellerTotals
	err = f.store.InTx(ctx, func(tx domain.Tx) error {
		var err error
		totals, err = tx.Financial().AggregateBySeller(ctx, time.Time{}, time.Now().Add(time.Hour))
		return err
	})
	require.NoError(t, err)
	for _, total := range totals {
		require.Zero(t, total.GrossSales(), "seller %d sales must be fully reversed", total.SellerID)
	}
}

func TestService_PartialThenFinalRefund(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	o := f.deliveredOrder(t, order.ItemInput{SKUID: 44, Qty: 3})
	itemID := o.Items[0].ID

	first, err := f.svc.CreateRefund(ctx, CreateRefundInput{
		OrderID: o.ID, ReasonCode: "DEFECT", Items: []domain.RefundItemRequest{{OrderItemID: itemID, Qty: 1}},
	})
	require.NoError(t, err)
	require.Equal(t, domain.PolicyItemOnly, first.PolicyCode)
	require.Equal(t, int64(1000), first.Amount)

	f.approveAndProcess(t, first.ID)
	partial, err := f.orders.Get(ctx, o.ID)
	require.NoError(t, err)
	require.Equal(t, domain.OrderPartiallyRefunded, partial.Status)

	_, err = f.svc.CreateRefund(ctx, CreateRefundInput{
		OrderID: o.ID, Items: []domain.RefundItemRequest{{OrderItemID: itemID, Qty: 3}},
	})
	require.ErrorIs(t, err, domain.ErrRefundExceeds)

	rest, err := f.svc.CreateRefund(ctx, CreateRefundInput{OrderID: o.ID, ReasonCode: "DEFECT"})
	require.NoError(t, err)
	require.Equal(t, int64(2), rest.Items[0].Qty)

	_, err = f.svc.CreateRefund(ctx, CreateRefundInput{OrderID: o.ID})
	require.ErrorIs(t, err, domain.ErrEmptyRefund)

	f.approveAndProcess(t, rest.ID)
	final, err := f.orders.Get(ctx, o.ID)
	require.NoError(t, err)
	require.Equal(t, domain.OrderRefunded, final.Status)
}

func TestService_StateGuards(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	unpaid, err := f.orders.Create(ctx, order.CreateOrderInput{UserID: 1, Items: []order.ItemInput{{SKUID: 43, Qty: 1}}})
	require.NoError(t, err)
	_, err = f.svc.CreateRefund(ctx, CreateRefundInput{OrderID: unpaid.ID})
	require.ErrorIs(t, err, domain.ErrInvalidState)

	o := f.deliveredOrder(t, order.ItemInput{SKUID: 44, Qty: 1})
	r, err := f.svc.CreateRefund(ctx, CreateRefundInput{OrderID: o.ID})
	require.NoError(t, err)

	_, err = f.svc.Process(ctx, r.ID)
	require.ErrorIs(t, err, domain.ErrRefundNotApproved)

	_, err = f.svc.Approve(ctx, r.ID)
	require.NoError(t, err)
	_, err = f.svc.Approve(ctx, r.ID)
	require.ErrorIs(t, err, domain.ErrRefundNotRequested)
	_, err = f.svc.Reject(ctx, r.ID, "late")
	require.ErrorIs(t, err, domain.ErrRefundNotRequested)

	_, err = f.svc.Get(ctx, 404)
	require.ErrorIs(t, err, domain.ErrRefundNotFound)
}

func TestService_RejectFreesQuantity(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	o := f.deliveredOrder(t, order.ItemInput{SKUID: 44, Qty: 1})

	r, err := f.svc.CreateRefund(ctx, CreateRefundInput{OrderID: o.ID})
	require.NoError(t, err)
	rejected, err := f.svc.Reject(ctx, r.ID, "no evidence")
	require.NoError(t, err)
	require.Equal(t, domain.RefundFailed, rejected.Status)
	require.Equal(t, "no evidence", rejected.FailureReason)

	again, err := f.svc.CreateRefund(ctx, CreateRefundInput{OrderID: o.ID})
	require.NoError(t, err)
	require.Equal(t, int64(1), again.Items[0].Qty)
}

func TestService_CreateRefundIsIdempotent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	o := f.deliveredOrder(t, order.ItemInput{SKUID: 44, Qty: 2})

	first, err := f.svc.CreateRefund(ctx, CreateRefundInput{OrderID: o.ID, IdempotencyKey: "rf-1"})
	require.NoError(t, err)
	second, err := f.svc.CreateRefund(ctx, CreateRefundInput{OrderID: o.ID, IdempotencyKey: "rf-1"})
	require.NoError(t, err)
	require.Equal(t, first.ID, second.ID)

	refunds, err := f.svc.ListByOrder(ctx, o.ID)
	require.NoError(t, err)
	require.Len(t, refunds, 1)
}

func TestService_GatewayFailureMarksRefundFailed(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	o := f.deliveredOrder(t, order.ItemInput{SKUID: 44, Qty: 1})

	r, err := f.svc.CreateRefund(ctx, CreateRefundInput{OrderID: o.ID})
	require.NoError(t, err)
	_, err = f.svc.Approve(ctx, r.ID)
	require.NoError(t, err)

	f.gateway.SetRefundErr(errors.New("card network timeout"))
	failed, err := f.svc.Process(ctx, r.ID)
	require.ErrorIs(t, err, domain.ErrGatewayRefundFailed)
	require.Equal(t, domain.RefundFailed, failed.Status)

	stored, err := f.svc.Get(ctx, r.ID)
	require.NoError(t, err)
	require.Equal(t, domain.RefundFailed, stored.Status)
	require.Equal(t, "card network timeout", stored.FailureReason)

	unchanged, err := f.orders.Get(ctx, o.ID)
	require.NoError(t, err)
	require.Equal(t, domain.OrderDelivered, unchanged.Status)

	restocks, err := f.ledger.Entries(ctx, domain.LedgerFilter{RefType: domain.RefTypeRefund})
	require.NoError(t, err)
	require.Empty(t, restocks)
}

func TestService_RetryAfterRolledBackProcessDoesNotRefundTwice(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	o := f.deliveredOrder(t, order.ItemInput{SKUID: 44, Qty: 1})

	r, err := f.svc.CreateRefund(ctx, CreateRefundInput{OrderID: o.ID, ReasonCode: "DEFECT"})
	require.NoError(t, err)
	_, err = f.svc.Approve(ctx, r.ID)
	require.NoError(t, err)

	flaky := &commitFailingStore{Store: f.store, failNext: true}
	svc := NewService(flaky, f.orders, f.stock, f.gateway, f.store)

	_, err = svc.Process(ctx, r.ID)
	require.Error(t, err)
	stored, err := svc.Get(ctx, r.ID)
	require.NoError(t, err)
	require.Equal(t, domain.RefundApproved, stored.Status)

	done, err := svc.Process(ctx, r.ID)
	require.NoError(t, err)
	require.Equal(t, domain.RefundRefunded, done.Status)
	require.NotEmpty(t, done.ProviderRefundID)

	require.Equal(t, 2, f.gateway.RefundCalls)
	count, total := f.gateway.Refunded()
	require.Equal(t, 1, count)
	require.Equal(t, r.Amount, total)
}

func TestService_RestockFailureBecomesOpsTask(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	o := f.deliveredOrder(t, order.ItemInput{SKUID: 43, Qty: 1}, order.ItemInput{SKUID: 44, Qty: 1})
	f.stock.failSKU = 43

	r, err := f.svc.CreateRefund(ctx, CreateRefundInput{OrderID: o.ID, ReasonCode: "DEFECT"})
	require.NoError(t, err)
	done := f.approveAndProcess(t, r.ID)
	require.Equal(t, domain.RefundRefunded, done.Status)

	final, err := f.orders.Get(ctx, o.ID)
	require.NoError(t, err)
	require.Equal(t, domain.OrderRefunded, final.Status)

	restocks, err := f.ledger.Entries(ctx, domain.LedgerFilter{RefType: domain.RefTypeRefund, RefID: r.ID})
	require.NoError(t, err)
	require.Len(t, restocks, 1)
	require.Equal(t, int64(44), restocks[0].SKUID)

	tasks := f.store.Tasks()
	require.Len(t, tasks, 1)
	require.Equal(t, domain.OpsTaskRestockFailed, tasks[0].TaskType)

	var payload map[string]any
	require.NoError(t, json.Unmarshal(tasks[0].Payload, &payload))
	require.EqualValues(t, 43, payload["sku_id"])
	require.EqualValues(t, r.ID, payload["refund_id"])
}
