package refund

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/commerce/internal/domain"
	"github.com/vladislavdragonenkov/commerce/internal/metrics"
	"github.com/vladislavdragonenkov/commerce/internal/service/order"
)

// StockMutator применяет складскую мутацию в транзакции вызывающего.
type StockMutator interface {
	MutateTx(ctx context.Context, tx domain.Tx, m domain.InventoryMutation) (domain.MutationResult, error)
}

// refundableStatuses: статусы заказа, из которых можно запросить возврат.
var refundableStatuses = map[domain.OrderStatus]struct{}{
	domain.OrderPaid:              {},
	domain.OrderRefundPending:     {},
	domain.OrderShipped:           {},
	domain.OrderDelivered:         {},
	domain.OrderPartiallyRefunded: {},
}

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

// CreateRefundInput: заявка на возврат. Пустой Items означает весь остаток заказа.
type CreateRefundInput struct {
	OrderID        int64
	Items          []domain.RefundItemRequest
	ReasonCode     string
	IdempotencyKey string
}

// Service: workflow возвратов: заявка, одобрение, проведение.
type Service struct {
	store   domain.Store
	orders  *order.Service
	stock   StockMutator
	gateway domain.PaymentGateway
	tasks   domain.OpsTaskSink
	logger  *log.Entry
	metrics *metrics.CommerceMetrics
	now     func() time.Time
}

// NewService создаёт сервис возвратов.
func NewService(store domain.Store, orders *order.Service, stock StockMutator, gateway domain.PaymentGateway, tasks domain.OpsTaskSink, options ...Option) *Service {
	s := &Service{
		store:   store,
		orders:  orders,
		stock:   stock,
		gateway: gateway,
		tasks:   tasks,
		now:     func() time.Time { return time.Now().UTC() },
	}
	for _, option := range options {
		option(s)
	}
	if s.logger == nil {
		s.logger = log.WithField("component", "refund-service")
	}
	return s
}

// CreateRefund рассчитывает суммы по политике доставки и заводит возврат в REQUESTED.
func (s *Service) CreateRefund(ctx context.Context, in CreateRefundInput) (domain.Refund, error) {
	if in.IdempotencyKey != "" {
		existing, found, err := s.byIdempotencyKey(ctx, in.IdempotencyKey)
		if err != nil {
			return domain.Refund{}, err
		}
		if found {
			return existing, nil
		}
	}
	if in.OrderID <= 0 {
		return domain.Refund{}, domain.ErrOrderIDRequired
	}

	var refund domain.Refund
	err := s.store.InTx(ctx, func(tx domain.Tx) error {
		ord, err := tx.Orders().GetForUpdate(ctx, in.OrderID)
		if err != nil {
			return err
		}
		if _, ok := refundableStatuses[ord.Status]; !ok {
			return domain.ErrInvalidState.Withf("order %d is %s, refund not allowed", ord.ID, ord.Status)
		}

		payment, err := capturedPayment(ctx, tx, ord.ID)
		if err != nil {
			return err
		}
		existing, err := tx.Refunds().ListByOrder(ctx, ord.ID)
		if err != nil {
			return err
		}

		quote, err := domain.QuoteRefund(ord, in.Items, in.ReasonCode, historyOf(existing))
		if err != nil {
			return err
		}

		now := s.now()
		refund = domain.Refund{
			OrderID:              ord.ID,
			PaymentID:            payment.ID,
			Status:               domain.RefundRequested,
			ReasonCode:           in.ReasonCode,
			ItemAmount:           quote.ItemAmount,
			ShippingRefundAmount: quote.ShippingRefundAmount,
			ReturnFeeAmount:      quote.ReturnFeeAmount,
			Amount:               quote.Amount,
			IdempotencyKey:       in.IdempotencyKey,
			PolicyCode:           quote.PolicyCode,
			Items:                quote.Items,
			CreatedAt:            now,
			UpdatedAt:            now,
		}
		if err := tx.Refunds().Create(ctx, &refund); err != nil {
			return err
		}
		return domain.EmitEvent(ctx, tx, domain.AggregateRefund, refund.ID, domain.EventRefundRequested, map[string]any{
			"refund_id":   refund.ID,
			"order_id":    refund.OrderID,
			"amount":      refund.Amount,
			"policy_code": refund.PolicyCode,
		})
	})
	if err != nil {
		if in.IdempotencyKey != "" && errors.Is(err, domain.ErrIdempotencyConflict) {
			if existing, found, lookupErr := s.byIdempotencyKey(ctx, in.IdempotencyKey); lookupErr == nil && found {
				return existing, nil
			}
		}
		return domain.Refund{}, err
	}

	s.metrics.RecordRefund("requested")
	s.logger.WithFields(log.Fields{
		"refund_id": refund.ID,
		"order_id":  refund.OrderID,
		"amount":    refund.Amount,
		"policy":    refund.PolicyCode,
	}).Info("refund requested")
	return refund, nil
}

// Approve одобряет возврат. Одобренный возврат неотгруженного заказа останавливает сборку.
func (s *Service) Approve(ctx context.Context, refundID int64) (domain.Refund, error) {
	var refund domain.Refund
	err := s.store.InTx(ctx, func(tx domain.Tx) error {
		var err error
		refund, err = tx.Refunds().GetForUpdate(ctx, refundID)
		if err != nil {
			return err
		}
		if refund.Status != domain.RefundRequested {
			return domain.ErrRefundNotRequested.Withf("refund %d is %s", refund.ID, refund.Status)
		}
		ord, err := tx.Orders().GetForUpdate(ctx, refund.OrderID)
		if err != nil {
			return err
		}
		if _, ok := refundableStatuses[ord.Status]; !ok {
			return domain.ErrInvalidState.Withf("order %d is %s, refund cannot be approved", ord.ID, ord.Status)
		}
		if ord.Status == domain.OrderPaid {
			if _, err := s.orders.TransitionTx(ctx, tx, ord, domain.OrderRefundPending, refund.ReasonCode); err != nil {
				return err
			}
		}

		now := s.now()
		refund.Status = domain.RefundApproved
		refund.ApprovedAt = &now
		refund.UpdatedAt = now
		return tx.Refunds().Update(ctx, refund)
	})
	if err != nil {
		return domain.Refund{}, err
	}
	s.metrics.RecordRefund("approved")
	return refund, nil
}

// Reject отклоняет заявку; отклонённый возврат не учитывается в остатке к возврату.
func (s *Service) Reject(ctx context.Context, refundID int64, reason string) (domain.Refund, error) {
	var refund domain.Refund
	err := s.store.InTx(ctx, func(tx domain.Tx) error {
		var err error
		refund, err = tx.Refunds().GetForUpdate(ctx, refundID)
		if err != nil {
			return err
		}
		if refund.Status != domain.RefundRequested {
			return domain.ErrRefundNotRequested.Withf("refund %d is %s", refund.ID, refund.Status)
		}
		refund.Status = domain.RefundFailed
		refund.FailureReason = reason
		refund.UpdatedAt = s.now()
		return tx.Refunds().Update(ctx, refund)
	})
	if err != nil {
		return domain.Refund{}, err
	}
	s.metrics.RecordRefund("rejected")
	return refund, nil
}

type restockFailure struct {
	RefundID    int64  `json:"refund_id"`
	OrderID     int64  `json:"order_id"`
	OrderItemID int64  `json:"order_item_id"`
	SKUID       int64  `json:"sku_id"`
	SellerID    int64  `json:"seller_id"`
	Qty         int64  `json:"qty"`
	Error       string `json:"error"`
}

// Process проводит одобренный возврат: деньги через провайдера, склад, финансовый леджер, статус заказа.
// Сбой возврата на склад по одной позиции не откатывает возврат денег: он уходит в ops-задачу.
func (s *Service) Process(ctx context.Context, refundID int64) (domain.Refund, error) {
	start := time.Now()
	defer func() { s.metrics.ObserveOperation("refund_process", time.Since(start)) }()

	var (
		refund   domain.Refund
		failures []restockFailure
		gwErr    error
	)
	err := s.store.InTx(ctx, func(tx domain.Tx) error {
		failures = nil
		var err error
		refund, err = tx.Refunds().GetForUpdate(ctx, refundID)
		if err != nil {
			return err
		}
		if refund.Status != domain.RefundApproved {
			return domain.ErrRefundNotApproved.Withf("refund %d is %s", refund.ID, refund.Status)
		}
		ord, err := tx.Orders().GetForUpdate(ctx, refund.OrderID)
		if err != nil {
			return err
		}
		payment, err := tx.Payments().Get(ctx, refund.PaymentID)
		if err != nil {
			return err
		}
		history, err := tx.Refunds().ListByOrder(ctx, ord.ID)
		if err != nil {
			return err
		}

		// Целевой статус проверяется до обращения к провайдеру, чтобы не вернуть деньги без перехода.
		target := targetStatus(ord, history, refund)
		if ord.Status != target && !domain.CanTransitionOrder(ord.Status, target) {
			return domain.ErrInvalidState.Withf("order %d: %s -> %s", ord.ID, ord.Status, target)
		}

		now := s.now()
		refund.Status = domain.RefundProcessing
		refund.UpdatedAt = now
		if err := tx.Refunds().Update(ctx, refund); err != nil {
			return err
		}

		if refund.Amount > 0 {
			// Повтор после отката транзакции приходит к провайдеру с тем же ключом.
			providerID, err := s.gateway.Refund(ctx, payment, refund.Amount, domain.GatewayRefundKey(refund.ID))
			if err != nil {
				gwErr = err
				refund.Status = domain.RefundFailed
				refund.FailureReason = err.Error()
				refund.UpdatedAt = s.now()
				if err := tx.Refunds().Update(ctx, refund); err != nil {
					return err
				}
				return domain.EmitEvent(ctx, tx, domain.AggregateRefund, refund.ID, domain.EventRefundFailed, map[string]any{
					"refund_id": refund.ID,
					"order_id":  refund.OrderID,
					"reason":    refund.FailureReason,
				})
			}
			refund.ProviderRefundID = providerID
		}

		refund.Status = domain.RefundRefunded
		refund.RefundedAt = &now
		if err := tx.Refunds().Update(ctx, refund); err != nil {
			return err
		}

		for _, item := range refund.Items {
			if err := s.restock(ctx, tx, refund, item); err != nil {
				s.logger.WithError(err).WithFields(log.Fields{
					"refund_id":     refund.ID,
					"order_item_id": item.OrderItemID,
					"sku_id":        item.SKUID,
				}).Error("restock failed, escalating to ops")
				failures = append(failures, restockFailure{
					RefundID:    refund.ID,
					OrderID:     refund.OrderID,
					OrderItemID: item.OrderItemID,
					SKUID:       item.SKUID,
					SellerID:    item.SellerID,
					Qty:         item.Qty,
					Error:       err.Error(),
				})
			}
			if _, _, err := tx.Financial().Append(ctx, domain.FinancialEntry{
				OrderID:        refund.OrderID,
				OrderItemID:    item.OrderItemID,
				SellerID:       item.SellerID,
				PaymentID:      refund.PaymentID,
				RefundID:       refund.ID,
				EntryType:      domain.EntryRefund,
				Amount:         -item.Amount,
				Currency:       payment.Currency,
				IdempotencyKey: domain.RefundEntryKey(refund.ID, item.OrderItemID),
				CreatedAt:      now,
			}); err != nil {
				return err
			}
		}

		if _, err := s.orders.TransitionTx(ctx, tx, ord, target, refund.ReasonCode); err != nil {
			return err
		}
		return domain.EmitEvent(ctx, tx, domain.AggregateRefund, refund.ID, domain.EventRefundCompleted, map[string]any{
			"refund_id":    refund.ID,
			"order_id":     refund.OrderID,
			"amount":       refund.Amount,
			"order_status": target,
		})
	})
	if err != nil {
		return domain.Refund{}, err
	}
	if gwErr != nil {
		s.metrics.RecordRefund("failed")
		s.logger.WithError(gwErr).WithField("refund_id", refund.ID).Warn("gateway refund failed")
		return refund, domain.ErrGatewayRefundFailed.Wrap(gwErr)
	}

	s.escalate(ctx, failures)
	s.metrics.RecordRefund("refunded")
	s.logger.WithFields(log.Fields{
		"refund_id": refund.ID,
		"order_id":  refund.OrderID,
		"amount":    refund.Amount,
	}).Info("refund processed")
	return refund, nil
}

// restock возвращает позицию на склад в savepoint, чтобы ошибка не задела остальную транзакцию.
func (s *Service) restock(ctx context.Context, tx domain.Tx, refund domain.Refund, item domain.RefundItem) error {
	return tx.Savepoint(ctx, func() error {
		m, err := domain.NewInventoryMutation(domain.MutationRestock, item.SKUID, item.SellerID, item.Qty,
			domain.RestockKey(refund.ID, item.OrderItemID), domain.RefTypeRefund, refund.ID)
		if err != nil {
			return err
		}
		_, err = s.stock.MutateTx(ctx, tx, m)
		return err
	})
}

func (s *Service) escalate(ctx context.Context, failures []restockFailure) {
	if len(failures) == 0 {
		return
	}
	s.metrics.RecordRestockFailed(len(failures))
	if s.tasks == nil {
		return
	}
	for _, failure := range failures {
		payload, err := json.Marshal(failure)
		if err != nil {
			s.logger.WithError(err).Error("marshal restock failure")
			continue
		}
		if _, err := s.tasks.CreateTask(ctx, domain.OpsTaskRestockFailed, payload); err != nil {
			s.logger.WithError(err).WithField("refund_id", failure.RefundID).Error("ops task creation failed")
		}
	}
}

// Get возвращает возврат.
func (s *Service) Get(ctx context.Context, refundID int64) (domain.Refund, error) {
	var refund domain.Refund
	err := s.store.InTx(ctx, func(tx domain.Tx) error {
		var err error
		refund, err = tx.Refunds().Get(ctx, refundID)
		return err
	})
	return refund, err
}

// ListByOrder возвращает возвраты заказа.
func (s *Service) ListByOrder(ctx context.Context, orderID int64) ([]domain.Refund, error) {
	var refunds []domain.Refund
	err := s.store.InTx(ctx, func(tx domain.Tx) error {
		var err error
		refunds, err = tx.Refunds().ListByOrder(ctx, orderID)
		return err
	})
	return refunds, err
}

func (s *Service) byIdempotencyKey(ctx context.Context, key string) (domain.Refund, bool, error) {
	var (
		refund domain.Refund
		found  bool
	)
	err := s.store.InTx(ctx, func(tx domain.Tx) error {
		var err error
		refund, found, err = tx.Refunds().GetByIdempotencyKey(ctx, key)
		return err
	})
	return refund, found, err
}

func capturedPayment(ctx context.Context, tx domain.Tx, orderID int64) (domain.Payment, error) {
	payments, err := tx.Payments().ListByOrder(ctx, orderID)
	if err != nil {
		return domain.Payment{}, err
	}
	for _, payment := range payments {
		if payment.Status == domain.PaymentCaptured {
			return payment, nil
		}
	}
	return domain.Payment{}, domain.ErrPaymentNotFound.Withf("order %d has no captured payment", orderID)
}

// historyOf сводит уже заведённые возвраты заказа, кроме FAILED.
func historyOf(refunds []domain.Refund) domain.RefundHistory {
	history := domain.RefundHistory{QtyByItem: make(map[int64]int64)}
	for _, r := range refunds {
		if !r.Status.Counts() {
			continue
		}
		for _, item := range r.Items {
			history.QtyByItem[item.OrderItemID] += item.Qty
		}
		history.ShippingRefunded += r.ShippingRefundAmount
		history.ReturnFeeCharged += r.ReturnFeeAmount
	}
	return history
}

// targetStatus решает, остаётся ли после возврата невозвращённое количество.
// Учитываются проведённые возвраты и текущий.
func targetStatus(ord domain.Order, refunds []domain.Refund, current domain.Refund) domain.OrderStatus {
	refunded := make(map[int64]int64, len(ord.Items))
	for _, r := range refunds {
		if r.ID == current.ID || r.Status != domain.RefundRefunded {
			continue
		}
		for _, item := range r.Items {
			refunded[item.OrderItemID] += item.Qty
		}
	}
	for _, item := range current.Items {
		refunded[item.OrderItemID] += item.Qty
	}
	for _, item := range ord.Items {
		if refunded[item.ID] < item.Qty {
			return domain.OrderPartiallyRefunded
		}
	}
	return domain.OrderRefunded
}
