package payment

import (
	"context"
	"errors"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/commerce/internal/domain"
	"github.com/vladislavdragonenkov/commerce/internal/metrics"
	"github.com/vladislavdragonenkov/commerce/internal/service/inventory"
	"github.com/vladislavdragonenkov/commerce/internal/service/order"
)

const defaultReceiveGrace = 30 * time.Second

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

// WithFeePolicy задаёт ставки комиссий.
func WithFeePolicy(policy FeePolicy) Option {
	return func(s *Service) { s.fees = policy }
}

// WithReceiveGrace задаёт паузу, после которой необработанное событие подхватит планировщик.
func WithReceiveGrace(d time.Duration) Option {
	return func(s *Service) { s.receiveGrace = d }
}

// CreatePaymentInput: параметры создания платежа.
type CreatePaymentInput struct {
	OrderID        int64
	Amount         int64
	Method         string
	IdempotencyKey string
}

// PaymentResult: платёж и сессия оплаты у провайдера.
type PaymentResult struct {
	Payment domain.Payment
	Session domain.CheckoutSession
}

// Service: захват платежей и приём callback-ов провайдера.
type Service struct {
	store        domain.Store
	orders       *order.Service
	ledger       *inventory.Ledger
	gateway      domain.PaymentGateway
	fees         FeePolicy
	receiveGrace time.Duration
	logger       *log.Entry
	metrics      *metrics.CommerceMetrics
	now          func() time.Time
}

// NewService создаёт платёжный сервис.
func NewService(store domain.Store, orders *order.Service, ledger *inventory.Ledger, gateway domain.PaymentGateway, options ...Option) *Service {
	s := &Service{
		store:        store,
		orders:       orders,
		ledger:       ledger,
		gateway:      gateway,
		fees:         DefaultFeePolicy(),
		receiveGrace: defaultReceiveGrace,
		now:          func() time.Time { return time.Now().UTC() },
	}
	for _, option := range options {
		option(s)
	}
	if s.logger == nil {
		s.logger = log.WithField("component", "payment-service")
	}
	return s
}

// Gateway возвращает подключённого провайдера.
func (s *Service) Gateway() domain.PaymentGateway {
	return s.gateway
}

// CreatePayment создаёт платёж под сумму заказа и открывает сессию оплаты.
// Повтор с тем же ключом возвращает исходный платёж и сессию.
func (s *Service) CreatePayment(ctx context.Context, in CreatePaymentInput) (PaymentResult, error) {
	if in.IdempotencyKey != "" {
		existing, found, err := s.byIdempotencyKey(ctx, in.IdempotencyKey)
		if err != nil {
			return PaymentResult{}, err
		}
		if found {
			return resultFor(existing), nil
		}
	}

	var payment domain.Payment
	var ord domain.Order
	err := s.store.InTx(ctx, func(tx domain.Tx) error {
		var err error
		ord, err = tx.Orders().GetForUpdate(ctx, in.OrderID)
		if err != nil {
			return err
		}
		if ord.Status != domain.OrderCreated && ord.Status != domain.OrderPaymentPending {
			return domain.ErrInvalidState.Withf("order %d is %s, payment not allowed", ord.ID, ord.Status)
		}
		if in.Amount != ord.TotalAmount {
			return domain.ErrAmountMismatch.Withf("order %d: amount %d, total %d", ord.ID, in.Amount, ord.TotalAmount)
		}

		method := in.Method
		if method == "" {
			method = ord.PaymentMethod
		}
		now := s.now()
		payment = domain.Payment{
			OrderID:        ord.ID,
			Method:         method,
			Status:         domain.PaymentInitiated,
			Amount:         in.Amount,
			Currency:       ord.Currency,
			Provider:       s.gateway.Provider(),
			IdempotencyKey: in.IdempotencyKey,
			CreatedAt:      now,
			UpdatedAt:      now,
		}
		if err := payment.Validate(); err != nil {
			return err
		}

		// Новый платёж вытесняет прежние активные: оплатить заказ может только один.
		previous, err := tx.Payments().ListByOrder(ctx, ord.ID)
		if err != nil {
			return err
		}
		for _, p := range previous {
			if !p.Status.Active() {
				continue
			}
			p.Status = domain.PaymentCanceled
			p.UpdatedAt = now
			if err := tx.Payments().Update(ctx, p); err != nil {
				return err
			}
		}

		if err := tx.Payments().Create(ctx, &payment); err != nil {
			return err
		}
		if ord.PaymentMethod != method {
			ord.PaymentMethod = method
			if err := tx.Orders().Update(ctx, ord); err != nil {
				return err
			}
		}
		_, err = s.orders.TransitionTx(ctx, tx, ord, domain.OrderPaymentPending, "")
		return err
	})
	if err != nil {
		if in.IdempotencyKey != "" && errors.Is(err, domain.ErrIdempotencyConflict) {
			if existing, found, lookupErr := s.byIdempotencyKey(ctx, in.IdempotencyKey); lookupErr == nil && found {
				return resultFor(existing), nil
			}
		}
		return PaymentResult{}, err
	}

	session, gwErr := s.gateway.CreateCheckoutSession(ctx, domain.CheckoutRequest{
		PaymentID: payment.ID,
		OrderID:   ord.ID,
		OrderNo:   ord.OrderNo,
		Amount:    payment.Amount,
		Currency:  payment.Currency,
		Method:    payment.Method,
	})

	err = s.store.InTx(ctx, func(tx domain.Tx) error {
		current, err := tx.Payments().GetForUpdate(ctx, payment.ID)
		if err != nil {
			return err
		}
		current.UpdatedAt = s.now()
		if gwErr != nil {
			current.Status = domain.PaymentFailed
		} else if current.Status == domain.PaymentInitiated {
			expires := session.ExpiresAt
			current.Status = domain.PaymentProcessing
			current.CheckoutSessionID = session.SessionID
			current.RedirectURL = session.RedirectURL
			current.ExpiresAt = &expires
		}
		if err := tx.Payments().Update(ctx, current); err != nil {
			return err
		}
		payment = current
		return nil
	})
	if gwErr != nil {
		s.logger.WithError(gwErr).WithField("payment_id", payment.ID).Warn("checkout session failed")
		return PaymentResult{}, domain.Internal("create checkout session", gwErr)
	}
	if err != nil {
		return PaymentResult{}, err
	}

	s.logger.WithFields(log.Fields{
		"payment_id": payment.ID,
		"order_id":   payment.OrderID,
		"amount":     payment.Amount,
	}).Info("payment initiated")
	return PaymentResult{Payment: payment, Session: session}, nil
}

// Get возвращает платёж.
func (s *Service) Get(ctx context.Context, paymentID int64) (domain.Payment, error) {
	var payment domain.Payment
	err := s.store.InTx(ctx, func(tx domain.Tx) error {
		var err error
		payment, err = tx.Payments().Get(ctx, paymentID)
		return err
	})
	return payment, err
}

func (s *Service) byIdempotencyKey(ctx context.Context, key string) (domain.Payment, bool, error) {
	var (
		payment domain.Payment
		found   bool
	)
	err := s.store.InTx(ctx, func(tx domain.Tx) error {
		var err error
		payment, found, err = tx.Payments().GetByIdempotencyKey(ctx, key)
		return err
	})
	return payment, found, err
}

func resultFor(payment domain.Payment) PaymentResult {
	result := PaymentResult{
		Payment: payment,
		Session: domain.CheckoutSession{
			SessionID:   payment.CheckoutSessionID,
			RedirectURL: payment.RedirectURL,
		},
	}
	if payment.ExpiresAt != nil {
		result.Session.ExpiresAt = *payment.ExpiresAt
	}
	return result
}
