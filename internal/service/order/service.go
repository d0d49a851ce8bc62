package order

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/commerce/internal/domain"
	"github.com/vladislavdragonenkov/commerce/internal/metrics"
	"github.com/vladislavdragonenkov/commerce/internal/service/inventory"
)

// ShippingPolicy задаёт стоимость доставки по способу.
type ShippingPolicy struct {
	// StandardFee: стоимость стандартной доставки.
	StandardFee int64
	// FreeThreshold: сумма позиций, начиная с которой доставка бесплатна (0: без порога).
	FreeThreshold int64
}

// DefaultShippingPolicy возвращает базовые тарифы доставки.
func DefaultShippingPolicy() ShippingPolicy {
	return ShippingPolicy{StandardFee: 3000}
}

// Fee возвращает стоимость доставки для способа и суммы позиций.
func (p ShippingPolicy) Fee(mode string, itemsTotal int64) int64 {
	if mode == domain.ShippingModePickup {
		return 0
	}
	if p.FreeThreshold > 0 && itemsTotal >= p.FreeThreshold {
		return 0
	}
	return p.StandardFee
}

// ItemInput: строка заказа от клиента.
// OfferID и UnitPrice опциональны: если заданы, они сверяются с текущим предложением.
type ItemInput struct {
	SKUID     int64
	Qty       int64
	OfferID   int64
	UnitPrice *int64
}

// CreateOrderInput: параметры оформления заказа.
type CreateOrderInput struct {
	UserID         int64
	CartID         *int64
	Items          []ItemInput
	Currency       string
	ShippingMode   string
	AddressID      int64
	PaymentMethod  string
	IdempotencyKey string
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

// WithAddressBook подключает адресную книгу для снимка адреса доставки.
func WithAddressBook(book domain.AddressBook) Option {
	return func(s *Service) { s.addresses = book }
}

// WithCartReader подключает чтение корзины.
func WithCartReader(carts domain.CartReader) Option {
	return func(s *Service) { s.carts = carts }
}

// WithShippingPolicy задаёт тарифы доставки.
func WithShippingPolicy(policy ShippingPolicy) Option {
	return func(s *Service) { s.shipping = policy }
}

// Service: машина состояний заказа. Единственный, кто меняет статус заказа.
type Service struct {
	store     domain.Store
	ledger    *inventory.Ledger
	catalog   domain.Catalog
	addresses domain.AddressBook
	carts     domain.CartReader
	shipping  ShippingPolicy
	logger    *log.Entry
	metrics   *metrics.CommerceMetrics
	now       func() time.Time
}

// NewService создаёт сервис заказов.
func NewService(store domain.Store, ledger *inventory.Ledger, catalog domain.Catalog, options ...Option) *Service {
	s := &Service{
		store:    store,
		ledger:   ledger,
		catalog:  catalog,
		shipping: DefaultShippingPolicy(),
		now:      func() time.Time { return time.Now().UTC() },
	}
	for _, option := range options {
		option(s)
	}
	if s.logger == nil {
		s.logger = log.WithField("component", "order-service")
	}
	return s
}

// Create оформляет заказ: фиксирует цены текущих предложений, сохраняет заказ и резервирует склад.
// Повтор с тем же ключом идемпотентности возвращает сохранённый заказ без повторного резерва.
func (s *Service) Create(ctx context.Context, in CreateOrderInput) (domain.Order, error) {
	start := time.Now()
	defer func() { s.metrics.ObserveOperation("order_create", time.Since(start)) }()

	if in.IdempotencyKey != "" {
		existing, found, err := s.byIdempotencyKey(ctx, in.IdempotencyKey)
		if err != nil {
			return domain.Order{}, err
		}
		if found {
			return existing, nil
		}
	}
	if in.UserID <= 0 {
		return domain.Order{}, domain.ErrUserRequired
	}

	lines, err := s.resolveLines(ctx, in)
	if err != nil {
		return domain.Order{}, err
	}

	order, err := s.buildOrder(ctx, in, lines)
	if err != nil {
		return domain.Order{}, err
	}

	err = s.store.InTx(ctx, func(tx domain.Tx) error {
		if err := tx.Orders().Create(ctx, &order); err != nil {
			return err
		}
		if err := s.appendEvent(ctx, tx, order.ID, domain.OrderEventCreated, "", order.Status, "", map[string]any{
			"order_no":     order.OrderNo,
			"total_amount": order.TotalAmount,
			"currency":     order.Currency,
		}); err != nil {
			return err
		}

		reserved := make([]map[string]int64, 0, len(order.Items))
		for _, item := range order.Items {
			m, err := domain.NewInventoryMutation(domain.MutationReserve, item.SKUID, item.SellerID, item.Qty,
				domain.ReserveKey(order.ID, item.SKUID), domain.RefTypeOrder, order.ID)
			if err != nil {
				return err
			}
			if _, err := s.ledger.MutateTx(ctx, tx, m); err != nil {
				return err
			}
			reserved = append(reserved, map[string]int64{"sku_id": item.SKUID, "seller_id": item.SellerID, "qty": item.Qty})
		}
		if err := s.appendEvent(ctx, tx, order.ID, domain.OrderEventInventoryReserved, order.Status, order.Status, "", map[string]any{
			"items": reserved,
		}); err != nil {
			return err
		}

		return domain.EmitEvent(ctx, tx, domain.AggregateOrder, order.ID, domain.EventOrderCreated, map[string]any{
			"order_id":     order.ID,
			"order_no":     order.OrderNo,
			"user_id":      order.UserID,
			"total_amount": order.TotalAmount,
			"currency":     order.Currency,
		})
	})
	if err != nil {
		// Параллельный запрос с тем же ключом успел закоммитить заказ первым.
		if in.IdempotencyKey != "" && errors.Is(err, domain.ErrIdempotencyConflict) {
			if existing, found, lookupErr := s.byIdempotencyKey(ctx, in.IdempotencyKey); lookupErr == nil && found {
				return existing, nil
			}
		}
		s.logger.WithError(err).WithField("user_id", in.UserID).Warn("order creation failed")
		return domain.Order{}, err
	}

	s.metrics.RecordOrderCreated()
	s.logger.WithFields(log.Fields{
		"order_id": order.ID,
		"order_no": order.OrderNo,
		"total":    order.TotalAmount,
	}).Info("order created")
	return order, nil
}

type resolvedLine struct {
	input ItemInput
	offer domain.Offer
}

// resolveLines собирает строки из запроса или корзины и сверяет их с текущими предложениями.
func (s *Service) resolveLines(ctx context.Context, in CreateOrderInput) ([]resolvedLine, error) {
	inputs := in.Items
	if len(inputs) == 0 && in.CartID != nil {
		if s.carts == nil {
			return nil, domain.ErrItemsRequired.Withf("cart reader is not configured")
		}
		cartLines, err := s.carts.CartItems(ctx, in.UserID, *in.CartID)
		if err != nil {
			return nil, err
		}
		for _, line := range cartLines {
			inputs = append(inputs, ItemInput{SKUID: line.SKUID, Qty: line.Qty})
		}
	}
	if len(inputs) == 0 {
		return nil, domain.ErrItemsRequired
	}

	// Один SKU: одно предложение и один ключ резерва, поэтому дубли сливаются.
	merged := make([]ItemInput, 0, len(inputs))
	index := make(map[int64]int, len(inputs))
	for _, item := range inputs {
		if item.SKUID <= 0 {
			return nil, domain.ErrSKURequired
		}
		if item.Qty <= 0 {
			return nil, domain.ErrInvalidQty.Withf("sku %d: qty %d", item.SKUID, item.Qty)
		}
		if i, ok := index[item.SKUID]; ok {
			merged[i].Qty += item.Qty
			if merged[i].OfferID == 0 {
				merged[i].OfferID = item.OfferID
			}
			if merged[i].UnitPrice == nil {
				merged[i].UnitPrice = item.UnitPrice
			}
			continue
		}
		index[item.SKUID] = len(merged)
		merged = append(merged, item)
	}

	lines := make([]resolvedLine, 0, len(merged))
	for _, item := range merged {
		offer, err := s.catalog.GetCurrentOffer(ctx, item.SKUID)
		if err != nil {
			return nil, err
		}
		if item.OfferID != 0 && item.OfferID != offer.OfferID {
			return nil, domain.ErrPriceChanged.Withf("sku %d: offer %d is no longer current (current %d)", item.SKUID, item.OfferID, offer.OfferID)
		}
		if item.UnitPrice != nil && *item.UnitPrice != offer.Price {
			return nil, domain.ErrPriceChanged.Withf("sku %d: price %d, current %d", item.SKUID, *item.UnitPrice, offer.Price)
		}
		lines = append(lines, resolvedLine{input: item, offer: offer})
	}
	return lines, nil
}

func (s *Service) buildOrder(ctx context.Context, in CreateOrderInput, lines []resolvedLine) (domain.Order, error) {
	now := s.now()
	currency := strings.ToUpper(strings.TrimSpace(in.Currency))
	if currency == "" {
		currency = lines[0].offer.Currency
	}

	order := domain.Order{
		OrderNo:        NewOrderNo(now),
		UserID:         in.UserID,
		CartID:         in.CartID,
		Status:         domain.OrderCreated,
		Currency:       currency,
		ShippingMode:   in.ShippingMode,
		PaymentMethod:  in.PaymentMethod,
		IdempotencyKey: in.IdempotencyKey,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if order.ShippingMode == "" {
		order.ShippingMode = domain.ShippingModeStandard
	}

	for _, line := range lines {
		if line.offer.Currency != "" && line.offer.Currency != currency {
			return domain.Order{}, domain.ErrPriceChanged.Withf("sku %d: offer currency %s, order currency %s", line.offer.SKUID, line.offer.Currency, currency)
		}
		snapshot, err := json.Marshal(line.offer)
		if err != nil {
			return domain.Order{}, fmt.Errorf("marshal price snapshot: %w", err)
		}
		item, err := domain.NewOrderItem(line.offer.SKUID, line.offer.SellerID, line.offer.OfferID, line.input.Qty, line.offer.Price, snapshot)
		if err != nil {
			return domain.Order{}, err
		}
		order.Items = append(order.Items, item)
	}

	if in.AddressID > 0 {
		if s.addresses == nil {
			return domain.Order{}, domain.ErrAddressNotFound.Withf("address book is not configured")
		}
		addr, err := s.addresses.FindAddress(ctx, in.UserID, in.AddressID)
		if err != nil {
			return domain.Order{}, err
		}
		raw, err := json.Marshal(addr)
		if err != nil {
			return domain.Order{}, fmt.Errorf("marshal shipping snapshot: %w", err)
		}
		order.ShippingSnapshot = raw
	}

	order.ShippingFee = s.shipping.Fee(order.ShippingMode, order.ItemsTotal())
	order.TotalAmount = order.ItemsTotal() + order.ShippingFee - order.DiscountAmount
	if err := order.ValidateInvariants(); err != nil {
		return domain.Order{}, err
	}
	return order, nil
}

// Cancel отменяет заказ до оплаты и снимает резерв по всем позициям.
// Повторная отмена возвращает заказ без изменений.
func (s *Service) Cancel(ctx context.Context, orderID int64, reasonCode string) (domain.Order, error) {
	var result domain.Order
	err := s.store.InTx(ctx, func(tx domain.Tx) error {
		order, err := tx.Orders().GetForUpdate(ctx, orderID)
		if err != nil {
			return err
		}
		if order.Status == domain.OrderCanceled {
			result = order
			return nil
		}
		if order.Status != domain.OrderCreated && order.Status != domain.OrderPaymentPending {
			return domain.ErrInvalidState.Withf("order %d cannot be canceled from %s", order.ID, order.Status)
		}

		released := make([]map[string]int64, 0, len(order.Items))
		for _, item := range order.Items {
			m, err := domain.NewInventoryMutation(domain.MutationRelease, item.SKUID, item.SellerID, item.Qty,
				domain.ReleaseKey(order.ID, item.SKUID), domain.RefTypeOrder, order.ID)
			if err != nil {
				return err
			}
			if _, err := s.ledger.MutateTx(ctx, tx, m); err != nil {
				return err
			}
			released = append(released, map[string]int64{"sku_id": item.SKUID, "seller_id": item.SellerID, "qty": item.Qty})
		}
		if err := s.appendEvent(ctx, tx, order.ID, domain.OrderEventInventoryReleased, order.Status, order.Status, reasonCode, map[string]any{
			"items": released,
		}); err != nil {
			return err
		}

		// Активные платежи по отменённому заказу больше не могут его оплатить.
		payments, err := tx.Payments().ListByOrder(ctx, order.ID)
		if err != nil {
			return err
		}
		for _, payment := range payments {
			if !payment.Status.Active() {
				continue
			}
			payment.Status = domain.PaymentCanceled
			payment.UpdatedAt = s.now()
			if err := tx.Payments().Update(ctx, payment); err != nil {
				return err
			}
		}

		result, err = s.TransitionTx(ctx, tx, order, domain.OrderCanceled, reasonCode)
		return err
	})
	if err != nil {
		return domain.Order{}, err
	}
	return result, nil
}

// Transition переводит заказ в статус to в собственной транзакции.
func (s *Service) Transition(ctx context.Context, orderID int64, to domain.OrderStatus, reasonCode string) (domain.Order, error) {
	var result domain.Order
	err := s.store.InTx(ctx, func(tx domain.Tx) error {
		order, err := tx.Orders().GetForUpdate(ctx, orderID)
		if err != nil {
			return err
		}
		result, err = s.TransitionTx(ctx, tx, order, to, reasonCode)
		return err
	})
	if err != nil {
		return domain.Order{}, err
	}
	return result, nil
}

// TransitionTx применяет переход к заблокированному заказу внутри транзакции вызывающего.
// Переход в текущий статус ничего не пишет.
func (s *Service) TransitionTx(ctx context.Context, tx domain.Tx, order domain.Order, to domain.OrderStatus, reasonCode string) (domain.Order, error) {
	from := order.Status
	changed, err := order.Transition(to, s.now())
	if err != nil {
		return domain.Order{}, err
	}
	if !changed {
		return order, nil
	}
	if err := tx.Orders().Update(ctx, order); err != nil {
		return domain.Order{}, err
	}
	if err := s.appendEvent(ctx, tx, order.ID, domain.OrderEventStatusChanged, from, to, reasonCode, nil); err != nil {
		return domain.Order{}, err
	}
	if err := domain.EmitEvent(ctx, tx, domain.AggregateOrder, order.ID, domain.EventOrderStatusChanged, map[string]any{
		"order_id":    order.ID,
		"from_status": from,
		"to_status":   to,
		"reason_code": reasonCode,
	}); err != nil {
		return domain.Order{}, err
	}

	s.metrics.RecordOrderTransition(string(to))
	s.logger.WithFields(log.Fields{
		"order_id": order.ID,
		"from":     from,
		"to":       to,
	}).Debug("order status changed")
	return order, nil
}

// MarkReadyToShip переводит оплаченный заказ в сборку.
func (s *Service) MarkReadyToShip(ctx context.Context, orderID int64) (domain.Order, error) {
	return s.Transition(ctx, orderID, domain.OrderReadyToShip, "")
}

// MarkShipped фиксирует отгрузку.
func (s *Service) MarkShipped(ctx context.Context, orderID int64) (domain.Order, error) {
	return s.Transition(ctx, orderID, domain.OrderShipped, "")
}

// MarkDelivered фиксирует доставку.
func (s *Service) MarkDelivered(ctx context.Context, orderID int64) (domain.Order, error) {
	return s.Transition(ctx, orderID, domain.OrderDelivered, "")
}

// Get возвращает заказ с позициями.
func (s *Service) Get(ctx context.Context, orderID int64) (domain.Order, error) {
	var order domain.Order
	err := s.store.InTx(ctx, func(tx domain.Tx) error {
		var err error
		order, err = tx.Orders().Get(ctx, orderID)
		return err
	})
	return order, err
}

// ListEvents возвращает аудит заказа в порядке записи.
func (s *Service) ListEvents(ctx context.Context, orderID int64) ([]domain.OrderEvent, error) {
	var events []domain.OrderEvent
	err := s.store.InTx(ctx, func(tx domain.Tx) error {
		if _, err := tx.Orders().Get(ctx, orderID); err != nil {
			return err
		}
		var err error
		events, err = tx.Orders().ListEvents(ctx, orderID)
		return err
	})
	return events, err
}

func (s *Service) byIdempotencyKey(ctx context.Context, key string) (domain.Order, bool, error) {
	var (
		order domain.Order
		found bool
	)
	err := s.store.InTx(ctx, func(tx domain.Tx) error {
		var err error
		order, found, err = tx.Orders().GetByIdempotencyKey(ctx, key)
		return err
	})
	return order, found, err
}

func (s *Service) appendEvent(ctx context.Context, tx domain.Tx, orderID int64, eventType string, from, to domain.OrderStatus, reasonCode string, payload any) error {
	var raw json.RawMessage
	if payload != nil {
		var err error
		if raw, err = json.Marshal(payload); err != nil {
			return fmt.Errorf("marshal %s payload: %w", eventType, err)
		}
	}
	_, err := tx.Orders().AppendEvent(ctx, domain.OrderEvent{
		OrderID:    orderID,
		EventType:  eventType,
		FromStatus: from,
		ToStatus:   to,
		ReasonCode: reasonCode,
		Payload:    raw,
		CreatedAt:  s.now(),
	})
	return err
}

// NewOrderNo генерирует человекочитаемый номер заказа ORD-YYYYMMDD-XXXXXXXX.
func NewOrderNo(at time.Time) string {
	id := strings.ReplaceAll(uuid.NewString(), "-", "")
	return fmt.Sprintf("ORD-%s-%s", at.UTC().Format("20060102"), strings.ToUpper(id[:8]))
}
