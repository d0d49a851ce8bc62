package domain

import (
	"encoding/json"
	"time"

	"go.uber.org/multierr"
)

// OrderStatus описывает жизненный цикл заказа.
type OrderStatus string

const (
	OrderCreated           OrderStatus = "CREATED"
	OrderPaymentPending    OrderStatus = "PAYMENT_PENDING"
	OrderPaid              OrderStatus = "PAID"
	OrderReadyToShip       OrderStatus = "READY_TO_SHIP"
	OrderShipped           OrderStatus = "SHIPPED"
	OrderDelivered         OrderStatus = "DELIVERED"
	OrderCanceled          OrderStatus = "CANCELED"
	OrderRefundPending     OrderStatus = "REFUND_PENDING"
	OrderRefunded          OrderStatus = "REFUNDED"
	OrderPartiallyRefunded OrderStatus = "PARTIALLY_REFUNDED"
)

// orderTransitions: допустимые переходы: источник → цели.
var orderTransitions = map[OrderStatus][]OrderStatus{
	OrderCreated:           {OrderPaymentPending, OrderCanceled},
	OrderPaymentPending:    {OrderPaid, OrderCanceled},
	OrderPaid:              {OrderReadyToShip, OrderRefundPending, OrderRefunded, OrderPartiallyRefunded},
	OrderReadyToShip:       {OrderShipped, OrderCanceled},
	OrderShipped:           {OrderDelivered, OrderPartiallyRefunded, OrderRefunded},
	OrderDelivered:         {OrderPartiallyRefunded, OrderRefunded},
	OrderRefundPending:     {OrderRefunded, OrderPartiallyRefunded},
	OrderPartiallyRefunded: {OrderRefunded, OrderPartiallyRefunded},
}

// CanTransitionOrder проверяет, есть ли переход from → to в таблице.
func CanTransitionOrder(from, to OrderStatus) bool {
	for _, target := range orderTransitions[from] {
		if target == to {
			return true
		}
	}
	return false
}

// Типы событий аудита заказа.
const (
	OrderEventCreated           = "ORDER_CREATED"
	OrderEventInventoryReserved = "INVENTORY_RESERVED"
	OrderEventInventoryReleased = "INVENTORY_RELEASED"
	OrderEventInventoryDeducted = "INVENTORY_DEDUCTED"
	OrderEventStatusChanged     = "STATUS_CHANGED"
)

// Способы доставки.
const (
	ShippingModeStandard = "STANDARD"
	ShippingModePickup   = "PICKUP"
)

// OrderItem: позиция заказа. После создания меняется только Status.
type OrderItem struct {
	ID            int64
	OrderID       int64
	SKUID         int64
	SellerID      int64
	OfferID       int64
	Qty           int64
	UnitPrice     int64
	ItemAmount    int64
	Status        OrderStatus
	PriceSnapshot json.RawMessage
}

// NewOrderItem собирает позицию и проверяет количество и цену.
func NewOrderItem(skuID, sellerID, offerID, qty, unitPrice int64, snapshot json.RawMessage) (OrderItem, error) {
	var err error
	if skuID <= 0 {
		err = multierr.Append(err, ErrSKURequired)
	}
	if sellerID <= 0 {
		err = multierr.Append(err, ErrSellerRequired)
	}
	if qty <= 0 {
		err = multierr.Append(err, ErrInvalidQty)
	}
	if unitPrice < 0 {
		err = multierr.Append(err, ErrPriceInvalid)
	}
	if err != nil {
		return OrderItem{}, err
	}
	return OrderItem{
		SKUID:         skuID,
		SellerID:      sellerID,
		OfferID:       offerID,
		Qty:           qty,
		UnitPrice:     unitPrice,
		ItemAmount:    qty * unitPrice,
		Status:        OrderCreated,
		PriceSnapshot: snapshot,
	}, nil
}

// Order агрегирует состояние заказа и его позиции.
type Order struct {
	ID               int64
	OrderNo          string
	UserID           int64
	CartID           *int64
	Status           OrderStatus
	TotalAmount      int64
	Currency         string
	ShippingFee      int64
	ShippingMode     string
	DiscountAmount   int64
	PaymentMethod    string
	IdempotencyKey   string
	ShippingSnapshot json.RawMessage
	Items            []OrderItem
	CreatedAt        time.Time
	UpdatedAt        time.Time
	PaidAt           *time.Time
	ShippedAt        *time.Time
	DeliveredAt      *time.Time
	CanceledAt       *time.Time
}

// ItemsTotal возвращает Σ qty × unit_price по позициям.
func (o Order) ItemsTotal() int64 {
	var total int64
	for _, item := range o.Items {
		total += item.ItemAmount
	}
	return total
}

// Item ищет позицию по идентификатору.
func (o Order) Item(id int64) (OrderItem, bool) {
	for _, item := range o.Items {
		if item.ID == id {
			return item, true
		}
	}
	return OrderItem{}, false
}

// EverShipped сообщает, была ли отгрузка.
func (o Order) EverShipped() bool {
	return o.ShippedAt != nil
}

// Transition переводит заказ в статус to.
// Переход в текущий статус: no-op (changed=false); отсутствующий в таблице: ErrInvalidState.
func (o *Order) Transition(to OrderStatus, at time.Time) (bool, error) {
	if o.Status == to {
		return false, nil
	}
	if !CanTransitionOrder(o.Status, to) {
		return false, ErrInvalidState.Withf("order %d: %s -> %s", o.ID, o.Status, to)
	}
	o.Status = to
	o.UpdatedAt = at
	stamp := at
	switch to {
	case OrderPaid:
		o.PaidAt = &stamp
	case OrderShipped:
		o.ShippedAt = &stamp
	case OrderDelivered:
		o.DeliveredAt = &stamp
	case OrderCanceled:
		o.CanceledAt = &stamp
	}
	// Статус позиций следует за заказом для финансово значимых состояний.
	switch to {
	case OrderPaid, OrderCanceled, OrderRefunded:
		for i := range o.Items {
			o.Items[i].Status = to
		}
	}
	return true, nil
}

// ValidateInvariants проверяет базовые инварианты заказа.
func (o Order) ValidateInvariants() error {
	var err error
	if o.UserID <= 0 {
		err = multierr.Append(err, ErrUserRequired)
	}
	if o.Currency == "" {
		err = multierr.Append(err, ErrCurrencyRequired)
	}
	if len(o.Items) == 0 {
		err = multierr.Append(err, ErrItemsRequired)
	}
	if o.TotalAmount != o.ItemsTotal()+o.ShippingFee-o.DiscountAmount {
		err = multierr.Append(err, ErrAmountMismatch.Withf("order total %d does not match items", o.TotalAmount))
	}
	return err
}

// OrderEvent: запись аудита заказа.
type OrderEvent struct {
	ID         int64
	OrderID    int64
	EventType  string
	FromStatus OrderStatus
	ToStatus   OrderStatus
	ReasonCode string
	Payload    json.RawMessage
	CreatedAt  time.Time
}

// Clone возвращает копию заказа с независимым срезом позиций.
func (o Order) Clone() Order {
	cp := o
	cp.Items = append([]OrderItem(nil), o.Items...)
	return cp
}
