package events

import (
	"time"

	"github.com/shopspring/decimal"
)

// Kind tags an envelope with the payload type it carries.
type Kind string

const (
	KindOrderCreated               Kind = "OrderCreated"
	KindOrderCompleted             Kind = "OrderCompleted"
	KindOrderCancelled             Kind = "OrderCancelled"
	KindInventoryReserved          Kind = "InventoryReserved"
	KindInventoryReservationFailed Kind = "InventoryReservationFailed"
	KindPaymentCompleted           Kind = "PaymentCompleted"
	KindPaymentFailed              Kind = "PaymentFailed"
	KindDeliveryStarted            Kind = "DeliveryStarted"
	KindDeliveryCompleted          Kind = "DeliveryCompleted"
	KindDeliveryFailed             Kind = "DeliveryFailed"
)

// Topics.
const (
	TopicOrder     = "order-events"
	TopicInventory = "inventory-events"
	TopicPayment   = "payment-events"
	TopicDelivery  = "delivery-events"
)

// AllTopics lists every saga topic.
var AllTopics = []string{TopicOrder, TopicInventory, TopicPayment, TopicDelivery}

var topics = map[Kind]string{
	KindOrderCreated:               TopicOrder,
	KindOrderCompleted:             TopicOrder,
	KindOrderCancelled:             TopicOrder,
	KindInventoryReserved:          TopicInventory,
	KindInventoryReservationFailed: TopicInventory,
	KindPaymentCompleted:           TopicPayment,
	KindPaymentFailed:              TopicPayment,
	KindDeliveryStarted:            TopicDelivery,
	KindDeliveryCompleted:          TopicDelivery,
	KindDeliveryFailed:             TopicDelivery,
}

// TopicOf returns the topic an event kind is published on, or "" for unknown kinds.
func TopicOf(k Kind) string {
	return topics[k]
}

// Payload is implemented by every event body.
type Payload interface {
	Kind() Kind
	Order() int64
}

type OrderCreated struct {
	OrderID     int64           `json:"orderId"`
	UserID      int64           `json:"userId"`
	ProductID   int64           `json:"productId"`
	ProductName string          `json:"productName"`
	Quantity    int             `json:"quantity"`
	UnitPrice   decimal.Decimal `json:"unitPrice"`
	TotalPrice  decimal.Decimal `json:"totalPrice"`
	Gateway     string          `json:"gateway,omitempty"`
	CreatedAt   time.Time       `json:"createdAt"`
}

type InventoryReserved struct {
	OrderID     int64           `json:"orderId"`
	ProductID   int64           `json:"productId"`
	ProductName string          `json:"productName"`
	Quantity    int             `json:"quantity"`
	TotalPrice  decimal.Decimal `json:"totalPrice"`
	Gateway     string          `json:"gateway,omitempty"`
	ReservedAt  time.Time       `json:"reservedAt"`
}

type InventoryReservationFailed struct {
	OrderID           int64     `json:"orderId"`
	ProductID         int64     `json:"productId"`
	RequestedQuantity int       `json:"requestedQuantity"`
	AvailableQuantity int       `json:"availableQuantity"`
	Reason            string    `json:"reason"`
	FailedAt          time.Time `json:"failedAt"`
}

type PaymentCompleted struct {
	OrderID       int64           `json:"orderId"`
	PaymentID     string          `json:"paymentId"`
	Amount        decimal.Decimal `json:"amount"`
	PaymentMethod string          `json:"paymentMethod"`
	CompletedAt   time.Time       `json:"completedAt"`
}

// PaymentFailed carries the product and quantity so inventory can compensate
// without looking anything up.
type PaymentFailed struct {
	OrderID   int64     `json:"orderId"`
	ProductID int64     `json:"productId"`
	Quantity  int       `json:"quantity"`
	Reason    string    `json:"reason"`
	FailedAt  time.Time `json:"failedAt"`
}

type DeliveryStarted struct {
	OrderID    int64     `json:"orderId"`
	DeliveryID string    `json:"deliveryId"`
	Address    string    `json:"address"`
	Carrier    string    `json:"carrier"`
	StartedAt  time.Time `json:"startedAt"`
}

type DeliveryCompleted struct {
	OrderID     int64     `json:"orderId"`
	DeliveryID  string    `json:"deliveryId"`
	CompletedAt time.Time `json:"completedAt"`
}

type DeliveryFailed struct {
	OrderID    int64     `json:"orderId"`
	DeliveryID string    `json:"deliveryId"`
	Reason     string    `json:"reason"`
	FailedAt   time.Time `json:"failedAt"`
}

type OrderCompleted struct {
	OrderID     int64     `json:"orderId"`
	UserID      int64     `json:"userId"`
	ProductName string    `json:"productName"`
	Quantity    int       `json:"quantity"`
	PaymentID   string    `json:"paymentId"`
	CompletedAt time.Time `json:"completedAt"`
}

type OrderCancelled struct {
	OrderID     int64     `json:"orderId"`
	UserID      int64     `json:"userId"`
	Reason      string    `json:"reason"`
	CancelledAt time.Time `json:"cancelledAt"`
}

func (OrderCreated) Kind() Kind               { return KindOrderCreated }
func (InventoryReserved) Kind() Kind          { return KindInventoryReserved }
func (InventoryReservationFailed) Kind() Kind { return KindInventoryReservationFailed }
func (PaymentCompleted) Kind() Kind           { return KindPaymentCompleted }
func (PaymentFailed) Kind() Kind              { return KindPaymentFailed }
func (DeliveryStarted) Kind() Kind            { return KindDeliveryStarted }
func (DeliveryCompleted) Kind() Kind          { return KindDeliveryCompleted }
func (DeliveryFailed) Kind() Kind             { return KindDeliveryFailed }
func (OrderCompleted) Kind() Kind             { return KindOrderCompleted }
func (OrderCancelled) Kind() Kind             { return KindOrderCancelled }

func (e OrderCreated) Order() int64               { return e.OrderID }
func (e InventoryReserved) Order() int64          { return e.OrderID }
func (e InventoryReservationFailed) Order() int64 { return e.OrderID }
func (e PaymentCompleted) Order() int64           { return e.OrderID }
func (e PaymentFailed) Order() int64              { return e.OrderID }
func (e DeliveryStarted) Order() int64            { return e.OrderID }
func (e DeliveryCompleted) Order() int64          { return e.OrderID }
func (e DeliveryFailed) Order() int64             { return e.OrderID }
func (e OrderCompleted) Order() int64             { return e.OrderID }
func (e OrderCancelled) Order() int64             { return e.OrderID }

// factories decodes each kind into its concrete payload.
var factories = map[Kind]func() Payload{
	KindOrderCreated:               func() Payload { return &OrderCreated{} },
	KindInventoryReserved:          func() Payload { return &InventoryReserved{} },
	KindInventoryReservationFailed: func() Payload { return &InventoryReservationFailed{} },
	KindPaymentCompleted:           func() Payload { return &PaymentCompleted{} },
	KindPaymentFailed:              func() Payload { return &PaymentFailed{} },
	KindDeliveryStarted:            func() Payload { return &DeliveryStarted{} },
	KindDeliveryCompleted:          func() Payload { return &DeliveryCompleted{} },
	KindDeliveryFailed:             func() Payload { return &DeliveryFailed{} },
	KindOrderCompleted:             func() Payload { return &OrderCompleted{} },
	KindOrderCancelled:             func() Payload { return &OrderCancelled{} },
}
