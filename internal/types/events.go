package types

import (
	"time"

	"github.com/ksred/supply-api/internal/money"
)

// EventType is the wire name of an order event
type EventType string

const (
	EventOrderCreated          EventType = "order.created"
	EventOrderPaid             EventType = "order.paid"
	EventOrderConfirmed        EventType = "order.confirmed"
	EventOrderDelivering       EventType = "order.delivering"
	EventOrderCompleted        EventType = "order.completed"
	EventOrderCancelled        EventType = "order.cancelled"
	EventCancellationRequested EventType = "order.cancellation_requested"
	EventCancellationRejected  EventType = "order.cancellation_rejected"
)

// AllEventTypes lists every event an order can emit
var AllEventTypes = []EventType{
	EventOrderCreated,
	EventOrderPaid,
	EventOrderConfirmed,
	EventOrderDelivering,
	EventOrderCompleted,
	EventOrderCancelled,
	EventCancellationRequested,
	EventCancellationRejected,
}

// OrderEvent is emitted once per successful order operation and carries
// a snapshot of the order as it was right after the operation committed
type OrderEvent struct {
	EventID     string       `json:"event_id"`
	Type        EventType    `json:"event"`
	OrderID     uint         `json:"order_id"`
	OrderNumber string       `json:"order_number"`
	BuyerID     string       `json:"buyer_id"`
	SellerID    string       `json:"seller_id"`
	Status      string       `json:"status"`
	GoodsAmount money.Amount `json:"goods_amount"`
	TotalAmount money.Amount `json:"total_amount"`
	ItemCount   int          `json:"item_count"`
	Contact     Contact      `json:"contact"`
	Actor       Actor        `json:"actor"`
	OccurredAt  time.Time    `json:"occurred_at"`
}

// Contact is the delivery address and contact person of an order
type Contact struct {
	Name    string `json:"name"`
	Phone   string `json:"phone"`
	Address string `json:"address"`
}
