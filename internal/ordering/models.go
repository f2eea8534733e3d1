package ordering

import (
	"encoding/json"
	"time"

	"github.com/ksred/supply-api/internal/money"
	"github.com/ksred/supply-api/internal/types"
)

// Status is the lifecycle state of an order
type Status string

const (
	StatusPendingPayment Status = "pending_payment"
	StatusPendingConfirm Status = "pending_confirm"
	StatusConfirmed      Status = "confirmed"
	StatusDelivering     Status = "delivering"
	StatusCompleted      Status = "completed"
	StatusCancelled      Status = "cancelled"
)

// Terminal reports whether no further transition can leave s
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusCancelled
}

// PaymentStatus tracks money collection independently of the lifecycle
type PaymentStatus string

const (
	PaymentUnpaid      PaymentStatus = "unpaid"
	PaymentPaid        PaymentStatus = "paid"
	PaymentNotRequired PaymentStatus = "not_required"
	PaymentRefunding   PaymentStatus = "refunding"
)

// Order is the aggregate root. Items and amounts are written once at creation.
type Order struct {
	ID              uint          `gorm:"primaryKey" json:"id"`
	OrderNumber     string        `gorm:"size:32;uniqueIndex;not null" json:"order_number"`
	BuyerID         string        `gorm:"size:64;index;not null" json:"buyer_id"`
	SellerID        string        `gorm:"size:64;index;not null" json:"seller_id"`
	Items           []OrderItem   `gorm:"foreignKey:OrderID" json:"items"`
	GoodsAmount     money.Amount  `gorm:"type:varchar(40);not null" json:"goods_amount"`
	ServiceFeeRate  money.Amount  `gorm:"type:varchar(40);not null" json:"service_fee_rate"`
	ServiceFee      money.Amount  `gorm:"type:varchar(40);not null" json:"service_fee"`
	TotalAmount     money.Amount  `gorm:"type:varchar(40);not null" json:"total_amount"`
	Status          Status        `gorm:"size:32;index;not null" json:"status"`
	PaymentStatus   PaymentStatus `gorm:"size:32;not null" json:"payment_status"`
	ContactName     string        `json:"contact_name"`
	ContactPhone    string        `json:"contact_phone"`
	DeliveryAddress string        `json:"delivery_address"`
	Remark          string        `json:"remark,omitempty"`
	CancelReason    string        `json:"cancel_reason,omitempty"`
	Version         int64         `gorm:"not null" json:"version"`
	CreatedAt       time.Time     `json:"created_at"`
	UpdatedAt       time.Time     `json:"updated_at"`
	PaidAt          *time.Time    `json:"paid_at,omitempty"`
	ConfirmedAt     *time.Time    `json:"confirmed_at,omitempty"`
	DeliveringAt    *time.Time    `gorm:"index" json:"delivering_at,omitempty"`
	CompletedAt     *time.Time    `json:"completed_at,omitempty"`
	CancelledAt     *time.Time    `json:"cancelled_at,omitempty"`
}

// OrderItem is an immutable price snapshot of one line
type OrderItem struct {
	ID            uint         `gorm:"primaryKey" json:"-"`
	OrderID       uint         `gorm:"index;not null" json:"-"`
	ProductID     string       `gorm:"size:64;not null" json:"product_id"`
	ProductName   string       `json:"product_name"`
	CategoryID    string       `gorm:"size:64" json:"category_id,omitempty"`
	BasePrice     money.Amount `gorm:"type:varchar(40);not null" json:"base_price"`
	MarkupAmount  money.Amount `gorm:"type:varchar(40);not null" json:"markup_amount"`
	FinalPrice    money.Amount `gorm:"type:varchar(40);not null" json:"final_price"`
	AppliedRuleID *uint        `json:"applied_rule_id,omitempty"`
	Quantity      int64        `gorm:"not null" json:"quantity"`
	LineTotal     money.Amount `gorm:"type:varchar(40);not null" json:"line_total"`
}

// StatusLog is an append-only audit entry written by every successful operation
type StatusLog struct {
	ID           uint            `gorm:"primaryKey" json:"-"`
	OrderID      uint            `gorm:"index;not null" json:"-"`
	Action       Action          `gorm:"size:32;not null" json:"action"`
	FromStatus   Status          `gorm:"size:32" json:"from_status"`
	ToStatus     Status          `gorm:"size:32;not null" json:"to_status"`
	OperatorType types.ActorType `gorm:"size:16;not null" json:"operator_type"`
	OperatorID   string          `gorm:"size:64;not null" json:"operator_id"`
	Note         string          `json:"note,omitempty"`
	CreatedAt    time.Time       `json:"created_at"`
}

// CancellationStatus is the adjudication state of a cancellation request
type CancellationStatus string

const (
	CancellationPending  CancellationStatus = "pending"
	CancellationApproved CancellationStatus = "approved"
	CancellationRejected CancellationStatus = "rejected"
)

// CancellationRequest is a buyer's request to cancel an order that is past
// the direct cancellation window
type CancellationRequest struct {
	ID               uint               `gorm:"primaryKey" json:"-"`
	RequestID        string             `gorm:"size:64;uniqueIndex;not null" json:"request_id"`
	OrderID          uint               `gorm:"index;not null" json:"-"`
	Reason           string             `json:"reason"`
	RequesterID      string             `gorm:"size:64;not null" json:"requester_id"`
	Status           CancellationStatus `gorm:"size:16;not null" json:"status"`
	AdjudicatorID    string             `gorm:"size:64" json:"adjudicator_id,omitempty"`
	AdjudicatorNotes string             `json:"adjudicator_notes,omitempty"`
	CreatedAt        time.Time          `json:"created_at"`
	ResolvedAt       *time.Time         `json:"resolved_at,omitempty"`
}

// IdempotencyRecord maps a client-supplied key to the order it created
type IdempotencyRecord struct {
	ID             uint      `gorm:"primaryKey"`
	IdempotencyKey string    `gorm:"size:128;uniqueIndex;not null"`
	BuyerID        string    `gorm:"size:64;not null"`
	OrderNumber    string    `gorm:"size:32;not null"`
	ExpiresAt      time.Time `gorm:"not null"`
	CreatedAt      time.Time
}

// Contact returns the delivery contact of the order
func (o *Order) Contact() types.Contact {
	return types.Contact{
		Name:    o.ContactName,
		Phone:   o.ContactPhone,
		Address: o.DeliveryAddress,
	}
}

// OutboxEvent is an order event written in the same transaction as the
// order change it describes. It stays unrelayed until the publisher has
// accepted it.
type OutboxEvent struct {
	ID          uint            `gorm:"primaryKey"`
	EventID     string          `gorm:"size:64;uniqueIndex;not null"`
	EventType   types.EventType `gorm:"size:48;not null"`
	OrderNumber string          `gorm:"size:32;index;not null"`
	Payload     string          `gorm:"type:text;not null"`
	Attempts    int             `gorm:"not null;default:0"`
	LastError   string
	RelayedAt   *time.Time `gorm:"index"`
	CreatedAt   time.Time
}

func newOutboxEvent(e types.OrderEvent) (*OutboxEvent, error) {
	payload, err := json.Marshal(e)
	if err != nil {
		return nil, err
	}
	return &OutboxEvent{
		EventID:     e.EventID,
		EventType:   e.Type,
		OrderNumber: e.OrderNumber,
		Payload:     string(payload),
		CreatedAt:   e.OccurredAt,
	}, nil
}

// Event decodes the stored order event
func (o *OutboxEvent) Event() (types.OrderEvent, error) {
	var e types.OrderEvent
	err := json.Unmarshal([]byte(o.Payload), &e)
	return e, err
}
