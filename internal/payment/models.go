package payment

import (
	"time"

	"github.com/ksred/supply-api/internal/money"
)

// Status of a payment attempt at the gateway
type Status string

const (
	StatusInitiated Status = "initiated"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
	StatusExpired   Status = "expired"
)

// Payment is one collection attempt for an order
type Payment struct {
	ID          uint         `gorm:"primaryKey" json:"-"`
	PaymentID   string       `gorm:"size:64;uniqueIndex;not null" json:"payment_id"`
	OrderNumber string       `gorm:"size:32;index;not null" json:"order_number"`
	BuyerID     string       `gorm:"size:64;not null" json:"buyer_id"`
	Amount      money.Amount `gorm:"type:varchar(40);not null" json:"amount"`
	Status      Status       `gorm:"size:16;index;not null" json:"status"`
	GatewayID   string       `gorm:"size:32" json:"gateway_id"`
	GatewayRef  string       `gorm:"size:128" json:"gateway_ref,omitempty"`
	QRCodeURL   string       `json:"qrcode_url"`
	ExpiresAt   time.Time    `json:"expires_at"`
	CreatedAt   time.Time    `json:"created_at"`
	UpdatedAt   time.Time    `json:"updated_at"`
	PaidAt      *time.Time   `json:"paid_at,omitempty"`
}

// Open reports whether the payment can still be completed at now
func (p *Payment) Open(now time.Time) bool {
	return p.Status == StatusInitiated && now.Before(p.ExpiresAt)
}

// Callback is the gateway's asynchronous result notification
type Callback struct {
	PaymentID  string       `json:"payment_id" binding:"required"`
	GatewayRef string       `json:"gateway_ref"`
	Status     Status       `json:"status" binding:"required"`
	Amount     money.Amount `json:"amount"`
}
