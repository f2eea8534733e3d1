package webhook

import (
	"time"

	"github.com/ksred/supply-api/internal/types"
)

// AllEvents subscribes an endpoint to every event type
const AllEvents = "*"

// Endpoint is a buyer's or seller's registered notification target
type Endpoint struct {
	ID         uint            `gorm:"primaryKey" json:"-"`
	EndpointID string          `gorm:"size:64;uniqueIndex;not null" json:"endpoint_id"`
	OwnerType  types.ActorType `gorm:"size:16;not null;index:idx_endpoint_owner" json:"owner_type"`
	OwnerID    string          `gorm:"size:64;not null;index:idx_endpoint_owner" json:"owner_id"`
	URL        string          `gorm:"not null" json:"url"`
	Secret     string          `gorm:"not null" json:"secret,omitempty"`
	Events     []string        `gorm:"serializer:json" json:"events"`
	IsActive   bool            `gorm:"not null;default:true" json:"is_active"`
	CreatedAt  time.Time       `json:"created_at"`
	UpdatedAt  time.Time       `json:"updated_at"`
}

// Subscribes reports whether the endpoint wants events of type t
func (e *Endpoint) Subscribes(t types.EventType) bool {
	for _, ev := range e.Events {
		if ev == AllEvents || ev == string(t) {
			return true
		}
	}
	return false
}

// DeliveryStatus is the ledger state of a delivery
type DeliveryStatus string

const (
	DeliveryPending DeliveryStatus = "pending"
	DeliverySuccess DeliveryStatus = "success"
	DeliveryFailed  DeliveryStatus = "failed"
)

// Delivery is the ledger record of one event sent to one endpoint. A claimed
// record is in flight until its claim is released or the lease runs out.
type Delivery struct {
	ID             uint            `gorm:"primaryKey" json:"-"`
	DeliveryID     string          `gorm:"size:64;uniqueIndex;not null" json:"delivery_id"`
	EventID        string          `gorm:"size:64;not null;uniqueIndex:idx_delivery_event_endpoint" json:"event_id"`
	EndpointID     string          `gorm:"size:64;not null;uniqueIndex:idx_delivery_event_endpoint" json:"endpoint_id"`
	TargetURL      string          `gorm:"not null" json:"target_url"`
	EventType      types.EventType `gorm:"size:64;not null" json:"event_type"`
	Payload        string          `gorm:"type:text;not null" json:"payload"`
	Nonce          string          `gorm:"size:64;not null" json:"nonce"`
	Status         DeliveryStatus  `gorm:"size:16;not null;index" json:"status"`
	RetryCount     int             `gorm:"not null" json:"retry_count"`
	NextRetryAt    *time.Time      `gorm:"index" json:"next_retry_at,omitempty"`
	ClaimToken     string          `gorm:"size:64" json:"-"`
	ClaimedAt      *time.Time      `json:"claimed_at,omitempty"`
	ResponseStatus int             `json:"response_status,omitempty"`
	ResponseBody   string          `json:"response_body,omitempty"`
	LastError      string          `json:"last_error,omitempty"`
	LastAttemptAt  *time.Time      `json:"last_attempt_at,omitempty"`
	DurationMs     int64           `json:"duration_ms,omitempty"`
	DeliveredAt    *time.Time      `json:"delivered_at,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
}

// Outcome is the result of one HTTP attempt
type Outcome struct {
	StatusCode int
	Body       string
	Err        error
	Duration   time.Duration
}

// Succeeded reports a 2xx response
func (o Outcome) Succeeded() bool {
	return o.Err == nil && o.StatusCode >= 200 && o.StatusCode < 300
}
