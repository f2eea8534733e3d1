package webhook

import (
	"context"
	"errors"
	"time"

	"github.com/ksred/supply-api/internal/types"
	"gorm.io/gorm"
)

// Ledger persists endpoints and delivery records. Writes to a claimed record
// are fenced by its claim token.
type Ledger struct {
	db    *gorm.DB
	lease time.Duration
}

func NewLedger(db *gorm.DB, lease time.Duration) *Ledger {
	return &Ledger{db: db, lease: lease}
}

// Save inserts a new record or overwrites an existing one
func (l *Ledger) Save(ctx context.Context, d *Delivery) error {
	return l.db.WithContext(ctx).Save(d).Error
}

// FindDue returns pending records whose retry time has come and that are not
// held by a live claim
func (l *Ledger) FindDue(ctx context.Context, now time.Time, limit int) ([]Delivery, error) {
	var due []Delivery
	err := l.db.WithContext(ctx).
		Where("status = ? AND next_retry_at <= ?", DeliveryPending, now).
		Where("(claimed_at IS NULL OR claimed_at <= ?)", now.Add(-l.lease)).
		Order("next_retry_at ASC").
		Limit(limit).
		Find(&due).Error
	if err != nil {
		return nil, err
	}
	return due, nil
}

// FindByEvent returns every record created for an event
func (l *Ledger) FindByEvent(ctx context.Context, eventID string) ([]Delivery, error) {
	var records []Delivery
	if err := l.db.WithContext(ctx).Where("event_id = ?", eventID).Order("id ASC").Find(&records).Error; err != nil {
		return nil, err
	}
	return records, nil
}

// Claim marks d in flight under token. It reports false when d is no longer
// due, another worker holds a live claim, or the row has been attempted since
// d was read. On success d is reloaded from the claimed row.
func (l *Ledger) Claim(ctx context.Context, d *Delivery, token string, now time.Time) (bool, error) {
	result := l.db.WithContext(ctx).Model(&Delivery{}).
		Where("id = ? AND status = ? AND retry_count = ? AND next_retry_at <= ?", d.ID, DeliveryPending, d.RetryCount, now).
		Where("(claimed_at IS NULL OR claimed_at <= ?)", now.Add(-l.lease)).
		Updates(map[string]interface{}{
			"claim_token": token,
			"claimed_at":  now,
		})
	if result.Error != nil {
		return false, result.Error
	}
	if result.RowsAffected == 0 {
		return false, nil
	}

	var fresh Delivery
	err := l.db.WithContext(ctx).
		Where("id = ? AND claim_token = ?", d.ID, token).
		First(&fresh).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return false, nil
		}
		return false, err
	}
	*d = fresh
	return true, nil
}

// Release writes the result of an attempt and drops the claim. It fails with
// ErrLeaseLost if the claim was taken over in the meantime.
func (l *Ledger) Release(ctx context.Context, d *Delivery, token string) error {
	result := l.db.WithContext(ctx).Model(&Delivery{}).
		Where("id = ? AND claim_token = ? AND status = ?", d.ID, token, DeliveryPending).
		Updates(map[string]interface{}{
			"status":          d.Status,
			"retry_count":     d.RetryCount,
			"next_retry_at":   d.NextRetryAt,
			"claim_token":     "",
			"claimed_at":      nil,
			"response_status": d.ResponseStatus,
			"response_body":   d.ResponseBody,
			"last_error":      d.LastError,
			"last_attempt_at": d.LastAttemptAt,
			"duration_ms":     d.DurationMs,
			"delivered_at":    d.DeliveredAt,
			"updated_at":      d.UpdatedAt,
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrLeaseLost
	}
	d.ClaimToken = ""
	d.ClaimedAt = nil
	return nil
}

// Redrive puts a failed record back in the queue with a fresh retry budget
func (l *Ledger) Redrive(ctx context.Context, deliveryID string, now time.Time) error {
	result := l.db.WithContext(ctx).Model(&Delivery{}).
		Where("delivery_id = ? AND status = ?", deliveryID, DeliveryFailed).
		Updates(map[string]interface{}{
			"status":        DeliveryPending,
			"retry_count":   0,
			"next_retry_at": now,
			"claim_token":   "",
			"claimed_at":    nil,
			"updated_at":    now,
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		if _, err := l.GetDelivery(ctx, deliveryID); err != nil {
			return err
		}
		return ErrNotRedrivable
	}
	return nil
}

func (l *Ledger) GetDelivery(ctx context.Context, deliveryID string) (*Delivery, error) {
	var d Delivery
	if err := l.db.WithContext(ctx).Where("delivery_id = ?", deliveryID).First(&d).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrDeliveryNotFound
		}
		return nil, err
	}
	return &d, nil
}

// DeliveryFilter narrows delivery listings; empty fields are ignored
type DeliveryFilter struct {
	Status  DeliveryStatus
	EventID string
	Limit   int
}

func (l *Ledger) ListDeliveries(ctx context.Context, f DeliveryFilter) ([]Delivery, error) {
	q := l.db.WithContext(ctx).Order("id DESC")
	if f.Status != "" {
		q = q.Where("status = ?", f.Status)
	}
	if f.EventID != "" {
		q = q.Where("event_id = ?", f.EventID)
	}
	if f.Limit > 0 {
		q = q.Limit(f.Limit)
	}

	var records []Delivery
	if err := q.Find(&records).Error; err != nil {
		return nil, err
	}
	return records, nil
}

func (l *Ledger) CreateEndpoint(ctx context.Context, e *Endpoint) error {
	return l.db.WithContext(ctx).Create(e).Error
}

func (l *Ledger) ListEndpoints(ctx context.Context, owner types.Actor) ([]Endpoint, error) {
	var endpoints []Endpoint
	err := l.db.WithContext(ctx).
		Where("owner_type = ? AND owner_id = ?", owner.Type, owner.ID).
		Order("id ASC").
		Find(&endpoints).Error
	if err != nil {
		return nil, err
	}
	return endpoints, nil
}

// DeactivateEndpoint stops future dispatches to an owner's endpoint
func (l *Ledger) DeactivateEndpoint(ctx context.Context, owner types.Actor, endpointID string) error {
	result := l.db.WithContext(ctx).Model(&Endpoint{}).
		Where("endpoint_id = ? AND owner_type = ? AND owner_id = ?", endpointID, owner.Type, owner.ID).
		Updates(map[string]interface{}{"is_active": false, "updated_at": time.Now().UTC()})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrEndpointNotFound
	}
	return nil
}

// FindSubscribers returns the active endpoints of the order's buyer and seller
func (l *Ledger) FindSubscribers(ctx context.Context, buyerID, sellerID string) ([]Endpoint, error) {
	var endpoints []Endpoint
	err := l.db.WithContext(ctx).
		Where("is_active = ?", true).
		Where(l.db.Where("owner_type = ? AND owner_id = ?", types.ActorBuyer, buyerID).
			Or("owner_type = ? AND owner_id = ?", types.ActorSeller, sellerID)).
		Order("id ASC").
		Find(&endpoints).Error
	if err != nil {
		return nil, err
	}
	return endpoints, nil
}
