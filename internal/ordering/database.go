package ordering

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ksred/supply-api/internal/types"
	"gorm.io/gorm"
)

type Database struct {
	db *gorm.DB
}

func NewDatabase(db *gorm.DB) *Database {
	return &Database{db: db}
}

// CreateOrder inserts the order with its items, the initial status log entry,
// the creation event and, when key is set, the idempotency record in one
// transaction
func (d *Database) CreateOrder(ctx context.Context, order *Order, initial StatusLog, event types.OrderEvent, key string, keyTTL time.Duration) (*OutboxEvent, error) {
	tx := d.db.WithContext(ctx).Begin()
	if err := tx.Error; err != nil {
		return nil, err
	}
	defer func() {
		if r := recover(); r != nil {
			tx.Rollback()
			panic(r)
		}
	}()

	if err := tx.Create(order).Error; err != nil {
		tx.Rollback()
		return nil, fmt.Errorf("failed to insert order: %w", err)
	}

	initial.OrderID = order.ID
	if err := tx.Create(&initial).Error; err != nil {
		tx.Rollback()
		return nil, fmt.Errorf("failed to insert status log: %w", err)
	}

	event.OrderID = order.ID
	outbox, err := insertOutbox(tx, event)
	if err != nil {
		tx.Rollback()
		return nil, err
	}

	if key != "" {
		// an expired record with the same key would violate the unique index
		if err := tx.Where("idempotency_key = ? AND expires_at <= ?", key, order.CreatedAt).
			Delete(&IdempotencyRecord{}).Error; err != nil {
			tx.Rollback()
			return nil, fmt.Errorf("failed to purge expired idempotency record: %w", err)
		}

		record := IdempotencyRecord{
			IdempotencyKey: key,
			BuyerID:        order.BuyerID,
			OrderNumber:    order.OrderNumber,
			ExpiresAt:      order.CreatedAt.Add(keyTTL),
		}
		if err := tx.Create(&record).Error; err != nil {
			tx.Rollback()
			return nil, fmt.Errorf("failed to insert idempotency record: %w", err)
		}
	}

	if err := tx.Commit().Error; err != nil {
		return nil, err
	}
	return outbox, nil
}

// GetOrder loads an order and its items by order number
func (d *Database) GetOrder(ctx context.Context, orderNumber string) (*Order, error) {
	var order Order
	err := d.db.WithContext(ctx).
		Preload("Items", func(db *gorm.DB) *gorm.DB { return db.Order("id ASC") }).
		Where("order_number = ?", orderNumber).
		First(&order).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrOrderNotFound
		}
		return nil, err
	}
	return &order, nil
}

// ListFilter narrows order listings; empty fields are ignored
type ListFilter struct {
	BuyerID  string
	SellerID string
	Status   Status
	Limit    int
}

func (d *Database) ListOrders(ctx context.Context, f ListFilter) ([]Order, error) {
	q := d.db.WithContext(ctx).Preload("Items").Order("created_at DESC")
	if f.BuyerID != "" {
		q = q.Where("buyer_id = ?", f.BuyerID)
	}
	if f.SellerID != "" {
		q = q.Where("seller_id = ?", f.SellerID)
	}
	if f.Status != "" {
		q = q.Where("status = ?", f.Status)
	}
	if f.Limit > 0 {
		q = q.Limit(f.Limit)
	}

	var orders []Order
	if err := q.Find(&orders).Error; err != nil {
		return nil, err
	}
	return orders, nil
}

// SaveTransition persists the outcome of an operation together with its
// event. The order row is only updated if its version still equals
// expectedVersion.
func (d *Database) SaveTransition(ctx context.Context, order *Order, expectedVersion int64, change *Change, event types.OrderEvent) (*OutboxEvent, error) {
	tx := d.db.WithContext(ctx).Begin()
	if err := tx.Error; err != nil {
		return nil, err
	}
	defer func() {
		if r := recover(); r != nil {
			tx.Rollback()
			panic(r)
		}
	}()

	result := tx.Model(&Order{}).
		Where("id = ? AND version = ?", order.ID, expectedVersion).
		Updates(map[string]interface{}{
			"status":         order.Status,
			"payment_status": order.PaymentStatus,
			"cancel_reason":  order.CancelReason,
			"version":        expectedVersion + 1,
			"updated_at":     order.UpdatedAt,
			"paid_at":        order.PaidAt,
			"confirmed_at":   order.ConfirmedAt,
			"delivering_at":  order.DeliveringAt,
			"completed_at":   order.CompletedAt,
			"cancelled_at":   order.CancelledAt,
		})
	if result.Error != nil {
		tx.Rollback()
		return nil, fmt.Errorf("failed to update order: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		tx.Rollback()
		return nil, ErrConcurrentModification
	}

	logEntry := change.Log
	if err := tx.Create(&logEntry).Error; err != nil {
		tx.Rollback()
		return nil, fmt.Errorf("failed to insert status log: %w", err)
	}

	if change.Request != nil {
		if err := tx.Save(change.Request).Error; err != nil {
			tx.Rollback()
			return nil, fmt.Errorf("failed to save cancellation request: %w", err)
		}
	}

	outbox, err := insertOutbox(tx, event)
	if err != nil {
		tx.Rollback()
		return nil, err
	}

	if err := tx.Commit().Error; err != nil {
		return nil, err
	}
	order.Version = expectedVersion + 1
	return outbox, nil
}

func insertOutbox(tx *gorm.DB, event types.OrderEvent) (*OutboxEvent, error) {
	outbox, err := newOutboxEvent(event)
	if err != nil {
		return nil, fmt.Errorf("failed to encode order event: %w", err)
	}
	if err := tx.Create(outbox).Error; err != nil {
		return nil, fmt.Errorf("failed to insert outbox event: %w", err)
	}
	return outbox, nil
}

// FindUnrelayed returns events committed at or before cutoff that the
// publisher has not accepted yet, oldest first
func (d *Database) FindUnrelayed(ctx context.Context, cutoff time.Time, limit int) ([]OutboxEvent, error) {
	var events []OutboxEvent
	err := d.db.WithContext(ctx).
		Where("relayed_at IS NULL AND created_at <= ?", cutoff).
		Order("id ASC").
		Limit(limit).
		Find(&events).Error
	if err != nil {
		return nil, err
	}
	return events, nil
}

func (d *Database) GetOutboxEvent(ctx context.Context, id uint) (*OutboxEvent, error) {
	var event OutboxEvent
	if err := d.db.WithContext(ctx).First(&event, id).Error; err != nil {
		return nil, err
	}
	return &event, nil
}

// MarkRelayed records that the publisher accepted the event
func (d *Database) MarkRelayed(ctx context.Context, id uint, now time.Time) error {
	return d.db.WithContext(ctx).Model(&OutboxEvent{}).
		Where("id = ? AND relayed_at IS NULL", id).
		Updates(map[string]interface{}{"relayed_at": now, "last_error": ""}).Error
}

// RecordRelayFailure counts a rejected publish attempt
func (d *Database) RecordRelayFailure(ctx context.Context, id uint, cause error) error {
	return d.db.WithContext(ctx).Model(&OutboxEvent{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"attempts":   gorm.Expr("attempts + 1"),
			"last_error": cause.Error(),
		}).Error
}

// GetPendingCancellation returns the open cancellation request of an order, or nil
func (d *Database) GetPendingCancellation(ctx context.Context, orderID uint) (*CancellationRequest, error) {
	var req CancellationRequest
	err := d.db.WithContext(ctx).
		Where("order_id = ? AND status = ?", orderID, CancellationPending).
		First(&req).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &req, nil
}

func (d *Database) ListCancellations(ctx context.Context, orderID uint) ([]CancellationRequest, error) {
	var reqs []CancellationRequest
	if err := d.db.WithContext(ctx).Where("order_id = ?", orderID).Order("id ASC").Find(&reqs).Error; err != nil {
		return nil, err
	}
	return reqs, nil
}

// ListPendingCancellations returns open requests across all orders, oldest first
func (d *Database) ListPendingCancellations(ctx context.Context) ([]CancellationRequest, error) {
	var reqs []CancellationRequest
	err := d.db.WithContext(ctx).
		Where("status = ?", CancellationPending).
		Order("created_at ASC").
		Find(&reqs).Error
	if err != nil {
		return nil, err
	}
	return reqs, nil
}

// GetStatusLog returns the audit trail of an order in write order
func (d *Database) GetStatusLog(ctx context.Context, orderID uint) ([]StatusLog, error) {
	var entries []StatusLog
	if err := d.db.WithContext(ctx).Where("order_id = ?", orderID).Order("id ASC").Find(&entries).Error; err != nil {
		return nil, err
	}
	return entries, nil
}

// GetIdempotencyRecord returns the unexpired record for key, or nil
func (d *Database) GetIdempotencyRecord(ctx context.Context, key string, now time.Time) (*IdempotencyRecord, error) {
	var record IdempotencyRecord
	err := d.db.WithContext(ctx).
		Where("idempotency_key = ? AND expires_at > ?", key, now).
		First(&record).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &record, nil
}

// FindDeliveringSince returns order numbers that entered delivering before cutoff
func (d *Database) FindDeliveringSince(ctx context.Context, cutoff time.Time, limit int) ([]string, error) {
	var numbers []string
	err := d.db.WithContext(ctx).Model(&Order{}).
		Where("status = ? AND delivering_at <= ?", StatusDelivering, cutoff).
		Order("delivering_at ASC").
		Limit(limit).
		Pluck("order_number", &numbers).Error
	if err != nil {
		return nil, err
	}
	return numbers, nil
}
