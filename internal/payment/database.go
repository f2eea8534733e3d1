package payment

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"
)

type Database struct {
	db *gorm.DB
}

func NewDatabase(db *gorm.DB) *Database {
	return &Database{db: db}
}

func (d *Database) CreatePayment(ctx context.Context, p *Payment) error {
	return d.db.WithContext(ctx).Create(p).Error
}

func (d *Database) GetPayment(ctx context.Context, paymentID string) (*Payment, error) {
	var p Payment
	if err := d.db.WithContext(ctx).Where("payment_id = ?", paymentID).First(&p).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrPaymentNotFound
		}
		return nil, err
	}
	return &p, nil
}

// FindOpenPayment returns the newest unexpired initiated payment of an order, or nil
func (d *Database) FindOpenPayment(ctx context.Context, orderNumber string, now time.Time) (*Payment, error) {
	var p Payment
	err := d.db.WithContext(ctx).
		Where("order_number = ? AND status = ? AND expires_at > ?", orderNumber, StatusInitiated, now).
		Order("id DESC").
		First(&p).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &p, nil
}

// ResolvePayment moves an initiated payment to its final status. It reports
// false when another callback resolved it first.
func (d *Database) ResolvePayment(ctx context.Context, p *Payment) (bool, error) {
	result := d.db.WithContext(ctx).Model(&Payment{}).
		Where("id = ? AND status = ?", p.ID, StatusInitiated).
		Updates(map[string]interface{}{
			"status":      p.Status,
			"gateway_ref": p.GatewayRef,
			"paid_at":     p.PaidAt,
			"updated_at":  p.UpdatedAt,
		})
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected == 1, nil
}

func (d *Database) ListPayments(ctx context.Context, orderNumber string) ([]Payment, error) {
	var payments []Payment
	if err := d.db.WithContext(ctx).Where("order_number = ?", orderNumber).Order("id ASC").Find(&payments).Error; err != nil {
		return nil, err
	}
	return payments, nil
}
