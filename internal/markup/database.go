package markup

import (
	"context"
	"time"

	"gorm.io/gorm"
)

type Database struct {
	db *gorm.DB
}

func NewDatabase(db *gorm.DB) *Database {
	return &Database{db: db}
}

func (d *Database) CreateRule(ctx context.Context, rule *Rule) error {
	return d.db.WithContext(ctx).Create(rule).Error
}

func (d *Database) GetRule(ctx context.Context, id uint) (*Rule, error) {
	var rule Rule
	if err := d.db.WithContext(ctx).First(&rule, id).Error; err != nil {
		return nil, err
	}
	return &rule, nil
}

// ListRules returns rules ordered by precedence
func (d *Database) ListRules(ctx context.Context, activeOnly bool) ([]Rule, error) {
	var rules []Rule
	q := d.db.WithContext(ctx).Order("priority DESC").Order("id ASC")
	if activeOnly {
		q = q.Where("is_active = ?", true)
	}
	if err := q.Find(&rules).Error; err != nil {
		return nil, err
	}
	return rules, nil
}

func (d *Database) DeactivateRule(ctx context.Context, id uint) error {
	result := d.db.WithContext(ctx).Model(&Rule{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"is_active":  false,
			"updated_at": time.Now().UTC(),
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return gorm.ErrRecordNotFound
	}
	return nil
}

// FindCandidates loads active rules whose every scope column is either the
// wildcard sentinel or the context value. Time windows are checked by the resolver.
func (d *Database) FindCandidates(ctx context.Context, mc MatchContext) ([]Rule, error) {
	var rules []Rule
	err := d.db.WithContext(ctx).
		Where("is_active = ?", true).
		Where("buyer_id IN ?", scopeValues(mc.BuyerID)).
		Where("seller_id IN ?", scopeValues(mc.SellerID)).
		Where("category_id IN ?", scopeValues(mc.CategoryID)).
		Where("product_id IN ?", scopeValues(mc.ProductID)).
		Find(&rules).Error
	if err != nil {
		return nil, err
	}
	return rules, nil
}

func scopeValues(v string) []string {
	if v == "" || v == Wildcard {
		return []string{Wildcard}
	}
	return []string{v, Wildcard}
}
