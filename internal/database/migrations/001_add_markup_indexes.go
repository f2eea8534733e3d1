package migrations

import (
	"gorm.io/gorm"
)

// AddMarkupIndexes indexes the rule scope columns used by candidate lookups
func AddMarkupIndexes(db *gorm.DB) error {
	statements := []string{
		`CREATE INDEX IF NOT EXISTS idx_rules_scope ON rules(is_active, seller_id, buyer_id, category_id, product_id)`,
		`CREATE INDEX IF NOT EXISTS idx_rules_priority ON rules(priority DESC, id ASC)`,
	}
	for _, stmt := range statements {
		if err := db.Exec(stmt).Error; err != nil {
			return err
		}
	}
	return nil
}
