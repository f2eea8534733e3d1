package markup

import (
	"time"

	"github.com/ksred/supply-api/internal/money"
)

// Wildcard is stored in a scope column when the rule matches any value
const Wildcard = "*"

// RuleType selects how a rule computes its markup
type RuleType string

const (
	RuleFixed   RuleType = "fixed"
	RulePercent RuleType = "percent"
)

// Rule is a scoped pricing override
type Rule struct {
	ID            uint             `gorm:"primaryKey" json:"rule_id"`
	Name          string           `json:"name"`
	BuyerID       string           `gorm:"size:64;not null" json:"buyer_id"`
	SellerID      string           `gorm:"size:64;not null" json:"seller_id"`
	CategoryID    string           `gorm:"size:64;not null" json:"category_id"`
	ProductID     string           `gorm:"size:64;not null" json:"product_id"`
	MarkupType    RuleType         `gorm:"size:16;not null" json:"markup_type"`
	MarkupValue   money.Amount     `gorm:"type:varchar(40);not null" json:"markup_value"`
	MinMarkup     money.NullAmount `gorm:"type:varchar(40)" json:"min_markup"`
	MaxMarkup     money.NullAmount `gorm:"type:varchar(40)" json:"max_markup"`
	Priority      int              `gorm:"not null" json:"priority"`
	IsActive      bool             `gorm:"not null" json:"is_active"`
	EffectiveFrom *time.Time       `json:"effective_from,omitempty"`
	EffectiveTo   *time.Time       `json:"effective_to,omitempty"`
	CreatedAt     time.Time        `json:"created_at"`
	UpdatedAt     time.Time        `json:"updated_at"`
}

// MatchContext describes the line being priced. Empty fields are absent.
type MatchContext struct {
	BuyerID    string `json:"buyer_id"`
	SellerID   string `json:"seller_id"`
	CategoryID string `json:"category_id"`
	ProductID  string `json:"product_id"`
}

// Result is the outcome of resolving one price
type Result struct {
	BasePrice     money.Amount `json:"base_price"`
	MarkupAmount  money.Amount `json:"markup_amount"`
	FinalPrice    money.Amount `json:"final_price"`
	AppliedRuleID *uint        `json:"applied_rule_id,omitempty"`
}

// Specificity is the number of non-wildcard scope dimensions
func (r *Rule) Specificity() int {
	n := 0
	for _, v := range []string{r.BuyerID, r.SellerID, r.CategoryID, r.ProductID} {
		if v != Wildcard {
			n++
		}
	}
	return n
}

// ActiveAt reports whether the rule is switched on and inside its window.
// The window is half-open: [EffectiveFrom, EffectiveTo).
func (r *Rule) ActiveAt(now time.Time) bool {
	if !r.IsActive {
		return false
	}
	if r.EffectiveFrom != nil && now.Before(*r.EffectiveFrom) {
		return false
	}
	if r.EffectiveTo != nil && !now.Before(*r.EffectiveTo) {
		return false
	}
	return true
}

// Matches reports whether every scope dimension of the rule accepts the context
func (r *Rule) Matches(mc MatchContext) bool {
	return dimensionMatches(r.BuyerID, mc.BuyerID) &&
		dimensionMatches(r.SellerID, mc.SellerID) &&
		dimensionMatches(r.CategoryID, mc.CategoryID) &&
		dimensionMatches(r.ProductID, mc.ProductID)
}

func dimensionMatches(scope, value string) bool {
	if scope == Wildcard {
		return true
	}
	return value != "" && scope == value
}

// Markup computes the raw markup for a base price. Percent markups are
// clamped into [MinMarkup, MaxMarkup]; an absent bound does not clamp.
func (r *Rule) Markup(base money.Amount) (money.Amount, error) {
	switch r.MarkupType {
	case RuleFixed:
		return r.MarkupValue, nil
	case RulePercent:
		amount := base.Mul(r.MarkupValue)
		if r.MinMarkup.Valid && amount.LessThan(r.MinMarkup.Amount) {
			amount = r.MinMarkup.Amount
		}
		if r.MaxMarkup.Valid && amount.GreaterThan(r.MaxMarkup.Amount) {
			amount = r.MaxMarkup.Amount
		}
		return amount, nil
	default:
		return money.Zero, invalidRule("unknown markup type " + string(r.MarkupType))
	}
}

// Normalize replaces empty scope dimensions with the wildcard sentinel
func (r *Rule) Normalize() {
	for _, v := range []*string{&r.BuyerID, &r.SellerID, &r.CategoryID, &r.ProductID} {
		if *v == "" {
			*v = Wildcard
		}
	}
}

// Validate checks the rule configuration before it is stored
func (r *Rule) Validate() error {
	switch r.MarkupType {
	case RuleFixed:
		if r.MinMarkup.Valid || r.MaxMarkup.Valid {
			return invalidRule("min/max clamps only apply to percent rules")
		}
	case RulePercent:
		if r.MarkupValue.IsNegative() {
			return invalidRule("percent markup must not be negative")
		}
		if r.MinMarkup.Valid && r.MaxMarkup.Valid && r.MinMarkup.Amount.GreaterThan(r.MaxMarkup.Amount) {
			return invalidRule("min_markup exceeds max_markup")
		}
	default:
		return invalidRule("markup_type must be fixed or percent")
	}

	if r.EffectiveFrom != nil && r.EffectiveTo != nil && !r.EffectiveFrom.Before(*r.EffectiveTo) {
		return invalidRule("effective_from must be before effective_to")
	}
	return nil
}
