package markup

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/ksred/supply-api/internal/money"
	"github.com/rs/zerolog/log"
)

// RuleSource returns the rules that could apply to a context. It may
// return a superset; the resolver filters again before selecting.
type RuleSource interface {
	FindCandidates(ctx context.Context, mc MatchContext) ([]Rule, error)
}

// Resolver picks the winning rule for a priced line and applies it
type Resolver struct {
	source  RuleSource
	enabled bool
	now     func() time.Time
}

// Option configures a Resolver
type Option func(*Resolver)

// WithEnabled toggles markup resolution globally. Disabled resolvers
// return the base price untouched for every context.
func WithEnabled(enabled bool) Option {
	return func(r *Resolver) {
		r.enabled = enabled
	}
}

// WithClock overrides the time used for effective-window checks
func WithClock(now func() time.Time) Option {
	return func(r *Resolver) {
		r.now = now
	}
}

// NewResolver creates a resolver reading rules from source
func NewResolver(source RuleSource, opts ...Option) *Resolver {
	r := &Resolver{
		source:  source,
		enabled: true,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Enabled reports the global markup switch
func (r *Resolver) Enabled() bool {
	return r.enabled
}

// Resolve finds the highest-precedence applicable rule for mc and applies it
// to basePrice. Without a matching rule the base price is returned as final.
func (r *Resolver) Resolve(ctx context.Context, basePrice money.Amount, mc MatchContext) (Result, error) {
	if basePrice.IsNegative() {
		return Result{}, fmt.Errorf("%w: %s", ErrInvalidPrice, basePrice)
	}

	result := Result{
		BasePrice:    basePrice,
		MarkupAmount: money.Zero,
		FinalPrice:   basePrice,
	}
	if !r.enabled {
		return result, nil
	}

	candidates, err := r.source.FindCandidates(ctx, mc)
	if err != nil {
		return Result{}, fmt.Errorf("failed to load markup rules: %w", err)
	}

	rule := SelectRule(candidates, mc, r.now())
	if rule == nil {
		return result, nil
	}

	amount, err := rule.Markup(basePrice)
	if err != nil {
		return Result{}, err
	}

	final := basePrice.Add(amount)
	if final.IsNegative() {
		log.Error().
			Uint("rule_id", rule.ID).
			Str("base_price", basePrice.String()).
			Str("markup_amount", amount.String()).
			Msg("markup rule produced a negative price")
		return Result{}, fmt.Errorf("%w: rule %d yields %s", ErrInvalidMarkupResult, rule.ID, final)
	}

	id := rule.ID
	result.MarkupAmount = amount
	result.FinalPrice = final
	result.AppliedRuleID = &id
	return result, nil
}

// SelectRule returns the winning rule among candidates, or nil. Precedence is
// priority desc, then specificity desc, then rule ID asc.
func SelectRule(candidates []Rule, mc MatchContext, now time.Time) *Rule {
	matched := make([]*Rule, 0, len(candidates))
	for i := range candidates {
		rule := &candidates[i]
		if rule.ActiveAt(now) && rule.Matches(mc) {
			matched = append(matched, rule)
		}
	}
	if len(matched) == 0 {
		return nil
	}

	sort.Slice(matched, func(i, j int) bool {
		a, b := matched[i], matched[j]
		if a.Priority != b.Priority {
			return a.Priority > b.Priority
		}
		if sa, sb := a.Specificity(), b.Specificity(); sa != sb {
			return sa > sb
		}
		return a.ID < b.ID
	})
	return matched[0]
}
