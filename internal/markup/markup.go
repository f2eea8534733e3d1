package markup

import (
	"context"
	"errors"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/ksred/supply-api/internal/money"
	"github.com/ksred/supply-api/pkg/response"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"
)

// Service manages markup rules and quotes prices through the resolver
type Service struct {
	db       *Database
	resolver *Resolver
}

// NewService creates a markup service; opts configure the embedded resolver
func NewService(gormDB *gorm.DB, opts ...Option) *Service {
	db := NewDatabase(gormDB)
	return &Service{
		db:       db,
		resolver: NewResolver(db, opts...),
	}
}

// Resolver exposes the resolver used for order pricing
func (s *Service) Resolver() *Resolver {
	return s.resolver
}

// CreateRule validates and stores a new rule
func (s *Service) CreateRule(ctx context.Context, rule *Rule) error {
	rule.ID = 0
	rule.Normalize()
	if err := rule.Validate(); err != nil {
		return err
	}

	if err := s.db.CreateRule(ctx, rule); err != nil {
		return err
	}

	log.Info().
		Uint("rule_id", rule.ID).
		Str("markup_type", string(rule.MarkupType)).
		Str("markup_value", rule.MarkupValue.String()).
		Int("priority", rule.Priority).
		Int("specificity", rule.Specificity()).
		Str("service", "markup").
		Msg("markup rule created")
	return nil
}

func (s *Service) ListRules(ctx context.Context, activeOnly bool) ([]Rule, error) {
	return s.db.ListRules(ctx, activeOnly)
}

// DeactivateRule switches a rule off. Existing orders are unaffected because
// their line items snapshot prices at creation.
func (s *Service) DeactivateRule(ctx context.Context, id uint) error {
	if err := s.db.DeactivateRule(ctx, id); err != nil {
		return err
	}
	log.Info().Uint("rule_id", id).Str("service", "markup").Msg("markup rule deactivated")
	return nil
}

// Quote resolves a single price without creating anything
func (s *Service) Quote(ctx context.Context, basePrice money.Amount, mc MatchContext) (Result, error) {
	return s.resolver.Resolve(ctx, basePrice, mc)
}

// GinHandlers contains HTTP handlers for markup endpoints
type GinHandlers struct {
	service *Service
}

func NewGinHandlers(service *Service) *GinHandlers {
	return &GinHandlers{
		service: service,
	}
}

// CreateRuleHandler handles POST requests to create a markup rule
func (h *GinHandlers) CreateRuleHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var rule Rule
		if err := c.ShouldBindJSON(&rule); err != nil {
			response.BadRequest(c, err.Error())
			return
		}

		err := h.service.CreateRule(c.Request.Context(), &rule)
		respond(c, &rule, err)
	}
}

// ListRulesHandler handles GET requests; ?active=true limits to active rules
func (h *GinHandlers) ListRulesHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		activeOnly := c.Query("active") == "true"
		rules, err := h.service.ListRules(c.Request.Context(), activeOnly)
		respond(c, rules, err)
	}
}

// DeactivateRuleHandler handles DELETE requests for a rule
func (h *GinHandlers) DeactivateRuleHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		id, err := strconv.ParseUint(c.Param("rule_id"), 10, 64)
		if err != nil {
			response.BadRequest(c, "rule_id must be numeric")
			return
		}

		err = h.service.DeactivateRule(c.Request.Context(), uint(id))
		respond(c, gin.H{"rule_id": id, "is_active": false}, err)
	}
}

type quoteRequest struct {
	BasePrice money.Amount `json:"base_price"`
	MatchContext
}

// QuoteHandler handles POST requests to price a single line
func (h *GinHandlers) QuoteHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req quoteRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			response.BadRequest(c, err.Error())
			return
		}

		result, err := h.service.Quote(c.Request.Context(), req.BasePrice, req.MatchContext)
		respond(c, result, err)
	}
}

func respond(c *gin.Context, data interface{}, err error) {
	switch {
	case errors.Is(err, ErrInvalidRule), errors.Is(err, ErrInvalidPrice):
		response.ValidationFailed(c, err.Error())
	case errors.Is(err, ErrInvalidMarkupResult):
		response.InternalError(c, err.Error())
	default:
		response.Handle(c, data, err)
	}
}
