package payment

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/ksred/supply-api/internal/auth"
	"github.com/ksred/supply-api/internal/ordering"
	"github.com/ksred/supply-api/internal/types"
	"github.com/ksred/supply-api/pkg/response"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"
)

var (
	ErrPaymentNotFound = errors.New("payment not found")
	ErrNotPayable      = errors.New("order is not awaiting payment")
	ErrPaymentClosed   = errors.New("payment is no longer open")
	ErrAmountMismatch  = errors.New("callback amount does not match payment")
	ErrInvalidCallback = errors.New("invalid payment callback")
)

// OrderService is the part of the order service payments depend on
type OrderService interface {
	GetOrder(ctx context.Context, orderNumber string, actor types.Actor) (*ordering.Order, error)
	MarkPaid(ctx context.Context, orderNumber string, actor types.Actor) (*ordering.Order, error)
}

// Service creates payments for orders and turns gateway callbacks into MarkPaid
type Service struct {
	db      *Database
	orders  OrderService
	gateway *Gateway
	expiry  time.Duration
	actor   types.Actor
	now     func() time.Time
}

func NewService(gormDB *gorm.DB, orders OrderService, gateway *Gateway, expiry time.Duration) *Service {
	return &Service{
		db:      NewDatabase(gormDB),
		orders:  orders,
		gateway: gateway,
		expiry:  expiry,
		actor:   types.SystemActor("payment_gateway"),
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// Initiate returns an open payment for the buyer's order, creating one when
// none is open
func (s *Service) Initiate(ctx context.Context, actor types.Actor, orderNumber string) (*Payment, error) {
	logger := log.With().
		Str("order_number", orderNumber).
		Str("actor", actor.String()).
		Str("service", "payment").
		Logger()

	order, err := s.orders.GetOrder(ctx, orderNumber, actor)
	if err != nil {
		return nil, err
	}
	if actor.Type != types.ActorBuyer {
		return nil, fmt.Errorf("%w: only the buyer pays an order", ordering.ErrForbidden)
	}
	if order.Status != ordering.StatusPendingPayment {
		return nil, fmt.Errorf("%w: order is %s", ErrNotPayable, order.Status)
	}

	now := s.now()
	open, err := s.db.FindOpenPayment(ctx, orderNumber, now)
	if err != nil {
		return nil, err
	}
	if open != nil {
		return open, nil
	}

	p := &Payment{
		PaymentID:   "PAY_" + uuid.New().String(),
		OrderNumber: order.OrderNumber,
		BuyerID:     order.BuyerID,
		Amount:      order.TotalAmount,
		Status:      StatusInitiated,
		GatewayID:   s.gateway.ID,
		ExpiresAt:   now.Add(s.expiry),
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	p.QRCodeURL = s.gateway.QRCodeURL(p.PaymentID)

	if err := s.db.CreatePayment(ctx, p); err != nil {
		logger.Error().Err(err).Msg("failed to create payment")
		return nil, err
	}

	logger.Info().
		Str("payment_id", p.PaymentID).
		Str("amount", p.Amount.String()).
		Time("expires_at", p.ExpiresAt).
		Msg("payment initiated")
	return p, nil
}

// HandleCallback applies a gateway result. Repeated success callbacks for a
// payment are accepted and re-drive MarkPaid, which is idempotent here.
func (s *Service) HandleCallback(ctx context.Context, cb Callback) (*Payment, error) {
	logger := log.With().
		Str("payment_id", cb.PaymentID).
		Str("callback_status", string(cb.Status)).
		Str("service", "payment").
		Logger()

	if cb.Status != StatusSucceeded && cb.Status != StatusFailed {
		return nil, fmt.Errorf("%w: status %q", ErrInvalidCallback, cb.Status)
	}

	p, err := s.db.GetPayment(ctx, cb.PaymentID)
	if err != nil {
		return nil, err
	}

	switch p.Status {
	case StatusSucceeded:
		if cb.Status != StatusSucceeded {
			logger.Warn().Msg("ignoring failure callback for a settled payment")
			return p, nil
		}
		logger.Info().Msg("duplicate success callback")
		return p, s.markOrderPaid(ctx, p)
	case StatusFailed, StatusExpired:
		return nil, fmt.Errorf("%w: payment is %s", ErrPaymentClosed, p.Status)
	}

	now := s.now()
	p.UpdatedAt = now
	p.GatewayRef = cb.GatewayRef

	switch {
	case !now.Before(p.ExpiresAt):
		p.Status = StatusExpired
	case cb.Status == StatusFailed:
		p.Status = StatusFailed
	default:
		if !cb.Amount.Equal(p.Amount) {
			logger.Error().
				Str("expected", p.Amount.String()).
				Str("received", cb.Amount.String()).
				Msg("payment amount mismatch")
			return nil, ErrAmountMismatch
		}
		p.Status = StatusSucceeded
		p.PaidAt = &now
	}

	resolved, err := s.db.ResolvePayment(ctx, p)
	if err != nil {
		return nil, err
	}
	if !resolved {
		// a concurrent callback settled it first
		return s.HandleCallback(ctx, cb)
	}

	logger.Info().Str("status", string(p.Status)).Str("order_number", p.OrderNumber).Msg("payment resolved")

	switch p.Status {
	case StatusExpired:
		return nil, fmt.Errorf("%w: payment expired", ErrPaymentClosed)
	case StatusSucceeded:
		return p, s.markOrderPaid(ctx, p)
	}
	return p, nil
}

func (s *Service) markOrderPaid(ctx context.Context, p *Payment) error {
	_, err := s.orders.MarkPaid(ctx, p.OrderNumber, s.actor)
	if err == nil {
		return nil
	}

	var stateErr *ordering.StateError
	if errors.As(err, &stateErr) && errors.Is(err, ordering.ErrAlreadyPaid) {
		if stateErr.Current == ordering.StatusCancelled {
			log.Warn().
				Str("payment_id", p.PaymentID).
				Str("order_number", p.OrderNumber).
				Msg("payment captured for a cancelled order, refund required")
		}
		return nil
	}

	log.Error().Err(err).Str("payment_id", p.PaymentID).Str("order_number", p.OrderNumber).Msg("failed to mark order paid")
	return err
}

// Simulate charges the payment through the mock gateway and feeds the
// resulting callback back in
func (s *Service) Simulate(ctx context.Context, actor types.Actor, paymentID string) (*Payment, error) {
	p, err := s.db.GetPayment(ctx, paymentID)
	if err != nil {
		return nil, err
	}
	if actor.Type != types.ActorAdmin && (actor.Type != types.ActorBuyer || actor.ID != p.BuyerID) {
		return nil, fmt.Errorf("%w: payment belongs to another buyer", ordering.ErrForbidden)
	}
	if !p.Open(s.now()) {
		return nil, fmt.Errorf("%w: payment is %s", ErrPaymentClosed, p.Status)
	}

	cb, err := s.gateway.Charge(ctx, p)
	if err != nil {
		return nil, err
	}
	return s.HandleCallback(ctx, cb)
}

// Payments lists the payment attempts of an order visible to actor
func (s *Service) Payments(ctx context.Context, actor types.Actor, orderNumber string) ([]Payment, error) {
	if _, err := s.orders.GetOrder(ctx, orderNumber, actor); err != nil {
		return nil, err
	}
	return s.db.ListPayments(ctx, orderNumber)
}

// GinHandlers contains HTTP handlers for payment endpoints
type GinHandlers struct {
	service *Service
}

func NewGinHandlers(service *Service) *GinHandlers {
	return &GinHandlers{
		service: service,
	}
}

// InitiateHandler handles POST requests for an order's payment QR code
func (h *GinHandlers) InitiateHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		actor, ok := auth.MustActor(c)
		if !ok {
			return
		}
		p, err := h.service.Initiate(c.Request.Context(), actor, c.Param("order_number"))
		respond(c, p, err)
	}
}

// ListHandler handles GET requests for an order's payments
func (h *GinHandlers) ListHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		actor, ok := auth.MustActor(c)
		if !ok {
			return
		}
		payments, err := h.service.Payments(c.Request.Context(), actor, c.Param("order_number"))
		respond(c, payments, err)
	}
}

// CallbackHandler handles gateway notifications
func (h *GinHandlers) CallbackHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var cb Callback
		if err := c.ShouldBindJSON(&cb); err != nil {
			response.BadRequest(c, err.Error())
			return
		}
		p, err := h.service.HandleCallback(c.Request.Context(), cb)
		respond(c, p, err)
	}
}

// SimulateHandler handles POST requests that pay through the mock gateway
func (h *GinHandlers) SimulateHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		actor, ok := auth.MustActor(c)
		if !ok {
			return
		}
		p, err := h.service.Simulate(c.Request.Context(), actor, c.Param("payment_id"))
		respond(c, p, err)
	}
}

func respond(c *gin.Context, data interface{}, err error) {
	switch {
	case err == nil:
		response.Success(c, data)
	case errors.Is(err, ErrPaymentNotFound), errors.Is(err, ordering.ErrOrderNotFound):
		response.NotFound(c, err.Error())
	case errors.Is(err, ordering.ErrForbidden):
		response.Forbidden(c, err.Error())
	case errors.Is(err, ErrNotPayable), errors.Is(err, ErrPaymentClosed):
		response.Conflict(c, err.Error())
	case errors.Is(err, ErrAmountMismatch), errors.Is(err, ErrInvalidCallback):
		response.ValidationFailed(c, err.Error())
	default:
		response.Handle(c, data, err)
	}
}
