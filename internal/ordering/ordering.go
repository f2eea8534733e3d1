package ordering

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/ksred/supply-api/internal/auth"
	"github.com/ksred/supply-api/internal/markup"
	"github.com/ksred/supply-api/internal/money"
	"github.com/ksred/supply-api/internal/types"
	"github.com/ksred/supply-api/pkg/response"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"
)

const idempotencyKeyTTL = 24 * time.Hour

// PriceResolver prices a single line at order creation
type PriceResolver interface {
	Resolve(ctx context.Context, basePrice money.Amount, mc markup.MatchContext) (markup.Result, error)
}

// EventPublisher receives one event per successful operation. It must not
// block on network I/O.
type EventPublisher interface {
	Dispatch(ctx context.Context, event types.OrderEvent) error
}

// Config holds the order policy knobs
type Config struct {
	ServiceFeeRate  money.Amount
	CancelWindow    time.Duration
	PaymentRequired bool
}

// Service drives order creation and every lifecycle transition
type Service struct {
	db        *Database
	resolver  PriceResolver
	publisher EventPublisher
	cfg       Config
	locks     *keyedMutex
	now       func() time.Time
}

// ServiceOption configures a Service
type ServiceOption func(*Service)

// WithClock overrides the service clock
func WithClock(now func() time.Time) ServiceOption {
	return func(s *Service) {
		s.now = now
	}
}

// NewService creates an order service. publisher may be nil.
func NewService(gormDB *gorm.DB, resolver PriceResolver, publisher EventPublisher, cfg Config, opts ...ServiceOption) *Service {
	s := &Service{
		db:        NewDatabase(gormDB),
		resolver:  resolver,
		publisher: publisher,
		cfg:       cfg,
		locks:     newKeyedMutex(),
		now:       func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// ItemRequest is one requested line
type ItemRequest struct {
	ProductID   string       `json:"product_id" binding:"required"`
	ProductName string       `json:"product_name"`
	CategoryID  string       `json:"category_id"`
	BasePrice   money.Amount `json:"base_price"`
	Quantity    int64        `json:"quantity" binding:"required,gt=0"`
}

// CreateOrderRequest is the buyer's order submission
type CreateOrderRequest struct {
	SellerID        string        `json:"seller_id" binding:"required"`
	Items           []ItemRequest `json:"items" binding:"required,min=1,dive"`
	ContactName     string        `json:"contact_name"`
	ContactPhone    string        `json:"contact_phone"`
	DeliveryAddress string        `json:"delivery_address"`
	Remark          string        `json:"remark"`
	// PaymentRequired overrides the configured default when set
	PaymentRequired *bool `json:"payment_required,omitempty"`
}

func (r *CreateOrderRequest) validate() error {
	if r.SellerID == "" {
		return fmt.Errorf("%w: seller_id is required", ErrInvalidOrder)
	}
	if len(r.Items) == 0 {
		return fmt.Errorf("%w: at least one item is required", ErrInvalidOrder)
	}
	for i, item := range r.Items {
		if item.ProductID == "" {
			return fmt.Errorf("%w: item %d has no product_id", ErrInvalidOrder, i)
		}
		if item.Quantity <= 0 {
			return fmt.Errorf("%w: item %d quantity must be positive", ErrInvalidOrder, i)
		}
	}
	return nil
}

// CreateOrder prices every line through the markup resolver, computes the
// order amounts and stores the order in its initial state. With a non-empty
// idempotencyKey a replay returns the order created by the first call.
func (s *Service) CreateOrder(ctx context.Context, actor types.Actor, req CreateOrderRequest, idempotencyKey string) (*Order, error) {
	logger := log.With().
		Str("buyer_id", actor.ID).
		Str("seller_id", req.SellerID).
		Str("service", "ordering").
		Logger()

	if actor.Type != types.ActorBuyer {
		return nil, fmt.Errorf("%w: only buyers create orders", ErrForbidden)
	}
	if err := req.validate(); err != nil {
		return nil, err
	}

	now := s.now()
	if idempotencyKey != "" {
		record, err := s.db.GetIdempotencyRecord(ctx, idempotencyKey, now)
		if err != nil {
			return nil, err
		}
		if record != nil {
			if record.BuyerID != actor.ID {
				return nil, fmt.Errorf("%w: idempotency key belongs to another buyer", ErrForbidden)
			}
			logger.Info().Str("order_number", record.OrderNumber).Msg("idempotent replay of order creation")
			return s.db.GetOrder(ctx, record.OrderNumber)
		}
	}

	order := &Order{
		OrderNumber:     newOrderNumber(now),
		BuyerID:         actor.ID,
		SellerID:        req.SellerID,
		ServiceFeeRate:  s.cfg.ServiceFeeRate,
		ContactName:     req.ContactName,
		ContactPhone:    req.ContactPhone,
		DeliveryAddress: req.DeliveryAddress,
		Remark:          req.Remark,
		CreatedAt:       now,
		UpdatedAt:       now,
	}

	goods := money.Zero
	for _, item := range req.Items {
		res, err := s.resolver.Resolve(ctx, item.BasePrice, markup.MatchContext{
			BuyerID:    actor.ID,
			SellerID:   req.SellerID,
			CategoryID: item.CategoryID,
			ProductID:  item.ProductID,
		})
		if err != nil {
			logger.Error().Err(err).Str("product_id", item.ProductID).Msg("markup resolution failed")
			return nil, err
		}

		final := res.FinalPrice.RoundCurrency()
		line := OrderItem{
			ProductID:     item.ProductID,
			ProductName:   item.ProductName,
			CategoryID:    item.CategoryID,
			BasePrice:     item.BasePrice,
			MarkupAmount:  final.Sub(item.BasePrice),
			FinalPrice:    final,
			AppliedRuleID: res.AppliedRuleID,
			Quantity:      item.Quantity,
			LineTotal:     final.MulInt(item.Quantity),
		}
		goods = goods.Add(line.LineTotal)
		order.Items = append(order.Items, line)
	}

	order.GoodsAmount = goods.RoundCurrency()
	order.ServiceFee = goods.Mul(s.cfg.ServiceFeeRate).RoundCurrency()
	order.TotalAmount = order.GoodsAmount.Add(order.ServiceFee)

	paymentRequired := s.cfg.PaymentRequired
	if req.PaymentRequired != nil {
		paymentRequired = *req.PaymentRequired
	}
	if paymentRequired {
		order.Status = StatusPendingPayment
		order.PaymentStatus = PaymentUnpaid
	} else {
		order.Status = StatusPendingConfirm
		order.PaymentStatus = PaymentNotRequired
	}

	initial := StatusLog{
		Action:       ActionCreate,
		ToStatus:     order.Status,
		OperatorType: actor.Type,
		OperatorID:   actor.ID,
		CreatedAt:    now,
	}
	event := order.Event(types.EventOrderCreated, actor, now)
	outbox, err := s.db.CreateOrder(ctx, order, initial, event, idempotencyKey, idempotencyKeyTTL)
	if err != nil {
		logger.Error().Err(err).Msg("failed to create order")
		return nil, err
	}
	event.OrderID = order.ID

	logger.Info().
		Str("order_number", order.OrderNumber).
		Str("status", string(order.Status)).
		Str("goods_amount", order.GoodsAmount.String()).
		Str("service_fee", order.ServiceFee.String()).
		Str("total_amount", order.TotalAmount.String()).
		Int("items", len(order.Items)).
		Msg("order created")

	unlock := s.locks.Lock(order.OrderNumber)
	s.publish(ctx, outbox, event)
	unlock()
	return order, nil
}

// MarkPaid moves a paid order on to seller confirmation
func (s *Service) MarkPaid(ctx context.Context, orderNumber string, actor types.Actor) (*Order, error) {
	return s.transition(ctx, orderNumber, actor, func(o *Order, now time.Time) (*Change, error) {
		return o.MarkPaid(actor, now)
	})
}

// Confirm is the seller accepting the order
func (s *Service) Confirm(ctx context.Context, orderNumber string, actor types.Actor) (*Order, error) {
	return s.transition(ctx, orderNumber, actor, func(o *Order, now time.Time) (*Change, error) {
		return o.Confirm(actor, now)
	})
}

// StartDelivery is the seller dispatching the goods
func (s *Service) StartDelivery(ctx context.Context, orderNumber string, actor types.Actor) (*Order, error) {
	return s.transition(ctx, orderNumber, actor, func(o *Order, now time.Time) (*Change, error) {
		return o.StartDelivery(actor, now)
	})
}

// Complete confirms receipt
func (s *Service) Complete(ctx context.Context, orderNumber string, actor types.Actor) (*Order, error) {
	return s.transition(ctx, orderNumber, actor, func(o *Order, now time.Time) (*Change, error) {
		return o.Complete(actor, now)
	})
}

// CancelDirect cancels an unconfirmed order inside the cancellation window
func (s *Service) CancelDirect(ctx context.Context, orderNumber string, actor types.Actor, reason string) (*Order, error) {
	return s.transition(ctx, orderNumber, actor, func(o *Order, now time.Time) (*Change, error) {
		return o.CancelDirect(actor, reason, s.cfg.CancelWindow, now)
	})
}

// RequestCancellation opens a cancellation request for admin adjudication
func (s *Service) RequestCancellation(ctx context.Context, orderNumber string, actor types.Actor, reason string) (*CancellationRequest, error) {
	var request *CancellationRequest
	_, err := s.transition(ctx, orderNumber, actor, func(o *Order, now time.Time) (*Change, error) {
		pending, err := s.db.GetPendingCancellation(ctx, o.ID)
		if err != nil {
			return nil, err
		}
		change, err := o.RequestCancellation(actor, reason, pending, now)
		if err != nil {
			return nil, err
		}
		request = change.Request
		return change, nil
	})
	if err != nil {
		return nil, err
	}
	return request, nil
}

// AdjudicateCancellation approves or rejects the pending cancellation request
func (s *Service) AdjudicateCancellation(ctx context.Context, orderNumber string, actor types.Actor, approve bool, notes string) (*Order, *CancellationRequest, error) {
	var request *CancellationRequest
	order, err := s.transition(ctx, orderNumber, actor, func(o *Order, now time.Time) (*Change, error) {
		pending, err := s.db.GetPendingCancellation(ctx, o.ID)
		if err != nil {
			return nil, err
		}
		change, err := o.AdjudicateCancellation(actor, pending, approve, notes, now)
		if err != nil {
			return nil, err
		}
		request = change.Request
		return change, nil
	})
	if err != nil {
		return nil, nil, err
	}
	return order, request, nil
}

// transition runs op under the per-order lock, persists its outcome and
// emits the resulting event. A failing op leaves no trace.
func (s *Service) transition(ctx context.Context, orderNumber string, actor types.Actor, op func(o *Order, now time.Time) (*Change, error)) (*Order, error) {
	logger := log.With().
		Str("order_number", orderNumber).
		Str("actor", actor.String()).
		Str("service", "ordering").
		Logger()

	unlock := s.locks.Lock(orderNumber)
	defer unlock()

	order, err := s.db.GetOrder(ctx, orderNumber)
	if err != nil {
		return nil, err
	}

	now := s.now()
	version := order.Version
	change, err := op(order, now)
	if err != nil {
		logger.Debug().Err(err).Msg("order operation rejected")
		return nil, err
	}

	event := order.Event(change.EventType, actor, now)
	outbox, err := s.db.SaveTransition(ctx, order, version, change, event)
	if err != nil {
		if errors.Is(err, ErrConcurrentModification) {
			logger.Warn().Msg("order version changed underneath the lock holder")
		} else {
			logger.Error().Err(err).Msg("failed to persist order transition")
		}
		return nil, err
	}

	logger.Info().
		Str("action", string(change.Action)).
		Str("from", string(change.From)).
		Str("to", string(change.To)).
		Msg("order transition applied")

	s.publish(ctx, outbox, event)
	return order, nil
}

// publish hands a committed event to the publisher. A rejected event stays
// in the outbox for OutboxRelay and never fails the operation that produced
// it. Callers hold the order lock.
func (s *Service) publish(ctx context.Context, outbox *OutboxEvent, event types.OrderEvent) {
	if s.publisher == nil {
		return
	}
	if _, err := s.relay(context.WithoutCancel(ctx), outbox, event); err != nil {
		log.Error().
			Err(err).
			Str("event_id", event.EventID).
			Str("event", string(event.Type)).
			Str("order_number", event.OrderNumber).
			Msg("failed to enqueue order event, left in outbox")
	}
}

// relay dispatches one outbox event and marks it relayed
func (s *Service) relay(ctx context.Context, outbox *OutboxEvent, event types.OrderEvent) (bool, error) {
	if err := s.publisher.Dispatch(ctx, event); err != nil {
		if rerr := s.db.RecordRelayFailure(ctx, outbox.ID, err); rerr != nil {
			log.Error().Err(rerr).Str("event_id", event.EventID).Msg("failed to record relay failure")
		}
		return false, err
	}
	if err := s.db.MarkRelayed(ctx, outbox.ID, s.now()); err != nil {
		return true, fmt.Errorf("event dispatched but not marked relayed: %w", err)
	}
	return true, nil
}

// RelayOutbox dispatches events committed before cutoff that the publisher
// has not accepted yet. It returns how many were relayed.
func (s *Service) RelayOutbox(ctx context.Context, cutoff time.Time, limit int) (int, error) {
	if s.publisher == nil {
		return 0, nil
	}
	pending, err := s.db.FindUnrelayed(ctx, cutoff, limit)
	if err != nil {
		return 0, err
	}

	relayed := 0
	var errs []error
	for i := range pending {
		ok, err := s.relayStored(ctx, pending[i].ID, pending[i].OrderNumber)
		if err != nil {
			errs = append(errs, err)
		}
		if ok {
			relayed++
		}
	}
	return relayed, errors.Join(errs...)
}

// relayStored re-reads the outbox row under the order lock, so an event the
// operation itself already relayed is not dispatched twice
func (s *Service) relayStored(ctx context.Context, id uint, orderNumber string) (bool, error) {
	unlock := s.locks.Lock(orderNumber)
	defer unlock()

	outbox, err := s.db.GetOutboxEvent(ctx, id)
	if err != nil {
		return false, err
	}
	if outbox.RelayedAt != nil {
		return false, nil
	}
	event, err := outbox.Event()
	if err != nil {
		return false, fmt.Errorf("failed to decode outbox event %s: %w", outbox.EventID, err)
	}
	return s.relay(ctx, outbox, event)
}

// GetOrder returns an order visible to actor
func (s *Service) GetOrder(ctx context.Context, orderNumber string, actor types.Actor) (*Order, error) {
	order, err := s.db.GetOrder(ctx, orderNumber)
	if err != nil {
		return nil, err
	}
	if !canView(order, actor) {
		// hide existence from other parties
		return nil, ErrOrderNotFound
	}
	return order, nil
}

// ListOrders returns the orders visible to actor
func (s *Service) ListOrders(ctx context.Context, actor types.Actor, status Status, limit int) ([]Order, error) {
	f := ListFilter{Status: status, Limit: limit}
	switch actor.Type {
	case types.ActorBuyer:
		f.BuyerID = actor.ID
	case types.ActorSeller:
		f.SellerID = actor.ID
	case types.ActorAdmin, types.ActorSystem:
	default:
		return nil, ErrForbidden
	}
	return s.db.ListOrders(ctx, f)
}

// History returns the status log of an order
func (s *Service) History(ctx context.Context, orderNumber string, actor types.Actor) ([]StatusLog, error) {
	order, err := s.GetOrder(ctx, orderNumber, actor)
	if err != nil {
		return nil, err
	}
	return s.db.GetStatusLog(ctx, order.ID)
}

// Cancellations returns all cancellation requests of an order
func (s *Service) Cancellations(ctx context.Context, orderNumber string, actor types.Actor) ([]CancellationRequest, error) {
	order, err := s.GetOrder(ctx, orderNumber, actor)
	if err != nil {
		return nil, err
	}
	return s.db.ListCancellations(ctx, order.ID)
}

// PendingCancellations is the admin adjudication queue
func (s *Service) PendingCancellations(ctx context.Context) ([]CancellationRequest, error) {
	return s.db.ListPendingCancellations(ctx)
}

func canView(o *Order, actor types.Actor) bool {
	switch actor.Type {
	case types.ActorBuyer:
		return actor.ID == o.BuyerID
	case types.ActorSeller:
		return actor.ID == o.SellerID
	case types.ActorAdmin, types.ActorSystem:
		return true
	}
	return false
}

// newOrderNumber is a UTC timestamp prefix followed by 8 random hex digits
func newOrderNumber(now time.Time) string {
	suffix := strings.ReplaceAll(uuid.New().String(), "-", "")[:8]
	return now.UTC().Format("20060102150405") + strings.ToUpper(suffix)
}

// GinHandlers contains HTTP handlers for order endpoints
type GinHandlers struct {
	service *Service
}

func NewGinHandlers(service *Service) *GinHandlers {
	return &GinHandlers{
		service: service,
	}
}

// CreateOrderHandler handles POST requests to place an order. An
// Idempotency-Key header makes retries return the first order.
func (h *GinHandlers) CreateOrderHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		actor, ok := auth.MustActor(c)
		if !ok {
			return
		}

		var req CreateOrderRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			response.BadRequest(c, err.Error())
			return
		}

		order, err := h.service.CreateOrder(c.Request.Context(), actor, req, c.GetHeader("Idempotency-Key"))
		respond(c, order, err)
	}
}

// GetOrderHandler handles GET requests for a single order
func (h *GinHandlers) GetOrderHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		actor, ok := auth.MustActor(c)
		if !ok {
			return
		}
		order, err := h.service.GetOrder(c.Request.Context(), c.Param("order_number"), actor)
		respond(c, order, err)
	}
}

// ListOrdersHandler handles GET requests; ?status= and ?limit= narrow the list
func (h *GinHandlers) ListOrdersHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		actor, ok := auth.MustActor(c)
		if !ok {
			return
		}

		limit := 50
		if raw := c.Query("limit"); raw != "" {
			n, err := strconv.Atoi(raw)
			if err != nil || n <= 0 {
				response.BadRequest(c, "limit must be a positive integer")
				return
			}
			limit = n
		}

		orders, err := h.service.ListOrders(c.Request.Context(), actor, Status(c.Query("status")), limit)
		respond(c, orders, err)
	}
}

// HistoryHandler handles GET requests for the status log of an order
func (h *GinHandlers) HistoryHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		actor, ok := auth.MustActor(c)
		if !ok {
			return
		}
		entries, err := h.service.History(c.Request.Context(), c.Param("order_number"), actor)
		respond(c, entries, err)
	}
}

type actionFunc func(ctx context.Context, orderNumber string, actor types.Actor) (*Order, error)

// TransitionHandler serves the body-less lifecycle actions: confirm, deliver, complete
func (h *GinHandlers) TransitionHandler(action Action) gin.HandlerFunc {
	var fn actionFunc
	switch action {
	case ActionConfirm:
		fn = h.service.Confirm
	case ActionStartDelivery:
		fn = h.service.StartDelivery
	case ActionComplete:
		fn = h.service.Complete
	case ActionMarkPaid:
		fn = h.service.MarkPaid
	default:
		panic(fmt.Sprintf("ordering: no handler for action %q", action))
	}

	return func(c *gin.Context) {
		actor, ok := auth.MustActor(c)
		if !ok {
			return
		}
		order, err := fn(c.Request.Context(), c.Param("order_number"), actor)
		respond(c, order, err)
	}
}

type reasonRequest struct {
	Reason string `json:"reason"`
}

// CancelHandler handles POST requests for direct cancellation
func (h *GinHandlers) CancelHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		actor, ok := auth.MustActor(c)
		if !ok {
			return
		}
		var req reasonRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			response.BadRequest(c, err.Error())
			return
		}
		order, err := h.service.CancelDirect(c.Request.Context(), c.Param("order_number"), actor, req.Reason)
		respond(c, order, err)
	}
}

// RequestCancellationHandler handles POST requests opening a cancellation request
func (h *GinHandlers) RequestCancellationHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		actor, ok := auth.MustActor(c)
		if !ok {
			return
		}
		var req reasonRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			response.BadRequest(c, err.Error())
			return
		}
		request, err := h.service.RequestCancellation(c.Request.Context(), c.Param("order_number"), actor, req.Reason)
		respond(c, request, err)
	}
}

// ListCancellationsHandler handles GET requests for the cancellation requests of an order
func (h *GinHandlers) ListCancellationsHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		actor, ok := auth.MustActor(c)
		if !ok {
			return
		}
		requests, err := h.service.Cancellations(c.Request.Context(), c.Param("order_number"), actor)
		respond(c, requests, err)
	}
}

// PendingCancellationsHandler handles GET requests for the admin queue
func (h *GinHandlers) PendingCancellationsHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		requests, err := h.service.PendingCancellations(c.Request.Context())
		respond(c, requests, err)
	}
}

type adjudicateRequest struct {
	Approve *bool  `json:"approve" binding:"required"`
	Notes   string `json:"notes"`
}

// AdjudicateHandler handles POST requests approving or rejecting the pending request
func (h *GinHandlers) AdjudicateHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		actor, ok := auth.MustActor(c)
		if !ok {
			return
		}
		var req adjudicateRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			response.BadRequest(c, err.Error())
			return
		}

		order, request, err := h.service.AdjudicateCancellation(c.Request.Context(), c.Param("order_number"), actor, *req.Approve, req.Notes)
		respond(c, gin.H{"order": order, "request": request}, err)
	}
}

func respond(c *gin.Context, data interface{}, err error) {
	var stateErr *StateError
	switch {
	case err == nil:
		response.Success(c, data)
	case errors.As(err, &stateErr):
		response.InvalidState(c, err.Error(), stateErr.CurrentStatus())
	case errors.Is(err, ErrForbidden):
		response.Forbidden(c, err.Error())
	case errors.Is(err, ErrOrderNotFound):
		response.NotFound(c, err.Error())
	case errors.Is(err, ErrInvalidOrder),
		errors.Is(err, markup.ErrInvalidPrice),
		errors.Is(err, markup.ErrInvalidMarkupResult):
		response.ValidationFailed(c, err.Error())
	case errors.Is(err, ErrConcurrentModification):
		response.Conflict(c, err.Error())
	default:
		response.Handle(c, data, err)
	}
}
