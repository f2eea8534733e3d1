package webhook

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/ksred/supply-api/internal/auth"
	"github.com/ksred/supply-api/internal/types"
	"github.com/ksred/supply-api/pkg/response"
	"github.com/rs/zerolog/log"
)

// Service manages endpoint registrations and exposes the ledger to operators
type Service struct {
	dispatcher *Dispatcher
}

func NewService(dispatcher *Dispatcher) *Service {
	return &Service{dispatcher: dispatcher}
}

// EndpointRequest registers a notification target
type EndpointRequest struct {
	URL    string   `json:"url" binding:"required"`
	Secret string   `json:"secret"`
	Events []string `json:"events"`
}

func (r *EndpointRequest) validate() error {
	u, err := url.Parse(r.URL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("%w: url must be an absolute http(s) URL", ErrInvalidEndpoint)
	}

	if len(r.Events) == 0 {
		r.Events = []string{AllEvents}
	}
	for _, ev := range r.Events {
		if ev == AllEvents {
			continue
		}
		known := false
		for _, t := range types.AllEventTypes {
			if ev == string(t) {
				known = true
				break
			}
		}
		if !known {
			return fmt.Errorf("%w: unknown event %q", ErrInvalidEndpoint, ev)
		}
	}
	return nil
}

// RegisterEndpoint stores an endpoint for a buyer or seller. A secret is
// generated when none is supplied; it is only returned here.
func (s *Service) RegisterEndpoint(ctx context.Context, owner types.Actor, req EndpointRequest) (*Endpoint, error) {
	if owner.Type != types.ActorBuyer && owner.Type != types.ActorSeller {
		return nil, fmt.Errorf("%w: only buyers and sellers own endpoints", ErrInvalidEndpoint)
	}
	if err := req.validate(); err != nil {
		return nil, err
	}

	secret := req.Secret
	if secret == "" {
		secret = "whsec_" + strings.ReplaceAll(uuid.New().String(), "-", "")
	}

	now := time.Now().UTC()
	ep := &Endpoint{
		EndpointID: "WHE_" + uuid.New().String(),
		OwnerType:  owner.Type,
		OwnerID:    owner.ID,
		URL:        req.URL,
		Secret:     secret,
		Events:     req.Events,
		IsActive:   true,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := s.dispatcher.ledger.CreateEndpoint(ctx, ep); err != nil {
		return nil, err
	}

	log.Info().
		Str("endpoint_id", ep.EndpointID).
		Str("owner", owner.String()).
		Strs("events", ep.Events).
		Str("service", "webhook").
		Msg("webhook endpoint registered")
	return ep, nil
}

// ListEndpoints returns the owner's endpoints without their secrets
func (s *Service) ListEndpoints(ctx context.Context, owner types.Actor) ([]Endpoint, error) {
	endpoints, err := s.dispatcher.ledger.ListEndpoints(ctx, owner)
	if err != nil {
		return nil, err
	}
	for i := range endpoints {
		endpoints[i].Secret = ""
	}
	return endpoints, nil
}

func (s *Service) DeactivateEndpoint(ctx context.Context, owner types.Actor, endpointID string) error {
	return s.dispatcher.ledger.DeactivateEndpoint(ctx, owner, endpointID)
}

func (s *Service) ListDeliveries(ctx context.Context, f DeliveryFilter) ([]Delivery, error) {
	return s.dispatcher.ledger.ListDeliveries(ctx, f)
}

func (s *Service) GetDelivery(ctx context.Context, deliveryID string) (*Delivery, error) {
	return s.dispatcher.ledger.GetDelivery(ctx, deliveryID)
}

// Redrive is the operator action for an exhausted delivery
func (s *Service) Redrive(ctx context.Context, deliveryID string) (*Delivery, error) {
	return s.dispatcher.Redrive(ctx, deliveryID)
}

// GinHandlers contains HTTP handlers for webhook endpoints
type GinHandlers struct {
	service *Service
}

func NewGinHandlers(service *Service) *GinHandlers {
	return &GinHandlers{
		service: service,
	}
}

// RegisterEndpointHandler handles POST requests registering an endpoint
func (h *GinHandlers) RegisterEndpointHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		actor, ok := auth.MustActor(c)
		if !ok {
			return
		}
		var req EndpointRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			response.BadRequest(c, err.Error())
			return
		}
		ep, err := h.service.RegisterEndpoint(c.Request.Context(), actor, req)
		respond(c, ep, err)
	}
}

// ListEndpointsHandler handles GET requests for the caller's endpoints
func (h *GinHandlers) ListEndpointsHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		actor, ok := auth.MustActor(c)
		if !ok {
			return
		}
		endpoints, err := h.service.ListEndpoints(c.Request.Context(), actor)
		respond(c, endpoints, err)
	}
}

// DeactivateEndpointHandler handles DELETE requests for an endpoint
func (h *GinHandlers) DeactivateEndpointHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		actor, ok := auth.MustActor(c)
		if !ok {
			return
		}
		id := c.Param("endpoint_id")
		err := h.service.DeactivateEndpoint(c.Request.Context(), actor, id)
		respond(c, gin.H{"endpoint_id": id, "is_active": false}, err)
	}
}

// ListDeliveriesHandler handles GET requests; ?status=, ?event_id= and ?limit= filter
func (h *GinHandlers) ListDeliveriesHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		f := DeliveryFilter{
			Status:  DeliveryStatus(c.Query("status")),
			EventID: c.Query("event_id"),
			Limit:   100,
		}
		if raw := c.Query("limit"); raw != "" {
			n, err := strconv.Atoi(raw)
			if err != nil || n <= 0 {
				response.BadRequest(c, "limit must be a positive integer")
				return
			}
			f.Limit = n
		}
		records, err := h.service.ListDeliveries(c.Request.Context(), f)
		respond(c, records, err)
	}
}

// GetDeliveryHandler handles GET requests for one ledger record
func (h *GinHandlers) GetDeliveryHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		rec, err := h.service.GetDelivery(c.Request.Context(), c.Param("delivery_id"))
		respond(c, rec, err)
	}
}

// RedriveHandler handles POST requests re-queueing a failed delivery
func (h *GinHandlers) RedriveHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		rec, err := h.service.Redrive(c.Request.Context(), c.Param("delivery_id"))
		respond(c, rec, err)
	}
}

func respond(c *gin.Context, data interface{}, err error) {
	switch {
	case err == nil:
		response.Success(c, data)
	case errors.Is(err, ErrDeliveryNotFound), errors.Is(err, ErrEndpointNotFound):
		response.NotFound(c, err.Error())
	case errors.Is(err, ErrInvalidEndpoint):
		response.ValidationFailed(c, err.Error())
	case errors.Is(err, ErrNotRedrivable):
		response.Conflict(c, err.Error())
	default:
		response.Handle(c, data, err)
	}
}
