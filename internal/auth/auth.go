package auth

import (
	"errors"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/ksred/supply-api/internal/types"
	"github.com/ksred/supply-api/pkg/response"
	"github.com/rs/zerolog/log"
)

var (
	ErrInvalidCredentials = errors.New("invalid API credentials")
	ErrTokenGeneration    = errors.New("failed to generate token")
	ErrInvalidToken       = errors.New("invalid token")
	ErrNoActor            = errors.New("no authenticated actor")
)

// actorKey is the gin context key the middleware stores the caller under
const actorKey = "actor"

const tokenTTL = 24 * time.Hour

// Credentials represents the API authentication credentials
type Credentials struct {
	APIKey    string `json:"api_key" binding:"required"`
	APISecret string `json:"api_secret" binding:"required"`
}

// TokenResponse represents the JWT token response
type TokenResponse struct {
	Token      string    `json:"jwt_token"`
	Expiration time.Time `json:"expiration"`
	ActorType  string    `json:"actor_type"`
	ActorID    string    `json:"actor_id"`
}

// Claims carries the caller's party identity
type Claims struct {
	jwt.RegisteredClaims
	ActorType types.ActorType `json:"role"`
	ActorID   string          `json:"client_id"`
}

// Actor returns the party the token was issued to
func (c *Claims) Actor() types.Actor {
	return types.Actor{Type: c.ActorType, ID: c.ActorID}
}

type account struct {
	secret string
	actor  types.Actor
}

// Service issues and validates party tokens
type Service struct {
	jwtSecret []byte

	mu       sync.RWMutex
	accounts map[string]account // keyed by API key
	now      func() time.Time
}

// NewService creates a new authentication service with the given JWT secret
func NewService(jwtSecret string) *Service {
	return &Service{
		jwtSecret: []byte(jwtSecret),
		accounts:  make(map[string]account),
		now:       time.Now,
	}
}

// RegisterAPICredentials binds an API key pair to a party
func (s *Service) RegisterAPICredentials(apiKey, apiSecret string, actor types.Actor) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.accounts[apiKey] = account{secret: apiSecret, actor: actor}
}

// GenerateToken issues a 24 hour token for valid API credentials
func (s *Service) GenerateToken(creds Credentials) (*TokenResponse, error) {
	s.mu.RLock()
	acct, ok := s.accounts[creds.APIKey]
	s.mu.RUnlock()
	if !ok || acct.secret != creds.APISecret {
		return nil, ErrInvalidCredentials
	}
	return s.IssueToken(acct.actor)
}

// IssueToken signs a token for actor without a credential check
func (s *Service) IssueToken(actor types.Actor) (*TokenResponse, error) {
	now := s.now()
	expiration := now.Add(tokenTTL)

	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   actor.String(),
			ExpiresAt: jwt.NewNumericDate(expiration),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
		},
		ActorType: actor.Type,
		ActorID:   actor.ID,
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	tokenString, err := token.SignedString(s.jwtSecret)
	if err != nil {
		log.Error().Err(err).Str("actor", actor.String()).Msg("failed to sign token")
		return nil, ErrTokenGeneration
	}

	return &TokenResponse{
		Token:      tokenString,
		Expiration: expiration,
		ActorType:  string(actor.Type),
		ActorID:    actor.ID,
	}, nil
}

// ValidateToken verifies signature and expiry and returns the claims
func (s *Service) ValidateToken(tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("unexpected signing method")
		}
		return s.jwtSecret, nil
	})
	if err != nil {
		return nil, err
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, ErrInvalidToken
	}
	if !claims.ActorType.Valid() || claims.ActorID == "" {
		return nil, ErrInvalidToken
	}
	return claims, nil
}

// SetActor stores the authenticated caller on the request context
func SetActor(c *gin.Context, actor types.Actor) {
	c.Set(actorKey, actor)
}

// GetActor returns the caller stored by the auth middleware
func GetActor(c *gin.Context) (types.Actor, error) {
	v, ok := c.Get(actorKey)
	if !ok {
		return types.Actor{}, ErrNoActor
	}
	actor, ok := v.(types.Actor)
	if !ok {
		return types.Actor{}, ErrNoActor
	}
	return actor, nil
}

// MustActor is GetActor for handlers behind the auth middleware. It aborts
// with 401 and returns false when no caller is present.
func MustActor(c *gin.Context) (types.Actor, bool) {
	actor, err := GetActor(c)
	if err != nil {
		response.Unauthorized(c, err.Error())
		return types.Actor{}, false
	}
	return actor, true
}

// GinHandlers contains HTTP handlers for authentication endpoints
type GinHandlers struct {
	service *Service
}

// NewGinHandlers creates a new set of HTTP handlers for authentication endpoints
func NewGinHandlers(service *Service) *GinHandlers {
	return &GinHandlers{
		service: service,
	}
}

// GenerateTokenHandler handles POST requests to exchange API credentials for a token
func (h *GinHandlers) GenerateTokenHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var creds Credentials
		if err := c.ShouldBindJSON(&creds); err != nil {
			response.BadRequest(c, "Invalid request body")
			return
		}

		token, err := h.service.GenerateToken(creds)
		if errors.Is(err, ErrInvalidCredentials) {
			response.Unauthorized(c, err.Error())
			return
		}
		response.Handle(c, token, err)
	}
}
