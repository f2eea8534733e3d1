package middleware

import (
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/ksred/supply-api/internal/auth"
	"github.com/ksred/supply-api/internal/types"
	"github.com/ksred/supply-api/pkg/response"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"
)

type visitor struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// Limits per endpoint group, in requests per minute
var (
	authLimit     = rate.Limit(10.0 / 60.0)
	orderLimit    = rate.Limit(300.0 / 60.0)
	callbackLimit = rate.Limit(1000.0 / 60.0)
)

// RateLimiter tracks a token bucket per caller and route
type RateLimiter struct {
	mu       sync.Mutex
	visitors map[string]*visitor
	burst    int
}

// NewRateLimiter creates a limiter; call Cleanup in a goroutine to evict idle callers
func NewRateLimiter(burst int) *RateLimiter {
	if burst < 1 {
		burst = 1
	}
	return &RateLimiter{
		visitors: make(map[string]*visitor),
		burst:    burst,
	}
}

func limitFor(path string) rate.Limit {
	switch {
	case strings.HasPrefix(path, "/api/v1/auth"):
		return authLimit
	case strings.HasPrefix(path, "/api/v1/payments"):
		return callbackLimit
	case strings.HasPrefix(path, "/api/v1/orders"):
		return orderLimit
	default:
		return rate.Inf
	}
}

func (rl *RateLimiter) getLimiter(path, caller string) *rate.Limiter {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	key := caller + ":" + path
	v, exists := rl.visitors[key]
	if !exists {
		v = &visitor{limiter: rate.NewLimiter(limitFor(path), rl.burst)}
		rl.visitors[key] = v
	}
	v.lastSeen = time.Now()
	return v.limiter
}

// Cleanup evicts callers idle for more than 3 minutes until stop is closed
func (rl *RateLimiter) Cleanup(stop <-chan struct{}) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			rl.mu.Lock()
			for key, v := range rl.visitors {
				if time.Since(v.lastSeen) > 3*time.Minute {
					delete(rl.visitors, key)
				}
			}
			rl.mu.Unlock()
		}
	}
}

// Handler limits by authenticated actor, falling back to client IP
func (rl *RateLimiter) Handler() gin.HandlerFunc {
	return func(c *gin.Context) {
		caller := c.ClientIP()
		if actor, err := auth.GetActor(c); err == nil {
			caller = actor.String()
		}

		if !rl.getLimiter(c.FullPath(), caller).Allow() {
			log.Warn().Str("caller", caller).Str("path", c.FullPath()).Msg("rate limit exceeded")
			response.TooManyRequests(c, "Rate limit exceeded. Please try again later.")
			return
		}

		c.Next()
	}
}

// JWTAuth validates the bearer token and stores the caller for GetActor
func JWTAuth(authService *auth.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		bearerToken := strings.Split(c.GetHeader("Authorization"), " ")
		if len(bearerToken) != 2 || !strings.EqualFold(bearerToken[0], "bearer") {
			response.Unauthorized(c, "Invalid authorization header")
			return
		}

		claims, err := authService.ValidateToken(bearerToken[1])
		if err != nil {
			response.Unauthorized(c, "Invalid token")
			return
		}

		auth.SetActor(c, claims.Actor())
		c.Next()
	}
}

// RequireRole rejects callers whose actor type is not listed
func RequireRole(roles ...types.ActorType) gin.HandlerFunc {
	return func(c *gin.Context) {
		actor, err := auth.GetActor(c)
		if err != nil {
			response.Unauthorized(c, err.Error())
			return
		}
		for _, r := range roles {
			if actor.Type == r {
				c.Next()
				return
			}
		}
		response.Forbidden(c, "role "+string(actor.Type)+" may not access this resource")
	}
}
