package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/ksred/supply-api/internal/auth"
	"github.com/ksred/supply-api/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"
)

func newRouter(authService *auth.Service, roles ...types.ActorType) *gin.Engine {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.GET("/api/v1/orders", JWTAuth(authService), RequireRole(roles...), func(c *gin.Context) {
		actor, _ := auth.GetActor(c)
		c.String(http.StatusOK, actor.String())
	})
	return router
}

func get(router *gin.Engine, header string) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/api/v1/orders", nil)
	if header != "" {
		req.Header.Set("Authorization", header)
	}
	router.ServeHTTP(w, req)
	return w
}

func TestJWTAuth(t *testing.T) {
	authService := auth.NewService("test-secret")
	router := newRouter(authService, types.ActorBuyer, types.ActorSeller)

	tok, err := authService.IssueToken(types.Actor{Type: types.ActorBuyer, ID: "buyer-1"})
	require.NoError(t, err)

	w := get(router, "Bearer "+tok.Token)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "buyer:buyer-1", w.Body.String())

	assert.Equal(t, http.StatusUnauthorized, get(router, "").Code)
	assert.Equal(t, http.StatusUnauthorized, get(router, tok.Token).Code)
	assert.Equal(t, http.StatusUnauthorized, get(router, "Bearer not-a-token").Code)
}

func TestRequireRole(t *testing.T) {
	authService := auth.NewService("test-secret")
	router := newRouter(authService, types.ActorAdmin)

	admin, err := authService.IssueToken(types.Actor{Type: types.ActorAdmin, ID: "admin-1"})
	require.NoError(t, err)
	seller, err := authService.IssueToken(types.Actor{Type: types.ActorSeller, ID: "seller-1"})
	require.NoError(t, err)

	assert.Equal(t, http.StatusOK, get(router, "Bearer "+admin.Token).Code)
	assert.Equal(t, http.StatusForbidden, get(router, "Bearer "+seller.Token).Code)
}

func TestRateLimiter_PerCallerBucket(t *testing.T) {
	gin.SetMode(gin.TestMode)
	limiter := NewRateLimiter(2)
	router := gin.New()
	router.Use(limiter.Handler())
	router.POST("/api/v1/auth/token", func(c *gin.Context) { c.Status(http.StatusOK) })

	post := func(ip string) int {
		w := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodPost, "/api/v1/auth/token", nil)
		req.RemoteAddr = ip + ":1234"
		router.ServeHTTP(w, req)
		return w.Code
	}

	assert.Equal(t, http.StatusOK, post("10.0.0.1"))
	assert.Equal(t, http.StatusOK, post("10.0.0.1"))
	assert.Equal(t, http.StatusTooManyRequests, post("10.0.0.1"))

	// a different caller has its own bucket
	assert.Equal(t, http.StatusOK, post("10.0.0.2"))
}

func TestLimitFor(t *testing.T) {
	assert.Equal(t, authLimit, limitFor("/api/v1/auth/token"))
	assert.Equal(t, callbackLimit, limitFor("/api/v1/payments/callback"))
	assert.Equal(t, orderLimit, limitFor("/api/v1/orders/:order_number"))
	assert.Equal(t, rate.Inf, limitFor("/api/v1/markup/quote"))
}
