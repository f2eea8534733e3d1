package ordering

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/ksred/supply-api/internal/auth"
	"github.com/ksred/supply-api/internal/money"
	"github.com/ksred/supply-api/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type envelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Error   *struct {
		Code    string                 `json:"code"`
		Details map[string]interface{} `json:"details"`
	} `json:"error"`
}

func newTestRouter(f *fixture) *gin.Engine {
	gin.SetMode(gin.TestMode)
	h := NewGinHandlers(f.svc)

	router := gin.New()
	// stands in for the JWT middleware
	router.Use(func(c *gin.Context) {
		switch c.GetHeader("X-Actor") {
		case "buyer":
			auth.SetActor(c, buyer)
		case "seller":
			auth.SetActor(c, seller)
		case "other-seller":
			auth.SetActor(c, types.Actor{Type: types.ActorSeller, ID: "seller-2"})
		}
		c.Next()
	})
	router.POST("/orders", h.CreateOrderHandler())
	router.GET("/orders/:order_number", h.GetOrderHandler())
	router.POST("/orders/:order_number/confirm", h.TransitionHandler(ActionConfirm))
	router.POST("/orders/:order_number/cancel", h.CancelHandler())
	return router
}

func call(router *gin.Engine, method, path, actor string, body interface{}) (*httptest.ResponseRecorder, envelope) {
	var buf bytes.Buffer
	if body != nil {
		_ = json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if actor != "" {
		req.Header.Set("X-Actor", actor)
	}
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	var env envelope
	_ = json.Unmarshal(w.Body.Bytes(), &env)
	return w, env
}

func TestHandlers_OrderFlow(t *testing.T) {
	f := newFixture(t, fivePercent())
	router := newTestRouter(f)

	w, env := call(router, http.MethodPost, "/orders", "buyer", sampleRequest())
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	var order Order
	require.NoError(t, json.Unmarshal(env.Data, &order))
	assert.Equal(t, StatusPendingPayment, order.Status)
	path := "/orders/" + order.OrderNumber

	// confirm before payment is a state conflict carrying the current status
	w, env = call(router, http.MethodPost, path+"/confirm", "seller", nil)
	require.Equal(t, http.StatusConflict, w.Code)
	require.NotNil(t, env.Error)
	assert.Equal(t, "INVALID_STATE", env.Error.Code)
	assert.Equal(t, "pending_payment", env.Error.Details["current_status"])

	// sellers of other orders cannot see it
	w, _ = call(router, http.MethodGet, path, "other-seller", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	// only the buyer cancels
	w, _ = call(router, http.MethodPost, path+"/cancel", "seller", map[string]string{"reason": "x"})
	assert.Equal(t, http.StatusForbidden, w.Code)

	w, env = call(router, http.MethodPost, path+"/cancel", "buyer", map[string]string{"reason": "ordered twice"})
	require.Equal(t, http.StatusCreated, w.Code)
	require.NoError(t, json.Unmarshal(env.Data, &order))
	assert.Equal(t, StatusCancelled, order.Status)
}

func TestHandlers_Rejections(t *testing.T) {
	f := newFixture(t)
	router := newTestRouter(f)

	w, _ := call(router, http.MethodPost, "/orders", "", sampleRequest())
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w, _ = call(router, http.MethodPost, "/orders", "seller", sampleRequest())
	assert.Equal(t, http.StatusForbidden, w.Code)

	w, _ = call(router, http.MethodPost, "/orders", "buyer", map[string]interface{}{"seller_id": "seller-1"})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	req := sampleRequest()
	req.Items[0].BasePrice = money.MustParse("-1.00")
	w, env := call(router, http.MethodPost, "/orders", "buyer", req)
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)
	require.NotNil(t, env.Error)
	assert.Equal(t, "VALIDATION_FAILED", env.Error.Code)

	w, _ = call(router, http.MethodGet, "/orders/missing", "buyer", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}
