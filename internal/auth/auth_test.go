package auth

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/ksred/supply-api/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var seller = types.Actor{Type: types.ActorSeller, ID: "seller-1"}

func newTestService() *Service {
	s := NewService("test-secret")
	s.RegisterAPICredentials("seller_key", "seller_secret", seller)
	return s
}

func TestGenerateToken_RoundTrip(t *testing.T) {
	s := newTestService()

	tok, err := s.GenerateToken(Credentials{APIKey: "seller_key", APISecret: "seller_secret"})
	require.NoError(t, err)
	assert.Equal(t, "seller", tok.ActorType)
	assert.Equal(t, "seller-1", tok.ActorID)

	claims, err := s.ValidateToken(tok.Token)
	require.NoError(t, err)
	assert.Equal(t, seller, claims.Actor())
}

func TestGenerateToken_RejectsBadCredentials(t *testing.T) {
	s := newTestService()

	_, err := s.GenerateToken(Credentials{APIKey: "seller_key", APISecret: "wrong"})
	assert.ErrorIs(t, err, ErrInvalidCredentials)

	_, err = s.GenerateToken(Credentials{APIKey: "unknown", APISecret: "seller_secret"})
	assert.ErrorIs(t, err, ErrInvalidCredentials)
}

func TestValidateToken_Rejects(t *testing.T) {
	s := newTestService()

	t.Run("other secret", func(t *testing.T) {
		tok, err := NewService("other").IssueToken(seller)
		require.NoError(t, err)
		_, err = s.ValidateToken(tok.Token)
		assert.Error(t, err)
	})

	t.Run("expired", func(t *testing.T) {
		old := NewService("test-secret")
		old.now = func() time.Time { return time.Now().Add(-48 * time.Hour) }
		tok, err := old.IssueToken(seller)
		require.NoError(t, err)
		_, err = s.ValidateToken(tok.Token)
		assert.Error(t, err)
	})

	t.Run("unknown role", func(t *testing.T) {
		tok, err := s.IssueToken(types.Actor{Type: "courier", ID: "c-1"})
		require.NoError(t, err)
		_, err = s.ValidateToken(tok.Token)
		assert.ErrorIs(t, err, ErrInvalidToken)
	})

	t.Run("unsigned", func(t *testing.T) {
		raw, err := jwt.NewWithClaims(jwt.SigningMethodNone, Claims{ActorType: types.ActorAdmin, ActorID: "a"}).
			SignedString(jwt.UnsafeAllowNoneSignatureType)
		require.NoError(t, err)
		_, err = s.ValidateToken(raw)
		assert.Error(t, err)
	})
}

func TestClaims_WireNames(t *testing.T) {
	s := newTestService()
	tok, err := s.IssueToken(seller)
	require.NoError(t, err)

	parsed, _, err := jwt.NewParser().ParseUnverified(tok.Token, jwt.MapClaims{})
	require.NoError(t, err)
	claims := parsed.Claims.(jwt.MapClaims)
	assert.Equal(t, "seller", claims["role"])
	assert.Equal(t, "seller-1", claims["client_id"])
}

func TestGenerateTokenHandler(t *testing.T) {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.POST("/token", NewGinHandlers(newTestService()).GenerateTokenHandler())

	post := func(body string) *httptest.ResponseRecorder {
		w := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodPost, "/token", bytes.NewBufferString(body))
		req.Header.Set("Content-Type", "application/json")
		router.ServeHTTP(w, req)
		return w
	}

	w := post(`{"api_key":"seller_key","api_secret":"seller_secret"}`)
	require.Equal(t, http.StatusCreated, w.Code)
	var envelope struct {
		Success bool          `json:"success"`
		Data    TokenResponse `json:"data"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &envelope))
	assert.True(t, envelope.Success)
	assert.NotEmpty(t, envelope.Data.Token)

	assert.Equal(t, http.StatusUnauthorized, post(`{"api_key":"seller_key","api_secret":"nope"}`).Code)
	assert.Equal(t, http.StatusBadRequest, post(`{"api_key":"seller_key"}`).Code)
}

func TestMustActor(t *testing.T) {
	gin.SetMode(gin.TestMode)

	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	_, ok := MustActor(c)
	assert.False(t, ok)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	c, _ = gin.CreateTestContext(httptest.NewRecorder())
	SetActor(c, seller)
	actor, ok := MustActor(c)
	assert.True(t, ok)
	assert.Equal(t, seller, actor)
}
