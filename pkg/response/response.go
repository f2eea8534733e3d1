package response

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"
)

// Response represents a standardized API response
type Response struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Error   *Error      `json:"error,omitempty"`
}

// Error represents an error response
type Error struct {
	Code    string                 `json:"code"`
	Message string                 `json:"message"`
	Details map[string]interface{} `json:"details,omitempty"`
}

// Common error codes
const (
	ErrCodeNotFound          = "NOT_FOUND"
	ErrCodeBadRequest        = "BAD_REQUEST"
	ErrCodeUnauthorized      = "UNAUTHORIZED"
	ErrCodeForbidden         = "FORBIDDEN"
	ErrCodeInternalError     = "INTERNAL_ERROR"
	ErrCodeValidationFailed  = "VALIDATION_FAILED"
	ErrCodeDuplicateResource = "DUPLICATE_RESOURCE"
	ErrCodeInvalidState      = "INVALID_STATE"
	ErrCodeRateLimited       = "RATE_LIMITED"
)

// Handle processes the error and returns appropriate response
func Handle(c *gin.Context, data interface{}, err error) {
	if err == nil {
		Success(c, data)
		return
	}

	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		NotFound(c, "Resource not found")
	case errors.Is(err, gorm.ErrDuplicatedKey):
		Conflict(c, "Resource already exists")
	default:
		handleError(c, err)
	}
}

// Success sends a successful response
func Success(c *gin.Context, data interface{}) {
	status := http.StatusOK
	if c.Request.Method == "POST" {
		status = http.StatusCreated
	}

	c.JSON(status, Response{
		Success: true,
		Data:    data,
	})
}

// NotFound sends a 404 response
func NotFound(c *gin.Context, message string) {
	abort(c, http.StatusNotFound, ErrCodeNotFound, message, nil)
}

// BadRequest sends a 400 response
func BadRequest(c *gin.Context, message string) {
	abort(c, http.StatusBadRequest, ErrCodeBadRequest, message, nil)
}

// Unauthorized sends a 401 response
func Unauthorized(c *gin.Context, message string) {
	abort(c, http.StatusUnauthorized, ErrCodeUnauthorized, message, nil)
}

// Forbidden sends a 403 response
func Forbidden(c *gin.Context, message string) {
	abort(c, http.StatusForbidden, ErrCodeForbidden, message, nil)
}

// InternalError sends a 500 response
func InternalError(c *gin.Context, message string) {
	abort(c, http.StatusInternalServerError, ErrCodeInternalError, message, nil)
}

// Conflict sends a 409 response
func Conflict(c *gin.Context, message string) {
	abort(c, http.StatusConflict, ErrCodeDuplicateResource, message, nil)
}

// ValidationFailed sends a 422 response for input the domain rejected
func ValidationFailed(c *gin.Context, message string) {
	abort(c, http.StatusUnprocessableEntity, ErrCodeValidationFailed, message, nil)
}

// InvalidState sends a 409 response carrying the authoritative current
// status so the caller can reconcile
func InvalidState(c *gin.Context, message, currentStatus string) {
	abort(c, http.StatusConflict, ErrCodeInvalidState, message, map[string]interface{}{
		"current_status": currentStatus,
	})
}

// TooManyRequests sends a 429 response
func TooManyRequests(c *gin.Context, message string) {
	abort(c, http.StatusTooManyRequests, ErrCodeRateLimited, message, nil)
}

func abort(c *gin.Context, status int, code, message string, details map[string]interface{}) {
	c.AbortWithStatusJSON(status, Response{
		Success: false,
		Error: &Error{
			Code:    code,
			Message: message,
			Details: details,
		},
	})
}

// handleError determines the appropriate error response
func handleError(c *gin.Context, err error) {
	log.Error().Err(err).Str("path", c.FullPath()).Msg("unhandled request error")
	InternalError(c, "An unexpected error occurred")
}
