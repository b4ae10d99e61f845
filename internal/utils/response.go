// internal/utils/response.go
package utils

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
)

// Request ID plumbing shared by the middleware, the handlers and the logs
const (
	RequestIDKey    = "request_id"
	RequestIDHeader = "X-Request-ID"
)

// APIResponse represents standard API response structure
type APIResponse struct {
	Success   bool        `json:"success"`
	Message   string      `json:"message"`
	Data      interface{} `json:"data,omitempty"`
	Error     *APIError   `json:"error,omitempty"`
	Timestamp time.Time   `json:"timestamp"`
	RequestID string      `json:"request_id,omitempty"`
}

// APIError represents error information
type APIError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details string `json:"details,omitempty"`
}

// ErrorRule maps a sentinel error to what the client sees. An empty Code is
// derived from Status.
type ErrorRule struct {
	Target  error
	Status  int
	Code    string
	Message string
}

// Match reports whether err wraps the rule's target
func (r ErrorRule) Match(err error) bool {
	return errors.Is(err, r.Target)
}

// SuccessResponse sends a successful response
func SuccessResponse(c *gin.Context, statusCode int, message string, data interface{}) {
	c.JSON(statusCode, APIResponse{
		Success:   true,
		Message:   message,
		Data:      data,
		Timestamp: time.Now(),
		RequestID: RequestID(c),
	})
}

// AcceptedResponse acknowledges a command the link carries out later
func AcceptedResponse(c *gin.Context, message string, data interface{}) {
	SuccessResponse(c, http.StatusAccepted, message, data)
}

// ErrorResponse sends an error response coded after statusCode
func ErrorResponse(c *gin.Context, statusCode int, message string, err error) {
	writeError(c, statusCode, codeForStatus(statusCode), message, err)
}

// RuleErrorResponse answers with the first rule err matches. Anything else is a
// 500 carrying fallback; the false return tells the caller to log it.
func RuleErrorResponse(c *gin.Context, err error, fallback string, rules ...ErrorRule) bool {
	for _, r := range rules {
		if !r.Match(err) {
			continue
		}
		code := r.Code
		if code == "" {
			code = codeForStatus(r.Status)
		}
		writeError(c, r.Status, code, r.Message, err)
		return true
	}
	ErrorResponse(c, http.StatusInternalServerError, fallback, err)
	return false
}

// ValidationErrorResponse reports rejected query or body fields by name
func ValidationErrorResponse(c *gin.Context, fields map[string]string) {
	c.JSON(http.StatusBadRequest, APIResponse{
		Success: false,
		Message: "Validation failed",
		Error: &APIError{
			Code:    "VALIDATION_ERROR",
			Message: "Request validation failed",
		},
		Data:      gin.H{"validation_errors": fields},
		Timestamp: time.Now(),
		RequestID: RequestID(c),
	})
}

// RequestID returns the ID the request middleware assigned, falling back to the
// caller's header
func RequestID(c *gin.Context) string {
	if id, ok := c.Get(RequestIDKey); ok {
		if s, ok := id.(string); ok {
			return s
		}
	}
	return c.GetHeader(RequestIDHeader)
}

func writeError(c *gin.Context, statusCode int, code, message string, err error) {
	apiError := &APIError{Code: code, Message: message}
	if err != nil {
		apiError.Details = err.Error()
	}

	c.JSON(statusCode, APIResponse{
		Success:   false,
		Message:   message,
		Error:     apiError,
		Timestamp: time.Now(),
		RequestID: RequestID(c),
	})
}

func codeForStatus(statusCode int) string {
	switch statusCode {
	case http.StatusBadRequest:
		return "BAD_REQUEST"
	case http.StatusUnauthorized:
		return "UNAUTHORIZED"
	case http.StatusForbidden:
		return "FORBIDDEN"
	case http.StatusNotFound:
		return "NOT_FOUND"
	case http.StatusUnprocessableEntity:
		return "UNPROCESSABLE"
	case http.StatusInternalServerError:
		return "INTERNAL_SERVER_ERROR"
	case http.StatusServiceUnavailable:
		return "SERVICE_UNAVAILABLE"
	default:
		return "UNKNOWN_ERROR"
	}
}
