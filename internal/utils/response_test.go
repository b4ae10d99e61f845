package utils

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errBusy = errors.New("supply busy")

func respond(fn func(c *gin.Context), header string) (*httptest.ResponseRecorder, APIResponse) {
	gin.SetMode(gin.TestMode)
	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	c.Request = httptest.NewRequest(http.MethodGet, "/", nil)
	if header != "" {
		c.Request.Header.Set(RequestIDHeader, header)
	}
	fn(c)

	var resp APIResponse
	_ = json.Unmarshal(w.Body.Bytes(), &resp)
	return w, resp
}

func TestRuleErrorResponse(t *testing.T) {
	rules := []ErrorRule{
		{Target: errBusy, Status: http.StatusServiceUnavailable, Code: "SUPPLY_BUSY", Message: "Supply busy"},
		{Target: http.ErrBodyNotAllowed, Status: http.StatusBadRequest, Message: "No body"},
	}

	tests := []struct {
		name    string
		err     error
		matched bool
		status  int
		code    string
		message string
	}{
		{"wrapped sentinel", fmt.Errorf("set: %w", errBusy), true, http.StatusServiceUnavailable, "SUPPLY_BUSY", "Supply busy"},
		{"code from status", http.ErrBodyNotAllowed, true, http.StatusBadRequest, "BAD_REQUEST", "No body"},
		{"unmatched", errors.New("boom"), false, http.StatusInternalServerError, "INTERNAL_SERVER_ERROR", "Failed"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var matched bool
			w, resp := respond(func(c *gin.Context) {
				matched = RuleErrorResponse(c, tt.err, "Failed", rules...)
			}, "")

			assert.Equal(t, tt.matched, matched)
			assert.Equal(t, tt.status, w.Code)
			require.NotNil(t, resp.Error)
			assert.Equal(t, tt.code, resp.Error.Code)
			assert.Equal(t, tt.message, resp.Message)
			assert.Equal(t, tt.err.Error(), resp.Error.Details)
		})
	}
}

func TestAcceptedResponse_CarriesRequestID(t *testing.T) {
	w, resp := respond(func(c *gin.Context) {
		c.Set(RequestIDKey, "from-middleware")
		AcceptedResponse(c, "Queued", nil)
	}, "from-header")

	assert.Equal(t, http.StatusAccepted, w.Code)
	assert.True(t, resp.Success)
	assert.Equal(t, "from-middleware", resp.RequestID)

	_, resp = respond(func(c *gin.Context) {
		ValidationErrorResponse(c, map[string]string{"limit": "must be positive"})
	}, "from-header")
	assert.Equal(t, "from-header", resp.RequestID)
	assert.Equal(t, "VALIDATION_ERROR", resp.Error.Code)
}
