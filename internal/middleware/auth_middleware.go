// internal/middleware/auth_middleware.go
package middleware

import (
	"crypto/subtle"
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"psu-service/internal/utils"
)

var errBadAPIKey = errors.New("missing or invalid API key")

// APIKeyMiddleware guards state-changing requests with a shared key sent as
// X-API-Key or a Bearer token. An empty key disables the check.
func APIKeyMiddleware(apiKey string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if apiKey == "" || c.Request.Method == http.MethodGet || c.Request.Method == http.MethodOptions {
			c.Next()
			return
		}

		key := c.GetHeader("X-API-Key")
		if key == "" {
			key = strings.TrimPrefix(c.GetHeader("Authorization"), "Bearer ")
		}
		if subtle.ConstantTimeCompare([]byte(key), []byte(apiKey)) != 1 {
			utils.ErrorResponse(c, http.StatusUnauthorized, "Unauthorized", errBadAPIKey)
			c.Abort()
			return
		}
		c.Next()
	}
}
