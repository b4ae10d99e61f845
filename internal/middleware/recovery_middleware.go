// internal/middleware/recovery_middleware.go
package middleware

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"psu-service/internal/utils"
)

// RecoveryMiddleware turns a handler panic into a 500 logged under the request
// ID. A response that already started, such as an upgraded WebSocket, is only
// aborted.
func RecoveryMiddleware(logger *zap.Logger) gin.HandlerFunc {
	return gin.CustomRecovery(func(c *gin.Context, recovered interface{}) {
		utils.LoggerWithRequestID(logger, utils.RequestID(c)).Error("Panic recovered",
			zap.Any("panic", recovered),
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.String("client_ip", c.ClientIP()),
			zap.Bool("response_started", c.Writer.Written()),
			zap.Stack("stacktrace"),
		)

		if !c.Writer.Written() {
			utils.ErrorResponse(c, http.StatusInternalServerError, "Internal server error", nil)
		}
		c.Abort()
	})
}
