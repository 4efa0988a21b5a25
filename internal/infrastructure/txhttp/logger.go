package txhttp

import (
	"time"

	"github.com/gin-gonic/gin"

	"txcore/pkg/logger"
)

// RequestLogger logs each request's method, path, status and latency once
// the handler chain (including Transactional's commit/rollback) has run.
func RequestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path
		query := c.Request.URL.RawQuery

		c.Next()

		latency := time.Since(start)

		logger.Info(c.Request.Context(), "http request",
			"method", c.Request.Method,
			"path", path,
			"query", query,
			"status", c.Writer.Status(),
			"latency_ms", latency.Milliseconds(),
			"client_ip", c.ClientIP(),
			"error", c.Errors.ByType(gin.ErrorTypePrivate).String(),
		)
	}
}
