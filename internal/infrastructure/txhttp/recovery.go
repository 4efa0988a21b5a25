package txhttp

import (
	"fmt"
	"runtime/debug"

	"github.com/gin-gonic/gin"

	"txcore/internal/core/apperror"
	"txcore/pkg/logger"
)

// Recovery recovers from a panicking handler, logs the stack trace, and
// reports a generic internal error to the client instead of crashing the
// process mid-Coordinator-scope — Transactional has already rolled back
// its scope as the panic passed through it.
func Recovery() gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			if r := recover(); r != nil {
				logger.Error(c.Request.Context(), "panic recovered",
					"error", r,
					"stack", string(debug.Stack()),
				)
				_ = c.Error(
					apperror.NewInternal(fmt.Errorf("panic: %v", r)).
						WithDetail("request_id", c.GetString("request_id")),
				)
				c.Abort()
			}
		}()
		c.Next()
	}
}
