package txhttp

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"txcore/internal/core/apperror"
	"txcore/pkg/logger"
)

// ErrorHandler renders the last registered gin error as a consistent JSON
// body, logging the underlying cause of internal errors without exposing
// it to the client. Must run before Transactional in the chain so that
// Transactional's own c.Error calls (Begin/Commit failures) are still
// picked up by Recovery/Logger but ErrorHandler gets the final say on the
// response body.
func ErrorHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		if len(c.Errors) == 0 || c.Writer.Written() {
			return
		}

		err := c.Errors.Last().Err

		appErr, ok := apperror.AsAppError(err)
		if !ok {
			logger.Error(c.Request.Context(), "unhandled error", "error", err)
			c.JSON(http.StatusInternalServerError, gin.H{
				"code":    apperror.CodeInternal,
				"message": "Internal server error",
				"details": map[string]any{"request_id": c.GetString("request_id")},
			})
			return
		}

		if appErr.Err != nil {
			logger.Error(c.Request.Context(), "request error", "code", appErr.Code, "cause", appErr.Err)
		}

		c.JSON(appErr.HTTPStatus, gin.H{
			"code":    appErr.Code,
			"message": appErr.Message,
			"details": appErr.Details,
		})
	}
}
