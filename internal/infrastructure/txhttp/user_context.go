package txhttp

import (
	"github.com/gin-gonic/gin"

	appctx "txcore/internal/core/context"
)

// UserContext copies the authenticated caller (however an upstream auth
// middleware populated the gin context) into the request context as an
// appctx.UserContext, so the txaudit synchronization and domain logging
// can attribute changes to a user without depending on gin themselves.
func UserContext() gin.HandlerFunc {
	return func(c *gin.Context) {
		userID, _ := c.Get("user_id")
		email, _ := c.Get("user_email")
		uid, _ := userID.(string)
		if uid != "" {
			ctx := appctx.WithUser(c.Request.Context(), &appctx.UserContext{
				UserID: uid,
				Email:  stringOr(email),
			})
			c.Request = c.Request.WithContext(ctx)
		}
		c.Next()
	}
}

func stringOr(v any) string {
	s, _ := v.(string)
	return s
}
