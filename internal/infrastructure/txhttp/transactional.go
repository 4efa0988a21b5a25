// Package txhttp provides gin middleware that demarcates a tx.Coordinator
// scope around an HTTP handler, the way an AOP transaction interceptor
// would annotate a method.
package txhttp

import (
	"errors"

	"github.com/gin-gonic/gin"

	"txcore/internal/core/apperror"
	"txcore/internal/core/tx"
	"txcore/pkg/logger"
)

// Transactional wraps every request it is installed on with a Coordinator
// scope built from def: it calls Begin before the handler chain runs, then
// inspects the handler's last registered gin error (if any) against
// def.ShouldRollback — mirroring ErrorHandler's convention of reading
// c.Errors after c.Next() — and calls Rollback if it matches, Commit
// otherwise. A Definition with no rollback rules rolls back on any error,
// same as the coordinator's own default. If the handler chain panics, the
// scope is rolled back and the panic continues up to Recovery.
//
// Route handlers retrieve the scope's context via c.Request.Context() —
// the same context Coordinator.Begin augmented — and pass it straight
// through to repositories and the resource manager's QuerierFor.
func Transactional(coord *tx.Coordinator, def tx.Definition) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, status, err := coord.Begin(c.Request.Context(), def)
		if err != nil {
			_ = c.Error(toAppError(err))
			c.Abort()
			return
		}
		c.Request = c.Request.WithContext(ctx)

		defer func() {
			if r := recover(); r != nil {
				if !status.IsCompleted() {
					if rbErr := coord.Rollback(c.Request.Context(), status); rbErr != nil {
						logger.Error(c.Request.Context(), "rollback after handler panic failed", "error", rbErr)
					}
				}
				panic(r)
			}
		}()

		c.Next()

		if len(c.Errors) > 0 && def.ShouldRollback(c.Errors.Last().Err) {
			if rbErr := coord.Rollback(c.Request.Context(), status); rbErr != nil {
				logger.Error(c.Request.Context(), "rollback after handler error also failed", "error", rbErr)
			}
			return
		}

		if commitErr := coord.Commit(c.Request.Context(), status); commitErr != nil {
			_ = c.Error(toAppError(commitErr))
		}
	}
}

// toAppError classifies a tx.Error by Kind into the matching AppError
// factory, so ErrorHandler's generic apperror.AsAppError path renders it
// with the right HTTP status without knowing about the tx package.
func toAppError(err error) *apperror.AppError {
	var txErr *tx.Error
	if !errors.As(err, &txErr) {
		return apperror.NewInternal(err)
	}
	switch txErr.Kind {
	case tx.KindUnexpectedRollback:
		return apperror.NewTransactionRolledBack(txErr)
	case tx.KindIllegalState, tx.KindInvalidTimeout, tx.KindNestedNotSupported, tx.KindSuspensionNotSupported, tx.KindTimedOut:
		return apperror.NewTransactionState(txErr)
	default: // KindTransactionSystem
		return apperror.NewTransactionSystem(txErr)
	}
}
