package middleware

import (
	"context"
	"errors"
	"net/http"

	"smallbiznis-loyalty/pkg/errutil"
	applog "smallbiznis-loyalty/pkg/logger"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// Error renders the last handler error. Domain errors keep their status,
// anything else becomes a 500 without leaking internals.
func Error() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		if len(c.Errors) == 0 || c.Writer.Written() {
			return
		}

		err := c.Errors.Last().Err
		be := mapError(err)
		if be.Code.HTTPStatus() >= http.StatusInternalServerError {
			applog.FromContext(c.Request.Context()).Error("request failed",
				zap.String("path", c.FullPath()),
				zap.Error(err),
			)
		}
		c.AbortWithStatusJSON(be.Code.HTTPStatus(), be.JSON())
	}
}

func mapError(err error) errutil.BaseError {
	var be errutil.BaseError
	switch {
	case errors.As(err, &be):
		return be
	case errors.Is(err, context.DeadlineExceeded):
		return errutil.Timeout("request timed out", nil)
	case errors.Is(err, context.Canceled):
		return errutil.ClientClosedRequest("request cancelled", nil)
	default:
		return errutil.Internal("internal error", nil)
	}
}
