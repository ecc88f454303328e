package middleware

import (
	"errors"
	"net/http"

	"competition-engine/pkg/errutil"
	"competition-engine/pkg/logger"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// Error renders the last handler error. BaseError keeps its own status; anything else
// is logged and reported as an internal error.
func Error() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		last := c.Errors.Last()
		if last == nil || c.Writer.Written() {
			return
		}

		var be errutil.BaseError
		if errors.As(last.Err, &be) {
			c.JSON(be.Code.HTTPStatus(), be.JSON())
			return
		}

		logger.FromContext(c.Request.Context()).Error("unhandled request error",
			zap.String("path", c.FullPath()),
			zap.Error(last.Err),
		)
		internal := errutil.BaseError{Code: errutil.StatusInternal, Message: http.StatusText(http.StatusInternalServerError)}
		c.JSON(http.StatusInternalServerError, internal.JSON())
	}
}
