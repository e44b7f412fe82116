package middleware

import (
	"fmt"
	"net/http"
	"runtime/debug"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"tickrelay.com/pkg/common"
	"tickrelay.com/pkg/logger"
	"tickrelay.com/pkg/xerr"
)

// Recover turns a handler panic into a 500 and marks the request span failed.
func Recover() gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			r := recover()
			if r == nil {
				return
			}
			ctx := c.Request.Context()
			logger.Error(ctx, "http panic",
				zap.String("request_id", common.RequestID(c)),
				zap.String("route", c.FullPath()),
				zap.Any("panic", r),
				zap.ByteString("stack", debug.Stack()),
			)
			span := trace.SpanFromContext(ctx)
			span.RecordError(fmt.Errorf("panic: %v", r))
			span.SetStatus(codes.Error, "panic")

			if c.Writer.Written() {
				c.Abort()
				return
			}
			common.Abort(c, http.StatusInternalServerError, xerr.New(xerr.ServerCommonError, "internal error"))
		}()
		c.Next()
	}
}
