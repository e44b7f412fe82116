package middleware

import (
	"context"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"tickrelay.com/pkg/common"
	"tickrelay.com/pkg/logger"
)

// ReqId assigns each request an id (reusing the client's X-Request-Id) and
// puts a trace id on the request context for logging: the active span's trace
// id when one is recording, the request id otherwise. Mount it after otelgin.
func ReqId() gin.HandlerFunc {
	return func(c *gin.Context) {
		rid := c.GetHeader(common.HeaderRequestID)
		if rid == "" {
			rid = common.NewRequestID()
		}
		c.Set(common.CtxKeyRequestID, rid)
		c.Header(common.HeaderRequestID, rid)

		ctx := c.Request.Context()
		traceID := rid
		if span := trace.SpanFromContext(ctx); span.SpanContext().IsValid() {
			span.SetAttributes(attribute.String("http.request_id", rid))
			traceID = span.SpanContext().TraceID().String()
		}
		c.Request = c.Request.WithContext(context.WithValue(ctx, logger.TraceIdKey, traceID))
		c.Next()
	}
}
