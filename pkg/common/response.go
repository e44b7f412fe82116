// Package common holds the JSON envelope every HTTP endpoint answers with.
package common

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"tickrelay.com/pkg/logger"
	"tickrelay.com/pkg/xerr"
)

const (
	HeaderRequestID = "X-Request-Id"
	CtxKeyRequestID = "request_id"
)

type Response struct {
	Code      int    `json:"code"`
	Message   string `json:"message"`
	Data      any    `json:"data"`
	RequestID string `json:"request_id,omitempty"`
}

func NewRequestID() string { return uuid.NewString() }

// RequestID returns the id set by the request id middleware, or "".
func RequestID(c *gin.Context) string {
	return c.GetString(CtxKeyRequestID)
}

func OK(c *gin.Context, data any) {
	c.JSON(http.StatusOK, Response{
		Code:      xerr.OK,
		Message:   "ok",
		Data:      data,
		RequestID: RequestID(c),
	})
}

// Abort ends the request with status and the xerr code carried by err. Only
// the message of a *xerr.CodeError reaches the client; anything else is
// reported as the status text. 5xx answers are logged at warn, the rest at
// debug.
func Abort(c *gin.Context, status int, err error) {
	msg := http.StatusText(status)
	var ce *xerr.CodeError
	if errors.As(err, &ce) && ce.Msg != "" {
		msg = ce.Msg
	}

	fields := []zap.Field{
		zap.String("request_id", RequestID(c)),
		zap.String("method", c.Request.Method),
		zap.String("path", c.Request.URL.Path),
		zap.Int("status", status),
		zap.Error(err),
	}
	if status >= http.StatusInternalServerError {
		logger.Warn(c.Request.Context(), "http request failed", fields...)
	} else {
		logger.Debug(c.Request.Context(), "http request rejected", fields...)
	}

	c.AbortWithStatusJSON(status, Response{
		Code:      xerr.CodeOf(err),
		Message:   msg,
		RequestID: RequestID(c),
	})
}
