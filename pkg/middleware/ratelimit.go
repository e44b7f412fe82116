package middleware

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"tickrelay.com/pkg/common"
	"tickrelay.com/pkg/metrics"
	"tickrelay.com/pkg/ratelimit"
	"tickrelay.com/pkg/xerr"
)

// RateLimit limits requests per client ip and route.
func RateLimit(store *ratelimit.Store) gin.HandlerFunc {
	return func(c *gin.Context) {
		route := c.FullPath()
		if route == "" {
			route = c.Request.URL.Path
		}
		key := c.ClientIP() + ":" + route

		if !store.Allow(key) {
			metrics.RateLimitBlockTotal.WithLabelValues("http", route).Inc()
			common.Abort(c, http.StatusTooManyRequests, xerr.New(xerr.Throttled, "too many requests"))
			return
		}
		c.Next()
	}
}
