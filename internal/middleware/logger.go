package middleware

import (
	"time"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"

	"llmrelay-go/internal/logging"
)

// RequestLogger emits one structured line per request after the handler runs.
func RequestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		modelVal, _ := c.Get("model")
		logging.WithReq(c, log.Fields{
			"status":     c.Writer.Status(),
			"latency_ms": time.Since(start).Milliseconds(),
			"user_agent": c.Request.UserAgent(),
			"model":      modelVal,
		}).Info("http_request")
	}
}
