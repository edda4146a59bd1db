package api

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"feederd/pkg/logx"
)

// requestLogger logs one line per request. Healthy liveness probes are kept
// out of the log; they arrive every few seconds and carry no information.
func requestLogger(log logx.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		status := c.Writer.Status()
		if c.Request.URL.Path == "/health" && status == http.StatusOK {
			return
		}
		log.Info("http request",
			logx.String("method", c.Request.Method),
			logx.String("path", c.Request.URL.Path),
			logx.Int("status", status),
			logx.Duration("took", time.Since(start)),
			logx.String("client", c.ClientIP()),
		)
	}
}

// recovery turns a handler panic into a 500 instead of killing the daemon.
func recovery(log logx.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			if r := recover(); r != nil {
				log.Error("http handler panic",
					logx.Any("panic", r),
					logx.String("path", c.Request.URL.Path),
					logx.String("stack", logx.CaptureStack(3)),
				)
				c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
			}
		}()
		c.Next()
	}
}
