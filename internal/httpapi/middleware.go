package httpapi

import (
	"net/http"
	"strconv"
	"time"

	"notifyd/internal/metrics"
	logx "notifyd/pkg/logx"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"
)

func recovery(log logx.Logger) gin.HandlerFunc {
	return gin.CustomRecovery(func(c *gin.Context, rec any) {
		log.Error("handler panicked",
			logx.String("method", c.Request.Method),
			logx.String("path", c.Request.URL.Path),
			logx.Any("panic", rec),
		)
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "internal server error"})
	})
}

func requestLog(log logx.Logger, m *metrics.Metrics) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		status := c.Writer.Status()
		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		m.RecordHTTP(route, strconv.Itoa(status))

		fields := []logx.Field{
			logx.String("method", c.Request.Method),
			logx.String("route", route),
			logx.Int("status", status),
			logx.Duration("took", time.Since(start)),
			logx.String("client_ip", c.ClientIP()),
		}
		if len(c.Errors) > 0 {
			fields = append(fields, logx.String("error", logx.Truncate(c.Errors.String(), 256)))
		}
		switch {
		case status >= 500:
			log.Warn("http request", fields...)
		default:
			log.Debug("http request", fields...)
		}
	}
}

// rateLimit sheds load with 429 once the shared token bucket is empty.
func rateLimit(l *rate.Limiter) gin.HandlerFunc {
	return func(c *gin.Context) {
		if !l.Allow() {
			c.Header("Retry-After", "1")
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"error": "too many requests"})
			return
		}
		c.Next()
	}
}
