package middlewares

import (
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
	"github.com/yeremiapane/restaurant-sync/utils"
)

// LoggerMiddleware writes one line per request. 5xx goes to the error log,
// 4xx is a warning, everything else is debug so polling clients stay quiet.
func LoggerMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path
		if raw := c.Request.URL.RawQuery; raw != "" {
			path = path + "?" + raw
		}

		c.Next()

		status := c.Writer.Status()
		fields := logrus.Fields{
			"method":  c.Request.Method,
			"path":    path,
			"status":  status,
			"latency": time.Since(start).String(),
			"client":  c.ClientIP(),
		}
		if cache := c.Writer.Header().Get("X-Cache-Status"); cache != "" {
			fields["cache"] = cache
		}
		if len(c.Errors) > 0 {
			fields["errors"] = c.Errors.String()
		}

		switch {
		case status >= 500:
			utils.ErrorLogger.WithFields(fields).Error("request failed")
		case status >= 400:
			utils.InfoLogger.WithFields(fields).Warn("request rejected")
		default:
			utils.InfoLogger.WithFields(fields).Debug("request")
		}
	}
}
