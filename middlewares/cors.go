package middlewares

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

// CORSMiddlewares takes a comma separated origin list. "*" allows any origin.
// Requests without an Origin header get the first configured origin.
func CORSMiddlewares(origins string) gin.HandlerFunc {
	var allowed []string
	for _, o := range strings.Split(origins, ",") {
		if o = strings.TrimSpace(o); o != "" {
			allowed = append(allowed, o)
		}
	}

	match := func(origin string) string {
		if len(allowed) == 0 {
			return ""
		}
		if origin == "" {
			return allowed[0]
		}
		for _, a := range allowed {
			if a == "*" || strings.EqualFold(a, origin) {
				return origin
			}
		}
		return ""
	}

	return func(c *gin.Context) {
		h := c.Writer.Header()
		h.Add("Vary", "Origin")
		if origin := match(c.GetHeader("Origin")); origin != "" {
			h.Set("Access-Control-Allow-Origin", origin)
			h.Set("Access-Control-Allow-Credentials", "true")
			h.Set("Access-Control-Allow-Headers", "Content-Type, Content-Length, Accept-Encoding, Authorization, Accept, Origin, Cache-Control, X-Requested-With, Sec-WebSocket-Protocol, Sec-WebSocket-Version, Sec-WebSocket-Key, Upgrade")
			h.Set("Access-Control-Allow-Methods", "GET, POST, PATCH, DELETE, OPTIONS")
			// the POS page reads these to show offline badges
			h.Set("Access-Control-Expose-Headers", "X-Offline, X-Cache-Status")
		}

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}
