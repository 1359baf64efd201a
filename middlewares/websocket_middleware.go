package middlewares

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/yeremiapane/restaurant-sync/utils"
)

// WebSocketAuthMiddleware takes the token from ?token= (browsers cannot set
// headers on the handshake) and falls back to a bearer header for the KDS
// tablets that dial from native code.
func WebSocketAuthMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		raw := c.Query("token")
		if raw == "" {
			raw = strings.TrimPrefix(c.GetHeader("Authorization"), "Bearer ")
		}
		if raw == "" {
			utils.RespondError(c, http.StatusUnauthorized, errors.New("token required"))
			c.Abort()
			return
		}

		claims, err := utils.ParseToken(raw)
		if err != nil {
			utils.RespondError(c, http.StatusUnauthorized, err)
			c.Abort()
			return
		}
		c.Set("role", claims.Role)
		c.Set("user_id", claims.UserID)
		c.Next()
	}
}
