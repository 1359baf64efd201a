package controllers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/yeremiapane/restaurant-sync/kds"
	"github.com/yeremiapane/restaurant-sync/utils"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true // origin sudah dibatasi CORS + token
	},
}

var kdsRoles = map[string]bool{"chef": true, "staff": true, "admin": true}

// KDSHandler -> endpoint WebSocket. Role comes from WebSocketAuthMiddleware.
func KDSHandler(hub *kds.Hub) gin.HandlerFunc {
	return func(c *gin.Context) {
		role := c.GetString("role")
		if role == "" {
			c.AbortWithStatus(http.StatusUnauthorized)
			return
		}
		if !kdsRoles[role] {
			c.AbortWithStatus(http.StatusForbidden)
			return
		}

		ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			utils.InfoLogger.Warnf("WebSocket upgrade failed: %v", err)
			return
		}
		hub.RegisterClient(ws, role)

		// klien tidak mengirim apa-apa, baca sampai disconnect
		for {
			if _, _, err := ws.ReadMessage(); err != nil {
				break
			}
		}
		hub.UnregisterClient(ws)
	}
}
