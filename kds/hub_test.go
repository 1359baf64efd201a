package kds

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/yeremiapane/restaurant-sync/models"
	"github.com/yeremiapane/restaurant-sync/synchronizer"
)

// serve registers every upgraded connection with the role from ?role=.
func serve(t *testing.T, h *Hub) *httptest.Server {
	t.Helper()
	upgrader := websocket.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		h.RegisterClient(conn, r.URL.Query().Get("role"))
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				break
			}
		}
		h.UnregisterClient(conn)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func dial(t *testing.T, srv *httptest.Server, role string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/?role=" + role
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func read(t *testing.T, conn *websocket.Conn) Message {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var msg Message
	require.NoError(t, conn.ReadJSON(&msg))
	return msg
}

func waitClients(t *testing.T, h *Hub, n int) {
	t.Helper()
	require.Eventually(t, func() bool { return h.ClientCount() == n }, 2*time.Second, 5*time.Millisecond)
}

func TestHubBroadcastsDrainEvents(t *testing.T) {
	h := NewHub()
	srv := serve(t, h)
	chef := dial(t, srv, "chef")
	staff := dial(t, srv, "staff")
	waitClients(t, h, 2)

	h.OnDrainStart()
	h.OnDrainProgress(1, 3)
	h.OnDrainComplete(synchronizer.Summary{Total: 3, Synced: 3})
	h.OnDrainError(errors.New("boom"))

	for _, conn := range []*websocket.Conn{chef, staff} {
		assert.Equal(t, EventSyncStarted, read(t, conn).Event)

		progress := read(t, conn)
		assert.Equal(t, EventSyncProgress, progress.Event)
		assert.Equal(t, map[string]interface{}{"current": 1.0, "total": 3.0}, progress.Data)

		complete := read(t, conn)
		assert.Equal(t, EventSyncComplete, complete.Event)
		assert.Equal(t, 3.0, complete.Data.(map[string]interface{})["synced"])

		failed := read(t, conn)
		assert.Equal(t, EventSyncError, failed.Event)
		assert.Equal(t, "boom", failed.Data.(map[string]interface{})["error"])
	}
}

func TestHubBroadcastToRoles(t *testing.T) {
	h := NewHub()
	srv := serve(t, h)
	chef := dial(t, srv, "chef")
	admin := dial(t, srv, "admin")
	waitClients(t, h, 2)

	h.BroadcastToRoles(Message{Event: EventMenuRefreshed, Data: "admin only"}, "admin")
	h.BroadcastOrderUpdate(models.Order{ID: "o1", Status: models.OrderStatusCooking})

	first := read(t, admin)
	assert.Equal(t, EventMenuRefreshed, first.Event)
	assert.Equal(t, EventOrderUpdate, read(t, admin).Event)

	// the chef never saw the admin message
	order := read(t, chef)
	assert.Equal(t, EventOrderUpdate, order.Event)
	assert.Equal(t, "o1", order.Data.(map[string]interface{})["id"])
}

func TestHubForgetsDisconnectedClients(t *testing.T) {
	h := NewHub()
	srv := serve(t, h)
	conn := dial(t, srv, "staff")
	waitClients(t, h, 1)

	conn.Close()
	waitClients(t, h, 0)
	h.BroadcastSyncStatus(map[string]bool{"isOnline": true})
}

func TestHubClose(t *testing.T) {
	h := NewHub()
	srv := serve(t, h)
	conn := dial(t, srv, "staff")
	waitClients(t, h, 1)

	h.Close()
	assert.Equal(t, 0, h.ClientCount())
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err := conn.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.CloseGoingAway))
}
