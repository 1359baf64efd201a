// Package kds fans sync and order events out to the kitchen and floor
// screens over websockets.
package kds

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/yeremiapane/restaurant-sync/models"
	"github.com/yeremiapane/restaurant-sync/synchronizer"
	"github.com/yeremiapane/restaurant-sync/utils"
)

// Event types
const (
	EventOrderUpdate   = "order_update"
	EventSyncStarted   = "sync_started"
	EventSyncProgress  = "sync_progress"
	EventSyncComplete  = "sync_complete"
	EventSyncError     = "sync_error"
	EventSyncStatus    = "sync_status"
	EventMenuRefreshed = "menu_refreshed"
)

const writeWait = 5 * time.Second

type Message struct {
	Event string      `json:"event"`
	Data  interface{} `json:"data"`
}

// Hub menampung semua client (chef, staff, admin). One writer at a time per
// connection, guarded by mutex.
type Hub struct {
	clients map[*websocket.Conn]string // conn -> role
	mutex   sync.Mutex
}

func NewHub() *Hub {
	return &Hub{clients: make(map[*websocket.Conn]string)}
}

func (h *Hub) RegisterClient(conn *websocket.Conn, role string) {
	h.mutex.Lock()
	defer h.mutex.Unlock()
	h.clients[conn] = role
	utils.InfoLogger.Debugf("KDS client registered (%s), %d connected", role, len(h.clients))
}

func (h *Hub) UnregisterClient(conn *websocket.Conn) {
	h.mutex.Lock()
	defer h.mutex.Unlock()
	if _, ok := h.clients[conn]; ok {
		delete(h.clients, conn)
		conn.Close()
	}
}

func (h *Hub) ClientCount() int {
	h.mutex.Lock()
	defer h.mutex.Unlock()
	return len(h.clients)
}

// Close disconnects every client.
func (h *Hub) Close() {
	h.mutex.Lock()
	defer h.mutex.Unlock()
	for conn := range h.clients {
		conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, ""), time.Now().Add(writeWait))
		conn.Close()
		delete(h.clients, conn)
	}
}

func (h *Hub) Broadcast(msg Message) {
	h.send(msg, nil)
}

// BroadcastToRoles only reaches clients whose role is listed.
func (h *Hub) BroadcastToRoles(msg Message, roles ...string) {
	allowed := make(map[string]bool, len(roles))
	for _, r := range roles {
		allowed[r] = true
	}
	h.send(msg, allowed)
}

func (h *Hub) send(msg Message, roles map[string]bool) {
	data, err := json.Marshal(msg)
	if err != nil {
		utils.ErrorLogger.Errorf("Error marshaling message: %v", err)
		return
	}

	h.mutex.Lock()
	defer h.mutex.Unlock()
	for conn, role := range h.clients {
		if roles != nil && !roles[role] {
			continue
		}
		conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
			utils.InfoLogger.Warnf("Dropping %s client after failed send: %v", role, err)
			delete(h.clients, conn)
			conn.Close()
		}
	}
}

func (h *Hub) BroadcastOrderUpdate(order models.Order) {
	h.Broadcast(Message{Event: EventOrderUpdate, Data: order})
}

func (h *Hub) BroadcastSyncStatus(status interface{}) {
	h.Broadcast(Message{Event: EventSyncStatus, Data: status})
}

func (h *Hub) BroadcastMenuRefreshed(result interface{}) {
	h.Broadcast(Message{Event: EventMenuRefreshed, Data: result})
}

// Drain events, so a Hub can be added as a synchronizer observer.

func (h *Hub) OnDrainStart() {
	h.Broadcast(Message{Event: EventSyncStarted})
}

func (h *Hub) OnDrainProgress(current, total int) {
	h.Broadcast(Message{Event: EventSyncProgress, Data: map[string]int{"current": current, "total": total}})
}

func (h *Hub) OnDrainComplete(summary synchronizer.Summary) {
	h.Broadcast(Message{Event: EventSyncComplete, Data: summary})
}

func (h *Hub) OnDrainError(err error) {
	h.Broadcast(Message{Event: EventSyncError, Data: map[string]string{"error": err.Error()}})
}

var _ synchronizer.Observer = (*Hub)(nil)
