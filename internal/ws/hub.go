package ws

import (
	"encoding/json"
	"log"
	"sync"

	"github.com/gorilla/websocket"

	"farm-chat-service/internal/models"
)

// Hub is the connection table: every authenticated channel registered by the
// user it is bound to. A user may hold several channels at once (devices,
// tabs). The hub is owned by the gateway instance, not global state, so
// multiple gateways can coexist in tests.
type Hub struct {
	mu    sync.RWMutex
	conns map[int]map[*Connection]struct{}
}

// NewHub creates an empty hub.
func NewHub() *Hub {
	return &Hub{conns: make(map[int]map[*Connection]struct{})}
}

// Add registers an authenticated channel under its bound user.
func (h *Hub) Add(conn *Connection) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.conns[conn.UserID]; !ok {
		h.conns[conn.UserID] = make(map[*Connection]struct{})
	}
	h.conns[conn.UserID][conn] = struct{}{}
}

// Remove unregisters a channel. Removing the user's last channel takes the
// user offline: they simply stop appearing in future fan-out.
func (h *Hub) Remove(conn *Connection) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if conns, ok := h.conns[conn.UserID]; ok {
		delete(conns, conn)
		if len(conns) == 0 {
			delete(h.conns, conn.UserID)
		}
	}
}

// ConnectionCount reports the user's open channels.
func (h *Hub) ConnectionCount(userID int) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.conns[userID])
}

// Snapshot returns the open channel count per connected user.
func (h *Hub) Snapshot() map[int]int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	snapshot := make(map[int]int, len(h.conns))
	for userID, conns := range h.conns {
		snapshot[userID] = len(conns)
	}
	return snapshot
}

// BroadcastMessage delivers a stored message to every open channel of each
// participant, except the excluded (sending) channel. Delivery is
// at-least-once: the store write already succeeded, and a channel that fails
// mid-fan-out is closed and dropped without affecting the others.
func (h *Hub) BroadcastMessage(participantIDs []int, msg models.Message, exclude *Connection) {
	event := models.ServerEvent{Type: models.EventMessageReceived, Message: &msg}
	payload, err := json.Marshal(event)
	if err != nil {
		log.Printf("broadcast marshal error: %v", err)
		return
	}

	for _, conn := range h.targets(participantIDs, exclude) {
		if err := conn.Send(payload); err != nil {
			log.Printf("websocket send error user=%d conn=%s: %v", conn.UserID, conn.ID, err)
			conn.Close(websocket.CloseGoingAway, "delivery failed")
			h.Remove(conn)
		}
	}
}

func (h *Hub) targets(participantIDs []int, exclude *Connection) []*Connection {
	h.mu.RLock()
	defer h.mu.RUnlock()

	var targets []*Connection
	for _, userID := range participantIDs {
		for conn := range h.conns[userID] {
			if conn == exclude {
				continue
			}
			targets = append(targets, conn)
		}
	}
	return targets
}
