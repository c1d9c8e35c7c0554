package handlers

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const writeWait = 5 * time.Second

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// feedMessage is what /ws/costs subscribers receive
type feedMessage struct {
	Type string `json:"type"`
	Data any    `json:"data"`
}

// Hub fans cost updates out to websocket subscribers
type Hub struct {
	log     *zap.Logger
	mu      sync.Mutex
	clients map[*websocket.Conn]struct{}
}

// NewHub creates an empty hub
func NewHub(log *zap.Logger) *Hub {
	return &Hub{log: log, clients: make(map[*websocket.Conn]struct{})}
}

// Add registers a subscriber
func (h *Hub) Add(conn *websocket.Conn) {
	h.mu.Lock()
	h.clients[conn] = struct{}{}
	h.mu.Unlock()
}

// Remove unregisters and closes a subscriber
func (h *Hub) Remove(conn *websocket.Conn) {
	h.mu.Lock()
	_, ok := h.clients[conn]
	delete(h.clients, conn)
	h.mu.Unlock()
	if ok {
		_ = conn.Close()
	}
}

// Len returns the number of subscribers
func (h *Hub) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// Send writes one message to a single subscriber
func (h *Hub) Send(conn *websocket.Conn, msgType string, data any) error {
	payload, err := json.Marshal(feedMessage{Type: msgType, Data: data})
	if err != nil {
		return err
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	return conn.WriteMessage(websocket.TextMessage, payload)
}

// Broadcast writes a message to every subscriber, dropping the ones that
// fail
func (h *Hub) Broadcast(msgType string, data any) {
	payload, err := json.Marshal(feedMessage{Type: msgType, Data: data})
	if err != nil {
		h.log.Error("failed to encode feed message", zap.Error(err))
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	for conn := range h.clients {
		_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
			h.log.Debug("dropping feed subscriber", zap.Error(err))
			delete(h.clients, conn)
			_ = conn.Close()
		}
	}
}
