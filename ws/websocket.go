package ws

import (
	"log"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/usenocturne/kbpair/utils"
)

type WebSocketHub struct {
	session string
	clients map[*websocket.Conn]bool
	mu      sync.Mutex
}

// NewWebSocketHub returns a hub that stamps every broadcast with session.
func NewWebSocketHub(session string) *WebSocketHub {
	return &WebSocketHub{
		session: session,
		clients: make(map[*websocket.Conn]bool),
	}
}

func (h *WebSocketHub) Session() string {
	return h.session
}

func (h *WebSocketHub) AddClient(conn *websocket.Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.clients[conn] = true
	log.Printf("WebSocket client connected. Total clients: %d", len(h.clients))
}

func (h *WebSocketHub) RemoveClient(conn *websocket.Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.removeLocked(conn)
}

func (h *WebSocketHub) removeLocked(conn *websocket.Conn) {
	if _, ok := h.clients[conn]; ok {
		delete(h.clients, conn)
		conn.Close()
		log.Printf("WebSocket client disconnected. Total clients: %d", len(h.clients))
	}
}

func (h *WebSocketHub) ClientCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

func (h *WebSocketHub) Broadcast(event utils.WebSocketEvent) {
	event.Session = h.session

	h.mu.Lock()
	defer h.mu.Unlock()

	var failed []*websocket.Conn
	for conn := range h.clients {
		if err := conn.WriteJSON(event); err != nil {
			log.Printf("Error broadcasting to client: %v", err)
			failed = append(failed, conn)
		}
	}
	for _, conn := range failed {
		h.removeLocked(conn)
	}
}

// CloseAll drops every client, sending a normal closure first.
func (h *WebSocketHub) CloseAll() {
	h.mu.Lock()
	defer h.mu.Unlock()

	for conn := range h.clients {
		_ = conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		h.removeLocked(conn)
	}
}
