// Package ws fans bench events out to websocket clients and feeds client
// commands back into the control loop.
package ws

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/trackside/speedcal/internal/monitoring"
)

// Event is one outbound message: a type tag plus a JSON payload.
type Event struct {
	Type string      `json:"type"`
	Data interface{} `json:"data,omitempty"`
}

// Command is one inbound client message.
type Command struct {
	Action string `json:"action"`
}

// CommandFunc handles an inbound client action ("arm", "disarm", "status").
type CommandFunc func(action string)

// Hub manages the websocket connections. Register, unregister, and
// broadcast all flow through Run's select so the client map has a single
// writer.
type Hub struct {
	clients    map[*websocket.Conn]bool
	broadcast  chan Event
	register   chan *websocket.Conn
	unregister chan *websocket.Conn
	mu         sync.Mutex
	connCount  int
	onCommand  CommandFunc
}

// NewHub builds a hub. onCommand may be nil when inbound actions are not
// wanted.
func NewHub(onCommand CommandFunc) *Hub {
	return &Hub{
		clients:    make(map[*websocket.Conn]bool),
		broadcast:  make(chan Event, 16),
		register:   make(chan *websocket.Conn),
		unregister: make(chan *websocket.Conn),
		onCommand:  onCommand,
	}
}

// Run services the hub until the context is cancelled. All remaining
// clients are closed on the way out.
func (h *Hub) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			for client := range h.clients {
				client.Close()
				delete(h.clients, client)
			}
			h.connCount = 0
			h.mu.Unlock()
			return

		case client := <-h.register:
			h.mu.Lock()
			if _, exists := h.clients[client]; !exists {
				h.clients[client] = true
				h.connCount++
				monitoring.Logf("ws: client connected, total %d", h.connCount)
			}
			h.mu.Unlock()

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				h.connCount--
				client.Close()
				monitoring.Logf("ws: client disconnected, total %d", h.connCount)
			}
			h.mu.Unlock()

		case ev := <-h.broadcast:
			h.mu.Lock()
			for client := range h.clients {
				if err := client.WriteJSON(ev); err != nil {
					monitoring.Logf("ws: send failed, dropping client: %v", err)
					client.Close()
					delete(h.clients, client)
					h.connCount--
				}
			}
			h.mu.Unlock()
		}
	}
}

// Broadcast queues an event for every connected client. Events are dropped
// when no client is connected or the queue is full; the bench never blocks
// on a slow browser.
func (h *Hub) Broadcast(eventType string, data interface{}) {
	h.mu.Lock()
	clientCount := len(h.clients)
	h.mu.Unlock()
	if clientCount == 0 {
		return
	}

	select {
	case h.broadcast <- Event{Type: eventType, Data: data}:
	default:
		monitoring.Logf("ws: broadcast queue full, dropped %s event", eventType)
	}
}

// ConnCount returns the number of connected clients.
func (h *Hub) ConnCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.connCount
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// The bench UI is served from the same box; origin checks add
		// nothing on a trusted layout network.
		return true
	},
}

// HandleWebSocket upgrades the request and services the connection until
// the client goes away.
func (h *Hub) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	if !websocket.IsWebSocketUpgrade(r) {
		http.Error(w, "not a websocket upgrade", http.StatusBadRequest)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		monitoring.Logf("ws: upgrade failed: %v", err)
		return
	}

	h.register <- conn

	go func() {
		defer func() { h.unregister <- conn }()
		for {
			_, msg, err := conn.ReadMessage()
			if err != nil {
				return
			}
			var cmd Command
			if err := json.Unmarshal(msg, &cmd); err != nil || cmd.Action == "" {
				continue
			}
			if h.onCommand != nil {
				h.onCommand(cmd.Action)
			}
		}
	}()
}
