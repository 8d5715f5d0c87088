// Package ws broadcasts job status and search progress to browser clients
// over WebSocket. The hub fans one event stream out to every connected
// client; slow clients are disconnected rather than allowed to stall the
// searches producing the events.
package ws

import (
	"encoding/json"
	"log/slog"
	"sync"
	"time"
)

// Event types pushed to clients.
const (
	TypeConnection  = "connection"
	TypeJobStatus   = "job:status"
	TypeJobProgress = "job:progress"
	TypeJobComplete = "job:complete"
	TypeError       = "error"
)

// Hub maintains the set of active clients and broadcasts events to them.
type Hub struct {
	clients    map[*Client]bool
	broadcast  chan []byte
	register   chan *Client
	unregister chan *Client

	mu      sync.RWMutex
	logger  *slog.Logger
	quit    chan struct{}
	running bool

	totalConnections int64
	messagesSent     int64
}

// NewHub creates a hub.
func NewHub(logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		clients:    make(map[*Client]bool),
		broadcast:  make(chan []byte, 64),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		logger:     logger.With(slog.String("component", "ws.hub")),
		quit:       make(chan struct{}),
	}
}

// Start launches the hub loop. Safe to call once.
func (h *Hub) Start() {
	h.mu.Lock()
	if h.running {
		h.mu.Unlock()
		return
	}
	h.running = true
	h.mu.Unlock()
	go h.run()
}

// Stop shuts the hub down and closes every client.
func (h *Hub) Stop() {
	h.mu.Lock()
	if !h.running {
		h.mu.Unlock()
		return
	}
	h.running = false
	h.mu.Unlock()

	close(h.quit)

	h.mu.Lock()
	defer h.mu.Unlock()
	for client := range h.clients {
		close(client.send)
		delete(h.clients, client)
	}
}

func (h *Hub) run() {
	for {
		select {
		case <-h.quit:
			h.logger.Info("hub shutting down")
			return

		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			h.totalConnections++
			count := len(h.clients)
			h.mu.Unlock()
			h.logger.Info("client connected",
				slog.String("client_id", client.id),
				slog.String("remote_addr", client.remoteAddr),
				slog.Int("total_clients", count))
			client.trySend(mustJSON(Envelope{
				Type:      TypeConnection,
				Data:      map[string]string{"status": "connected", "client_id": client.id},
				Timestamp: time.Now().Format(time.RFC3339),
			}))

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client.send)
			}
			count := len(h.clients)
			h.mu.Unlock()
			h.logger.Info("client disconnected",
				slog.String("client_id", client.id),
				slog.Duration("connection_duration", time.Since(client.connectedAt)),
				slog.Int("total_clients", count))

		case message := <-h.broadcast:
			h.mu.RLock()
			clients := make([]*Client, 0, len(h.clients))
			for client := range h.clients {
				clients = append(clients, client)
			}
			h.mu.RUnlock()

			for _, client := range clients {
				if client.trySend(message) {
					h.messagesSent++
					continue
				}
				// Send buffer full; drop the client instead of blocking.
				h.mu.Lock()
				if _, ok := h.clients[client]; ok {
					delete(h.clients, client)
					close(client.send)
				}
				h.mu.Unlock()
				h.logger.Warn("client send buffer full, disconnecting",
					slog.String("client_id", client.id))
			}
		}
	}
}

// Envelope is the wire format of every event.
type Envelope struct {
	Type      string      `json:"type"`
	Data      interface{} `json:"data"`
	Timestamp string      `json:"timestamp"`
}

// Broadcast queues an event for every connected client.
func (h *Hub) Broadcast(eventType string, data interface{}) {
	msg := Envelope{
		Type:      eventType,
		Data:      data,
		Timestamp: time.Now().Format(time.RFC3339),
	}
	payload, err := json.Marshal(msg)
	if err != nil {
		h.logger.Error("failed to encode broadcast", slog.String("error", err.Error()))
		return
	}
	select {
	case h.broadcast <- payload:
	default:
		h.logger.Warn("broadcast queue full, dropping event",
			slog.String("type", eventType))
	}
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func mustJSON(v interface{}) []byte {
	data, _ := json.Marshal(v)
	return data
}
