// Package realtime is the websocket surface between the UI and the
// kernel: connection management, request dispatch, and turn streaming.
package realtime

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/Thioby/homeclaw-agent-sub000/internal/logging"
)

// Request is one UI message. Streaming requests produce multiple
// responses sharing the request id before a terminal one.
type Request struct {
	Type string          `json:"type"`
	ID   string          `json:"id"`
	Data json.RawMessage `json:"data,omitempty"`
}

// Response is one kernel-to-UI message.
type Response struct {
	Type      string    `json:"type"`
	ID        string    `json:"id,omitempty"`
	Data      any       `json:"data,omitempty"`
	Error     string    `json:"error,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Hub tracks the connected clients.
type Hub struct {
	mu      sync.RWMutex
	clients map[*Client]bool

	register   chan *Client
	unregister chan *Client
	done       chan struct{}
}

// NewHub creates a hub. Call Run on its own goroutine.
func NewHub() *Hub {
	return &Hub{
		clients:    make(map[*Client]bool),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		done:       make(chan struct{}),
	}
}

// Run processes client registration until Stop.
func (h *Hub) Run() {
	for {
		select {
		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			count := len(h.clients)
			h.mu.Unlock()
			logging.Debugf("[realtime] client %s connected (%d total)", client.ID, count)

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				client.Close()
			}
			count := len(h.clients)
			h.mu.Unlock()
			logging.Debugf("[realtime] client %s disconnected (%d total)", client.ID, count)

		case <-h.done:
			h.mu.Lock()
			for client := range h.clients {
				client.Close()
			}
			h.clients = make(map[*Client]bool)
			h.mu.Unlock()
			return
		}
	}
}

// Stop disconnects everyone and ends Run.
func (h *Hub) Stop() {
	close(h.done)
}

// Broadcast pushes a response to every connected client.
func (h *Hub) Broadcast(resp *Response) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for client := range h.clients {
		if err := client.Send(resp); err != nil {
			logging.Debugf("[realtime] broadcast to %s dropped: %v", client.ID, err)
		}
	}
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}
