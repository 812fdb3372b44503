// Package ws streams activity feed entries to websocket clients.
package ws

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/gorilla/websocket"

	"nexus/internal/domain"
)

// Hub fans broadcast payloads out to every registered client. Clients that
// cannot keep up are dropped.
type Hub struct {
	clients    map[*Client]bool
	register   chan *Client
	unregister chan *Client
	broadcast  chan []byte

	mu    sync.RWMutex
	count int
}

func NewHub() *Hub {
	return &Hub{
		clients:    make(map[*Client]bool),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		broadcast:  make(chan []byte, 64),
	}
}

// Run serves the hub until ctx is cancelled; remaining clients are closed.
func (h *Hub) Run(ctx context.Context) {
	defer func() {
		for client := range h.clients {
			delete(h.clients, client)
			close(client.Send)
		}
		h.setCount(0)
	}()
	for {
		select {
		case <-ctx.Done():
			return
		case client := <-h.register:
			h.clients[client] = true
			h.setCount(len(h.clients))
		case client := <-h.unregister:
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client.Send)
				h.setCount(len(h.clients))
			}
		case message := <-h.broadcast:
			for client := range h.clients {
				select {
				case client.Send <- message:
				default:
					delete(h.clients, client)
					close(client.Send)
				}
			}
			h.setCount(len(h.clients))
		}
	}
}

func (h *Hub) setCount(n int) {
	h.mu.Lock()
	h.count = n
	h.mu.Unlock()
}

// Clients returns the number of connected clients.
func (h *Hub) Clients() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.count
}

// Broadcast queues payload for delivery. It never blocks; when the queue is
// full the payload is dropped.
func (h *Hub) Broadcast(payload []byte) bool {
	select {
	case h.broadcast <- payload:
		return true
	default:
		return false
	}
}

// Publish broadcasts a feed entry as JSON.
func (h *Hub) Publish(entry domain.ActivityEntry) {
	data, err := json.Marshal(entry)
	if err != nil {
		return
	}
	h.Broadcast(data)
}

// Client is one websocket connection.
type Client struct {
	Conn *websocket.Conn
	Hub  *Hub
	Send chan []byte
}

func NewClient(hub *Hub, conn *websocket.Conn) *Client {
	return &Client{
		Conn: conn,
		Hub:  hub,
		Send: make(chan []byte, 256),
	}
}
