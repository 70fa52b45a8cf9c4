package handlers

import (
	"context"
	"encoding/json"

	"github.com/ripgraphics/authorsinfo-realtime/services"
	"github.com/ripgraphics/authorsinfo-realtime/utils"
)

// Hub fans store events out to every connected websocket session. Clients
// register on connect and unregister on close; a client whose send buffer
// is full is dropped rather than allowed to stall the rest.
type Hub struct {
	logger *utils.Logger

	clients    map[*Client]bool
	register   chan *Client
	unregister chan *Client
	broadcast  chan []byte
}

func NewHub(logger *utils.Logger) *Hub {
	return &Hub{
		logger:     logger,
		clients:    make(map[*Client]bool),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		broadcast:  make(chan []byte, 256),
	}
}

// Run owns the client set. It must run in its own goroutine and exits when
// ctx is cancelled.
func (h *Hub) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			for client := range h.clients {
				client.closeSend()
				delete(h.clients, client)
			}
			return

		case client := <-h.register:
			h.clients[client] = true

		case client := <-h.unregister:
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				client.closeSend()
			}

		case message := <-h.broadcast:
			for client := range h.clients {
				if !client.trySend(message) {
					client.closeSend()
					delete(h.clients, client)
					h.logger.Warn("Dropped slow websocket client", "session_id", client.sessionID)
				}
			}
		}
	}
}

// PublishEvent is the store's event sink: it serializes the event and
// queues it for every client. It never blocks the store.
func (h *Hub) PublishEvent(event services.StoreEvent) {
	message, err := json.Marshal(event)
	if err != nil {
		h.logger.Warn("Failed to marshal store event", "type", event.Type, "error", err)
		return
	}

	select {
	case h.broadcast <- message:
	default:
		h.logger.Warn("Hub broadcast buffer full, dropping event", "type", event.Type)
	}
}
