package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/ripgraphics/authorsinfo-realtime/models"
	"github.com/ripgraphics/authorsinfo-realtime/services"
	"github.com/ripgraphics/authorsinfo-realtime/utils"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 4096
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// Origin policy is handled by the CORS layer
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Client is one browser session attached over websocket. Its connection is
// one presence session: joining tracks it, closing the socket untracks it.
type Client struct {
	hub       *Hub
	store     *services.RealtimeStore
	logger    *utils.Logger
	conn      *websocket.Conn
	send      chan []byte
	sessionID string
	userID    string

	mu     sync.Mutex
	closed bool
}

// trySend queues a message without blocking. It reports false when the
// client is closed or its buffer is full.
func (c *Client) trySend(message []byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return false
	}
	select {
	case c.send <- message:
		return true
	default:
		return false
	}
}

// closeSend closes the send channel exactly once.
func (c *Client) closeSend() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.closed {
		c.closed = true
		close(c.send)
	}
}

// clientCommand is what browser sessions send over the socket.
type clientCommand struct {
	Type     string                     `json:"type"`
	Status   models.PresenceStatus      `json:"status,omitempty"`
	Typing   bool                       `json:"typing,omitempty"`
	Activity *models.AddActivityRequest `json:"activity,omitempty"`
}

type WSHandler struct {
	hub    *Hub
	store  *services.RealtimeStore
	logger *utils.Logger
}

func NewWSHandler(hub *Hub, store *services.RealtimeStore, logger *utils.Logger) *WSHandler {
	return &WSHandler{
		hub:    hub,
		store:  store,
		logger: logger,
	}
}

// Serve handles GET /ws: upgrades the connection, registers a presence
// session for the authenticated user, and pushes the current state so the
// client starts coherent before live events arrive.
func (h *WSHandler) Serve(c *gin.Context) {
	userID, _ := c.Get("userID")

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Error("Failed to upgrade websocket", "error", err)
		return
	}

	sessionID := h.store.Initialize(c.Request.Context(), userID.(string))

	client := &Client{
		hub:       h.hub,
		store:     h.store,
		logger:    h.logger,
		conn:      conn,
		send:      make(chan []byte, 64),
		sessionID: sessionID,
		userID:    userID.(string),
	}

	h.hub.register <- client
	client.sendInitialState()

	go client.writePump()
	go client.readPump()
}

// sendInitialState queues connection status, the presence snapshot and the
// buffered feed for this client only.
func (c *Client) sendInitialState() {
	c.queue(services.StoreEvent{Type: services.EventConnection, Payload: c.store.Status()})
	c.queue(services.StoreEvent{Type: services.EventPresenceSync, Payload: c.store.Presence().Snapshot()})
	c.queue(services.StoreEvent{Type: "feed_snapshot", Payload: c.store.Feed().Entries()})
}

func (c *Client) queue(event services.StoreEvent) {
	message, err := json.Marshal(event)
	if err != nil {
		c.logger.Warn("Failed to marshal client event", "type", event.Type, "error", err)
		return
	}

	c.trySend(message)
}

func (c *Client) readPump() {
	defer func() {
		c.hub.unregister <- c
		_ = c.conn.Close()

		if c.sessionID != "" {
			ctx, cancel := context.WithTimeout(context.Background(), writeWait)
			defer cancel()
			c.store.Leave(ctx, c.sessionID)
		}
	}()

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.logger.Warn("Websocket closed unexpectedly", "session_id", c.sessionID, "error", err)
			}
			return
		}

		var cmd clientCommand
		if err := json.Unmarshal(message, &cmd); err != nil {
			c.queue(services.StoreEvent{Type: "error", Payload: "malformed command"})
			continue
		}

		c.handleCommand(cmd)
	}
}

func (c *Client) handleCommand(cmd clientCommand) {
	ctx, cancel := context.WithTimeout(context.Background(), writeWait)
	defer cancel()

	switch cmd.Type {
	case "update_presence":
		if c.sessionID == "" {
			return
		}
		c.store.UpdatePresence(ctx, c.sessionID, cmd.Status, cmd.Typing)

	case "add_activity":
		if cmd.Activity == nil {
			c.queue(services.StoreEvent{Type: "error", Payload: "missing activity"})
			return
		}
		activity := *cmd.Activity
		activity.UserID = c.userID
		if _, err := c.store.AddActivity(ctx, activity); err != nil {
			c.logger.Error("Failed to add activity over websocket", "session_id", c.sessionID, "error", err)
			c.queue(services.StoreEvent{Type: "error", Payload: "failed to record activity"})
		}

	default:
		c.queue(services.StoreEvent{Type: "error", Payload: "unknown command"})
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
