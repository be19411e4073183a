package web

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

var (
	errClientClosed = errors.New("client connection closed")
	errClientSlow   = errors.New("client send buffer full")
)

// Message is the envelope of every websocket message
type Message struct {
	Type string      `json:"type"`
	Data interface{} `json:"data,omitempty"`
}

// Hub keeps the websocket clients that follow session progress
type Hub struct {
	upgrader websocket.Upgrader
	logger   *zap.Logger
	status   StatusSource

	clients map[string]*Client
	mu      sync.RWMutex

	allowedOrigins []string
	sendBufferSize int
}

// Client is one connected websocket
type Client struct {
	id     string
	conn   *websocket.Conn
	hub    *Hub
	logger *zap.Logger

	send chan []byte

	closed bool
	mu     sync.RWMutex

	connectedAt time.Time
}

// NewHub creates a hub. status answers "status" requests from clients.
func NewHub(status StatusSource, allowedOrigins []string, sendBufferSize int, logger *zap.Logger) *Hub {
	if len(allowedOrigins) == 0 {
		allowedOrigins = []string{"*"}
	}
	if sendBufferSize <= 0 {
		sendBufferSize = 16
	}

	h := &Hub{
		logger:         logger,
		status:         status,
		clients:        make(map[string]*Client),
		allowedOrigins: allowedOrigins,
		sendBufferSize: sendBufferSize,
	}

	h.upgrader = websocket.Upgrader{
		CheckOrigin:     h.checkOrigin,
		ReadBufferSize:  1024,
		WriteBufferSize: 4096,
	}

	return h
}

// checkOrigin validates the request origin against allowed origins
func (h *Hub) checkOrigin(r *http.Request) bool {
	for _, allowed := range h.allowedOrigins {
		if allowed == "*" {
			return true
		}
	}

	origin := r.Header.Get("Origin")
	if origin == "" {
		// Non-browser clients send no origin
		return true
	}

	for _, allowed := range h.allowedOrigins {
		if origin == allowed {
			return true
		}
	}

	h.logger.Warn("Origin not allowed",
		zap.String("origin", origin),
		zap.Strings("allowed_origins", h.allowedOrigins))
	return false
}

// HandleWebSocket upgrades the request and registers the client
func (h *Hub) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("Failed to upgrade WebSocket connection", zap.Error(err))
		return
	}

	clientID := uuid.New().String()
	client := &Client{
		id:          clientID,
		conn:        conn,
		hub:         h,
		logger:      h.logger.With(zap.String("client_id", clientID)),
		send:        make(chan []byte, h.sendBufferSize),
		connectedAt: time.Now(),
	}

	h.mu.Lock()
	h.clients[clientID] = client
	h.mu.Unlock()

	client.logger.Info("Client connected", zap.String("remote_addr", r.RemoteAddr))

	go client.writePump()
	go client.readPump()
}

// readPump handles incoming messages from the client
func (c *Client) readPump() {
	defer c.close()

	for {
		var msg Message
		if err := c.conn.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.logger.Debug("WebSocket read error", zap.Error(err))
			}
			return
		}

		if err := c.handleMessage(msg); err != nil {
			c.logger.Warn("Error handling message", zap.Error(err))
			_ = c.sendMessage("error", map[string]string{"message": err.Error()})
		}
	}
}

// writePump handles outgoing messages to the client
func (c *Client) writePump() {
	defer c.conn.Close()

	for message := range c.send {
		if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
			c.logger.Debug("WebSocket write error", zap.Error(err))
			go c.close()
			return
		}
	}
	_ = c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
}

func (c *Client) handleMessage(msg Message) error {
	switch msg.Type {
	case "ping":
		return c.sendMessage("pong", nil)
	case "status":
		if c.hub.status == nil {
			return errors.New("no session status available")
		}
		return c.sendMessage("progress", c.hub.status.Status())
	default:
		return fmt.Errorf("unknown message type: %s", msg.Type)
	}
}

// sendMessage queues a message without blocking. A client that cannot keep
// up loses messages rather than stalling the hub.
func (c *Client) sendMessage(msgType string, data interface{}) error {
	payload, err := json.Marshal(Message{Type: msgType, Data: data})
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}
	return c.enqueue(payload)
}

func (c *Client) enqueue(payload []byte) error {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.closed {
		return errClientClosed
	}
	select {
	case c.send <- payload:
		return nil
	default:
		return errClientSlow
	}
}

// close closes the client connection and removes it from the hub
func (c *Client) close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	close(c.send)
	c.mu.Unlock()

	if c.hub != nil {
		c.hub.mu.Lock()
		delete(c.hub.clients, c.id)
		c.hub.mu.Unlock()
	}

	c.logger.Info("Client disconnected",
		zap.Duration("connected_for", time.Since(c.connectedAt)))
}

// ClientCount returns the number of connected clients
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Broadcast sends a message to every connected client
func (h *Hub) Broadcast(msgType string, data interface{}) {
	payload, err := json.Marshal(Message{Type: msgType, Data: data})
	if err != nil {
		h.logger.Error("Failed to marshal broadcast", zap.Error(err))
		return
	}

	h.mu.RLock()
	clients := make([]*Client, 0, len(h.clients))
	for _, c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.RUnlock()

	for _, c := range clients {
		if err := c.enqueue(payload); errors.Is(err, errClientSlow) {
			c.logger.Debug("Dropping message for slow client", zap.String("type", msgType))
		}
	}
}

// Run broadcasts the session status every interval until ctx is done
func (h *Hub) Run(ctx context.Context, interval time.Duration) {
	if h.status == nil || interval <= 0 {
		return
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if h.ClientCount() > 0 {
				h.Broadcast("progress", h.status.Status())
			}
		}
	}
}

// Close disconnects all clients
func (h *Hub) Close() {
	h.mu.RLock()
	clients := make([]*Client, 0, len(h.clients))
	for _, c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.RUnlock()

	h.logger.Info("Closing progress hub", zap.Int("clients", len(clients)))
	for _, c := range clients {
		c.close()
	}
}
