package streaming

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/promptvault/promptvault/internal/common/logger"
	"github.com/promptvault/promptvault/internal/events/bus"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 64 * 1024
)

// Client represents a WebSocket client connection. A new client receives
// every change event until it narrows its filters.
type Client struct {
	ID       string
	conn     *websocket.Conn
	patterns map[string]bool // Subject patterns this client filtered to
	send     chan []byte
	hub      *Hub
	mu       sync.RWMutex
	logger   *logger.Logger
}

// NewClient creates a new WebSocket client.
func NewClient(id string, conn *websocket.Conn, hub *Hub, log *logger.Logger) *Client {
	return &Client{
		ID:       id,
		conn:     conn,
		patterns: make(map[string]bool),
		send:     make(chan []byte, 256),
		hub:      hub,
		logger:   log.WithFields(zap.String("client_id", id)),
	}
}

// SubscriptionMessage is sent by clients to narrow or widen which change
// events they receive.
type SubscriptionMessage struct {
	Action   string   `json:"action"` // subscribe, unsubscribe
	Subjects []string `json:"subjects"`
}

// Wants reports whether the client should receive events on the subject.
// With no filters set, every subject matches.
func (c *Client) Wants(subject string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if len(c.patterns) == 0 {
		return true
	}
	for pattern := range c.patterns {
		if bus.MatchSubject(subject, pattern) {
			return true
		}
	}
	return false
}

// Subscribe adds a subject pattern to the client's filters.
func (c *Client) Subscribe(pattern string) {
	c.mu.Lock()
	c.patterns[pattern] = true
	c.mu.Unlock()
	c.logger.Debug("Subscribed to subject", zap.String("pattern", pattern))
}

// Unsubscribe removes a subject pattern from the client's filters.
func (c *Client) Unsubscribe(pattern string) {
	c.mu.Lock()
	delete(c.patterns, pattern)
	c.mu.Unlock()
	c.logger.Debug("Unsubscribed from subject", zap.String("pattern", pattern))
}

// ReadPump reads messages from the WebSocket connection.
func (c *Client) ReadPump() {
	defer func() {
		c.hub.Unregister(c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.logger.Warn("WebSocket read error", zap.Error(err))
			}
			break
		}

		var subMsg SubscriptionMessage
		if err := json.Unmarshal(message, &subMsg); err != nil {
			c.logger.Warn("Invalid subscription message", zap.Error(err))
			continue
		}

		switch subMsg.Action {
		case "subscribe":
			for _, pattern := range subMsg.Subjects {
				c.Subscribe(pattern)
			}
		case "unsubscribe":
			for _, pattern := range subMsg.Subjects {
				c.Unsubscribe(pattern)
			}
		default:
			c.logger.Warn("Unknown action", zap.String("action", subMsg.Action))
		}
	}
}

// WritePump writes messages to the WebSocket connection.
func (c *Client) WritePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				// Hub closed the channel
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			w, err := c.conn.NextWriter(websocket.TextMessage)
			if err != nil {
				return
			}
			w.Write(message)

			// Add queued messages to the current websocket message
			n := len(c.send)
			for i := 0; i < n; i++ {
				w.Write([]byte{'\n'})
				w.Write(<-c.send)
			}

			if err := w.Close(); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
