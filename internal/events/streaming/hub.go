// Package streaming handles WebSocket connections for real-time storage
// change notifications.
package streaming

import (
	"context"
	"encoding/json"
	"sync"

	"go.uber.org/zap"

	"github.com/promptvault/promptvault/internal/common/logger"
	"github.com/promptvault/promptvault/internal/events/bus"
)

// Hub manages all WebSocket clients and fans storage change events out to
// them. It subscribes to every storage subject on the event bus and forwards
// each event to the clients whose filters match.
type Hub struct {
	clients map[*Client]bool

	register   chan *Client
	unregister chan *Client
	broadcast  chan *broadcastMessage
	done       chan struct{}

	busSub bus.Subscription

	mu     sync.RWMutex
	logger *logger.Logger
}

// broadcastMessage carries one change event toward connected clients.
type broadcastMessage struct {
	Subject string
	Event   *bus.Event
}

// NewHub creates a new WebSocket hub.
func NewHub(log *logger.Logger) *Hub {
	return &Hub{
		clients:    make(map[*Client]bool),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		broadcast:  make(chan *broadcastMessage, 256),
		done:       make(chan struct{}),
		logger:     log.WithFields(zap.String("component", "websocket_hub")),
	}
}

// AttachBus subscribes the hub to all storage change events on the bus.
func (h *Hub) AttachBus(eventBus bus.EventBus) error {
	sub, err := eventBus.Subscribe("storage.>", func(ctx context.Context, event *bus.Event) error {
		h.Broadcast(event.Type, event)
		return nil
	})
	if err != nil {
		return err
	}
	h.busSub = sub
	return nil
}

// Run starts the hub processing loop.
func (h *Hub) Run(ctx context.Context) {
	h.logger.Info("WebSocket hub started")
	defer h.logger.Info("WebSocket hub stopped")

	for {
		select {
		case <-ctx.Done():
			// Unblock clients still trying to register or unregister before
			// abandoning the channels.
			close(h.done)
			if h.busSub != nil {
				_ = h.busSub.Unsubscribe()
			}
			h.mu.Lock()
			for client := range h.clients {
				close(client.send)
				delete(h.clients, client)
			}
			h.mu.Unlock()
			return

		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			h.mu.Unlock()
			h.logger.Debug("Client registered", zap.String("client_id", client.ID))

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client.send)
			}
			h.mu.Unlock()
			h.logger.Debug("Client unregistered", zap.String("client_id", client.ID))

		case msg := <-h.broadcast:
			data, err := json.Marshal(msg.Event)
			if err != nil {
				h.logger.Error("Failed to marshal event", zap.Error(err))
				continue
			}

			h.mu.RLock()
			targets := make([]*Client, 0, len(h.clients))
			for client := range h.clients {
				if client.Wants(msg.Subject) {
					targets = append(targets, client)
				}
			}
			h.mu.RUnlock()

			for _, client := range targets {
				select {
				case client.send <- data:
				default:
					// Client send buffer is full, close connection
					h.mu.Lock()
					if _, ok := h.clients[client]; ok {
						close(client.send)
						delete(h.clients, client)
					}
					h.mu.Unlock()
				}
			}
		}
	}
}

// Register adds a client to the hub. A no-op after the hub has stopped.
func (h *Hub) Register(client *Client) {
	select {
	case h.register <- client:
	case <-h.done:
	}
}

// Unregister removes a client from the hub. A no-op after the hub has
// stopped, so client pumps shut down cleanly in either order.
func (h *Hub) Unregister(client *Client) {
	select {
	case h.unregister <- client:
	case <-h.done:
	}
}

// Broadcast queues a change event for delivery to matching clients. Events
// broadcast after the hub has stopped are dropped.
func (h *Hub) Broadcast(subject string, event *bus.Event) {
	select {
	case h.broadcast <- &broadcastMessage{Subject: subject, Event: event}:
	case <-h.done:
	}
}

// GetClientCount returns the number of connected clients.
func (h *Hub) GetClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}
