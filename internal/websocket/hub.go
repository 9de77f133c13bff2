package websocket

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/trackside/internal/domain"
)

// Message types
const (
	MessageTypeEvent       = "event"
	MessageTypeSubscribe   = "subscribe"
	MessageTypeUnsubscribe = "unsubscribe"
	MessageTypePing        = "ping"
	MessageTypePong        = "pong"
	MessageTypeError       = "error"
)

// FamilyAll subscribes a client to every event family at once.
const FamilyAll = "all"

// Message represents a WebSocket frame sent to feed clients
type Message struct {
	Type      string      `json:"type"`
	Family    string      `json:"family,omitempty"`
	Data      interface{} `json:"data,omitempty"`
	Timestamp time.Time   `json:"timestamp"`
}

// Hub maintains the set of active feed clients and fans resolved domain
// events out to them by event family.
type Hub struct {
	// Registered clients by event family
	clients map[string]map[*Client]bool

	// All connected clients
	allClients map[*Client]bool

	// Register requests from clients
	register chan *Client

	// Unregister requests from clients
	unregister chan *Client

	// Outbound frames
	broadcast chan *Message

	// Subscription requests
	subscribe chan *subscriptionRequest

	// Unsubscription requests
	unsubscribe chan *subscriptionRequest

	// Mutex for thread-safe operations
	mu sync.RWMutex

	// Logger
	logger *slog.Logger

	// Context for shutdown
	ctx    context.Context
	cancel context.CancelFunc
}

type subscriptionRequest struct {
	client *Client
	family string
}

// NewHub creates a new Hub
func NewHub(logger *slog.Logger) *Hub {
	ctx, cancel := context.WithCancel(context.Background())
	return &Hub{
		clients:     make(map[string]map[*Client]bool),
		allClients:  make(map[*Client]bool),
		register:    make(chan *Client),
		unregister:  make(chan *Client),
		broadcast:   make(chan *Message, 256),
		subscribe:   make(chan *subscriptionRequest, 64),
		unsubscribe: make(chan *subscriptionRequest, 64),
		logger:      logger,
		ctx:         ctx,
		cancel:      cancel,
	}
}

// Run starts the hub's main loop
func (h *Hub) Run() {
	h.logger.Info("live feed hub started")
	for {
		select {
		case <-h.ctx.Done():
			h.logger.Info("live feed hub stopping")
			return

		case client := <-h.register:
			h.mu.Lock()
			h.allClients[client] = true
			h.mu.Unlock()
			h.logger.Debug("feed client registered", "client_id", client.id)

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.allClients[client]; ok {
				delete(h.allClients, client)
				// Remove from all family subscriptions
				for family, clients := range h.clients {
					if _, ok := clients[client]; ok {
						delete(clients, client)
						if len(clients) == 0 {
							delete(h.clients, family)
						}
					}
				}
				close(client.send)
			}
			h.mu.Unlock()
			h.logger.Debug("feed client unregistered", "client_id", client.id)

		case req := <-h.subscribe:
			h.mu.Lock()
			if _, ok := h.clients[req.family]; !ok {
				h.clients[req.family] = make(map[*Client]bool)
			}
			h.clients[req.family][req.client] = true
			h.mu.Unlock()
			h.logger.Debug("feed client subscribed", "client_id", req.client.id, "family", req.family)

		case req := <-h.unsubscribe:
			h.mu.Lock()
			if clients, ok := h.clients[req.family]; ok {
				delete(clients, req.client)
				if len(clients) == 0 {
					delete(h.clients, req.family)
				}
			}
			h.mu.Unlock()
			h.logger.Debug("feed client unsubscribed", "client_id", req.client.id, "family", req.family)

		case message := <-h.broadcast:
			h.broadcastMessage(message)
		}
	}
}

// Stop stops the hub
func (h *Hub) Stop() {
	h.cancel()
}

// broadcastMessage sends a frame to every client subscribed to its family
// or to the catch-all family.
func (h *Hub) broadcastMessage(message *Message) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	data, err := json.Marshal(message)
	if err != nil {
		h.logger.Error("failed to marshal frame", "error", err)
		return
	}

	for _, family := range []string{message.Family, FamilyAll} {
		clients, ok := h.clients[family]
		if !ok {
			continue
		}
		for client := range clients {
			// Skip clients already served via the event's own family
			if family == FamilyAll && h.clients[message.Family][client] {
				continue
			}
			select {
			case client.send <- data:
			default:
				// Client's buffer is full, skip
				h.logger.Warn("feed client buffer full, skipping", "client_id", client.id)
			}
		}
	}
}

// BroadcastEvent turns a resolved domain event into a feed frame.
func (h *Hub) BroadcastEvent(evt domain.Event) {
	message := &Message{
		Type:      MessageTypeEvent,
		Family:    string(evt.Type),
		Data:      evt,
		Timestamp: evt.Timestamp,
	}

	select {
	case h.broadcast <- message:
	default:
		h.logger.Warn("broadcast channel full, dropping frame", "family", message.Family)
	}
}

// GetSubscriberCount returns the number of subscribers for an event family
func (h *Hub) GetSubscriberCount(family string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if clients, ok := h.clients[family]; ok {
		return len(clients)
	}
	return 0
}

// GetTotalConnections returns the total number of connected clients
func (h *Hub) GetTotalConnections() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.allClients)
}

// Register adds a client to the hub
func (h *Hub) Register(client *Client) {
	h.register <- client
}

// Unregister removes a client from the hub
func (h *Hub) Unregister(client *Client) {
	h.unregister <- client
}

// Subscribe adds a client to an event family subscription
func (h *Hub) Subscribe(client *Client, family string) {
	h.subscribe <- &subscriptionRequest{client: client, family: family}
}

// Unsubscribe removes a client from an event family subscription
func (h *Hub) Unsubscribe(client *Client, family string) {
	h.unsubscribe <- &subscriptionRequest{client: client, family: family}
}
