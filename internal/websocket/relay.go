package websocket

import (
	"log/slog"

	"github.com/trackside/internal/bus"
)

// Relay is the bridge between the domain event bus and the live feed hub.
// It is one bus subscriber among others; a stalled feed never slows down
// the correlation engine or its peers.
type Relay struct {
	hub    *Hub
	events *bus.Bus
	logger *slog.Logger
	sub    *bus.Subscription
}

// NewRelay creates a new relay
func NewRelay(hub *Hub, events *bus.Bus, logger *slog.Logger) *Relay {
	return &Relay{
		hub:    hub,
		events: events,
		logger: logger,
	}
}

// Start subscribes to the bus and begins forwarding events to the hub.
func (r *Relay) Start() {
	r.sub = r.events.Subscribe()
	go func() {
		for evt := range r.sub.Events() {
			r.hub.BroadcastEvent(evt)
		}
		r.logger.Debug("feed relay drained")
	}()
	r.logger.Info("feed relay started")
}

// Stop unsubscribes the relay from the bus.
func (r *Relay) Stop() {
	if r.sub != nil {
		r.sub.Close()
	}
}
