package domain

import "time"

// EventType identifies a resolved domain event family.
type EventType string

const (
	EventPlayerArrived EventType = "player_arrived"
	EventPlayerLeft    EventType = "player_left"
	EventPlayerMessage EventType = "player_message"
)

// Event is a resolved, point-in-time notification produced by the
// correlation engine. It always carries a resolved Player identity, never a
// raw login. Events are transient: they are broadcast to the subscribers
// registered at emission time and never replayed.
type Event struct {
	Type      EventType `json:"type"`
	Player    Player    `json:"player"`
	Text      string    `json:"text,omitempty"`
	MessageID int64     `json:"message_id,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}
