package bus

import (
	"log/slog"
	"sync"

	"github.com/google/uuid"
	"github.com/trackside/internal/domain"
)

// Bus is an in-process broadcast of resolved domain events. Every
// subscriber registered at publish time receives each event on its own
// buffered queue, so one slow consumer can neither block the publisher nor
// stall delivery to the others. There is no replay: events published
// before a subscription exist only for the subscribers of that moment.
type Bus struct {
	mu     sync.RWMutex
	subs   map[string]*Subscription
	buffer int
	logger *slog.Logger
	closed bool
}

// Subscription is one consumer's private event queue.
type Subscription struct {
	id  string
	ch  chan domain.Event
	bus *Bus

	once sync.Once
}

// New creates a new event bus. buffer sets the queue depth of each
// subscriber; a subscriber that falls further behind than that starts
// losing events.
func New(buffer int, logger *slog.Logger) *Bus {
	if buffer <= 0 {
		buffer = 256
	}
	return &Bus{
		subs:   make(map[string]*Subscription),
		buffer: buffer,
		logger: logger,
	}
}

// Subscribe registers a new consumer and returns its subscription.
func (b *Bus) Subscribe() *Subscription {
	sub := &Subscription{
		id: uuid.New().String(),
		ch: make(chan domain.Event, b.buffer),
	}
	sub.bus = b

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		close(sub.ch)
		return sub
	}
	b.subs[sub.id] = sub
	return sub
}

// Publish delivers an event to every currently-registered subscriber. A
// subscriber whose queue is full is skipped with a warning; delivery to
// the remaining subscribers is unaffected.
func (b *Bus) Publish(evt domain.Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}
	for _, sub := range b.subs {
		select {
		case sub.ch <- evt:
		default:
			b.logger.Warn("subscriber queue full, dropping event",
				"subscriber_id", sub.id,
				"event_type", evt.Type,
			)
		}
	}
}

// SubscriberCount returns the number of registered subscribers.
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Close unregisters all subscribers and closes their queues. Publish
// becomes a no-op afterwards.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for id, sub := range b.subs {
		close(sub.ch)
		delete(b.subs, id)
	}
}

// Events returns the subscription's event queue. The channel is closed
// when the subscription or the bus is closed.
func (s *Subscription) Events() <-chan domain.Event {
	return s.ch
}

// Close unregisters the subscription and closes its queue. Safe to call
// concurrently with Publish and safe to call more than once.
func (s *Subscription) Close() {
	s.once.Do(func() {
		s.bus.mu.Lock()
		defer s.bus.mu.Unlock()
		if _, ok := s.bus.subs[s.id]; ok {
			delete(s.bus.subs, s.id)
			close(s.ch)
		}
	})
}
