package presence

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/trackside/internal/bus"
	"github.com/trackside/internal/config"
	"github.com/trackside/internal/domain"
)

// Store is the presence cache the tracker writes to.
type Store interface {
	MarkOnline(ctx context.Context, login string, at time.Time) error
	MarkOffline(ctx context.Context, login string) error
	Touch(ctx context.Context, login string, at time.Time) error
	SweepStale(ctx context.Context, cutoff time.Time) (int, error)
}

// Tracker mirrors player arrivals and departures from the event bus into
// the presence cache. A janitor ticker sweeps entries that stopped
// refreshing, covering disconnects the telemetry stream never delivered.
type Tracker struct {
	store  Store
	events *bus.Bus
	config *config.PresenceConfig
	logger *slog.Logger

	stopCh  chan struct{}
	doneCh  chan struct{}
	mu      sync.Mutex
	running bool
}

// NewTracker creates a new presence tracker
func NewTracker(store Store, events *bus.Bus, cfg *config.PresenceConfig, logger *slog.Logger) *Tracker {
	return &Tracker{
		store:  store,
		events: events,
		config: cfg,
		logger: logger,
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}
}

// Start subscribes to the event bus and begins tracking presence.
func (t *Tracker) Start(ctx context.Context) error {
	t.mu.Lock()
	if t.running {
		t.mu.Unlock()
		return nil
	}
	t.running = true
	t.mu.Unlock()

	t.logger.Info("presence tracker started",
		"stale_after", t.config.StaleAfter,
		"sweep_interval", t.config.SweepInterval,
	)

	sub := t.events.Subscribe()
	go t.run(ctx, sub)
	return nil
}

// Stop stops the tracker
func (t *Tracker) Stop() error {
	t.mu.Lock()
	if !t.running {
		t.mu.Unlock()
		return nil
	}
	t.mu.Unlock()

	close(t.stopCh)
	<-t.doneCh

	t.mu.Lock()
	t.running = false
	t.mu.Unlock()

	t.logger.Info("presence tracker stopped")
	return nil
}

// run is the main tracker loop
func (t *Tracker) run(ctx context.Context, sub *bus.Subscription) {
	defer close(t.doneCh)
	defer sub.Close()

	ticker := time.NewTicker(t.config.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.stopCh:
			return
		case <-ticker.C:
			t.sweep(ctx)
		case evt, ok := <-sub.Events():
			if !ok {
				return
			}
			t.apply(ctx, evt)
		}
	}
}

// apply updates the presence cache for one resolved event. Failures are
// logged and skipped; the cache self-heals on the next event or sweep.
func (t *Tracker) apply(ctx context.Context, evt domain.Event) {
	var err error
	switch evt.Type {
	case domain.EventPlayerArrived:
		err = t.store.MarkOnline(ctx, evt.Player.Login, evt.Timestamp)
	case domain.EventPlayerLeft:
		err = t.store.MarkOffline(ctx, evt.Player.Login)
	case domain.EventPlayerMessage:
		err = t.store.Touch(ctx, evt.Player.Login, evt.Timestamp)
	}
	if err != nil {
		t.logger.Warn("failed to update presence",
			"login", evt.Player.Login,
			"event_type", evt.Type,
			"error", err,
		)
	}
}

// sweep removes entries whose last activity is older than the staleness
// bound.
func (t *Tracker) sweep(ctx context.Context) {
	cutoff := time.Now().Add(-t.config.StaleAfter)
	removed, err := t.store.SweepStale(ctx, cutoff)
	if err != nil {
		t.logger.Error("presence sweep failed", "error", err)
		return
	}
	if removed > 0 {
		t.logger.Info("removed stale presence entries", "count", removed)
	}
}
