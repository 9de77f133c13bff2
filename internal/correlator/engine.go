package correlator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/trackside/internal/config"
	"github.com/trackside/internal/domain"
	"github.com/trackside/internal/telemetry"
)

// PlayerStore resolves raw logins against persisted player identities.
// Absence is reported as domain.ErrPlayerNotFound.
type PlayerStore interface {
	FindPlayerByLogin(ctx context.Context, login string) (*domain.Player, error)
}

// MapStore resolves map UIDs against persisted map identities.
type MapStore interface {
	FindMapByUID(ctx context.Context, uid string) (*domain.TrackMap, error)
}

// MessageStore persists chat messages and hands back their durable ids.
type MessageStore interface {
	InsertMessage(ctx context.Context, playerID int64, text string) (int64, error)
}

// ResultStore is the race result ledger. InsertResult must suppress
// duplicate (map, player, mode, score) identities atomically and report
// the outcome via the inserted flag.
type ResultStore interface {
	InsertResult(ctx context.Context, rec domain.ResultRecord) (inserted bool, err error)
}

// Publisher broadcasts resolved domain events.
type Publisher interface {
	Publish(evt domain.Event)
}

// Stats is a snapshot of the engine's anomaly counters.
type Stats struct {
	EventsResolved    uint64 `json:"events_resolved"`
	UnknownIdentities uint64 `json:"unknown_identities"`
	MalformedEvents   uint64 `json:"malformed_events"`
	StorageFailures   uint64 `json:"storage_failures"`
}

// Engine turns raw, identity-less telemetry into resolved domain events
// and ledger writes. Each incoming event is an independent unit of work:
// an event that cannot be resolved is logged and dropped, never retried,
// and never stalls the events behind it.
type Engine struct {
	players  PlayerStore
	maps     MapStore
	messages MessageStore
	results  ResultStore
	bus      Publisher
	logger   *slog.Logger

	lookupTimeout time.Duration

	resolved  atomic.Uint64
	unknown   atomic.Uint64
	malformed atomic.Uint64
	failures  atomic.Uint64
}

// NewEngine creates a correlation engine with its collaborators injected.
func NewEngine(
	players PlayerStore,
	maps MapStore,
	messages MessageStore,
	results ResultStore,
	bus Publisher,
	cfg *config.EngineConfig,
	logger *slog.Logger,
) *Engine {
	return &Engine{
		players:       players,
		maps:          maps,
		messages:      messages,
		results:       results,
		bus:           bus,
		logger:        logger,
		lookupTimeout: cfg.LookupTimeout,
	}
}

// Run consumes the three telemetry streams until ctx is cancelled or the
// streams close. One goroutine per stream keeps per-stream arrival order;
// no ordering holds across streams, and none is needed, since every event
// resolves independently.
func (e *Engine) Run(ctx context.Context, streams telemetry.Streams) {
	var wg sync.WaitGroup
	wg.Add(3)

	go func() {
		defer wg.Done()
		for {
			select {
			case <-ctx.Done():
				return
			case evt, ok := <-streams.Connects:
				if !ok {
					return
				}
				e.HandleConnect(ctx, evt)
			}
		}
	}()

	go func() {
		defer wg.Done()
		for {
			select {
			case <-ctx.Done():
				return
			case evt, ok := <-streams.Disconnects:
				if !ok {
					return
				}
				e.HandleDisconnect(ctx, evt)
			}
		}
	}()

	go func() {
		defer wg.Done()
		for {
			select {
			case <-ctx.Done():
				return
			case evt, ok := <-streams.Chats:
				if !ok {
					return
				}
				e.HandleChat(ctx, evt)
			}
		}
	}()

	wg.Wait()
}

// HandleConnect resolves a connect event and publishes player_arrived.
// Unknown logins are an anomaly, not an error: the server does not
// redeliver telemetry, so the event is logged and dropped.
func (e *Engine) HandleConnect(ctx context.Context, evt telemetry.ConnectEvent) {
	player, ok := e.resolve(ctx, evt.Login, "connect")
	if !ok {
		return
	}
	e.resolved.Add(1)
	e.bus.Publish(domain.Event{
		Type:      domain.EventPlayerArrived,
		Player:    *player,
		Timestamp: time.Now(),
	})
}

// HandleDisconnect resolves a disconnect event and publishes player_left.
// Exactly one event per resolvable disconnect.
func (e *Engine) HandleDisconnect(ctx context.Context, evt telemetry.DisconnectEvent) {
	player, ok := e.resolve(ctx, evt.Login, "disconnect")
	if !ok {
		return
	}
	e.resolved.Add(1)
	e.bus.Publish(domain.Event{
		Type:      domain.EventPlayerLeft,
		Player:    *player,
		Timestamp: time.Now(),
	})
}

// HandleChat resolves a chat event, persists the message, and publishes
// player_message carrying the durable message id. Server-originated lines
// are ignored before any lookup.
func (e *Engine) HandleChat(ctx context.Context, evt telemetry.ChatEvent) {
	if evt.PlayerUID == telemetry.ServerUID {
		return
	}

	player, ok := e.resolve(ctx, evt.Login, "chat")
	if !ok {
		return
	}

	opCtx, cancel := context.WithTimeout(ctx, e.lookupTimeout)
	defer cancel()

	messageID, err := e.messages.InsertMessage(opCtx, player.ID, evt.Text)
	if err != nil {
		e.failures.Add(1)
		e.logger.Error("failed to persist chat message",
			"login", player.Login,
			"error", err,
		)
		return
	}

	e.resolved.Add(1)
	e.bus.Publish(domain.Event{
		Type:      domain.EventPlayerMessage,
		Player:    *player,
		Text:      evt.Text,
		MessageID: messageID,
		Timestamp: time.Now(),
	})
}

// RecordResult writes a result record to the ledger. A record whose
// (map, player, mode, score) identity already exists is a no-op: the
// ledger keeps every distinct score once and never twice. No event is
// published; score writes are not part of the presence/chat family.
func (e *Engine) RecordResult(ctx context.Context, rec domain.ResultRecord) error {
	if rec.MapID == 0 || rec.PlayerID == 0 || rec.Score < 0 {
		return domain.ErrInvalidResult
	}

	inserted, err := e.results.InsertResult(ctx, rec)
	if err != nil {
		e.failures.Add(1)
		return fmt.Errorf("recording result: %w", err)
	}
	if !inserted {
		e.logger.Debug("duplicate result ignored",
			"map_id", rec.MapID,
			"player_id", rec.PlayerID,
			"game_mode_id", rec.GameModeID,
			"score", rec.Score,
		)
	}
	return nil
}

// RecordResultForLogin resolves the submission's raw login and map UID
// before writing to the ledger. Unknown identities surface as domain
// not-found errors to the caller.
func (e *Engine) RecordResultForLogin(ctx context.Context, sub domain.ResultSubmission) error {
	if sub.Login == "" || sub.MapUID == "" || sub.Score < 0 {
		return domain.ErrInvalidResult
	}

	opCtx, cancel := context.WithTimeout(ctx, e.lookupTimeout)
	defer cancel()

	player, err := e.players.FindPlayerByLogin(opCtx, sub.Login)
	if err != nil {
		return err
	}
	trackMap, err := e.maps.FindMapByUID(opCtx, sub.MapUID)
	if err != nil {
		return err
	}

	return e.RecordResult(ctx, domain.ResultRecord{
		MapID:       trackMap.ID,
		PlayerID:    player.ID,
		GameModeID:  sub.GameModeID,
		Score:       sub.Score,
		AchievedAt:  sub.AchievedAt,
		Checkpoints: sub.Checkpoints,
	})
}

// Stats returns a snapshot of the engine's counters.
func (e *Engine) Stats() Stats {
	return Stats{
		EventsResolved:    e.resolved.Load(),
		UnknownIdentities: e.unknown.Load(),
		MalformedEvents:   e.malformed.Load(),
		StorageFailures:   e.failures.Load(),
	}
}

// resolve looks up a login with a bounded timeout. The three outcomes are
// kept distinct: a player, an unknown identity anomaly, or a storage
// failure. Both anomaly cases drop the event locally.
func (e *Engine) resolve(ctx context.Context, login, stream string) (*domain.Player, bool) {
	if login == "" {
		e.malformed.Add(1)
		e.logger.Warn("dropping telemetry event without login", "stream", stream)
		return nil, false
	}

	opCtx, cancel := context.WithTimeout(ctx, e.lookupTimeout)
	defer cancel()

	player, err := e.players.FindPlayerByLogin(opCtx, login)
	if err != nil {
		if errors.Is(err, domain.ErrPlayerNotFound) {
			e.unknown.Add(1)
			e.logger.Error("unknown player", "login", login, "stream", stream)
		} else {
			e.failures.Add(1)
			e.logger.Error("player lookup failed",
				"login", login,
				"stream", stream,
				"error", err,
			)
		}
		return nil, false
	}
	return player, true
}
