package correlator

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/trackside/internal/config"
	"github.com/trackside/internal/domain"
	"github.com/trackside/internal/telemetry"
)

type fakePlayerStore struct {
	mu      sync.Mutex
	players map[string]domain.Player
	err     error
	lookups int
}

func (f *fakePlayerStore) FindPlayerByLogin(ctx context.Context, login string) (*domain.Player, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lookups++
	if f.err != nil {
		return nil, f.err
	}
	player, ok := f.players[login]
	if !ok {
		return nil, domain.ErrPlayerNotFound
	}
	return &player, nil
}

func (f *fakePlayerStore) lookupCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.lookups
}

type fakeMapStore struct {
	maps map[string]domain.TrackMap
}

func (f *fakeMapStore) FindMapByUID(ctx context.Context, uid string) (*domain.TrackMap, error) {
	m, ok := f.maps[uid]
	if !ok {
		return nil, domain.ErrMapNotFound
	}
	return &m, nil
}

type fakeMessageStore struct {
	mu     sync.Mutex
	nextID int64
	texts  []string
	err    error
}

func (f *fakeMessageStore) InsertMessage(ctx context.Context, playerID int64, text string) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return 0, f.err
	}
	f.nextID++
	f.texts = append(f.texts, text)
	return f.nextID, nil
}

type resultKey struct {
	mapID, playerID int64
	gameModeID      int
	score           int
}

type fakeResultStore struct {
	mu   sync.Mutex
	rows map[resultKey]domain.ResultRecord
	err  error
}

func newFakeResultStore() *fakeResultStore {
	return &fakeResultStore{rows: make(map[resultKey]domain.ResultRecord)}
}

func (f *fakeResultStore) InsertResult(ctx context.Context, rec domain.ResultRecord) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return false, f.err
	}
	key := resultKey{rec.MapID, rec.PlayerID, rec.GameModeID, rec.Score}
	if _, exists := f.rows[key]; exists {
		return false, nil
	}
	f.rows[key] = rec
	return true, nil
}

func (f *fakeResultStore) rowCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.rows)
}

type capturingBus struct {
	mu     sync.Mutex
	events []domain.Event
}

func (b *capturingBus) Publish(evt domain.Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.events = append(b.events, evt)
}

func (b *capturingBus) all() []domain.Event {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]domain.Event, len(b.events))
	copy(out, b.events)
	return out
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestEngine(players *fakePlayerStore, maps *fakeMapStore, messages *fakeMessageStore, results *fakeResultStore, pub Publisher) *Engine {
	if players == nil {
		players = &fakePlayerStore{players: map[string]domain.Player{}}
	}
	if maps == nil {
		maps = &fakeMapStore{maps: map[string]domain.TrackMap{}}
	}
	if messages == nil {
		messages = &fakeMessageStore{}
	}
	if results == nil {
		results = newFakeResultStore()
	}
	cfg := &config.EngineConfig{LookupTimeout: time.Second, BusBuffer: 64}
	return NewEngine(players, maps, messages, results, pub, cfg, testLogger())
}

func TestHandleConnectKnownPlayer(t *testing.T) {
	players := &fakePlayerStore{players: map[string]domain.Player{
		"alice": {ID: 7, Login: "alice", Nickname: "Alice"},
	}}
	pub := &capturingBus{}
	engine := newTestEngine(players, nil, nil, nil, pub)

	engine.HandleConnect(context.Background(), telemetry.ConnectEvent{Login: "alice"})

	events := pub.all()
	if len(events) != 1 {
		t.Fatalf("expected 1 event, got %d", len(events))
	}
	if events[0].Type != domain.EventPlayerArrived {
		t.Errorf("expected player_arrived, got %s", events[0].Type)
	}
	if events[0].Player.ID != 7 {
		t.Errorf("event should carry resolved identity: want id 7, got %d", events[0].Player.ID)
	}
	if events[0].Player.Login != "alice" {
		t.Errorf("unexpected login %q", events[0].Player.Login)
	}
}

func TestHandleConnectUnknownLoginDropped(t *testing.T) {
	players := &fakePlayerStore{players: map[string]domain.Player{}}
	pub := &capturingBus{}
	engine := newTestEngine(players, nil, nil, nil, pub)

	engine.HandleConnect(context.Background(), telemetry.ConnectEvent{Login: "ghost999"})

	if got := len(pub.all()); got != 0 {
		t.Fatalf("unknown login must not produce events, got %d", got)
	}
	if stats := engine.Stats(); stats.UnknownIdentities != 1 {
		t.Errorf("expected 1 unknown-identity anomaly, got %d", stats.UnknownIdentities)
	}
}

func TestHandleDisconnectEmitsExactlyOnce(t *testing.T) {
	players := &fakePlayerStore{players: map[string]domain.Player{
		"bob": {ID: 3, Login: "bob"},
	}}
	pub := &capturingBus{}
	engine := newTestEngine(players, nil, nil, nil, pub)

	engine.HandleDisconnect(context.Background(), telemetry.DisconnectEvent{Login: "bob"})

	events := pub.all()
	if len(events) != 1 {
		t.Fatalf("expected exactly 1 player_left event, got %d", len(events))
	}
	if events[0].Type != domain.EventPlayerLeft {
		t.Errorf("expected player_left, got %s", events[0].Type)
	}
}

func TestHandleChatServerOriginIgnoredBeforeLookup(t *testing.T) {
	players := &fakePlayerStore{players: map[string]domain.Player{}}
	pub := &capturingBus{}
	engine := newTestEngine(players, nil, nil, nil, pub)

	engine.HandleChat(context.Background(), telemetry.ChatEvent{
		PlayerUID: telemetry.ServerUID,
		Text:      "Welcome to the server!",
	})

	if got := players.lookupCount(); got != 0 {
		t.Errorf("server-origin chat must skip identity lookup, got %d lookups", got)
	}
	if got := len(pub.all()); got != 0 {
		t.Errorf("server-origin chat must not produce events, got %d", got)
	}
}

func TestHandleChatCarriesPersistedMessageID(t *testing.T) {
	players := &fakePlayerStore{players: map[string]domain.Player{
		"alice": {ID: 7, Login: "alice"},
	}}
	messages := &fakeMessageStore{nextID: 41}
	pub := &capturingBus{}
	engine := newTestEngine(players, nil, messages, nil, pub)

	engine.HandleChat(context.Background(), telemetry.ChatEvent{
		Login:     "alice",
		PlayerUID: "12",
		Text:      "nice run",
	})

	events := pub.all()
	if len(events) != 1 {
		t.Fatalf("expected 1 event, got %d", len(events))
	}
	if events[0].Type != domain.EventPlayerMessage {
		t.Fatalf("expected player_message, got %s", events[0].Type)
	}
	if events[0].MessageID != 42 {
		t.Errorf("event must carry the durable message id: want 42, got %d", events[0].MessageID)
	}
	if events[0].Text != "nice run" {
		t.Errorf("unexpected text %q", events[0].Text)
	}
}

func TestHandleChatPersistFailureSuppressesEvent(t *testing.T) {
	players := &fakePlayerStore{players: map[string]domain.Player{
		"alice": {ID: 7, Login: "alice"},
	}}
	messages := &fakeMessageStore{err: errors.New("connection reset")}
	pub := &capturingBus{}
	engine := newTestEngine(players, nil, messages, nil, pub)

	engine.HandleChat(context.Background(), telemetry.ChatEvent{
		Login:     "alice",
		PlayerUID: "12",
		Text:      "gg",
	})

	if got := len(pub.all()); got != 0 {
		t.Errorf("no event may be published without a persisted message id, got %d", got)
	}
	if stats := engine.Stats(); stats.StorageFailures != 1 {
		t.Errorf("expected 1 storage failure, got %d", stats.StorageFailures)
	}
}

func TestHandleConnectMissingLoginMalformed(t *testing.T) {
	pub := &capturingBus{}
	engine := newTestEngine(nil, nil, nil, nil, pub)

	engine.HandleConnect(context.Background(), telemetry.ConnectEvent{})

	if got := len(pub.all()); got != 0 {
		t.Errorf("malformed event must not be forwarded, got %d events", got)
	}
	if stats := engine.Stats(); stats.MalformedEvents != 1 {
		t.Errorf("expected 1 malformed-event anomaly, got %d", stats.MalformedEvents)
	}
}

func TestStorageFailureDoesNotHaltProcessing(t *testing.T) {
	players := &fakePlayerStore{
		players: map[string]domain.Player{"alice": {ID: 7, Login: "alice"}},
		err:     errors.New("connection timed out"),
	}
	pub := &capturingBus{}
	engine := newTestEngine(players, nil, nil, nil, pub)

	engine.HandleConnect(context.Background(), telemetry.ConnectEvent{Login: "alice"})
	if stats := engine.Stats(); stats.StorageFailures != 1 {
		t.Fatalf("expected 1 storage failure, got %d", stats.StorageFailures)
	}

	// Storage recovers; subsequent events resolve normally
	players.mu.Lock()
	players.err = nil
	players.mu.Unlock()

	engine.HandleConnect(context.Background(), telemetry.ConnectEvent{Login: "alice"})
	if got := len(pub.all()); got != 1 {
		t.Errorf("engine should keep processing after a storage failure, got %d events", got)
	}
}

func TestRecordResultDuplicateIsIdempotent(t *testing.T) {
	results := newFakeResultStore()
	engine := newTestEngine(nil, nil, nil, results, &capturingBus{})

	rec := domain.ResultRecord{MapID: 3, PlayerID: 7, GameModeID: 0, Score: 45230}
	if err := engine.RecordResult(context.Background(), rec); err != nil {
		t.Fatalf("first insert failed: %v", err)
	}
	if err := engine.RecordResult(context.Background(), rec); err != nil {
		t.Fatalf("duplicate insert must be a no-op, got error: %v", err)
	}
	if got := results.rowCount(); got != 1 {
		t.Fatalf("expected 1 row after duplicate insert, got %d", got)
	}

	// A distinct score for the same (map, player, mode) is a new row
	rec.Score = 44800
	if err := engine.RecordResult(context.Background(), rec); err != nil {
		t.Fatalf("distinct-score insert failed: %v", err)
	}
	if got := results.rowCount(); got != 2 {
		t.Errorf("history must be preserved per distinct score: want 2 rows, got %d", got)
	}
}

func TestRecordResultPublishesNothing(t *testing.T) {
	pub := &capturingBus{}
	engine := newTestEngine(nil, nil, nil, nil, pub)

	rec := domain.ResultRecord{MapID: 3, PlayerID: 7, Score: 45230}
	if err := engine.RecordResult(context.Background(), rec); err != nil {
		t.Fatalf("insert failed: %v", err)
	}
	if got := len(pub.all()); got != 0 {
		t.Errorf("result writes are not presence/chat events: got %d events", got)
	}
}

func TestRecordResultConcurrentDuplicates(t *testing.T) {
	results := newFakeResultStore()
	engine := newTestEngine(nil, nil, nil, results, &capturingBus{})

	rec := domain.ResultRecord{MapID: 3, PlayerID: 7, GameModeID: 0, Score: 45230}

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := engine.RecordResult(context.Background(), rec); err != nil {
				t.Errorf("concurrent insert failed: %v", err)
			}
		}()
	}
	wg.Wait()

	if got := results.rowCount(); got != 1 {
		t.Errorf("concurrent identical submissions must yield 1 row, got %d", got)
	}
}

func TestRecordResultRejectsInvalid(t *testing.T) {
	engine := newTestEngine(nil, nil, nil, nil, &capturingBus{})

	err := engine.RecordResult(context.Background(), domain.ResultRecord{MapID: 0, PlayerID: 7, Score: 100})
	if !errors.Is(err, domain.ErrInvalidResult) {
		t.Errorf("expected ErrInvalidResult, got %v", err)
	}
}

func TestRecordResultForLoginResolvesIdentities(t *testing.T) {
	players := &fakePlayerStore{players: map[string]domain.Player{
		"alice": {ID: 7, Login: "alice"},
	}}
	maps := &fakeMapStore{maps: map[string]domain.TrackMap{
		"stadium-a1": {ID: 3, UID: "stadium-a1"},
	}}
	results := newFakeResultStore()
	engine := newTestEngine(players, maps, nil, results, &capturingBus{})

	sub := domain.ResultSubmission{Login: "alice", MapUID: "stadium-a1", Score: 45230}
	if err := engine.RecordResultForLogin(context.Background(), sub); err != nil {
		t.Fatalf("submission failed: %v", err)
	}

	results.mu.Lock()
	defer results.mu.Unlock()
	rec, ok := results.rows[resultKey{mapID: 3, playerID: 7, gameModeID: 0, score: 45230}]
	if !ok {
		t.Fatalf("ledger row not written with resolved identities: %+v", results.rows)
	}
	if rec.PlayerID != 7 || rec.MapID != 3 {
		t.Errorf("unexpected identities in row: %+v", rec)
	}
}

func TestRecordResultForLoginUnknownMap(t *testing.T) {
	players := &fakePlayerStore{players: map[string]domain.Player{
		"alice": {ID: 7, Login: "alice"},
	}}
	maps := &fakeMapStore{maps: map[string]domain.TrackMap{}}
	engine := newTestEngine(players, maps, nil, nil, &capturingBus{})

	sub := domain.ResultSubmission{Login: "alice", MapUID: "nope", Score: 45230}
	err := engine.RecordResultForLogin(context.Background(), sub)
	if !errors.Is(err, domain.ErrMapNotFound) {
		t.Errorf("expected ErrMapNotFound, got %v", err)
	}
}

func TestRunProcessesStreamsUntilClosed(t *testing.T) {
	players := &fakePlayerStore{players: map[string]domain.Player{
		"alice": {ID: 7, Login: "alice"},
		"bob":   {ID: 3, Login: "bob"},
	}}
	pub := &capturingBus{}
	engine := newTestEngine(players, nil, nil, nil, pub)

	connects := make(chan telemetry.ConnectEvent, 4)
	disconnects := make(chan telemetry.DisconnectEvent, 4)
	chats := make(chan telemetry.ChatEvent, 4)

	connects <- telemetry.ConnectEvent{Login: "alice"}
	connects <- telemetry.ConnectEvent{Login: "ghost999"}
	chats <- telemetry.ChatEvent{Login: "bob", PlayerUID: "2", Text: "gg"}
	disconnects <- telemetry.DisconnectEvent{Login: "alice"}
	close(connects)
	close(disconnects)
	close(chats)

	done := make(chan struct{})
	go func() {
		engine.Run(context.Background(), telemetry.Streams{
			Connects:    connects,
			Disconnects: disconnects,
			Chats:       chats,
		})
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after streams closed")
	}

	if got := len(pub.all()); got != 3 {
		t.Errorf("expected 3 resolved events (ghost dropped), got %d", got)
	}
	if stats := engine.Stats(); stats.UnknownIdentities != 1 {
		t.Errorf("expected 1 unknown-identity anomaly, got %d", stats.UnknownIdentities)
	}
}
