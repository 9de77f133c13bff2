package bus

import (
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/trackside/internal/domain"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func arrived(id int64, login string) domain.Event {
	return domain.Event{
		Type:      domain.EventPlayerArrived,
		Player:    domain.Player{ID: id, Login: login},
		Timestamp: time.Now(),
	}
}

func TestPublishReachesAllSubscribers(t *testing.T) {
	b := New(8, testLogger())
	defer b.Close()

	sub1 := b.Subscribe()
	sub2 := b.Subscribe()
	sub3 := b.Subscribe()

	b.Publish(arrived(7, "alice"))

	for i, sub := range []*Subscription{sub1, sub2, sub3} {
		select {
		case evt := <-sub.Events():
			if evt.Player.ID != 7 {
				t.Errorf("subscriber %d: unexpected player id %d", i, evt.Player.ID)
			}
		case <-time.After(time.Second):
			t.Fatalf("subscriber %d never received the event", i)
		}
	}
}

func TestLateSubscriberGetsNoReplay(t *testing.T) {
	b := New(8, testLogger())
	defer b.Close()

	early := b.Subscribe()
	b.Publish(arrived(7, "alice"))

	late := b.Subscribe()
	b.Publish(arrived(3, "bob"))

	if got := drain(early); got != 2 {
		t.Errorf("early subscriber: want 2 events, got %d", got)
	}
	if got := drain(late); got != 1 {
		t.Errorf("late subscriber must not see earlier events: want 1, got %d", got)
	}
}

func TestSlowSubscriberDoesNotBlockOthers(t *testing.T) {
	b := New(1, testLogger())
	defer b.Close()

	slow := b.Subscribe()
	fast := b.Subscribe()

	// Nobody drains slow; its 1-slot queue fills after the first publish.
	for i := 0; i < 5; i++ {
		b.Publish(arrived(int64(i+1), fmt.Sprintf("p%d", i)))
		// Keep fast drained so its queue never fills
		select {
		case <-fast.Events():
		case <-time.After(time.Second):
			t.Fatalf("fast subscriber starved at event %d", i)
		}
	}

	if got := len(slow.Events()); got != 1 {
		t.Errorf("slow subscriber should hold exactly its buffered event, got %d", got)
	}
}

func TestClosedSubscriptionStopsDelivery(t *testing.T) {
	b := New(8, testLogger())
	defer b.Close()

	sub := b.Subscribe()
	sub.Close()
	sub.Close() // closing twice is safe

	b.Publish(arrived(7, "alice"))

	if _, ok := <-sub.Events(); ok {
		t.Error("closed subscription should have a closed, drained channel")
	}
	if got := b.SubscriberCount(); got != 0 {
		t.Errorf("expected 0 subscribers after close, got %d", got)
	}
}

func TestConcurrentPublishDeliversExactlyOnce(t *testing.T) {
	b := New(64, testLogger())
	defer b.Close()

	const publishers = 10
	subs := []*Subscription{b.Subscribe(), b.Subscribe(), b.Subscribe()}

	var wg sync.WaitGroup
	for i := 0; i < publishers; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			b.Publish(domain.Event{
				Type:      domain.EventPlayerMessage,
				Player:    domain.Player{ID: 7, Login: "alice"},
				MessageID: int64(n + 1),
				Timestamp: time.Now(),
			})
		}(i)
	}
	wg.Wait()

	for i, sub := range subs {
		seen := make(map[int64]bool)
		for j := 0; j < publishers; j++ {
			select {
			case evt := <-sub.Events():
				if seen[evt.MessageID] {
					t.Errorf("subscriber %d received message %d twice", i, evt.MessageID)
				}
				seen[evt.MessageID] = true
			case <-time.After(time.Second):
				t.Fatalf("subscriber %d lost events: got %d of %d", i, j, publishers)
			}
		}
	}
}

func TestSubscribeConcurrentWithPublish(t *testing.T) {
	b := New(64, testLogger())
	defer b.Close()

	stop := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-stop:
				return
			default:
				b.Publish(arrived(7, "alice"))
			}
		}
	}()

	// Churning subscriptions while publishing must not corrupt delivery
	for i := 0; i < 100; i++ {
		sub := b.Subscribe()
		sub.Close()
	}
	close(stop)
	wg.Wait()

	if got := b.SubscriberCount(); got != 0 {
		t.Errorf("expected 0 subscribers, got %d", got)
	}
}

func drain(sub *Subscription) int {
	count := 0
	for {
		select {
		case <-sub.Events():
			count++
		default:
			return count
		}
	}
}
