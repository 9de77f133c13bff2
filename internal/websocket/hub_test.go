package websocket

import (
	"encoding/json"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/trackside/internal/domain"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testClient() *Client {
	return &Client{
		id:     "test-client",
		send:   make(chan []byte, 16),
		logger: testLogger(),
	}
}

func recvFrame(t *testing.T, c *Client) Message {
	t.Helper()
	select {
	case data := <-c.send:
		var msg Message
		if err := json.Unmarshal(data, &msg); err != nil {
			t.Fatalf("invalid frame: %v", err)
		}
		return msg
	case <-time.After(time.Second):
		t.Fatal("client never received a frame")
		return Message{}
	}
}

func TestHubDeliversByFamily(t *testing.T) {
	hub := NewHub(testLogger())
	go hub.Run()
	defer hub.Stop()

	chatClient := testClient()
	allClient := testClient()
	hub.Register(chatClient)
	hub.Register(allClient)
	hub.Subscribe(chatClient, string(domain.EventPlayerMessage))
	hub.Subscribe(allClient, FamilyAll)

	// Wait until subscriptions are applied
	deadline := time.Now().Add(time.Second)
	for hub.GetSubscriberCount(FamilyAll) == 0 || hub.GetSubscriberCount(string(domain.EventPlayerMessage)) == 0 {
		if time.Now().After(deadline) {
			t.Fatal("subscriptions never registered")
		}
		time.Sleep(time.Millisecond)
	}

	hub.BroadcastEvent(domain.Event{
		Type:      domain.EventPlayerMessage,
		Player:    domain.Player{ID: 7, Login: "alice"},
		Text:      "gg",
		MessageID: 1,
		Timestamp: time.Now(),
	})

	msg := recvFrame(t, chatClient)
	if msg.Family != string(domain.EventPlayerMessage) {
		t.Errorf("unexpected family %q", msg.Family)
	}
	if msg.Type != MessageTypeEvent {
		t.Errorf("unexpected type %q", msg.Type)
	}

	if got := recvFrame(t, allClient); got.Family != string(domain.EventPlayerMessage) {
		t.Errorf("catch-all client: unexpected family %q", got.Family)
	}

	// A frame from another family skips the chat-only client
	hub.BroadcastEvent(domain.Event{
		Type:      domain.EventPlayerArrived,
		Player:    domain.Player{ID: 3, Login: "bob"},
		Timestamp: time.Now(),
	})

	if got := recvFrame(t, allClient); got.Family != string(domain.EventPlayerArrived) {
		t.Errorf("catch-all client: unexpected family %q", got.Family)
	}
	select {
	case data := <-chatClient.send:
		t.Errorf("chat-only client received foreign frame: %s", data)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestHubDoesNotDoubleDeliver(t *testing.T) {
	hub := NewHub(testLogger())
	go hub.Run()
	defer hub.Stop()

	client := testClient()
	hub.Register(client)
	hub.Subscribe(client, string(domain.EventPlayerArrived))
	hub.Subscribe(client, FamilyAll)

	deadline := time.Now().Add(time.Second)
	for hub.GetSubscriberCount(FamilyAll) == 0 || hub.GetSubscriberCount(string(domain.EventPlayerArrived)) == 0 {
		if time.Now().After(deadline) {
			t.Fatal("subscriptions never registered")
		}
		time.Sleep(time.Millisecond)
	}

	hub.BroadcastEvent(domain.Event{
		Type:      domain.EventPlayerArrived,
		Player:    domain.Player{ID: 7, Login: "alice"},
		Timestamp: time.Now(),
	})

	recvFrame(t, client)
	select {
	case <-client.send:
		t.Error("client subscribed to both a family and all received the frame twice")
	case <-time.After(50 * time.Millisecond):
	}
}
