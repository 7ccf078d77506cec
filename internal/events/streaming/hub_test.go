package streaming

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/promptvault/promptvault/internal/common/logger"
	"github.com/promptvault/promptvault/internal/events/bus"
)

func newTestLogger() *logger.Logger {
	log, _ := logger.NewLogger(logger.LoggingConfig{
		Level:  "error",
		Format: "json",
	})
	return log
}

func TestClientWantsAllByDefault(t *testing.T) {
	hub := NewHub(newTestLogger())
	client := NewClient("c1", nil, hub, newTestLogger())

	if !client.Wants(bus.SubjectPromptSaved) {
		t.Error("unfiltered client should receive every subject")
	}
	if !client.Wants(bus.SubjectContextDeleted) {
		t.Error("unfiltered client should receive every subject")
	}
}

func TestClientSubjectFiltering(t *testing.T) {
	hub := NewHub(newTestLogger())
	client := NewClient("c1", nil, hub, newTestLogger())

	client.Subscribe("storage.prompt.>")

	if !client.Wants(bus.SubjectPromptSaved) {
		t.Error("expected prompt events to match storage.prompt.>")
	}
	if client.Wants(bus.SubjectContextSaved) {
		t.Error("context events should not match storage.prompt.>")
	}

	client.Unsubscribe("storage.prompt.>")
	if !client.Wants(bus.SubjectContextSaved) {
		t.Error("removing the last filter should widen back to every subject")
	}
}

func TestHubDeliversToMatchingClient(t *testing.T) {
	log := newTestLogger()
	hub := NewHub(log)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go hub.Run(ctx)

	client := NewClient("c1", nil, hub, log)
	hub.Register(client)

	// Wait until the registration lands.
	deadline := time.Now().Add(time.Second)
	for hub.GetClientCount() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("client never registered")
		}
		time.Sleep(time.Millisecond)
	}

	event := bus.NewEvent(bus.SubjectPromptSaved, "test", map[string]interface{}{"record_id": "r1"})
	hub.Broadcast(bus.SubjectPromptSaved, event)

	select {
	case raw := <-client.send:
		var got bus.Event
		if err := json.Unmarshal(raw, &got); err != nil {
			t.Fatalf("decode broadcast: %v", err)
		}
		if got.ID != event.ID {
			t.Errorf("expected event %s, got %s", event.ID, got.ID)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for broadcast")
	}
}

func TestHubSkipsNonMatchingClient(t *testing.T) {
	log := newTestLogger()
	hub := NewHub(log)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go hub.Run(ctx)

	client := NewClient("c1", nil, hub, log)
	client.Subscribe("storage.context.>")
	hub.Register(client)

	deadline := time.Now().Add(time.Second)
	for hub.GetClientCount() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("client never registered")
		}
		time.Sleep(time.Millisecond)
	}

	event := bus.NewEvent(bus.SubjectPromptSaved, "test", nil)
	hub.Broadcast(bus.SubjectPromptSaved, event)

	select {
	case <-client.send:
		t.Error("client filtered to contexts should not receive prompt events")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestHubShutdownReleasesClients(t *testing.T) {
	log := newTestLogger()
	hub := NewHub(log)

	ctx, cancel := context.WithCancel(context.Background())
	go hub.Run(ctx)

	client := NewClient("c1", nil, hub, log)
	hub.Register(client)

	deadline := time.Now().Add(time.Second)
	for hub.GetClientCount() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("client never registered")
		}
		time.Sleep(time.Millisecond)
	}

	cancel()

	// A pump tearing down after the hub has stopped must not hang on
	// Unregister, and late broadcasts must not block the publisher.
	released := make(chan struct{})
	go func() {
		hub.Unregister(client)
		hub.Broadcast(bus.SubjectPromptSaved, bus.NewEvent(bus.SubjectPromptSaved, "test", nil))
		close(released)
	}()

	select {
	case <-released:
	case <-time.After(time.Second):
		t.Fatal("Unregister blocked after hub shutdown")
	}
}

func TestHubBridgesEventBus(t *testing.T) {
	log := newTestLogger()
	hub := NewHub(log)
	eventBus := bus.NewMemoryEventBus(log)
	defer eventBus.Close()

	if err := hub.AttachBus(eventBus); err != nil {
		t.Fatalf("AttachBus failed: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go hub.Run(ctx)

	client := NewClient("c1", nil, hub, log)
	hub.Register(client)

	deadline := time.Now().Add(time.Second)
	for hub.GetClientCount() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("client never registered")
		}
		time.Sleep(time.Millisecond)
	}

	event := bus.NewEvent(bus.SubjectContextSaved, "storage-service", map[string]interface{}{"record_id": "r9"})
	if err := eventBus.Publish(context.Background(), bus.SubjectContextSaved, event); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}

	select {
	case raw := <-client.send:
		var got bus.Event
		if err := json.Unmarshal(raw, &got); err != nil {
			t.Fatalf("decode broadcast: %v", err)
		}
		if got.Type != bus.SubjectContextSaved {
			t.Errorf("expected %s, got %s", bus.SubjectContextSaved, got.Type)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for bridged event")
	}
}
