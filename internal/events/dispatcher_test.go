package events

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/splax/previewd/internal/domain"
	"github.com/splax/previewd/pkg/telemetry"
)

type collector struct {
	mu     sync.Mutex
	events []Event
}

func (c *collector) Deliver(_ context.Context, event Event) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, event)
	return nil
}

func (c *collector) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.events)
}

func TestDispatcherDeliversInOrder(t *testing.T) {
	sink := &collector{}
	failing := SinkFunc(func(context.Context, Event) error { return errors.New("receiver down") })
	d := NewDispatcher(8, nil, failing, sink)
	for _, state := range []domain.State{domain.StateCreating, domain.StateStarting, domain.StateRunning} {
		d.Publish(Event{Key: "t:workspace", TeamID: "t", State: state})
	}
	if err := d.Close(context.Background()); err != nil {
		t.Fatalf("close: %v", err)
	}
	if sink.len() != 3 {
		t.Fatalf("expected 3 events despite failing sink, got %d", sink.len())
	}
	if sink.events[2].State != domain.StateRunning {
		t.Fatalf("unexpected order %+v", sink.events)
	}
	d.Publish(Event{Key: "late"})
}

func TestPublishNeverBlocks(t *testing.T) {
	release := make(chan struct{})
	slow := SinkFunc(func(ctx context.Context, _ Event) error {
		select {
		case <-release:
		case <-ctx.Done():
		}
		return nil
	})
	d := NewDispatcher(1, nil, slow)
	start := time.Now()
	for i := 0; i < 10; i++ {
		d.Publish(Event{Key: "t:b"})
	}
	if time.Since(start) > time.Second {
		t.Fatal("publish blocked on a slow sink")
	}
	if d.Dropped() == 0 {
		t.Fatal("expected overflow events to be dropped")
	}
	close(release)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := d.Close(ctx); err != nil {
		t.Fatalf("close: %v", err)
	}
}

type fakeBroadcaster struct {
	topic   string
	payload []byte
}

func (f *fakeBroadcaster) Broadcast(topic string, payload []byte) {
	f.topic = topic
	f.payload = payload
}

func TestHubSinkPublishesToTeamTopic(t *testing.T) {
	hub := &fakeBroadcaster{}
	err := HubSink(hub).Deliver(context.Background(), Event{Key: "t1:main", TeamID: "t1", State: domain.StateRunning, Port: 7001})
	if err != nil {
		t.Fatalf("deliver: %v", err)
	}
	if hub.topic != "t1" {
		t.Fatalf("unexpected topic %q", hub.topic)
	}
	var decoded map[string]any
	if err := json.Unmarshal(hub.payload, &decoded); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if decoded["state"] != "Running" || decoded["port"] != float64(7001) {
		t.Fatalf("unexpected payload %s", hub.payload)
	}
}

type fakeEmitter struct {
	got telemetry.Event
}

func (f *fakeEmitter) Emit(_ context.Context, event telemetry.Event) error {
	f.got = event
	return nil
}

func TestWebhookSinkMapsFields(t *testing.T) {
	emitter := &fakeEmitter{}
	now := time.Now().UTC()
	event := Event{ID: "e1", Key: "t1:main", TeamID: "t1", Branch: "main", State: domain.StateError, PreviousState: domain.StateStarting, Error: "health timeout", OccurredAt: now}
	if err := WebhookSink(emitter).Deliver(context.Background(), event); err != nil {
		t.Fatalf("deliver: %v", err)
	}
	if emitter.got.State != "Error" || emitter.got.PreviousState != "Starting" || emitter.got.Error != "health timeout" || !emitter.got.OccurredAt.Equal(now) {
		t.Fatalf("unexpected telemetry event %+v", emitter.got)
	}
}
