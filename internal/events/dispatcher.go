// Package events delivers deployment state transitions to collaborators.
package events

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/splax/previewd/internal/domain"
	"github.com/splax/previewd/pkg/telemetry"
)

// Event describes one deployment state transition.
type Event struct {
	ID            string       `json:"id"`
	Key           string       `json:"key"`
	TeamID        string       `json:"team_id"`
	Branch        string       `json:"branch"`
	State         domain.State `json:"state"`
	PreviousState domain.State `json:"previous_state,omitempty"`
	Port          int          `json:"port,omitempty"`
	URL           string       `json:"url,omitempty"`
	Handle        string       `json:"handle,omitempty"`
	Error         string       `json:"error,omitempty"`
	OccurredAt    time.Time    `json:"occurred_at"`
}

// Sink receives events off the publishing goroutine.
type Sink interface {
	Deliver(ctx context.Context, event Event) error
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(ctx context.Context, event Event) error

// Deliver calls f.
func (f SinkFunc) Deliver(ctx context.Context, event Event) error { return f(ctx, event) }

// Dispatcher queues events and delivers them to every sink in order.
// Publish never blocks: events are dropped when the queue is full.
type Dispatcher struct {
	queue   chan Event
	sinks   []Sink
	timeout time.Duration
	logger  *slog.Logger

	dropped atomic.Int64
	once    sync.Once
	abort   sync.Once
	closed  chan struct{}
	mu      sync.RWMutex
	done    bool
	wg      sync.WaitGroup
}

// NewDispatcher starts a dispatcher with the given queue size.
func NewDispatcher(buffer int, logger *slog.Logger, sinks ...Sink) *Dispatcher {
	if buffer <= 0 {
		buffer = 256
	}
	if logger == nil {
		logger = slog.Default()
	}
	d := &Dispatcher{
		queue:   make(chan Event, buffer),
		sinks:   sinks,
		timeout: 5 * time.Second,
		logger:  logger,
		closed:  make(chan struct{}),
	}
	d.wg.Add(1)
	go d.run()
	return d
}

// Publish enqueues event without blocking.
func (d *Dispatcher) Publish(event Event) {
	if d == nil {
		return
	}
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.done {
		return
	}
	select {
	case d.queue <- event:
	default:
		d.dropped.Add(1)
		d.logger.Warn("event dropped", "key", event.Key, "state", event.State)
	}
}

// Dropped reports how many events were discarded because the queue was full.
func (d *Dispatcher) Dropped() int64 {
	return d.dropped.Load()
}

// Close stops accepting events and waits for queued ones to drain or ctx to end.
func (d *Dispatcher) Close(ctx context.Context) error {
	d.once.Do(func() {
		d.mu.Lock()
		d.done = true
		close(d.queue)
		d.mu.Unlock()
	})
	finished := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(finished)
	}()
	select {
	case <-finished:
		return nil
	case <-ctx.Done():
		d.abort.Do(func() { close(d.closed) })
		return ctx.Err()
	}
}

func (d *Dispatcher) run() {
	defer d.wg.Done()
	for event := range d.queue {
		for _, sink := range d.sinks {
			select {
			case <-d.closed:
				return
			default:
			}
			ctx, cancel := context.WithTimeout(context.Background(), d.timeout)
			if err := sink.Deliver(ctx, event); err != nil {
				d.logger.Warn("event delivery failed", "key", event.Key, "state", event.State, "error", err)
			}
			cancel()
		}
	}
}

// Broadcaster is the subset of the websocket hub the event stream needs.
type Broadcaster interface {
	Broadcast(topic string, payload []byte)
}

// HubSink publishes events as JSON to the team's topic.
func HubSink(hub Broadcaster) Sink {
	return SinkFunc(func(_ context.Context, event Event) error {
		payload, err := json.Marshal(event)
		if err != nil {
			return err
		}
		hub.Broadcast(event.TeamID, payload)
		return nil
	})
}

// Emitter is implemented by the webhook telemetry client.
type Emitter interface {
	Emit(ctx context.Context, event telemetry.Event) error
}

// WebhookSink forwards events to the collaborator webhook.
func WebhookSink(emitter Emitter) Sink {
	return SinkFunc(func(ctx context.Context, event Event) error {
		return emitter.Emit(ctx, telemetry.Event{
			ID:            event.ID,
			Key:           event.Key,
			TeamID:        event.TeamID,
			Branch:        event.Branch,
			State:         string(event.State),
			PreviousState: string(event.PreviousState),
			Port:          event.Port,
			URL:           event.URL,
			Handle:        event.Handle,
			Error:         event.Error,
			OccurredAt:    event.OccurredAt,
		})
	})
}
