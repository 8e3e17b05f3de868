package ws

import (
	"errors"
	"log/slog"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"
)

type recordingSubscriber struct {
	mu       sync.Mutex
	messages []string
	failSend bool
	closed   bool
	got      chan struct{}
}

func newRecorder() *recordingSubscriber {
	return &recordingSubscriber{got: make(chan struct{}, 16)}
}

func (r *recordingSubscriber) Send(payload []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.failSend {
		return errors.New("broken pipe")
	}
	r.messages = append(r.messages, string(payload))
	r.got <- struct{}{}
	return nil
}

func (r *recordingSubscriber) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
}

func (r *recordingSubscriber) snapshot() ([]string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.messages...), r.closed
}

func TestHubBroadcastsPerTopic(t *testing.T) {
	hub := NewHub()
	defer hub.Stop()

	a, b := newRecorder(), newRecorder()
	hub.Register("team-a", a)
	hub.Register("team-b", b)
	hub.Broadcast("team-a", []byte("hello"))

	select {
	case <-a.got:
	case <-time.After(time.Second):
		t.Fatal("expected team-a subscriber to receive message")
	}
	if msgs, _ := a.snapshot(); len(msgs) != 1 || msgs[0] != "hello" {
		t.Fatalf("unexpected messages %v", msgs)
	}
	if hub.Subscribers("team-b") != 1 {
		t.Fatal("expected team-b subscriber registered")
	}
	if msgs, _ := b.snapshot(); len(msgs) != 0 {
		t.Fatalf("team-b should not receive team-a events, got %v", msgs)
	}
}

func TestHubDropsFailingSubscriber(t *testing.T) {
	hub := NewHub()
	defer hub.Stop()

	bad := newRecorder()
	bad.failSend = true
	hub.Register("team", bad)
	hub.Broadcast("team", []byte("x"))
	deadline := time.Now().Add(time.Second)
	for hub.Subscribers("team") != 0 {
		if time.Now().After(deadline) {
			t.Fatal("expected failing subscriber to be removed")
		}
		time.Sleep(5 * time.Millisecond)
	}
	if _, closed := bad.snapshot(); !closed {
		t.Fatal("expected failing subscriber to be closed")
	}
}

func TestHubStopClosesClients(t *testing.T) {
	hub := NewHub()
	sub := newRecorder()
	hub.Register("team", sub)
	if hub.Subscribers("team") != 1 {
		t.Fatal("expected subscriber registered")
	}
	hub.Stop()
	deadline := time.Now().Add(time.Second)
	for {
		if _, closed := sub.snapshot(); closed {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("expected subscriber closed on stop")
		}
		time.Sleep(5 * time.Millisecond)
	}
	hub.Broadcast("team", []byte("after stop"))
	late := newRecorder()
	hub.Register("team", late)
	if _, closed := late.snapshot(); !closed {
		t.Fatal("registering after stop should close the client")
	}
}

func TestSSEClientFrames(t *testing.T) {
	rec := httptest.NewRecorder()
	client := NewSSEClient(rec, rec, "deployment", slog.Default())
	if err := client.Send([]byte(`{"state":"Running"}`)); err != nil {
		t.Fatalf("send: %v", err)
	}
	if err := client.Heartbeat(); err != nil {
		t.Fatalf("heartbeat: %v", err)
	}
	body := rec.Body.String()
	if !strings.Contains(body, "event: deployment\ndata: {\"state\":\"Running\"}\n\n") {
		t.Fatalf("unexpected frame %q", body)
	}
	if !strings.HasSuffix(body, ": ping\n\n") {
		t.Fatalf("expected heartbeat frame, got %q", body)
	}
	client.Close()
	select {
	case <-client.Done():
	default:
		t.Fatal("expected done closed")
	}
	if err := client.Send([]byte("x")); err == nil {
		t.Fatal("expected error after close")
	}
}
