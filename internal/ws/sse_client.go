package ws

import (
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
)

// SSEClient streams deployment events as Server-Sent Events.
type SSEClient struct {
	mu      sync.Mutex
	writer  io.Writer
	flusher http.Flusher
	event   string
	log     *slog.Logger
	closed  bool
	done    chan struct{}
}

// NewSSEClient builds an SSE client emitting frames named event.
func NewSSEClient(writer io.Writer, flusher http.Flusher, event string, logger *slog.Logger) *SSEClient {
	return &SSEClient{writer: writer, flusher: flusher, event: event, log: logger, done: make(chan struct{})}
}

// Send emits one event frame.
func (c *SSEClient) Send(payload []byte) error {
	return c.write(func(w io.Writer) error {
		if c.event != "" {
			if _, err := fmt.Fprintf(w, "event: %s\n", c.event); err != nil {
				return err
			}
		}
		_, err := fmt.Fprintf(w, "data: %s\n\n", payload)
		return err
	})
}

// Heartbeat emits a comment frame to keep intermediaries from timing out.
func (c *SSEClient) Heartbeat() error {
	return c.write(func(w io.Writer) error {
		_, err := fmt.Fprint(w, ": ping\n\n")
		return err
	})
}

func (c *SSEClient) write(frame func(io.Writer) error) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return io.EOF
	}
	if err := frame(c.writer); err != nil {
		c.closeLocked()
		c.log.Warn("sse send failed", "error", err)
		return err
	}
	c.flusher.Flush()
	return nil
}

// Close marks the stream as closed and releases Done waiters.
func (c *SSEClient) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closeLocked()
}

func (c *SSEClient) closeLocked() {
	if !c.closed {
		c.closed = true
		close(c.done)
	}
}

// Done is closed once the stream is closed by either side.
func (c *SSEClient) Done() <-chan struct{} {
	return c.done
}
