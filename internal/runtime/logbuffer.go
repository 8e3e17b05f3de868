package runtime

import (
	"bytes"
	"sync"
)

// LogBuffer keeps the last N complete lines written to it.
type LogBuffer struct {
	mu      sync.Mutex
	lines   []string
	next    int
	full    bool
	partial []byte
}

// NewLogBuffer allocates a ring of capacity lines.
func NewLogBuffer(capacity int) *LogBuffer {
	if capacity <= 0 {
		capacity = 1000
	}
	return &LogBuffer{lines: make([]string, capacity)}
}

// Write splits p into lines; a trailing fragment waits for its newline.
func (b *LogBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	data := p
	for len(data) > 0 {
		idx := bytes.IndexByte(data, '\n')
		if idx < 0 {
			b.partial = append(b.partial, data...)
			break
		}
		line := append(b.partial, data[:idx]...)
		b.partial = nil
		b.push(string(bytes.TrimRight(line, "\r")))
		data = data[idx+1:]
	}
	return len(p), nil
}

func (b *LogBuffer) push(line string) {
	b.lines[b.next] = line
	b.next = (b.next + 1) % len(b.lines)
	if b.next == 0 {
		b.full = true
	}
}

// Tail returns up to n of the newest lines, oldest first. n <= 0 returns all.
// An unterminated trailing fragment is included as the last line.
func (b *LogBuffer) Tail(n int) []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	var ordered []string
	if b.full {
		ordered = append(ordered, b.lines[b.next:]...)
	}
	ordered = append(ordered, b.lines[:b.next]...)
	if len(b.partial) > 0 {
		ordered = append(ordered, string(b.partial))
	}
	if n > 0 && len(ordered) > n {
		ordered = ordered[len(ordered)-n:]
	}
	out := make([]string, len(ordered))
	copy(out, ordered)
	return out
}
