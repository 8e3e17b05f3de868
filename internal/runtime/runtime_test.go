package runtime

import (
	"context"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/splax/previewd/internal/domain"
)

type fakeInstance struct {
	done chan struct{}
	once sync.Once
	err  error
}

func newFakeInstance() *fakeInstance { return &fakeInstance{done: make(chan struct{})} }

func (f *fakeInstance) exit(err error) {
	f.once.Do(func() {
		f.err = err
		close(f.done)
	})
}

func (f *fakeInstance) Handle() string                              { return "fake" }
func (f *fakeInstance) Done() <-chan struct{}                       { return f.done }
func (f *fakeInstance) Stop(context.Context, time.Duration) error   { f.exit(nil); return nil }
func (f *fakeInstance) Logs(context.Context, int) ([]string, error) { return nil, nil }
func (f *fakeInstance) Err() error {
	if !Exited(f) {
		return nil
	}
	return f.err
}

func TestLogBufferTail(t *testing.T) {
	buf := NewLogBuffer(3)
	_, _ = buf.Write([]byte("one\ntwo\r\nthr"))
	if got := strings.Join(buf.Tail(0), ","); got != "one,two,thr" {
		t.Fatalf("unexpected tail %q", got)
	}
	_, _ = buf.Write([]byte("ee\nfour\nfive\n"))
	if got := strings.Join(buf.Tail(0), ","); got != "three,four,five" {
		t.Fatalf("expected ring to keep newest lines, got %q", got)
	}
	if got := strings.Join(buf.Tail(2), ","); got != "four,five" {
		t.Fatalf("unexpected bounded tail %q", got)
	}
	first := buf.Tail(1)
	first[0] = "mutated"
	if buf.Tail(1)[0] != "five" {
		t.Fatal("tail must return a copy")
	}
}

func TestLaunchSpecCommand(t *testing.T) {
	spec := LaunchSpec{Profile: domain.ProjectProfile{StartCommand: "npm run dev", InstallCommand: "npm install"}}
	if spec.Command() != "npm run dev" {
		t.Fatalf("install should be skipped by default, got %q", spec.Command())
	}
	spec.RunInstall = true
	if spec.Command() != "(npm install) && npm run dev" {
		t.Fatalf("unexpected command %q", spec.Command())
	}
	spec.Env = map[string]string{"PORT": "7000", "HOST": "0.0.0.0"}
	if got := strings.Join(spec.EnvList(), " "); got != "HOST=0.0.0.0 PORT=7000" {
		t.Fatalf("unexpected env list %q", got)
	}
}

func TestWaitReadyHTTP(t *testing.T) {
	var mu sync.Mutex
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		defer mu.Unlock()
		calls++
		if calls < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	addr := strings.TrimPrefix(srv.URL, "http://")
	backoff := Backoff{Initial: 10 * time.Millisecond, Max: 20 * time.Millisecond, Factor: 2}
	if err := WaitReady(ctx, HTTPChecker{Path: "/"}, addr, newFakeInstance(), backoff); err != nil {
		t.Fatalf("wait ready: %v", err)
	}
	mu.Lock()
	defer mu.Unlock()
	if calls != 3 {
		t.Fatalf("expected 3 probes, got %d", calls)
	}
}

func TestWaitReadyTimesOut(t *testing.T) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	addr := l.Addr().String()
	l.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 150*time.Millisecond)
	defer cancel()
	start := time.Now()
	err = WaitReady(ctx, TCPChecker{Timeout: 50 * time.Millisecond}, addr, newFakeInstance(), Backoff{})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Fatalf("timeout not honoured: %s", elapsed)
	}
}

func TestWaitReadyStopsOnExit(t *testing.T) {
	inst := newFakeInstance()
	go func() {
		time.Sleep(50 * time.Millisecond)
		inst.exit(errors.New("exit status 1"))
	}()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := WaitReady(ctx, DelayChecker{Delay: time.Minute}, "", inst, Backoff{})
	if !errors.Is(err, ErrInstanceExited) {
		t.Fatalf("expected instance exited, got %v", err)
	}
}

func TestWaitReadyDelay(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	start := time.Now()
	if err := WaitReady(ctx, DelayChecker{Delay: 50 * time.Millisecond}, "", newFakeInstance(), Backoff{}); err != nil {
		t.Fatalf("wait ready: %v", err)
	}
	if time.Since(start) < 50*time.Millisecond {
		t.Fatal("expected delay to elapse")
	}
}

func TestTCPCheckerSucceedsOnListener(t *testing.T) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer l.Close()
	go func() {
		for {
			conn, err := l.Accept()
			if err != nil {
				return
			}
			conn.Close()
		}
	}()
	if err := (TCPChecker{}).Check(context.Background(), l.Addr().String()); err != nil {
		t.Fatalf("tcp check: %v", err)
	}
}
