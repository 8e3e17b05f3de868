package runtime

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"
)

// Checker probes an instance address once.
type Checker interface {
	Check(ctx context.Context, addr string) error
}

// HTTPChecker treats any response below 500 as ready. Dev servers often
// answer 404 on the health path while being fully up.
type HTTPChecker struct {
	Path   string
	Client *http.Client
}

// Check issues a GET against addr + Path.
func (c HTTPChecker) Check(ctx context.Context, addr string) error {
	client := c.Client
	if client == nil {
		client = &http.Client{Timeout: 2 * time.Second}
	}
	path := c.Path
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, "http://"+addr+path, nil)
	if err != nil {
		return fmt.Errorf("build health request: %w", err)
	}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64*1024))
	resp.Body.Close()
	if resp.StatusCode >= http.StatusInternalServerError {
		return fmt.Errorf("health status %d", resp.StatusCode)
	}
	return nil
}

// TCPChecker succeeds once a connection can be established.
type TCPChecker struct {
	Timeout time.Duration
}

// Check dials addr.
func (c TCPChecker) Check(ctx context.Context, addr string) error {
	timeout := c.Timeout
	if timeout <= 0 {
		timeout = time.Second
	}
	d := net.Dialer{Timeout: timeout}
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return err
	}
	return conn.Close()
}

// DelayChecker succeeds after a fixed wait, for instances with no probe surface.
type DelayChecker struct {
	Delay time.Duration
}

// Check waits Delay or until ctx is done.
func (c DelayChecker) Check(ctx context.Context, _ string) error {
	timer := time.NewTimer(c.Delay)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Backoff bounds the wait between failed probes.
type Backoff struct {
	Initial time.Duration
	Max     time.Duration
	Factor  float64
}

// DefaultBackoff is used when a zero Backoff is supplied.
var DefaultBackoff = Backoff{Initial: 100 * time.Millisecond, Max: 2 * time.Second, Factor: 2}

func (b Backoff) next(cur time.Duration) time.Duration {
	if cur <= 0 {
		return b.Initial
	}
	n := time.Duration(float64(cur) * b.Factor)
	if n > b.Max {
		n = b.Max
	}
	return n
}

// WaitReady polls checker until it succeeds, the instance exits, or ctx ends.
// The caller bounds the wait with ctx; an expired ctx returns an error
// wrapping context.DeadlineExceeded along with the last probe failure.
func WaitReady(ctx context.Context, checker Checker, addr string, inst Instance, backoff Backoff) error {
	if backoff.Initial <= 0 || backoff.Max <= 0 || backoff.Factor < 1 {
		backoff = DefaultBackoff
	}
	probeCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-inst.Done():
			cancel()
		case <-probeCtx.Done():
		}
	}()

	var (
		wait    time.Duration
		lastErr error
	)
	for {
		err := checker.Check(probeCtx, addr)
		if Exited(inst) {
			return exitError(inst)
		}
		if err == nil {
			return nil
		}
		lastErr = err
		if ctx.Err() != nil {
			return fmt.Errorf("%w: last probe: %v", ctx.Err(), lastErr)
		}
		wait = backoff.next(wait)
		timer := time.NewTimer(wait)
		select {
		case <-timer.C:
		case <-inst.Done():
			timer.Stop()
			return exitError(inst)
		case <-ctx.Done():
			timer.Stop()
			return fmt.Errorf("%w: last probe: %v", ctx.Err(), lastErr)
		}
	}
}

func exitError(inst Instance) error {
	if err := inst.Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrInstanceExited, err)
	}
	return ErrInstanceExited
}
