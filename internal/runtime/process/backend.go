// Package process runs preview instances as local process groups.
package process

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/splax/previewd/internal/runtime"
)

// Name identifies this backend in configuration and deployment records.
const Name = "local"

// Backend launches `/bin/sh -c <command>` in its own process group.
type Backend struct {
	shell      string
	logLines   int
	inheritEnv bool
	logger     *slog.Logger
}

// Option customises the Backend.
type Option func(*Backend)

// WithShell overrides the shell binary.
func WithShell(path string) Option {
	return func(b *Backend) {
		if strings.TrimSpace(path) != "" {
			b.shell = path
		}
	}
}

// WithLogLines sets the per-instance log ring size.
func WithLogLines(n int) Option {
	return func(b *Backend) {
		if n > 0 {
			b.logLines = n
		}
	}
}

// WithoutHostEnv stops instances from inheriting the daemon's environment.
func WithoutHostEnv() Option {
	return func(b *Backend) { b.inheritEnv = false }
}

// New constructs a process backend.
func New(logger *slog.Logger, opts ...Option) *Backend {
	if logger == nil {
		logger = slog.Default()
	}
	b := &Backend{shell: "/bin/sh", logLines: 2000, inheritEnv: true, logger: logger}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Name implements runtime.Backend.
func (b *Backend) Name() string { return Name }

// Launch starts the instance and returns once the process exists.
func (b *Backend) Launch(ctx context.Context, spec runtime.LaunchSpec) (runtime.Instance, error) {
	if err := spec.Validate(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	logs := runtime.NewLogBuffer(b.logLines)
	cmd := exec.Command(b.shell, "-c", spec.Command())
	cmd.Dir = spec.Dir
	cmd.Env = spec.EnvList()
	if b.inheritEnv {
		cmd.Env = append(os.Environ(), cmd.Env...)
	}
	cmd.Stdout = logs
	cmd.Stderr = logs
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	// Children that outlive the shell must not hold Wait open on the output pipes.
	cmd.WaitDelay = 2 * time.Second

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start process: %w", err)
	}

	inst := &instance{
		handle: Name + "-" + uuid.NewString(),
		cmd:    cmd,
		logs:   logs,
		done:   make(chan struct{}),
	}
	b.logger.Info("process started", "key", spec.Key.String(), "handle", inst.handle, "pid", cmd.Process.Pid, "port", spec.Port)
	go inst.wait()
	return inst, nil
}

type instance struct {
	handle string
	cmd    *exec.Cmd
	logs   *runtime.LogBuffer
	done   chan struct{}

	mu       sync.Mutex
	exitErr  error
	stopping bool
}

func (i *instance) wait() {
	err := i.cmd.Wait()
	i.mu.Lock()
	if err == nil {
		err = errors.New("process exited with status 0")
	}
	if !i.stopping {
		i.exitErr = err
	}
	i.mu.Unlock()
	close(i.done)
}

func (i *instance) Handle() string { return i.handle }

func (i *instance) Done() <-chan struct{} { return i.done }

func (i *instance) Err() error {
	select {
	case <-i.done:
	default:
		return nil
	}
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.exitErr
}

// Stop sends SIGTERM to the process group, then SIGKILL once grace elapses.
func (i *instance) Stop(ctx context.Context, grace time.Duration) error {
	i.mu.Lock()
	i.stopping = true
	i.mu.Unlock()
	if runtime.Exited(i) {
		return nil
	}
	pgid := -i.cmd.Process.Pid
	if err := syscall.Kill(pgid, syscall.SIGTERM); err != nil && !errors.Is(err, syscall.ESRCH) {
		return fmt.Errorf("signal process group: %w", err)
	}
	timer := time.NewTimer(grace)
	defer timer.Stop()
	select {
	case <-i.done:
		return nil
	case <-timer.C:
	case <-ctx.Done():
	}
	if err := syscall.Kill(pgid, syscall.SIGKILL); err != nil && !errors.Is(err, syscall.ESRCH) {
		return fmt.Errorf("kill process group: %w", err)
	}
	// SIGKILL cannot be ignored; the bound only guards against a wedged wait.
	select {
	case <-i.done:
		return nil
	case <-time.After(5 * time.Second):
		return fmt.Errorf("process %d did not exit after SIGKILL", i.cmd.Process.Pid)
	}
}

func (i *instance) Logs(_ context.Context, tail int) ([]string, error) {
	return i.logs.Tail(tail), nil
}
