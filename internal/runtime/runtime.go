package runtime

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/splax/previewd/internal/domain"
)

// ErrInstanceExited indicates the instance terminated on its own.
var ErrInstanceExited = errors.New("instance exited")

// Limits carries per-team resource ceilings passed through to the backend.
type Limits struct {
	MemoryMB int
	CPUs     float64
}

// LaunchSpec describes one instance to start.
type LaunchSpec struct {
	Key     domain.Key
	Profile domain.ProjectProfile
	Dir     string
	Host    string
	Port    int
	Env     map[string]string
	Limits  Limits
	// RunInstall prefixes the start command with the profile install step.
	RunInstall bool
}

// Command renders the shell command line the instance runs.
func (s LaunchSpec) Command() string {
	start := strings.TrimSpace(s.Profile.StartCommand)
	install := strings.TrimSpace(s.Profile.InstallCommand)
	if !s.RunInstall || install == "" {
		return start
	}
	return "(" + install + ") && " + start
}

// EnvList renders Env as sorted KEY=VALUE pairs.
func (s LaunchSpec) EnvList() []string {
	keys := make([]string, 0, len(s.Env))
	for k := range s.Env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		out = append(out, k+"="+s.Env[k])
	}
	return out
}

// Validate checks the fields every backend needs.
func (s LaunchSpec) Validate() error {
	if s.Port <= 0 {
		return fmt.Errorf("launch spec requires a port")
	}
	if strings.TrimSpace(s.Profile.StartCommand) == "" {
		return fmt.Errorf("launch spec requires a start command")
	}
	if strings.TrimSpace(s.Dir) == "" {
		return fmt.Errorf("launch spec requires a source dir")
	}
	return nil
}

// Instance is a launched execution environment.
type Instance interface {
	// Handle is unique per launch.
	Handle() string
	// Done is closed once the instance has exited.
	Done() <-chan struct{}
	// Err reports why the instance exited; nil while running.
	Err() error
	// Stop signals graceful termination and force-kills after grace.
	Stop(ctx context.Context, grace time.Duration) error
	// Logs returns up to tail of the most recent output lines.
	Logs(ctx context.Context, tail int) ([]string, error)
}

// Backend launches instances. One backend is selected at configuration time.
type Backend interface {
	Name() string
	Launch(ctx context.Context, spec LaunchSpec) (Instance, error)
}

// Exited reports whether inst has terminated without blocking.
func Exited(inst Instance) bool {
	select {
	case <-inst.Done():
		return true
	default:
		return false
	}
}
