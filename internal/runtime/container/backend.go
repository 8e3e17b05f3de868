// Package container runs preview instances as Docker containers.
package container

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/docker/go-connections/nat"
	"github.com/google/uuid"

	"github.com/splax/previewd/internal/docker"
	"github.com/splax/previewd/internal/domain"
	"github.com/splax/previewd/internal/runtime"
)

// Name identifies this backend in configuration and deployment records.
const Name = "container"

const (
	workspaceMount = "/workspace"
	labelKey       = "previewd.key"
	labelManaged   = "previewd.managed"
)

// DefaultImages maps project kinds to base images.
var DefaultImages = map[domain.ProjectKind]string{
	domain.KindWebNode:   "node:20-alpine",
	domain.KindWebPython: "python:3.12-slim",
	domain.KindRuby:      "ruby:3.3-slim",
	domain.KindStatic:    "python:3.12-alpine",
	domain.KindUnknown:   "python:3.12-alpine",
}

// Engine is the subset of the Docker client the backend drives.
type Engine interface {
	EnsureImage(ctx context.Context, ref string) error
	RunContainer(ctx context.Context, spec docker.ContainerSpec) (docker.ContainerInfo, error)
	StopContainer(ctx context.Context, id string, grace time.Duration) error
	RemoveContainer(ctx context.Context, id string) error
	WaitForStop(ctx context.Context, id string) (int64, error)
	ContainerLogs(ctx context.Context, id string, tail int) ([]string, error)
	RemoveLabelled(ctx context.Context, label string) (int, error)
}

// Backend launches one container per deployment with the source bind-mounted.
type Backend struct {
	engine Engine
	images map[domain.ProjectKind]string
	logger *slog.Logger
}

// New constructs a container backend. images overrides DefaultImages per kind.
func New(engine Engine, images map[domain.ProjectKind]string, logger *slog.Logger) *Backend {
	if logger == nil {
		logger = slog.Default()
	}
	merged := make(map[domain.ProjectKind]string, len(DefaultImages))
	for kind, ref := range DefaultImages {
		merged[kind] = ref
	}
	for kind, ref := range images {
		if strings.TrimSpace(ref) != "" {
			merged[kind] = ref
		}
	}
	return &Backend{engine: engine, images: merged, logger: logger}
}

// Reap removes managed containers left behind by a previous orchestrator
// process. Call it before the first Launch.
func (b *Backend) Reap(ctx context.Context) (int, error) {
	removed, err := b.engine.RemoveLabelled(ctx, labelManaged+"=true")
	if removed > 0 {
		b.logger.Info("removed stale preview containers", "count", removed)
	}
	return removed, err
}

// Name implements runtime.Backend.
func (b *Backend) Name() string { return Name }

// Image returns the base image used for kind.
func (b *Backend) Image(kind domain.ProjectKind) string {
	if ref, ok := b.images[kind]; ok {
		return ref
	}
	return b.images[domain.KindUnknown]
}

// Launch pulls the base image if needed and starts the container.
func (b *Backend) Launch(ctx context.Context, spec runtime.LaunchSpec) (runtime.Instance, error) {
	if err := spec.Validate(); err != nil {
		return nil, err
	}
	ref := b.Image(spec.Profile.Kind)
	if err := b.engine.EnsureImage(ctx, ref); err != nil {
		return nil, err
	}

	env := make(map[string]string, len(spec.Env)+1)
	for k, v := range spec.Env {
		env[k] = v
	}
	// Inside the container the server must listen on every interface for the host binding to reach it.
	env["HOST"] = "0.0.0.0"
	withEnv := spec
	withEnv.Env = env

	name := containerName(spec.Key)
	info, err := b.engine.RunContainer(ctx, docker.ContainerSpec{
		Name:       name,
		Image:      ref,
		Cmd:        []string{"/bin/sh", "-c", spec.Command()},
		Env:        withEnv.EnvList(),
		WorkingDir: workspaceMount,
		Binds:      []string{spec.Dir + ":" + workspaceMount},
		Ports:      docker.PortMap(spec.Host, spec.Port, spec.Port),
		Labels:     map[string]string{labelKey: spec.Key.String(), labelManaged: "true"},
		MemoryMB:   spec.Limits.MemoryMB,
		CPUs:       spec.Limits.CPUs,
	})
	if err != nil {
		if info.ID != "" {
			_ = b.engine.RemoveContainer(context.WithoutCancel(ctx), info.ID)
		}
		return nil, err
	}
	if !bound(info.PortBinding, spec.Port) {
		b.logger.Warn("container port binding not reported", "key", spec.Key.String(), "container", info.ID, "port", spec.Port)
	}

	watchCtx, cancel := context.WithCancel(context.Background())
	inst := &instance{
		id:     info.ID,
		engine: b.engine,
		done:   make(chan struct{}),
		cancel: cancel,
	}
	b.logger.Info("container started", "key", spec.Key.String(), "container", info.ID, "image", ref, "port", spec.Port)
	go inst.watch(watchCtx)
	return inst, nil
}

type instance struct {
	id     string
	engine Engine
	done   chan struct{}
	cancel context.CancelFunc

	mu       sync.Mutex
	exitErr  error
	stopping bool
}

func (i *instance) watch(ctx context.Context) {
	code, err := i.engine.WaitForStop(ctx, i.id)
	i.mu.Lock()
	if !i.stopping {
		switch {
		case err != nil && errors.Is(err, context.Canceled):
			i.exitErr = errors.New("container watch cancelled")
		case err != nil:
			i.exitErr = err
		default:
			i.exitErr = fmt.Errorf("container exited with code %d", code)
		}
	}
	i.mu.Unlock()
	close(i.done)
}

func (i *instance) Handle() string { return i.id }

func (i *instance) Done() <-chan struct{} { return i.done }

func (i *instance) Err() error {
	if !runtime.Exited(i) {
		return nil
	}
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.exitErr
}

// Stop lets the daemon deliver SIGTERM then SIGKILL after grace, and removes the container.
func (i *instance) Stop(ctx context.Context, grace time.Duration) error {
	i.mu.Lock()
	i.stopping = true
	i.mu.Unlock()

	stopErr := i.engine.StopContainer(ctx, i.id, grace)
	removeErr := i.engine.RemoveContainer(context.WithoutCancel(ctx), i.id)
	i.cancel()
	<-i.done
	if stopErr != nil && removeErr != nil {
		return fmt.Errorf("stop container %s: %w", i.id, errors.Join(stopErr, removeErr))
	}
	if removeErr != nil {
		return removeErr
	}
	return nil
}

func (i *instance) Logs(ctx context.Context, tail int) ([]string, error) {
	lines, err := i.engine.ContainerLogs(ctx, i.id, tail)
	if errors.Is(err, docker.ErrNotFound) {
		return []string{}, nil
	}
	return lines, err
}

var unsafeName = regexp.MustCompile(`[^a-zA-Z0-9_.-]+`)

func containerName(key domain.Key) string {
	base := unsafeName.ReplaceAllString(strings.ToLower(key.TeamID+"-"+key.Branch), "-")
	base = strings.Trim(base, "-.")
	if len(base) > 40 {
		base = base[:40]
	}
	return "preview-" + base + "-" + uuid.NewString()[:8]
}

func bound(ports nat.PortMap, port int) bool {
	bindings := ports[nat.Port(fmt.Sprintf("%d/tcp", port))]
	for _, binding := range bindings {
		if strings.TrimSpace(binding.HostPort) != "" {
			return true
		}
	}
	return false
}
