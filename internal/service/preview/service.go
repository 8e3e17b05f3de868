// Package preview owns the deployment registry: one deployment per
// team and branch, created on demand, routed while Running and torn down on
// stop, restart, crash or shutdown.
package preview

import (
	"context"
	"errors"
	"log/slog"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/splax/previewd/internal/detect"
	"github.com/splax/previewd/internal/domain"
	"github.com/splax/previewd/internal/events"
	"github.com/splax/previewd/internal/git"
	"github.com/splax/previewd/internal/repository"
	"github.com/splax/previewd/internal/runtime"
	"github.com/splax/previewd/pkg/config"
)

// Detector resolves the launch profile of a source tree.
type Detector interface {
	Detect(dir string) (domain.ProjectProfile, error)
}

// PortLeaser hands out exclusive host ports.
type PortLeaser interface {
	Lease(owner string) (int, error)
	Release(port int)
	ReleaseOwner(owner string) int
}

// RouteTable maps public paths to instance addresses.
type RouteTable interface {
	Register(publicPath, target string) error
	Unregister(publicPath string)
}

// Workspace manages per-deployment source directories.
type Workspace interface {
	Prepare(key domain.Key) (string, error)
	WriteScaffold(dir string, key domain.Key) error
	Cleanup(path string) error
}

// CloneFunc checks out repoURL at branch into dest. An empty branch means the
// remote default.
type CloneFunc func(ctx context.Context, repoURL, branch, dest string) error

// Publisher receives state transitions. Publish must not block.
type Publisher interface {
	Publish(event events.Event)
}

// Config tunes the lifecycle.
type Config struct {
	HostAddress      string
	PublicBaseURL    string
	PublicPathPrefix string
	HealthPolicy     string
	HealthPath       string
	HealthDelay      time.Duration
	StartTimeout     time.Duration
	StopGrace        time.Duration
	GitTimeout       time.Duration
	Limits           runtime.Limits
	RunInstall       bool
	LogTailDefault   int
	Backoff          runtime.Backoff
}

// ConfigFrom maps the daemon configuration onto the lifecycle settings.
func ConfigFrom(cfg config.PreviewConfig) Config {
	return Config{
		HostAddress:      cfg.HostAddress,
		PublicBaseURL:    cfg.PublicBaseURL,
		PublicPathPrefix: cfg.PublicPathPrefix,
		HealthPolicy:     strings.ToLower(strings.TrimSpace(cfg.HealthPolicy)),
		HealthPath:       cfg.HealthPath,
		HealthDelay:      cfg.HealthDelay,
		StartTimeout:     cfg.StartTimeout,
		StopGrace:        cfg.StopGrace,
		GitTimeout:       cfg.GitTimeout,
		Limits:           runtime.Limits{MemoryMB: cfg.MemoryLimitMB, CPUs: cfg.CPULimit},
		RunInstall:       cfg.RunInstall,
		LogTailDefault:   cfg.LogTailDefault,
		Backoff:          runtime.DefaultBackoff,
	}
}

func (c Config) withDefaults() Config {
	if c.HostAddress == "" {
		c.HostAddress = "127.0.0.1"
	}
	if c.PublicPathPrefix == "" {
		c.PublicPathPrefix = "/preview"
	}
	if c.HealthPolicy == "" {
		c.HealthPolicy = config.HealthHTTP
	}
	if c.HealthPath == "" {
		c.HealthPath = "/"
	}
	if c.HealthDelay <= 0 {
		c.HealthDelay = 2 * time.Second
	}
	if c.StartTimeout <= 0 {
		c.StartTimeout = 45 * time.Second
	}
	if c.StopGrace < 0 {
		c.StopGrace = 0
	}
	if c.GitTimeout <= 0 {
		c.GitTimeout = time.Minute
	}
	if c.LogTailDefault <= 0 {
		c.LogTailDefault = 200
	}
	return c
}

// Dependencies are the collaborators a Service drives.
type Dependencies struct {
	Backend   runtime.Backend
	Detector  Detector
	Ports     PortLeaser
	Router    RouteTable
	Workspace Workspace
	Clone     CloneFunc
	Specs     repository.SpecRepository
	Events    Publisher
	Metrics   *Metrics
}

// Service is the deployment registry and lifecycle manager.
type Service struct {
	cfg       Config
	backend   runtime.Backend
	detector  Detector
	ports     PortLeaser
	router    RouteTable
	workspace Workspace
	clone     CloneFunc
	specs     repository.SpecRepository
	events    Publisher
	metrics   *Metrics
	logger    *slog.Logger

	entries sync.Map // key string -> *entry
	closing atomic.Bool
	now     func() time.Time
}

// New constructs a Service.
func New(deps Dependencies, cfg Config, logger *slog.Logger) (*Service, error) {
	if deps.Backend == nil || deps.Ports == nil || deps.Router == nil || deps.Workspace == nil {
		return nil, errors.New("preview: backend, ports, router and workspace are required")
	}
	if deps.Detector == nil {
		deps.Detector = detect.New()
	}
	if deps.Clone == nil {
		deps.Clone = git.Clone
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		cfg:       cfg.withDefaults(),
		backend:   deps.Backend,
		detector:  deps.Detector,
		ports:     deps.Ports,
		router:    deps.Router,
		workspace: deps.Workspace,
		clone:     deps.Clone,
		specs:     deps.Specs,
		events:    deps.Events,
		metrics:   deps.Metrics,
		logger:    logger.With("component", "preview", "backend", deps.Backend.Name()),
		now:       func() time.Time { return time.Now().UTC() },
	}, nil
}

// PublicPath returns the proxy path prefix for key, with a trailing slash.
func (s *Service) PublicPath(key domain.Key) string {
	prefix := strings.TrimRight(s.cfg.PublicPathPrefix, "/")
	return prefix + "/" + url.PathEscape(key.TeamID) + "/" + url.PathEscape(key.Branch) + "/"
}

func (s *Service) publicURL(publicPath string) string {
	base := strings.TrimRight(s.cfg.PublicBaseURL, "/")
	return base + publicPath
}

// entry serializes mutations of one key. lock is held for the whole of a
// create, stop or restart; mu only guards the fields below for readers.
type entry struct {
	key  domain.Key
	lock chan struct{}

	mu       sync.RWMutex
	record   *domain.Deployment
	inst     runtime.Instance
	cancel   context.CancelFunc
	lastLogs []string
}

func newEntry(key domain.Key) *entry {
	return &entry{key: key, lock: make(chan struct{}, 1)}
}

func (e *entry) acquire(ctx context.Context) error {
	select {
	case e.lock <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (e *entry) release() { <-e.lock }

func (e *entry) snapshot() (domain.Deployment, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.record == nil {
		return domain.Deployment{}, false
	}
	return copyDeployment(*e.record), true
}

func (e *entry) instance() runtime.Instance {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.inst
}

func (e *entry) setInstance(inst runtime.Instance) {
	e.mu.Lock()
	e.inst = inst
	if e.record != nil && inst != nil {
		e.record.Handle = inst.Handle()
	}
	e.mu.Unlock()
}

func (e *entry) takeInstance() runtime.Instance {
	e.mu.Lock()
	defer e.mu.Unlock()
	inst := e.inst
	e.inst = nil
	return inst
}

func (e *entry) setCancel(cancel context.CancelFunc) {
	e.mu.Lock()
	e.cancel = cancel
	e.mu.Unlock()
}

func (e *entry) cancelCreate() {
	e.mu.RLock()
	cancel := e.cancel
	e.mu.RUnlock()
	if cancel != nil {
		cancel()
	}
}

// begin installs a fresh record and returns the one it replaced.
func (e *entry) begin(d domain.Deployment) *domain.Deployment {
	e.mu.Lock()
	defer e.mu.Unlock()
	prev := e.record
	e.record = &d
	e.inst = nil
	return prev
}

func (e *entry) restore(prev *domain.Deployment) {
	e.mu.Lock()
	e.record = prev
	e.mu.Unlock()
}

func (e *entry) update(mutate func(*domain.Deployment)) domain.Deployment {
	e.mu.Lock()
	defer e.mu.Unlock()
	mutate(e.record)
	return copyDeployment(*e.record)
}

func (e *entry) setLastLogs(lines []string) {
	e.mu.Lock()
	e.lastLogs = lines
	e.mu.Unlock()
}

func copyDeployment(d domain.Deployment) domain.Deployment {
	if d.LastHealthyAt != nil {
		t := *d.LastHealthyAt
		d.LastHealthyAt = &t
	}
	return d
}
