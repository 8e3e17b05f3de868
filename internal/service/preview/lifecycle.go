package preview

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/splax/previewd/internal/detect"
	"github.com/splax/previewd/internal/domain"
	"github.com/splax/previewd/internal/events"
	"github.com/splax/previewd/internal/git"
	"github.com/splax/previewd/internal/ports"
	"github.com/splax/previewd/internal/runtime"
	"github.com/splax/previewd/pkg/config"
)

// stopSlack bounds how long a backend may take to kill an instance after
// the grace period.
const stopSlack = 15 * time.Second

// createLocked runs workspace, detection, lease, launch, health and routing
// for e. The caller holds e.lock. Any failure releases what was acquired.
func (s *Service) createLocked(ctx context.Context, e *entry, repoURL string) (domain.Deployment, error) {
	if s.closing.Load() {
		return domain.Deployment{}, ErrShuttingDown
	}
	ctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	e.setCancel(cancel)
	defer func() {
		e.setCancel(nil)
		cancel()
	}()

	key := e.key
	started := s.now()
	publicPath := s.PublicPath(key)
	repoURL = strings.TrimSpace(repoURL)
	prev := e.begin(domain.Deployment{
		Key:        key,
		State:      domain.StateCreating,
		PublicPath: publicPath,
		URL:        s.publicURL(publicPath),
		Backend:    s.backend.Name(),
		RepoURL:    repoURL,
		CreatedAt:  started,
		UpdatedAt:  started,
	})
	log := s.logger.With("key", key.String(), "team_id", key.TeamID)

	dir, err := s.workspace.Prepare(key)
	if err != nil {
		return s.fail(ctx, e, "workspace", fmt.Errorf("%w: prepare workspace: %v", ErrLaunchFailure, err))
	}
	e.update(func(d *domain.Deployment) { d.SourceDir = dir })

	if repoURL != "" {
		branch := key.Branch
		if branch == domain.DefaultBranch {
			branch = ""
		}
		cloneCtx, cancelClone := context.WithTimeout(ctx, s.cfg.GitTimeout)
		err := s.clone(cloneCtx, repoURL, branch, dir)
		cancelClone()
		if err != nil {
			if ctx.Err() != nil {
				return s.abort(ctx, e, ctx.Err())
			}
			return s.fail(ctx, e, "clone", fmt.Errorf("%w: %v", ErrLaunchFailure, err))
		}
	}

	// Without a repository the detector sees no source and picks the scaffold.
	source := dir
	if repoURL == "" {
		source = ""
	}
	profile, err := s.detector.Detect(source)
	if err != nil {
		if !errors.Is(err, detect.ErrDetectionAmbiguous) {
			return s.fail(ctx, e, "detect", fmt.Errorf("%w: detect project: %v", ErrLaunchFailure, err))
		}
		log.Warn("project detection ambiguous", "rule", profile.Rule, "error", err)
	}
	if profile.Rule == detect.RuleScaffold {
		if err := s.workspace.WriteScaffold(dir, key); err != nil {
			return s.fail(ctx, e, "workspace", fmt.Errorf("%w: write scaffold: %v", ErrLaunchFailure, err))
		}
	}

	port, err := s.ports.Lease(key.String())
	if err != nil {
		if cleanupErr := s.workspace.Cleanup(dir); cleanupErr != nil {
			log.Warn("workspace cleanup failed", "dir", dir, "error", cleanupErr)
		}
		e.restore(prev)
		if errors.Is(err, ports.ErrPortExhaustion) {
			s.metrics.failure("port_exhaustion")
		}
		log.Warn("port lease refused", "error", err)
		return domain.Deployment{}, err
	}
	target := "http://" + net.JoinHostPort(s.cfg.HostAddress, strconv.Itoa(port))
	created := e.update(func(d *domain.Deployment) {
		d.Profile = profile
		d.Port = port
		d.ProxyTarget = target
	})
	var prevState domain.State
	if prev != nil {
		prevState = prev.State
	}
	s.metrics.transition(prevState, domain.StateCreating)
	s.publish(created, prevState)
	log.Info("deployment creating", "port", port, "kind", profile.Kind, "framework", profile.Framework, "rule", profile.Rule)

	if ctx.Err() != nil {
		return s.abort(ctx, e, ctx.Err())
	}
	s.transition(e, domain.StateStarting, nil)

	spec := runtime.LaunchSpec{
		Key:        key,
		Profile:    profile,
		Dir:        dir,
		Host:       s.cfg.HostAddress,
		Port:       port,
		Env:        s.environment(key, port, repoURL, publicPath),
		Limits:     s.cfg.Limits,
		RunInstall: s.cfg.RunInstall,
	}
	// Launch and health share one StartTimeout deadline.
	startCtx, cancelStart := context.WithTimeout(ctx, s.cfg.StartTimeout)
	defer cancelStart()
	inst, err := s.backend.Launch(startCtx, spec)
	if err != nil {
		switch {
		case ctx.Err() != nil:
			return s.abort(ctx, e, ctx.Err())
		case startCtx.Err() != nil:
			return s.fail(ctx, e, "launch_timeout", fmt.Errorf("%w: launch did not finish within %s: %v", ErrLaunchFailure, s.cfg.StartTimeout, err))
		}
		return s.fail(ctx, e, "launch", fmt.Errorf("%w: %v", ErrLaunchFailure, err))
	}
	e.setInstance(inst)

	err = runtime.WaitReady(startCtx, s.checker(profile), net.JoinHostPort(s.cfg.HostAddress, strconv.Itoa(port)), inst, s.cfg.Backoff)
	cancelStart()
	switch {
	case err == nil:
	case errors.Is(err, runtime.ErrInstanceExited):
		return s.fail(ctx, e, "exited", fmt.Errorf("%w: %v", ErrLaunchFailure, err))
	case ctx.Err() != nil:
		return s.abort(ctx, e, ctx.Err())
	default:
		return s.fail(ctx, e, "health_timeout", fmt.Errorf("%w after %s: %v", ErrHealthTimeout, s.cfg.StartTimeout, err))
	}

	if err := s.router.Register(publicPath, target); err != nil {
		return s.fail(ctx, e, "route", fmt.Errorf("%w: register route: %v", ErrLaunchFailure, err))
	}
	healthy := s.now()
	running := s.transition(e, domain.StateRunning, func(d *domain.Deployment) {
		d.LastHealthyAt = &healthy
	})
	s.metrics.started(healthy.Sub(started))
	go s.watch(e, inst)
	s.saveSpec(ctx, running)
	log.Info("deployment running", "port", port, "handle", running.Handle, "url", running.URL, "elapsed", healthy.Sub(started))
	return running, nil
}

// stopLocked moves the deployment through Stopping to Stopped. The caller
// holds e.lock.
func (s *Service) stopLocked(ctx context.Context, e *entry) {
	d, ok := e.snapshot()
	if !ok {
		return
	}
	switch d.State {
	case domain.StateStopped:
		return
	case domain.StateError:
		s.transition(e, domain.StateStopped, nil)
		return
	}
	s.router.Unregister(d.PublicPath)
	s.transition(e, domain.StateStopping, nil)
	s.releaseLocked(ctx, e, d)
	s.transition(e, domain.StateStopped, func(d *domain.Deployment) {
		d.Port = 0
		d.ProxyTarget = ""
	})
}

// fail releases everything held by the deployment and records cause.
func (s *Service) fail(ctx context.Context, e *entry, reason string, cause error) (domain.Deployment, error) {
	d, _ := e.snapshot()
	s.releaseLocked(ctx, e, d)
	failed := s.transition(e, domain.StateError, func(d *domain.Deployment) {
		d.LastError = cause.Error()
		d.Port = 0
		d.ProxyTarget = ""
	})
	s.metrics.failure(reason)
	s.logger.Error("deployment failed", "key", e.key.String(), "reason", reason, "error", cause)
	return failed, cause
}

// abort unwinds a create that was canceled by a stop, restart or shutdown.
func (s *Service) abort(ctx context.Context, e *entry, cause error) (domain.Deployment, error) {
	d, _ := e.snapshot()
	s.transition(e, domain.StateStopping, nil)
	s.releaseLocked(ctx, e, d)
	stopped := s.transition(e, domain.StateStopped, func(d *domain.Deployment) {
		d.Port = 0
		d.ProxyTarget = ""
	})
	s.logger.Info("deployment create canceled", "key", e.key.String())
	return stopped, fmt.Errorf("%w: %v", ErrCanceled, cause)
}

// releaseLocked unregisters the route, stops the instance, returns the port
// and removes the workspace. Every step tolerates already-released resources.
func (s *Service) releaseLocked(ctx context.Context, e *entry, d domain.Deployment) {
	ctx = context.WithoutCancel(ctx)
	if d.PublicPath != "" {
		s.router.Unregister(d.PublicPath)
	}
	if inst := e.takeInstance(); inst != nil {
		logCtx, cancelLogs := context.WithTimeout(ctx, 5*time.Second)
		if lines, err := inst.Logs(logCtx, s.cfg.LogTailDefault); err == nil {
			e.setLastLogs(lines)
		}
		cancelLogs()

		stopCtx, cancelStop := context.WithTimeout(ctx, s.cfg.StopGrace+stopSlack)
		if err := inst.Stop(stopCtx, s.cfg.StopGrace); err != nil {
			s.logger.Warn("instance stop failed", "key", e.key.String(), "handle", inst.Handle(), "error", err)
		}
		cancelStop()
	}
	if d.Port > 0 {
		s.ports.Release(d.Port)
	}
	if n := s.ports.ReleaseOwner(e.key.String()); n > 0 {
		s.logger.Warn("released stray port leases", "key", e.key.String(), "count", n)
	}
	if d.SourceDir != "" {
		if err := s.workspace.Cleanup(d.SourceDir); err != nil {
			s.logger.Warn("workspace cleanup failed", "key", e.key.String(), "dir", d.SourceDir, "error", err)
		}
	}
}

// watch moves a Running deployment to Error when its instance exits on its
// own. Exits of instances that were since replaced or stopped are ignored.
func (s *Service) watch(e *entry, inst runtime.Instance) {
	<-inst.Done()
	_ = e.acquire(context.Background())
	defer e.release()

	d, ok := e.snapshot()
	if !ok || d.State != domain.StateRunning || e.instance() != inst {
		return
	}
	cause := runtime.ErrInstanceExited
	if err := inst.Err(); err != nil {
		cause = fmt.Errorf("%w: %v", runtime.ErrInstanceExited, err)
	}
	s.fail(context.Background(), e, "crashed", cause)
}

// transition moves the record to next, emitting the event. Transitions the
// lifecycle does not allow are logged and skipped.
func (s *Service) transition(e *entry, next domain.State, mutate func(*domain.Deployment)) domain.Deployment {
	e.mu.Lock()
	prev := e.record.State
	if !prev.CanTransition(next) {
		snap := copyDeployment(*e.record)
		e.mu.Unlock()
		s.logger.Error("invalid state transition", "key", e.key.String(), "from", prev, "to", next)
		return snap
	}
	e.record.State = next
	e.record.UpdatedAt = s.now()
	if mutate != nil {
		mutate(e.record)
	}
	snap := copyDeployment(*e.record)
	e.mu.Unlock()

	s.metrics.transition(prev, next)
	s.publish(snap, prev)
	s.logger.Debug("deployment transition", "key", e.key.String(), "from", prev, "to", next)
	return snap
}

func (s *Service) publish(d domain.Deployment, prev domain.State) {
	if s.events == nil {
		return
	}
	s.events.Publish(events.Event{
		ID:            uuid.NewString(),
		Key:           d.Key.String(),
		TeamID:        d.Key.TeamID,
		Branch:        d.Key.Branch,
		State:         d.State,
		PreviousState: prev,
		Port:          d.Port,
		URL:           d.URL,
		Handle:        d.Handle,
		Error:         d.LastError,
		OccurredAt:    d.UpdatedAt,
	})
}

func (s *Service) environment(key domain.Key, port int, repoURL, publicPath string) map[string]string {
	env := map[string]string{
		"PORT":                strconv.Itoa(port),
		"HOST":                s.cfg.HostAddress,
		"PREVIEW_TEAM_ID":     key.TeamID,
		"PREVIEW_BRANCH":      key.Branch,
		"PREVIEW_PUBLIC_PATH": publicPath,
		"PREVIEW_URL":         s.publicURL(publicPath),
	}
	if repoURL != "" {
		env["PREVIEW_REPO_URL"] = git.Redact(repoURL)
	}
	return env
}

// checker picks the readiness probe. Profiles without an HTTP surface always
// get the fixed delay.
func (s *Service) checker(profile domain.ProjectProfile) runtime.Checker {
	if !profile.HTTP {
		return runtime.DelayChecker{Delay: s.cfg.HealthDelay}
	}
	switch s.cfg.HealthPolicy {
	case config.HealthTCP:
		return runtime.TCPChecker{Timeout: time.Second}
	case config.HealthDelay:
		return runtime.DelayChecker{Delay: s.cfg.HealthDelay}
	default:
		return runtime.HTTPChecker{Path: s.cfg.HealthPath}
	}
}
