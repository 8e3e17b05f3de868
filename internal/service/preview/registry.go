package preview

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/splax/previewd/internal/domain"
	"github.com/splax/previewd/internal/repository"
)

// CreateRequest asks for a deployment of RepoURL on Key. An empty RepoURL
// serves a scaffold page.
type CreateRequest struct {
	Key     domain.Key
	RepoURL string
}

// RestartResult reports the deployment produced by a restart.
type RestartResult struct {
	Deployment   domain.Deployment
	PreviousPort int
	PortChanged  bool
}

func (s *Service) entry(key domain.Key) *entry {
	v, _ := s.entries.LoadOrStore(key.String(), newEntry(key))
	return v.(*entry)
}

func (s *Service) lookup(key domain.Key) (*entry, bool) {
	v, ok := s.entries.Load(key.String())
	if !ok {
		return nil, false
	}
	return v.(*entry), true
}

// GetOrCreate returns the Running deployment for the key, creating it when
// none is active. Concurrent callers for one key wait for a single create.
func (s *Service) GetOrCreate(ctx context.Context, req CreateRequest) (domain.Deployment, error) {
	if s.closing.Load() {
		return domain.Deployment{}, ErrShuttingDown
	}
	if err := req.Key.Validate(); err != nil {
		return domain.Deployment{}, fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}
	e := s.entry(req.Key)
	if d, ok := e.snapshot(); ok && d.State == domain.StateRunning {
		return d, nil
	}
	if err := e.acquire(ctx); err != nil {
		return domain.Deployment{}, err
	}
	defer e.release()

	if d, ok := e.snapshot(); ok && d.State == domain.StateRunning {
		return d, nil
	}
	return s.createLocked(ctx, e, req.RepoURL)
}

// Stop tears down the deployment for key. Stopping an already stopped
// deployment, or one another caller is stopping, succeeds without effect.
func (s *Service) Stop(ctx context.Context, key domain.Key) (domain.Deployment, error) {
	e, ok := s.lookup(key)
	if !ok {
		return domain.Deployment{}, ErrNotFound
	}
	if d, ok := e.snapshot(); ok && d.State == domain.StateStopping {
		return d, nil
	}
	e.cancelCreate()
	if err := e.acquire(ctx); err != nil {
		return domain.Deployment{}, err
	}
	defer e.release()

	if _, ok := e.snapshot(); !ok {
		return domain.Deployment{}, ErrNotFound
	}
	s.stopLocked(context.WithoutCancel(ctx), e)
	d, _ := e.snapshot()
	return d, nil
}

// Restart stops the deployment for key and creates it again from the same
// source. A key with no live record is recreated from its persisted spec.
func (s *Service) Restart(ctx context.Context, key domain.Key) (RestartResult, error) {
	if s.closing.Load() {
		return RestartResult{}, ErrShuttingDown
	}
	if err := key.Validate(); err != nil {
		return RestartResult{}, fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}
	e := s.entry(key)
	e.cancelCreate()
	if err := e.acquire(ctx); err != nil {
		return RestartResult{}, err
	}
	defer e.release()

	prev, ok := e.snapshot()
	repoURL := prev.RepoURL
	if !ok {
		spec, err := s.loadSpec(ctx, key)
		if err != nil {
			return RestartResult{}, err
		}
		repoURL = spec.RepoURL
	}

	s.stopLocked(context.WithoutCancel(ctx), e)
	d, err := s.createLocked(ctx, e, repoURL)
	result := RestartResult{Deployment: d, PreviousPort: prev.Port}
	result.PortChanged = prev.Port != 0 && d.Port != 0 && d.Port != prev.Port
	if err != nil {
		return result, err
	}
	s.logger.Info("deployment restarted", "key", key.String(), "port", d.Port, "previous_port", prev.Port, "handle", d.Handle)
	return result, nil
}

// Get returns the current record for key.
func (s *Service) Get(key domain.Key) (domain.Deployment, bool) {
	e, ok := s.lookup(key)
	if !ok {
		return domain.Deployment{}, false
	}
	return e.snapshot()
}

// List returns the records for teamID, or every record when teamID is empty,
// ordered by key.
func (s *Service) List(teamID string) []domain.Deployment {
	out := make([]domain.Deployment, 0)
	s.entries.Range(func(_, v any) bool {
		e := v.(*entry)
		if teamID != "" && e.key.TeamID != teamID {
			return true
		}
		if d, ok := e.snapshot(); ok {
			out = append(out, d)
		}
		return true
	})
	sort.Slice(out, func(i, j int) bool { return out[i].Key.String() < out[j].Key.String() })
	return out
}

// Shutdown refuses new work and stops every deployment concurrently. It
// returns once all are stopped or ctx ends.
func (s *Service) Shutdown(ctx context.Context) error {
	s.closing.Store(true)
	var g errgroup.Group
	s.entries.Range(func(_, v any) bool {
		e := v.(*entry)
		e.cancelCreate()
		g.Go(func() error {
			if err := e.acquire(ctx); err != nil {
				return fmt.Errorf("stop %s: %w", e.key.String(), err)
			}
			defer e.release()
			s.stopLocked(ctx, e)
			return nil
		})
		return true
	})
	err := g.Wait()
	if err != nil {
		s.logger.Warn("shutdown incomplete", "error", err)
	}
	return err
}

func (s *Service) loadSpec(ctx context.Context, key domain.Key) (domain.PreviewSpec, error) {
	if s.specs == nil {
		return domain.PreviewSpec{}, ErrNotFound
	}
	spec, err := s.specs.GetPreviewSpec(ctx, key)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return domain.PreviewSpec{}, ErrNotFound
		}
		return domain.PreviewSpec{}, fmt.Errorf("load preview spec: %w", err)
	}
	return spec, nil
}

func (s *Service) saveSpec(ctx context.Context, d domain.Deployment) {
	if s.specs == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	spec := domain.PreviewSpec{Key: d.Key, RepoURL: d.RepoURL, UpdatedAt: s.now()}
	if err := s.specs.UpsertPreviewSpec(ctx, spec); err != nil {
		s.logger.Warn("persist preview spec failed", "key", d.Key.String(), "error", err)
	}
}
