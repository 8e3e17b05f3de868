// Package memory keeps preview specs in process memory.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/splax/previewd/internal/domain"
	"github.com/splax/previewd/internal/repository"
)

// Repository is an in-memory SpecRepository.
type Repository struct {
	mu    sync.RWMutex
	specs map[domain.Key]domain.PreviewSpec
}

// New constructs an empty Repository.
func New() *Repository {
	return &Repository{specs: make(map[domain.Key]domain.PreviewSpec)}
}

var _ repository.SpecRepository = (*Repository)(nil)

// UpsertPreviewSpec stores spec, replacing any previous one for the key.
func (r *Repository) UpsertPreviewSpec(_ context.Context, spec domain.PreviewSpec) error {
	if err := spec.Key.Validate(); err != nil {
		return repository.ErrInvalidArgument
	}
	if spec.UpdatedAt.IsZero() {
		spec.UpdatedAt = time.Now().UTC()
	}
	r.mu.Lock()
	r.specs[spec.Key] = spec
	r.mu.Unlock()
	return nil
}

// GetPreviewSpec returns the stored spec for key.
func (r *Repository) GetPreviewSpec(_ context.Context, key domain.Key) (domain.PreviewSpec, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	spec, ok := r.specs[key]
	if !ok {
		return domain.PreviewSpec{}, repository.ErrNotFound
	}
	return spec, nil
}

// DeletePreviewSpec removes the spec for key.
func (r *Repository) DeletePreviewSpec(_ context.Context, key domain.Key) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.specs[key]; !ok {
		return repository.ErrNotFound
	}
	delete(r.specs, key)
	return nil
}

// ListPreviewSpecs returns specs for teamID, or every spec when teamID is empty.
func (r *Repository) ListPreviewSpecs(_ context.Context, teamID string) ([]domain.PreviewSpec, error) {
	r.mu.RLock()
	out := make([]domain.PreviewSpec, 0, len(r.specs))
	for key, spec := range r.specs {
		if teamID != "" && key.TeamID != teamID {
			continue
		}
		out = append(out, spec)
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Key.String() < out[j].Key.String() })
	return out, nil
}
