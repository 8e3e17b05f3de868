// Package repository persists the preview specs needed to restart a key.
package repository

import (
	"context"
	"errors"

	"github.com/splax/previewd/internal/domain"
)

var (
	// ErrNotFound indicates an entity was not located.
	ErrNotFound = errors.New("repository: not found")
	// ErrInvalidArgument indicates the caller supplied an unusable value.
	ErrInvalidArgument = errors.New("repository: invalid argument")
)

// SpecRepository stores the minimum needed to recreate a deployment.
type SpecRepository interface {
	UpsertPreviewSpec(ctx context.Context, spec domain.PreviewSpec) error
	GetPreviewSpec(ctx context.Context, key domain.Key) (domain.PreviewSpec, error)
	DeletePreviewSpec(ctx context.Context, key domain.Key) error
	ListPreviewSpecs(ctx context.Context, teamID string) ([]domain.PreviewSpec, error)
}
