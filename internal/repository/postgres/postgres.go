// Package postgres stores preview specs in PostgreSQL.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/splax/previewd/internal/domain"
	"github.com/splax/previewd/internal/repository"
	"github.com/splax/previewd/pkg/crypto"
)

// Repository implements repository.SpecRepository on a pgx pool.
type Repository struct {
	pool   *pgxpool.Pool
	sealer *crypto.Sealer
}

// Option customises a Repository.
type Option func(*Repository)

// WithSealer encrypts repo_url at rest. A nil sealer stores plaintext.
func WithSealer(s *crypto.Sealer) Option {
	return func(r *Repository) {
		r.sealer = s
	}
}

// New constructs a Repository.
func New(pool *pgxpool.Pool, opts ...Option) *Repository {
	r := &Repository{pool: pool}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

var _ repository.SpecRepository = (*Repository)(nil)

// UpsertPreviewSpec inserts or replaces the spec for its key.
func (r *Repository) UpsertPreviewSpec(ctx context.Context, spec domain.PreviewSpec) error {
	if err := spec.Key.Validate(); err != nil {
		return repository.ErrInvalidArgument
	}
	if spec.UpdatedAt.IsZero() {
		spec.UpdatedAt = time.Now().UTC()
	}
	repoURL, err := r.sealer.Seal(spec.RepoURL)
	if err != nil {
		return fmt.Errorf("seal repo url: %w", err)
	}
	const query = `INSERT INTO preview_specs (team_id, branch, repo_url, updated_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (team_id, branch) DO UPDATE SET repo_url = EXCLUDED.repo_url, updated_at = EXCLUDED.updated_at`
	_, err = r.pool.Exec(ctx, query, spec.Key.TeamID, spec.Key.Branch, repoURL, spec.UpdatedAt.UTC())
	return err
}

// GetPreviewSpec returns the spec stored for key.
func (r *Repository) GetPreviewSpec(ctx context.Context, key domain.Key) (domain.PreviewSpec, error) {
	const query = `SELECT team_id, branch, repo_url, updated_at FROM preview_specs WHERE team_id = $1 AND branch = $2`
	row := r.pool.QueryRow(ctx, query, key.TeamID, key.Branch)
	spec, err := r.scanSpec(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.PreviewSpec{}, repository.ErrNotFound
		}
		return domain.PreviewSpec{}, err
	}
	return spec, nil
}

// DeletePreviewSpec removes the spec for key.
func (r *Repository) DeletePreviewSpec(ctx context.Context, key domain.Key) error {
	const query = `DELETE FROM preview_specs WHERE team_id = $1 AND branch = $2`
	tag, err := r.pool.Exec(ctx, query, key.TeamID, key.Branch)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return repository.ErrNotFound
	}
	return nil
}

// ListPreviewSpecs lists specs for a team, or all specs when teamID is empty.
func (r *Repository) ListPreviewSpecs(ctx context.Context, teamID string) ([]domain.PreviewSpec, error) {
	const query = `SELECT team_id, branch, repo_url, updated_at FROM preview_specs
		WHERE $1 = '' OR team_id = $1
		ORDER BY team_id, branch`
	rows, err := r.pool.Query(ctx, query, teamID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	specs := make([]domain.PreviewSpec, 0)
	for rows.Next() {
		spec, err := r.scanSpec(rows)
		if err != nil {
			return nil, err
		}
		specs = append(specs, spec)
	}
	return specs, rows.Err()
}

func (r *Repository) scanSpec(row pgx.Row) (domain.PreviewSpec, error) {
	var spec domain.PreviewSpec
	if err := row.Scan(&spec.Key.TeamID, &spec.Key.Branch, &spec.RepoURL, &spec.UpdatedAt); err != nil {
		return domain.PreviewSpec{}, err
	}
	repoURL, err := r.sealer.Open(spec.RepoURL)
	if err != nil {
		return domain.PreviewSpec{}, fmt.Errorf("open repo url for %s: %w", spec.Key.String(), err)
	}
	spec.RepoURL = repoURL
	return spec, nil
}
