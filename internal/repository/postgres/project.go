package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/knoguchi/scout/internal/repository"
)

// ProjectRepo implements repository.ProjectRepository
type ProjectRepo struct {
	db *DB
}

// NewProjectRepo creates a new project repository
func NewProjectRepo(db *DB) *ProjectRepo {
	return &ProjectRepo{db: db}
}

// CreateProject creates a new project
func (r *ProjectRepo) CreateProject(ctx context.Context, p *repository.Project) error {
	repository.PrepareNew(&p.ID, &p.CreatedAt)
	p.UpdatedAt = p.CreatedAt

	query := `
		INSERT INTO project (id, name, results_summary, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5)
	`
	_, err := r.db.Pool.Exec(ctx, query, p.ID, p.Name, p.ResultsSummary, p.CreatedAt, p.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to create project: %w", err)
	}
	return nil
}

// GetProject retrieves a project by ID
func (r *ProjectRepo) GetProject(ctx context.Context, id uuid.UUID) (*repository.Project, error) {
	query := `
		SELECT id, name, results_summary, created_at, updated_at
		FROM project
		WHERE id = $1
	`
	var p repository.Project
	err := r.db.Pool.QueryRow(ctx, query, id).Scan(&p.ID, &p.Name, &p.ResultsSummary, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get project: %w", err)
	}
	return &p, nil
}

// ListProjects lists projects ordered by creation time
func (r *ProjectRepo) ListProjects(ctx context.Context, filter repository.ProjectFilter) ([]*repository.Project, error) {
	query := `SELECT id, name, results_summary, created_at, updated_at FROM project`
	var args []any
	if filter.Name != "" {
		query += ` WHERE name = $1`
		args = append(args, filter.Name)
	}
	query += ` ORDER BY created_at, id`

	rows, err := r.db.Pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list projects: %w", err)
	}
	defer rows.Close()

	var projects []*repository.Project
	for rows.Next() {
		var p repository.Project
		if err := rows.Scan(&p.ID, &p.Name, &p.ResultsSummary, &p.CreatedAt, &p.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan project: %w", err)
		}
		projects = append(projects, &p)
	}
	return projects, rows.Err()
}

// UpdateProjectSummary replaces the results summary of a project
func (r *ProjectRepo) UpdateProjectSummary(ctx context.Context, id uuid.UUID, summary string) error {
	result, err := r.db.Pool.Exec(ctx,
		`UPDATE project SET results_summary = $2, updated_at = NOW() WHERE id = $1`, id, summary)
	if err != nil {
		return fmt.Errorf("failed to update project summary: %w", err)
	}
	if result.RowsAffected() == 0 {
		return repository.ErrNotFound
	}
	return nil
}

var _ repository.ProjectRepository = (*ProjectRepo)(nil)
