// Package sqlite implements repository.StorageHandler on an embedded SQLite
// database for local runs and tests.
package sqlite

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite" // Pure-Go SQLite driver

	"github.com/knoguchi/scout/internal/repository"
)

//go:embed schema.sql
var schema string

// Timestamps are stored as fixed-width UTC text so that they sort lexically.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

// Store implements repository.StorageHandler.
type Store struct {
	db *sql.DB
}

// Open opens (creating if needed) the database at path. Use ":memory:" for a
// throwaway database.
func Open(ctx context.Context, path string) (*Store, error) {
	if path == "" {
		path = ":memory:"
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// One connection keeps :memory: databases and the foreign_keys pragma alive.
	db.SetMaxOpenConns(1)

	if _, err := db.ExecContext(ctx, "PRAGMA foreign_keys = ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}
	return &Store{db: db}, nil
}

// Migrate creates the tables if they do not exist.
func (s *Store) Migrate(ctx context.Context) error {
	for _, stmt := range strings.Split(schema, ";") {
		if strings.TrimSpace(stmt) == "" {
			continue
		}
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to apply schema: %w", err)
		}
	}
	return nil
}

// Ping checks the connection.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to parse timestamp %q: %w", s, err)
	}
	return t, nil
}

func notFound(err error) bool {
	return errors.Is(err, sql.ErrNoRows)
}

// Projects

// CreateProject creates a new project
func (s *Store) CreateProject(ctx context.Context, p *repository.Project) error {
	repository.PrepareNew(&p.ID, &p.CreatedAt)
	p.UpdatedAt = p.CreatedAt

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO project (id, name, results_summary, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?)
	`, p.ID.String(), p.Name, p.ResultsSummary, formatTime(p.CreatedAt), formatTime(p.UpdatedAt))
	if err != nil {
		return fmt.Errorf("failed to create project: %w", err)
	}
	return nil
}

// GetProject retrieves a project by ID
func (s *Store) GetProject(ctx context.Context, id uuid.UUID) (*repository.Project, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, name, results_summary, created_at, updated_at FROM project WHERE id = ?`, id.String())
	p, err := scanProject(row)
	if err != nil {
		if notFound(err) {
			return nil, repository.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get project: %w", err)
	}
	return p, nil
}

// ListProjects lists projects ordered by creation time
func (s *Store) ListProjects(ctx context.Context, filter repository.ProjectFilter) ([]*repository.Project, error) {
	query := `SELECT id, name, results_summary, created_at, updated_at FROM project`
	var args []any
	if filter.Name != "" {
		query += ` WHERE name = ?`
		args = append(args, filter.Name)
	}
	query += ` ORDER BY created_at, rowid`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list projects: %w", err)
	}
	defer rows.Close()

	var projects []*repository.Project
	for rows.Next() {
		p, err := scanProject(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan project: %w", err)
		}
		projects = append(projects, p)
	}
	return projects, rows.Err()
}

// UpdateProjectSummary replaces the results summary of a project
func (s *Store) UpdateProjectSummary(ctx context.Context, id uuid.UUID, summary string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE project SET results_summary = ?, updated_at = ? WHERE id = ?`,
		summary, formatTime(time.Now()), id.String())
	if err != nil {
		return fmt.Errorf("failed to update project summary: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to update project summary: %w", err)
	}
	if n == 0 {
		return repository.ErrNotFound
	}
	return nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanProject(row scanner) (*repository.Project, error) {
	var (
		p                repository.Project
		created, updated string
	)
	if err := row.Scan(&p.ID, &p.Name, &p.ResultsSummary, &created, &updated); err != nil {
		return nil, err
	}
	var err error
	if p.CreatedAt, err = parseTime(created); err != nil {
		return nil, err
	}
	if p.UpdatedAt, err = parseTime(updated); err != nil {
		return nil, err
	}
	return &p, nil
}

var _ repository.StorageHandler = (*Store)(nil)
