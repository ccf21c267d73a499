package sqlite

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/knoguchi/scout/internal/repository"
)

// CreateCriterion creates a new criterion
func (s *Store) CreateCriterion(ctx context.Context, c *repository.Criterion) error {
	repository.PrepareNew(&c.ID, &c.CreatedAt)

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO criterion (id, gate, category, question, evidence, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, c.ID.String(), string(c.Gate), c.Category, c.Question, c.Evidence, formatTime(c.CreatedAt))
	if err != nil {
		return fmt.Errorf("failed to create criterion: %w", err)
	}
	return nil
}

// GetCriterion retrieves a criterion by ID
func (s *Store) GetCriterion(ctx context.Context, id uuid.UUID) (*repository.Criterion, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, gate, category, question, evidence, created_at FROM criterion WHERE id = ?`, id.String())
	c, err := scanCriterion(row)
	if err != nil {
		if notFound(err) {
			return nil, repository.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get criterion: %w", err)
	}
	return c, nil
}

// ListCriteria lists criteria in creation order, optionally limited to a
// project and a gate.
func (s *Store) ListCriteria(ctx context.Context, filter repository.CriterionFilter) ([]*repository.Criterion, error) {
	query := `SELECT c.id, c.gate, c.category, c.question, c.evidence, c.created_at FROM criterion c`
	var (
		where []string
		args  []any
	)
	if filter.ProjectID != uuid.Nil {
		query += ` JOIN project_criteria pc ON pc.criterion_id = c.id`
		where = append(where, "pc.project_id = ?")
		args = append(args, filter.ProjectID.String())
	}
	if filter.Gate != repository.GateUnknown {
		where = append(where, "c.gate = ?")
		args = append(args, string(filter.Gate))
	}
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	query += ` ORDER BY c.created_at, c.rowid`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list criteria: %w", err)
	}
	defer rows.Close()

	var criteria []*repository.Criterion
	for rows.Next() {
		c, err := scanCriterion(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan criterion: %w", err)
		}
		criteria = append(criteria, c)
	}
	return criteria, rows.Err()
}

// LinkCriterion attaches a criterion to a project. Linking twice is a no-op.
func (s *Store) LinkCriterion(ctx context.Context, projectID, criterionID uuid.UUID) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO project_criteria (project_id, criterion_id) VALUES (?, ?)`,
		projectID.String(), criterionID.String())
	if err != nil {
		return fmt.Errorf("failed to link criterion: %w", err)
	}
	return nil
}

func scanCriterion(row scanner) (*repository.Criterion, error) {
	var (
		c             repository.Criterion
		gate, created string
	)
	if err := row.Scan(&c.ID, &gate, &c.Category, &c.Question, &c.Evidence, &created); err != nil {
		return nil, err
	}
	c.Gate = repository.Gate(gate)
	var err error
	if c.CreatedAt, err = parseTime(created); err != nil {
		return nil, err
	}
	return &c, nil
}
