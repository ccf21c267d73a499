package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/knoguchi/scout/internal/repository"
)

// CriterionRepo implements repository.CriterionRepository
type CriterionRepo struct {
	db *DB
}

// NewCriterionRepo creates a new criterion repository
func NewCriterionRepo(db *DB) *CriterionRepo {
	return &CriterionRepo{db: db}
}

// CreateCriterion creates a new criterion
func (r *CriterionRepo) CreateCriterion(ctx context.Context, c *repository.Criterion) error {
	repository.PrepareNew(&c.ID, &c.CreatedAt)

	query := `
		INSERT INTO criterion (id, gate, category, question, evidence, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`
	_, err := r.db.Pool.Exec(ctx, query, c.ID, string(c.Gate), c.Category, c.Question, c.Evidence, c.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to create criterion: %w", err)
	}
	return nil
}

// GetCriterion retrieves a criterion by ID
func (r *CriterionRepo) GetCriterion(ctx context.Context, id uuid.UUID) (*repository.Criterion, error) {
	row := r.db.Pool.QueryRow(ctx,
		`SELECT id, gate, category, question, evidence, created_at FROM criterion WHERE id = $1`, id)
	c, err := scanCriterion(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get criterion: %w", err)
	}
	return c, nil
}

// ListCriteria lists criteria, optionally limited to a project and a gate.
// Criteria come back in creation order, which is the evaluation order.
func (r *CriterionRepo) ListCriteria(ctx context.Context, filter repository.CriterionFilter) ([]*repository.Criterion, error) {
	query := `SELECT c.id, c.gate, c.category, c.question, c.evidence, c.created_at FROM criterion c`
	var (
		where []string
		args  []any
	)
	if filter.ProjectID != uuid.Nil {
		query += ` JOIN project_criteria pc ON pc.criterion_id = c.id`
		args = append(args, filter.ProjectID)
		where = append(where, fmt.Sprintf("pc.project_id = $%d", len(args)))
	}
	if filter.Gate != repository.GateUnknown {
		args = append(args, string(filter.Gate))
		where = append(where, fmt.Sprintf("c.gate = $%d", len(args)))
	}
	for i, w := range where {
		if i == 0 {
			query += ` WHERE ` + w
		} else {
			query += ` AND ` + w
		}
	}
	query += ` ORDER BY c.created_at, c.seq`

	rows, err := r.db.Pool.Query(ctx, query, args...)
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
func (r *CriterionRepo) LinkCriterion(ctx context.Context, projectID, criterionID uuid.UUID) error {
	_, err := r.db.Pool.Exec(ctx, `
		INSERT INTO project_criteria (project_id, criterion_id)
		VALUES ($1, $2)
		ON CONFLICT DO NOTHING
	`, projectID, criterionID)
	if err != nil {
		return fmt.Errorf("failed to link criterion: %w", err)
	}
	return nil
}

func scanCriterion(row pgx.Row) (*repository.Criterion, error) {
	var (
		c    repository.Criterion
		gate string
	)
	if err := row.Scan(&c.ID, &gate, &c.Category, &c.Question, &c.Evidence, &c.CreatedAt); err != nil {
		return nil, err
	}
	c.Gate = repository.Gate(gate)
	return &c, nil
}

var _ repository.CriterionRepository = (*CriterionRepo)(nil)
