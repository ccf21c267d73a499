package postgres

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/knoguchi/scout/internal/repository"
)

// ResultRepo implements repository.ResultRepository
type ResultRepo struct {
	db *DB
}

// NewResultRepo creates a new result repository
func NewResultRepo(db *DB) *ResultRepo {
	return &ResultRepo{db: db}
}

// CreateResult stores a result and its cited chunks in one transaction
func (r *ResultRepo) CreateResult(ctx context.Context, res *repository.Result) error {
	repository.PrepareNew(&res.ID, &res.CreatedAt)

	err := pgx.BeginFunc(ctx, r.db.Pool, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx, `
			INSERT INTO result (id, project_id, criterion_id, answer, full_text, created_at)
			VALUES ($1, $2, $3, $4, $5, $6)
		`, res.ID, res.ProjectID, res.CriterionID, string(res.Answer), res.FullText, res.CreatedAt)
		if err != nil {
			return fmt.Errorf("failed to create result: %w", err)
		}

		if len(res.ChunkIDs) == 0 {
			return nil
		}
		batch := &pgx.Batch{}
		for i, chunkID := range res.ChunkIDs {
			batch.Queue(`INSERT INTO result_chunks (result_id, chunk_id, position) VALUES ($1, $2, $3)`,
				res.ID, chunkID, i)
		}
		results := tx.SendBatch(ctx, batch)
		defer results.Close()
		for range res.ChunkIDs {
			if _, err := results.Exec(); err != nil {
				return fmt.Errorf("failed to link result chunk: %w", err)
			}
		}
		return nil
	})
	return err
}

// ListResults lists a project's results, oldest first, with cited chunks in citation order
func (r *ResultRepo) ListResults(ctx context.Context, projectID uuid.UUID) ([]*repository.Result, error) {
	rows, err := r.db.Pool.Query(ctx, `
		SELECT r.id, r.project_id, r.criterion_id, r.answer, r.full_text, r.created_at,
		       COALESCE(array_agg(rc.chunk_id::text ORDER BY rc.position) FILTER (WHERE rc.chunk_id IS NOT NULL), '{}')
		FROM result r
		LEFT JOIN result_chunks rc ON rc.result_id = r.id
		WHERE r.project_id = $1
		GROUP BY r.id
		ORDER BY r.created_at, r.id
	`, projectID)
	if err != nil {
		return nil, fmt.Errorf("failed to list results: %w", err)
	}
	defer rows.Close()

	var results []*repository.Result
	for rows.Next() {
		var (
			res      repository.Result
			answer   string
			chunkIDs []string
		)
		if err := rows.Scan(&res.ID, &res.ProjectID, &res.CriterionID, &answer, &res.FullText, &res.CreatedAt, &chunkIDs); err != nil {
			return nil, fmt.Errorf("failed to scan result: %w", err)
		}
		res.Answer = repository.Answer(answer)
		for _, s := range chunkIDs {
			id, err := uuid.Parse(s)
			if err != nil {
				return nil, fmt.Errorf("failed to parse chunk id %q: %w", s, err)
			}
			res.ChunkIDs = append(res.ChunkIDs, id)
		}
		results = append(results, &res)
	}
	return results, rows.Err()
}

var _ repository.ResultRepository = (*ResultRepo)(nil)
