package sqlite

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/knoguchi/scout/internal/repository"
)

// CreateResult stores a result and its cited chunks in one transaction
func (s *Store) CreateResult(ctx context.Context, r *repository.Result) error {
	repository.PrepareNew(&r.ID, &r.CreatedAt)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO result (id, project_id, criterion_id, answer, full_text, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, r.ID.String(), r.ProjectID.String(), r.CriterionID.String(), string(r.Answer), r.FullText, formatTime(r.CreatedAt))
	if err != nil {
		return fmt.Errorf("failed to create result: %w", err)
	}

	for i, chunkID := range r.ChunkIDs {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO result_chunks (result_id, chunk_id, position) VALUES (?, ?, ?)`,
			r.ID.String(), chunkID.String(), i)
		if err != nil {
			return fmt.Errorf("failed to link result chunk: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit result: %w", err)
	}
	return nil
}

// ListResults lists a project's results, oldest first, with cited chunks in citation order
func (s *Store) ListResults(ctx context.Context, projectID uuid.UUID) ([]*repository.Result, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, project_id, criterion_id, answer, full_text, created_at
		FROM result
		WHERE project_id = ?
		ORDER BY created_at, rowid
	`, projectID.String())
	if err != nil {
		return nil, fmt.Errorf("failed to list results: %w", err)
	}

	var results []*repository.Result
	for rows.Next() {
		var (
			res             repository.Result
			answer, created string
		)
		if err := rows.Scan(&res.ID, &res.ProjectID, &res.CriterionID, &answer, &res.FullText, &created); err != nil {
			rows.Close()
			return nil, fmt.Errorf("failed to scan result: %w", err)
		}
		res.Answer = repository.Answer(answer)
		if res.CreatedAt, err = parseTime(created); err != nil {
			rows.Close()
			return nil, err
		}
		results = append(results, &res)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, fmt.Errorf("failed to list results: %w", err)
	}
	// The single connection must be released before the chunk queries.
	rows.Close()

	for _, res := range results {
		if res.ChunkIDs, err = s.resultChunkIDs(ctx, res.ID); err != nil {
			return nil, err
		}
	}
	return results, nil
}

func (s *Store) resultChunkIDs(ctx context.Context, resultID uuid.UUID) ([]uuid.UUID, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT chunk_id FROM result_chunks WHERE result_id = ? ORDER BY position`, resultID.String())
	if err != nil {
		return nil, fmt.Errorf("failed to list result chunks: %w", err)
	}
	defer rows.Close()

	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan result chunk: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
