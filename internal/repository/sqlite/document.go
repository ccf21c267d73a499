package sqlite

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/knoguchi/scout/internal/repository"
)

const fileColumns = `id, project_id, type, name, clean_name, summary, source, published_date,
		s3_bucket, s3_key, storage_kind, url, created_at`

// CreateFile creates a new file
func (s *Store) CreateFile(ctx context.Context, f *repository.File) error {
	repository.PrepareNew(&f.ID, &f.CreatedAt)
	if f.StorageKind == "" {
		f.StorageKind = "local"
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO file (`+fileColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, f.ID.String(), f.ProjectID.String(), f.Type, f.Name, f.CleanName, f.Summary, f.Source,
		f.PublishedDate, f.S3Bucket, f.S3Key, f.StorageKind, f.URL, formatTime(f.CreatedAt))
	if err != nil {
		return fmt.Errorf("failed to create file: %w", err)
	}
	return nil
}

// GetFile retrieves a file by ID
func (s *Store) GetFile(ctx context.Context, id uuid.UUID) (*repository.File, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+fileColumns+` FROM file WHERE id = ?`, id.String())
	f, err := scanFile(row)
	if err != nil {
		if notFound(err) {
			return nil, repository.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get file: %w", err)
	}
	return f, nil
}

// ListFiles lists the files of a project
func (s *Store) ListFiles(ctx context.Context, projectID uuid.UUID) ([]*repository.File, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+fileColumns+` FROM file WHERE project_id = ? ORDER BY created_at, rowid`, projectID.String())
	if err != nil {
		return nil, fmt.Errorf("failed to list files: %w", err)
	}
	defer rows.Close()

	var files []*repository.File
	for rows.Next() {
		f, err := scanFile(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan file: %w", err)
		}
		files = append(files, f)
	}
	return files, rows.Err()
}

func scanFile(row scanner) (*repository.File, error) {
	var (
		f       repository.File
		created string
	)
	err := row.Scan(&f.ID, &f.ProjectID, &f.Type, &f.Name, &f.CleanName, &f.Summary, &f.Source,
		&f.PublishedDate, &f.S3Bucket, &f.S3Key, &f.StorageKind, &f.URL, &created)
	if err != nil {
		return nil, err
	}
	if f.CreatedAt, err = parseTime(created); err != nil {
		return nil, err
	}
	return &f, nil
}

// CreateChunks inserts chunks in a single transaction
func (s *Store) CreateChunks(ctx context.Context, chunks []*repository.Chunk) error {
	if len(chunks) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO chunk (id, file_id, idx, page_num, text, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare statement: %w", err)
	}
	defer stmt.Close()

	for _, c := range chunks {
		repository.PrepareNew(&c.ID, &c.CreatedAt)
		if _, err := stmt.ExecContext(ctx, c.ID.String(), c.FileID.String(), c.Idx, c.PageNum, c.Text, formatTime(c.CreatedAt)); err != nil {
			return fmt.Errorf("failed to create chunk: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit chunks: %w", err)
	}
	return nil
}

// GetChunk retrieves a chunk by ID
func (s *Store) GetChunk(ctx context.Context, id uuid.UUID) (*repository.Chunk, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, file_id, idx, page_num, text, created_at FROM chunk WHERE id = ?`, id.String())
	c, err := scanChunk(row)
	if err != nil {
		if notFound(err) {
			return nil, repository.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get chunk: %w", err)
	}
	return c, nil
}

// ListChunks retrieves the chunks of a file in index order
func (s *Store) ListChunks(ctx context.Context, fileID uuid.UUID) ([]*repository.Chunk, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, file_id, idx, page_num, text, created_at
		FROM chunk
		WHERE file_id = ?
		ORDER BY idx
	`, fileID.String())
	if err != nil {
		return nil, fmt.Errorf("failed to list chunks: %w", err)
	}
	defer rows.Close()

	var chunks []*repository.Chunk
	for rows.Next() {
		c, err := scanChunk(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan chunk: %w", err)
		}
		chunks = append(chunks, c)
	}
	return chunks, rows.Err()
}

func scanChunk(row scanner) (*repository.Chunk, error) {
	var (
		c       repository.Chunk
		created string
	)
	if err := row.Scan(&c.ID, &c.FileID, &c.Idx, &c.PageNum, &c.Text, &created); err != nil {
		return nil, err
	}
	var err error
	if c.CreatedAt, err = parseTime(created); err != nil {
		return nil, err
	}
	return &c, nil
}
