package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/knoguchi/scout/internal/repository"
)

const fileColumns = `id, project_id, type, name, clean_name, summary, source, published_date,
		s3_bucket, s3_key, storage_kind, url, created_at`

// DocumentRepo implements repository.DocumentRepository
type DocumentRepo struct {
	db *DB
}

// NewDocumentRepo creates a new document repository
func NewDocumentRepo(db *DB) *DocumentRepo {
	return &DocumentRepo{db: db}
}

// CreateFile creates a new file
func (r *DocumentRepo) CreateFile(ctx context.Context, f *repository.File) error {
	repository.PrepareNew(&f.ID, &f.CreatedAt)
	if f.StorageKind == "" {
		f.StorageKind = "local"
	}

	query := `
		INSERT INTO file (` + fileColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
	`
	_, err := r.db.Pool.Exec(ctx, query,
		f.ID, f.ProjectID, f.Type, f.Name, f.CleanName, f.Summary, f.Source, f.PublishedDate,
		f.S3Bucket, f.S3Key, f.StorageKind, f.URL, f.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to create file: %w", err)
	}
	return nil
}

// GetFile retrieves a file by ID
func (r *DocumentRepo) GetFile(ctx context.Context, id uuid.UUID) (*repository.File, error) {
	row := r.db.Pool.QueryRow(ctx, `SELECT `+fileColumns+` FROM file WHERE id = $1`, id)
	f, err := scanFile(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get file: %w", err)
	}
	return f, nil
}

// ListFiles lists the files of a project
func (r *DocumentRepo) ListFiles(ctx context.Context, projectID uuid.UUID) ([]*repository.File, error) {
	rows, err := r.db.Pool.Query(ctx,
		`SELECT `+fileColumns+` FROM file WHERE project_id = $1 ORDER BY created_at, id`, projectID)
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

func scanFile(row pgx.Row) (*repository.File, error) {
	var f repository.File
	err := row.Scan(&f.ID, &f.ProjectID, &f.Type, &f.Name, &f.CleanName, &f.Summary, &f.Source,
		&f.PublishedDate, &f.S3Bucket, &f.S3Key, &f.StorageKind, &f.URL, &f.CreatedAt)
	if err != nil {
		return nil, err
	}
	return &f, nil
}

// CreateChunks creates multiple chunks in one round trip
func (r *DocumentRepo) CreateChunks(ctx context.Context, chunks []*repository.Chunk) error {
	if len(chunks) == 0 {
		return nil
	}

	batch := &pgx.Batch{}
	for _, chunk := range chunks {
		repository.PrepareNew(&chunk.ID, &chunk.CreatedAt)
		batch.Queue(`
			INSERT INTO chunk (id, file_id, idx, page_num, text, created_at)
			VALUES ($1, $2, $3, $4, $5, $6)
		`, chunk.ID, chunk.FileID, chunk.Idx, chunk.PageNum, chunk.Text, chunk.CreatedAt)
	}

	results := r.db.Pool.SendBatch(ctx, batch)
	defer results.Close()

	for range chunks {
		if _, err := results.Exec(); err != nil {
			return fmt.Errorf("failed to create chunk: %w", err)
		}
	}

	return nil
}

// GetChunk retrieves a chunk by ID
func (r *DocumentRepo) GetChunk(ctx context.Context, id uuid.UUID) (*repository.Chunk, error) {
	var c repository.Chunk
	err := r.db.Pool.QueryRow(ctx,
		`SELECT id, file_id, idx, page_num, text, created_at FROM chunk WHERE id = $1`, id,
	).Scan(&c.ID, &c.FileID, &c.Idx, &c.PageNum, &c.Text, &c.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get chunk: %w", err)
	}
	return &c, nil
}

// ListChunks retrieves the chunks of a file in index order
func (r *DocumentRepo) ListChunks(ctx context.Context, fileID uuid.UUID) ([]*repository.Chunk, error) {
	rows, err := r.db.Pool.Query(ctx, `
		SELECT id, file_id, idx, page_num, text, created_at
		FROM chunk
		WHERE file_id = $1
		ORDER BY idx
	`, fileID)
	if err != nil {
		return nil, fmt.Errorf("failed to list chunks: %w", err)
	}
	defer rows.Close()

	var chunks []*repository.Chunk
	for rows.Next() {
		var c repository.Chunk
		if err := rows.Scan(&c.ID, &c.FileID, &c.Idx, &c.PageNum, &c.Text, &c.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan chunk: %w", err)
		}
		chunks = append(chunks, &c)
	}
	return chunks, rows.Err()
}

// Ensure DocumentRepo implements the interface
var _ repository.DocumentRepository = (*DocumentRepo)(nil)
