// Package ingestion loads stored chunks into the vector index.
package ingestion

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/knoguchi/scout/internal/embedder"
	"github.com/knoguchi/scout/internal/repository"
	"github.com/knoguchi/scout/internal/vectorstore"
)

// ErrNoFiles is returned when a project has no stored files to index.
var ErrNoFiles = errors.New("project has no files")

// Source lists what has already been parsed and stored for a project.
type Source interface {
	ListFiles(ctx context.Context, projectID uuid.UUID) ([]*repository.File, error)
	ListChunks(ctx context.Context, fileID uuid.UUID) ([]*repository.Chunk, error)
}

// Index is the write side of the vector store.
type Index interface {
	EnsureCollection(ctx context.Context) error
	Upsert(ctx context.Context, points []vectorstore.Point) error
	DeleteProject(ctx context.Context, projectID string) error
}

// IndexerConfig holds configuration for the indexer
type IndexerConfig struct {
	// BatchSize is the number of chunks embedded and upserted together.
	BatchSize int

	// Concurrency bounds how many files are indexed at once.
	Concurrency int

	// Reset removes the project's existing points before indexing.
	Reset bool
}

// DefaultIndexerConfig returns the default indexer configuration
func DefaultIndexerConfig() IndexerConfig {
	return IndexerConfig{BatchSize: 64, Concurrency: 4}
}

// IndexStats contains statistics about one indexing run
type IndexStats struct {
	Files   int
	Chunks  int
	Skipped int

	// Duration is how long the run took
	Duration time.Duration
}

// Indexer embeds stored chunks and writes them to the vector index.
type Indexer struct {
	source   Source
	embedder embedder.Embedder
	index    Index
	config   IndexerConfig
	logger   *slog.Logger
}

// NewIndexer creates a new indexer. Zero config fields take their defaults.
func NewIndexer(source Source, emb embedder.Embedder, index Index, config IndexerConfig, logger *slog.Logger) *Indexer {
	def := DefaultIndexerConfig()
	if config.BatchSize <= 0 {
		config.BatchSize = def.BatchSize
	}
	if config.Concurrency <= 0 {
		config.Concurrency = def.Concurrency
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Indexer{
		source:   source,
		embedder: emb,
		index:    index,
		config:   config,
		logger:   logger,
	}
}

// IndexProject embeds every chunk of every file in the project and upserts
// one point per chunk, keyed by the chunk ID.
func (ix *Indexer) IndexProject(ctx context.Context, projectID uuid.UUID) (*IndexStats, error) {
	start := time.Now()

	if err := ix.index.EnsureCollection(ctx); err != nil {
		return nil, fmt.Errorf("ensuring collection: %w", err)
	}
	if ix.config.Reset {
		if err := ix.index.DeleteProject(ctx, projectID.String()); err != nil {
			return nil, fmt.Errorf("deleting existing points: %w", err)
		}
	}

	files, err := ix.source.ListFiles(ctx, projectID)
	if err != nil {
		return nil, fmt.Errorf("listing files: %w", err)
	}
	if len(files) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrNoFiles, projectID)
	}

	var chunks, skipped atomic.Int64
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(ix.config.Concurrency)
	for _, f := range files {
		g.Go(func() error {
			n, s, err := ix.indexFile(gctx, projectID, f)
			if err != nil {
				return fmt.Errorf("file %s (%s): %w", f.ID, f.DisplayName(), err)
			}
			chunks.Add(int64(n))
			skipped.Add(int64(s))
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	stats := &IndexStats{
		Files:    len(files),
		Chunks:   int(chunks.Load()),
		Skipped:  int(skipped.Load()),
		Duration: time.Since(start),
	}
	ix.logger.Info("project indexed",
		"project_id", projectID,
		"files", stats.Files,
		"chunks", stats.Chunks,
		"skipped", stats.Skipped,
		"duration", stats.Duration,
	)
	return stats, nil
}

func (ix *Indexer) indexFile(ctx context.Context, projectID uuid.UUID, f *repository.File) (indexed, skipped int, err error) {
	stored, err := ix.source.ListChunks(ctx, f.ID)
	if err != nil {
		return 0, 0, fmt.Errorf("listing chunks: %w", err)
	}

	// Blank chunks embed to noise.
	kept := make([]*repository.Chunk, 0, len(stored))
	for _, c := range stored {
		if strings.TrimSpace(c.Text) == "" {
			skipped++
			continue
		}
		kept = append(kept, c)
	}

	for begin := 0; begin < len(kept); begin += ix.config.BatchSize {
		batch := kept[begin:min(begin+ix.config.BatchSize, len(kept))]
		if err := ix.indexBatch(ctx, projectID, batch); err != nil {
			return indexed, skipped, err
		}
		indexed += len(batch)
	}

	ix.logger.Debug("file indexed", "file_id", f.ID, "chunks", indexed, "skipped", skipped)
	return indexed, skipped, nil
}

func (ix *Indexer) indexBatch(ctx context.Context, projectID uuid.UUID, batch []*repository.Chunk) error {
	texts := make([]string, len(batch))
	for i, c := range batch {
		texts[i] = c.Text
	}
	vectors, err := ix.embedder.EmbedBatch(ctx, texts)
	if err != nil {
		return fmt.Errorf("embedding chunks: %w", err)
	}
	if len(vectors) != len(batch) {
		return fmt.Errorf("embedder returned %d vectors for %d chunks", len(vectors), len(batch))
	}

	points := make([]vectorstore.Point, len(batch))
	for i, c := range batch {
		points[i] = ToPoint(projectID, c, vectors[i])
	}
	if err := ix.index.Upsert(ctx, points); err != nil {
		return fmt.Errorf("upserting points: %w", err)
	}
	return nil
}

// ToPoint converts a stored chunk and its embedding to a vector store point.
func ToPoint(projectID uuid.UUID, c *repository.Chunk, vector []float32) vectorstore.Point {
	return vectorstore.Point{
		ID:        c.ID.String(),
		ProjectID: projectID.String(),
		FileID:    c.FileID.String(),
		Idx:       c.Idx,
		PageNum:   c.PageNum,
		Text:      c.Text,
		Vector:    vector,
	}
}
