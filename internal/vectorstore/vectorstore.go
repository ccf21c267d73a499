// Package vectorstore stores embedded chunks and answers similarity queries
// scoped to a project.
package vectorstore

import (
	"context"
)

// Payload keys written with every point.
const (
	fieldProjectID = "project_id"
	fieldFileID    = "file_id"
	fieldIdx       = "idx"
	fieldPageNum   = "page_num"
	fieldText      = "text"
)

// Point is an embedded chunk ready to be indexed.
type Point struct {
	ID        string
	ProjectID string
	FileID    string
	Idx       int
	PageNum   int
	Text      string
	Vector    []float32
}

// Extract is a chunk returned from a query. Idx is -1 when the stored point
// carries no sequence index.
type Extract struct {
	ID        string
	ProjectID string
	FileID    string
	Idx       int
	PageNum   int
	Text      string
	Score     float32

	// Vector is set only by searches that need stored vectors, such as MMR.
	Vector []float32
}

// HasPosition reports whether the extract can be located within its file.
func (e Extract) HasPosition() bool {
	return e.FileID != "" && e.Idx >= 0
}

// Filter restricts a query. An empty ProjectID matches every project.
type Filter struct {
	ProjectID string
}

// VectorStore defines the interface for vector storage operations
type VectorStore interface {
	// EnsureCollection creates the collection and payload indexes if missing.
	EnsureCollection(ctx context.Context) error

	// Upsert inserts or updates points.
	Upsert(ctx context.Context, points []Point) error

	// DeleteProject removes every point of a project.
	DeleteProject(ctx context.Context, projectID string) error

	// SimilaritySearch returns the k nearest chunks to query.
	SimilaritySearch(ctx context.Context, query string, k int, filter Filter) ([]Extract, error)

	// SimilaritySearchWithScores returns up to k chunks scoring at least threshold.
	SimilaritySearchWithScores(ctx context.Context, query string, k int, filter Filter, threshold float32) ([]Extract, error)

	// MaxMarginalRelevanceSearch returns k chunks balancing relevance and diversity.
	MaxMarginalRelevanceSearch(ctx context.Context, query string, k int, filter Filter) ([]Extract, error)

	// GetChunk returns the chunk at position idx of a file, or nil when absent.
	GetChunk(ctx context.Context, fileID string, idx int) (*Extract, error)

	// Ping checks that the store is reachable.
	Ping(ctx context.Context) error
}
