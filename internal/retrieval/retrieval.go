// Package retrieval gathers evidence extracts for a question: it over-fetches
// from the vector store, reranks the candidates and widens every kept hit
// with its neighbouring chunks.
package retrieval

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/knoguchi/scout/internal/metrics"
	"github.com/knoguchi/scout/internal/reranker"
	"github.com/knoguchi/scout/internal/vectorstore"
)

var (
	// ErrInvalidConfiguration is returned for an unknown search mode or a non-positive k.
	ErrInvalidConfiguration = errors.New("invalid retrieval configuration")

	// ErrInsufficientResults is returned when the store yields fewer than k candidates.
	ErrInsufficientResults = errors.New("insufficient retrieval results")
)

// SearchMode selects the vector store query used for candidates.
type SearchMode string

const (
	ModeSimilarity          SearchMode = "similarity"
	ModeSimilarityThreshold SearchMode = "similarity_score_threshold"
	ModeMMR                 SearchMode = "mmr"
)

// IsValid reports whether m is a known search mode.
func (m SearchMode) IsValid() bool {
	switch m {
	case ModeSimilarity, ModeSimilarityThreshold, ModeMMR:
		return true
	}
	return false
}

// OverFetchFactor is how many candidates are fetched per requested extract.
const OverFetchFactor = 3

// Store is the vector store contract the retriever needs.
type Store interface {
	SimilaritySearch(ctx context.Context, query string, k int, filter vectorstore.Filter) ([]vectorstore.Extract, error)
	SimilaritySearchWithScores(ctx context.Context, query string, k int, filter vectorstore.Filter, threshold float32) ([]vectorstore.Extract, error)
	MaxMarginalRelevanceSearch(ctx context.Context, query string, k int, filter vectorstore.Filter) ([]vectorstore.Extract, error)
	GetChunk(ctx context.Context, fileID string, idx int) (*vectorstore.Extract, error)
}

// Config selects the search mode and its threshold.
type Config struct {
	Mode           SearchMode
	ScoreThreshold float32
}

// Retriever implements over-fetch, rerank and neighbour expansion.
type Retriever struct {
	store    Store
	reranker reranker.Reranker
	cfg      Config
	logger   *slog.Logger
}

// Option configures a Retriever.
type Option func(*Retriever)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(r *Retriever) {
		r.logger = logger
	}
}

// New creates a Retriever. A nil reranker keeps candidates in retrieval order.
func New(store Store, rr reranker.Reranker, cfg Config, opts ...Option) (*Retriever, error) {
	if !cfg.Mode.IsValid() {
		return nil, fmt.Errorf("%w: search mode %q not allowed", ErrInvalidConfiguration, cfg.Mode)
	}
	r := &Retriever{
		store:    store,
		reranker: rr,
		cfg:      cfg,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

// Retrieve returns at most k primary extracts, each followed by the chunk
// before it and the chunk after it in the same file when those exist.
// Primaries appear in rerank order. Extracts are not de-duplicated, so a
// chunk can appear both as a primary and as another primary's neighbour.
func (r *Retriever) Retrieve(ctx context.Context, query string, k int, filter vectorstore.Filter) ([]vectorstore.Extract, error) {
	if k <= 0 {
		return nil, fmt.Errorf("%w: k must be positive, got %d", ErrInvalidConfiguration, k)
	}

	candidates, err := r.fetch(ctx, query, k*OverFetchFactor, filter)
	if err != nil {
		return nil, err
	}
	metrics.RetrievalCandidates.Observe(float64(len(candidates)))
	if len(candidates) < k {
		return nil, fmt.Errorf("%w: got %d candidates, need %d", ErrInsufficientResults, len(candidates), k)
	}

	kept, err := r.rerank(ctx, query, candidates, k)
	if err != nil {
		return nil, err
	}

	return r.expand(ctx, kept), nil
}

func (r *Retriever) fetch(ctx context.Context, query string, n int, filter vectorstore.Filter) ([]vectorstore.Extract, error) {
	var (
		out []vectorstore.Extract
		err error
	)
	switch r.cfg.Mode {
	case ModeSimilarity:
		out, err = r.store.SimilaritySearch(ctx, query, n, filter)
	case ModeSimilarityThreshold:
		out, err = r.store.SimilaritySearchWithScores(ctx, query, n, filter, r.cfg.ScoreThreshold)
	case ModeMMR:
		out, err = r.store.MaxMarginalRelevanceSearch(ctx, query, n, filter)
	default:
		return nil, fmt.Errorf("%w: search mode %q not allowed", ErrInvalidConfiguration, r.cfg.Mode)
	}
	if err != nil {
		return nil, fmt.Errorf("vector search (%s): %w", r.cfg.Mode, err)
	}
	return out, nil
}

func (r *Retriever) rerank(ctx context.Context, query string, candidates []vectorstore.Extract, k int) ([]vectorstore.Extract, error) {
	if r.reranker == nil {
		return candidates[:k], nil
	}

	start := time.Now()
	scored, err := r.reranker.Rerank(ctx, query, candidates, k)
	metrics.RerankDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		return nil, fmt.Errorf("reranking with %s: %w", r.reranker.ModelName(), err)
	}

	kept := make([]vectorstore.Extract, 0, len(scored))
	for _, s := range scored {
		kept = append(kept, s.Extract)
	}
	return kept, nil
}

func (r *Retriever) expand(ctx context.Context, kept []vectorstore.Extract) []vectorstore.Extract {
	out := make([]vectorstore.Extract, 0, len(kept)*3)
	for _, e := range kept {
		out = append(out, e)
		if !e.HasPosition() {
			continue
		}
		if e.Idx > 0 {
			if above := r.neighbour(ctx, e.FileID, e.Idx-1); above != nil {
				out = append(out, *above)
			}
		}
		if below := r.neighbour(ctx, e.FileID, e.Idx+1); below != nil {
			out = append(out, *below)
		}
	}
	return out
}

// neighbour treats lookup failures like a missing chunk.
func (r *Retriever) neighbour(ctx context.Context, fileID string, idx int) *vectorstore.Extract {
	chunk, err := r.store.GetChunk(ctx, fileID, idx)
	if err != nil {
		r.logger.Debug("neighbour lookup failed", "file", fileID, "idx", idx, "error", err)
		return nil
	}
	return chunk
}
