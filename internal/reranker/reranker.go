// Package reranker re-scores retrieval candidates against a query.
//
// Re-ranking uses cross-encoder scoring to improve retrieval precision by
// evaluating query-document pairs together rather than independently. The
// retriever over-fetches candidates from the vector store and keeps the
// top-scoring ones.
//
// # Backends
//
//   - CrossEncoder calls a served cross-encoder (for example
//     ms-marco-MiniLM-L-12-v2 behind a text-embeddings-inference /rerank
//     endpoint). This is the default.
//   - LLMReranker asks the chat model for JSON relevance scores. Slower and
//     costlier, but needs no extra service.
package reranker

import (
	"context"
	"sort"

	"github.com/knoguchi/scout/internal/vectorstore"
)

// Scored is a candidate with its reranker score.
type Scored struct {
	vectorstore.Extract
	RerankerScore float32
}

// Reranker defines the interface for re-ranking retrieval candidates.
type Reranker interface {
	// Rerank scores candidates against query and returns the topK best,
	// highest score first. Candidates with equal scores keep their input order.
	Rerank(ctx context.Context, query string, candidates []vectorstore.Extract, topK int) ([]Scored, error)

	// ModelName identifies the scoring model for logs.
	ModelName() string
}

// keepTop pairs candidates with scores, stable-sorts by score descending and
// truncates to topK.
func keepTop(candidates []vectorstore.Extract, scores []float32, topK int) []Scored {
	scored := make([]Scored, len(candidates))
	for i, c := range candidates {
		scored[i] = Scored{Extract: c, RerankerScore: scores[i]}
	}
	sort.SliceStable(scored, func(i, j int) bool {
		return scored[i].RerankerScore > scored[j].RerankerScore
	})
	if topK >= 0 && len(scored) > topK {
		scored = scored[:topK]
	}
	return scored
}
