package reranker

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/knoguchi/scout/internal/llm"
	"github.com/knoguchi/scout/internal/vectorstore"
)

// LLMReranker uses an LLM to re-score query-document pairs for improved relevance.
// This implements a cross-encoder-like approach where the model sees both
// query and document together, enabling more accurate relevance assessment.
type LLMReranker struct {
	chat   llm.ChatModel
	model  string
	logger *slog.Logger
}

// LLMRerankerOption is a functional option for configuring LLMReranker.
type LLMRerankerOption func(*LLMReranker)

// WithModel sets the model to use for reranking.
func WithModel(model string) LLMRerankerOption {
	return func(r *LLMReranker) {
		r.model = model
	}
}

// WithLogger sets the logger used to report unparseable scores.
func WithLogger(logger *slog.Logger) LLMRerankerOption {
	return func(r *LLMReranker) {
		r.logger = logger
	}
}

// NewLLMReranker creates a new LLM-based reranker.
func NewLLMReranker(chat llm.ChatModel, opts ...LLMRerankerOption) *LLMReranker {
	r := &LLMReranker{
		chat:   chat,
		logger: slog.Default(),
	}

	for _, opt := range opts {
		opt(r)
	}

	return r
}

// relevanceScore represents the structured output from the LLM.
type relevanceScore struct {
	DocIndex int     `json:"doc_index"`
	Score    float32 `json:"score"`
}

type rerankResponse struct {
	Scores []relevanceScore `json:"scores"`
}

// Rerank asks the model to score each candidate. If the reply cannot be
// parsed, candidates keep their retrieval order.
func (r *LLMReranker) Rerank(ctx context.Context, query string, candidates []vectorstore.Extract, topK int) ([]Scored, error) {
	if len(candidates) == 0 {
		return nil, nil
	}

	response, err := r.chat.Complete(ctx,
		[]llm.Message{llm.User(buildRerankPrompt(query, candidates))},
		llm.CompleteOptions{Model: r.model, Temperature: 0, MaxTokens: 1024})
	if err != nil {
		return nil, fmt.Errorf("LLM reranking failed: %w", err)
	}

	scores, err := parseRerankResponse(response, len(candidates))
	if err != nil {
		r.logger.Warn("unparseable rerank scores, keeping retrieval order", "error", err)
		// equal scores keep retrieval order under the stable sort
		scores = make([]float32, len(candidates))
	}

	return keepTop(candidates, scores, topK), nil
}

// ModelName returns the chat model used for scoring.
func (r *LLMReranker) ModelName() string {
	if r.model == "" {
		return "llm"
	}
	return r.model
}

func buildRerankPrompt(query string, candidates []vectorstore.Extract) string {
	var sb strings.Builder

	sb.WriteString("You are a relevance scoring system for project review evidence. ")
	sb.WriteString("Score each extract's relevance to the query.\n\n")
	sb.WriteString("Query: ")
	sb.WriteString(query)
	sb.WriteString("\n\nExtracts to score:\n")
	for i, c := range candidates {
		text := c.Text
		if r := []rune(text); len(r) > 500 {
			text = string(r[:500]) + "..."
		}
		fmt.Fprintf(&sb, "[Extract %d]: %s\n\n", i, text)
	}

	sb.WriteString(`Score each extract from 0.0 to 1.0 based on relevance to the query.
Output ONLY valid JSON in this exact format:
{"scores": [{"doc_index": 0, "score": 0.9}, {"doc_index": 1, "score": 0.3}, ...]}

Be strict: irrelevant extracts should score below 0.3, somewhat relevant 0.3-0.7, highly relevant above 0.7.
Output only JSON, no explanation:`)

	return sb.String()
}

// parseRerankResponse extracts scores from the model reply, tolerating
// markdown code fences. Missing entries default to 0.5; scores are clamped
// to [0, 1].
func parseRerankResponse(response string, n int) ([]float32, error) {
	response = strings.TrimSpace(response)

	if idx := strings.Index(response, "```"); idx != -1 {
		start := idx + 3
		if strings.HasPrefix(response[start:], "json") {
			start += 4
		}
		if end := strings.Index(response[start:], "```"); end != -1 {
			response = response[start : start+end]
		}
	}

	var parsed rerankResponse
	if err := json.Unmarshal([]byte(strings.TrimSpace(response)), &parsed); err != nil {
		return nil, fmt.Errorf("failed to parse rerank response: %w", err)
	}

	scores := make([]float32, n)
	for i := range scores {
		scores[i] = 0.5
	}
	for _, s := range parsed.Scores {
		if s.DocIndex < 0 || s.DocIndex >= n {
			continue
		}
		scores[s.DocIndex] = min(max(s.Score, 0), 1)
	}
	return scores, nil
}

// Ensure LLMReranker implements Reranker interface.
var _ Reranker = (*LLMReranker)(nil)
