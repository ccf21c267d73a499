package reranker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/knoguchi/scout/internal/vectorstore"
)

// CrossEncoder scores candidates with a cross-encoder served over HTTP.
//
// The server must accept POST /rerank with {"query", "texts"} and answer
// with [{"index", "score"}], as text-embeddings-inference does.
type CrossEncoder struct {
	baseURL    string
	model      string
	httpClient *http.Client
}

// CrossEncoderOption configures a CrossEncoder.
type CrossEncoderOption func(*CrossEncoder)

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(client *http.Client) CrossEncoderOption {
	return func(c *CrossEncoder) {
		c.httpClient = client
	}
}

// WithCrossEncoderModel sets the model name reported in logs.
func WithCrossEncoderModel(model string) CrossEncoderOption {
	return func(c *CrossEncoder) {
		c.model = model
	}
}

// NewCrossEncoder creates a cross-encoder client for baseURL.
func NewCrossEncoder(baseURL string, opts ...CrossEncoderOption) *CrossEncoder {
	c := &CrossEncoder{
		baseURL:    strings.TrimSuffix(baseURL, "/"),
		model:      "ms-marco-MiniLM-L-12-v2",
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

type crossEncoderRequest struct {
	Query    string   `json:"query"`
	Texts    []string `json:"texts"`
	Truncate bool     `json:"truncate"`
}

type crossEncoderScore struct {
	Index int     `json:"index"`
	Score float32 `json:"score"`
}

// Rerank scores every candidate in one request and keeps the topK best.
func (c *CrossEncoder) Rerank(ctx context.Context, query string, candidates []vectorstore.Extract, topK int) ([]Scored, error) {
	if len(candidates) == 0 {
		return nil, nil
	}

	texts := make([]string, len(candidates))
	for i, cand := range candidates {
		texts[i] = cand.Text
	}

	body, err := json.Marshal(crossEncoderRequest{Query: query, Texts: texts, Truncate: true})
	if err != nil {
		return nil, fmt.Errorf("marshaling request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/rerank", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("calling cross-encoder: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("cross-encoder error (status %d): %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}

	var results []crossEncoderScore
	if err := json.NewDecoder(resp.Body).Decode(&results); err != nil {
		return nil, fmt.Errorf("decoding cross-encoder response: %w", err)
	}

	// responses arrive sorted by score; map back to input positions
	scores := make([]float32, len(candidates))
	seen := make([]bool, len(candidates))
	for _, r := range results {
		if r.Index < 0 || r.Index >= len(candidates) {
			return nil, fmt.Errorf("cross-encoder returned index %d for %d texts", r.Index, len(candidates))
		}
		scores[r.Index] = r.Score
		seen[r.Index] = true
	}
	for i, ok := range seen {
		if !ok {
			return nil, fmt.Errorf("cross-encoder returned no score for text %d", i)
		}
	}

	return keepTop(candidates, scores, topK), nil
}

// ModelName returns the configured model name.
func (c *CrossEncoder) ModelName() string { return c.model }

var _ Reranker = (*CrossEncoder)(nil)
