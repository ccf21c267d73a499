package reranker

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"strings"
	"testing"

	"github.com/knoguchi/scout/internal/llm"
)

type stubChat struct {
	reply    string
	err      error
	messages []llm.Message
}

func (s *stubChat) Complete(ctx context.Context, messages []llm.Message, opts llm.CompleteOptions) (string, error) {
	s.messages = messages
	return s.reply, s.err
}

func TestLLMReranker_Rerank(t *testing.T) {
	chat := &stubChat{reply: "```json\n{\"scores\": [{\"doc_index\": 0, \"score\": 0.2}, {\"doc_index\": 1, \"score\": 0.8}, {\"doc_index\": 2, \"score\": 1.7}]}\n```"}
	r := NewLLMReranker(chat, WithModel("gpt-4o"))

	got, err := r.Rerank(context.Background(), "risks", extracts("a", "b", "c"), 2)
	if err != nil {
		t.Fatalf("Rerank() error = %v", err)
	}
	if len(got) != 2 || got[0].ID != "c" || got[1].ID != "b" {
		t.Fatalf("unexpected order %v", ids(got))
	}
	if got[0].RerankerScore != 1 {
		t.Errorf("expected clamped score 1, got %v", got[0].RerankerScore)
	}
	if !strings.Contains(chat.messages[0].Content, "Query: risks") {
		t.Errorf("prompt missing query: %s", chat.messages[0].Content)
	}
}

func TestLLMReranker_UnparseableKeepsOrder(t *testing.T) {
	var buf bytes.Buffer
	chat := &stubChat{reply: "I think the second one"}
	r := NewLLMReranker(chat, WithLogger(slog.New(slog.NewTextHandler(&buf, nil))))

	got, err := r.Rerank(context.Background(), "q", extracts("a", "b", "c"), 2)
	if err != nil {
		t.Fatalf("Rerank() error = %v", err)
	}
	if got[0].ID != "a" || got[1].ID != "b" {
		t.Errorf("expected retrieval order, got %v", ids(got))
	}
	if !strings.Contains(buf.String(), "unparseable rerank scores") {
		t.Errorf("expected warning log, got %q", buf.String())
	}
}

func TestLLMReranker_ChatError(t *testing.T) {
	chat := &stubChat{err: errors.New("down")}
	if _, err := NewLLMReranker(chat).Rerank(context.Background(), "q", extracts("a"), 1); err == nil {
		t.Error("expected error")
	}
}

func TestParseRerankResponse_MissingEntriesDefault(t *testing.T) {
	scores, err := parseRerankResponse(`{"scores": [{"doc_index": 1, "score": -2}, {"doc_index": 9, "score": 1}]}`, 3)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := []float32{0.5, 0, 0.5}
	for i := range want {
		if scores[i] != want[i] {
			t.Errorf("scores = %v, want %v", scores, want)
			break
		}
	}
}
