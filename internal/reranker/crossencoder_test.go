package reranker

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestCrossEncoder_Rerank(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/rerank" {
			t.Errorf("expected /rerank, got %s", r.URL.Path)
		}
		var req crossEncoderRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decoding request: %v", err)
		}
		if req.Query != "is the budget approved" || len(req.Texts) != 3 {
			t.Errorf("unexpected request %+v", req)
		}
		// sorted by score, as the server does
		_ = json.NewEncoder(w).Encode([]crossEncoderScore{
			{Index: 2, Score: 0.95},
			{Index: 0, Score: 0.40},
			{Index: 1, Score: 0.01},
		})
	}))
	defer server.Close()

	ce := NewCrossEncoder(server.URL + "/")
	got, err := ce.Rerank(context.Background(), "is the budget approved", extracts("a", "b", "c"), 2)
	if err != nil {
		t.Fatalf("Rerank() error = %v", err)
	}
	if len(got) != 2 || got[0].ID != "c" || got[1].ID != "a" {
		t.Fatalf("unexpected order %v", ids(got))
	}
	if got[0].RerankerScore != 0.95 {
		t.Errorf("expected score 0.95, got %v", got[0].RerankerScore)
	}
	if ce.ModelName() != "ms-marco-MiniLM-L-12-v2" {
		t.Errorf("unexpected model %q", ce.ModelName())
	}
}

func TestCrossEncoder_Errors(t *testing.T) {
	tests := []struct {
		name    string
		handler http.HandlerFunc
	}{
		{
			name: "status",
			handler: func(w http.ResponseWriter, r *http.Request) {
				http.Error(w, "overloaded", http.StatusServiceUnavailable)
			},
		},
		{
			name: "missing score",
			handler: func(w http.ResponseWriter, r *http.Request) {
				_ = json.NewEncoder(w).Encode([]crossEncoderScore{{Index: 0, Score: 1}})
			},
		},
		{
			name: "index out of range",
			handler: func(w http.ResponseWriter, r *http.Request) {
				_ = json.NewEncoder(w).Encode([]crossEncoderScore{{Index: 0}, {Index: 7}})
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(tt.handler)
			defer server.Close()

			_, err := NewCrossEncoder(server.URL).Rerank(context.Background(), "q", extracts("a", "b"), 2)
			if err == nil {
				t.Error("expected error")
			}
		})
	}
}

func TestCrossEncoder_NoCandidates(t *testing.T) {
	got, err := NewCrossEncoder("http://unused").Rerank(context.Background(), "q", nil, 3)
	if err != nil || got != nil {
		t.Errorf("expected nil, nil; got %v, %v", got, err)
	}
}
