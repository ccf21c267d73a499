package llm

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/sashabaranov/go-openai"
)

func TestOpenAIChat_Complete(t *testing.T) {
	var got openai.ChatCompletionRequest
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/chat/completions" {
			t.Errorf("expected path /chat/completions, got %s", r.URL.Path)
		}
		if r.Header.Get("Authorization") != "Bearer test-key" {
			t.Errorf("expected bearer auth, got %q", r.Header.Get("Authorization"))
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decoding request: %v", err)
		}
		_ = json.NewEncoder(w).Encode(openai.ChatCompletionResponse{
			ID:    "chatcmpl-1",
			Model: "gpt-4o",
			Choices: []openai.ChatCompletionChoice{{
				Message:      openai.ChatCompletionMessage{Role: "assistant", Content: "Budget is tracked [Positive]"},
				FinishReason: openai.FinishReasonStop,
			}},
		})
	}))
	defer server.Close()

	chat := NewOpenAIChat(OpenAIConfig{APIKey: "test-key", BaseURL: server.URL, Model: "gpt-4o"})
	out, err := chat.Complete(context.Background(),
		[]Message{System("persona"), User("question")},
		CompleteOptions{Temperature: 0.5})
	if err != nil {
		t.Fatalf("Complete() error = %v", err)
	}
	if out != "Budget is tracked [Positive]" {
		t.Errorf("unexpected output %q", out)
	}
	if got.Model != "gpt-4o" {
		t.Errorf("expected default model gpt-4o, got %q", got.Model)
	}
	if len(got.Messages) != 2 || got.Messages[0].Role != "system" || got.Messages[1].Content != "question" {
		t.Errorf("unexpected messages %+v", got.Messages)
	}
	if got.Temperature != 0.5 {
		t.Errorf("expected temperature 0.5, got %v", got.Temperature)
	}
}

func TestOpenAIChat_ZeroTemperatureIsSent(t *testing.T) {
	var raw map[string]any
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewDecoder(r.Body).Decode(&raw)
		_ = json.NewEncoder(w).Encode(openai.ChatCompletionResponse{
			Choices: []openai.ChatCompletionChoice{{Message: openai.ChatCompletionMessage{Content: "x"}}},
		})
	}))
	defer server.Close()

	chat := NewOpenAIChat(OpenAIConfig{APIKey: "k", BaseURL: server.URL, Model: "m"})
	if _, err := chat.Complete(context.Background(), []Message{User("q")}, CompleteOptions{}); err != nil {
		t.Fatalf("Complete() error = %v", err)
	}
	temp, ok := raw["temperature"].(float64)
	if !ok {
		t.Fatalf("expected temperature in request, got %v", raw)
	}
	if temp > 1e-6 {
		t.Errorf("expected near-zero temperature, got %v", temp)
	}
}

func TestOpenAIChat_ErrorClassification(t *testing.T) {
	tests := []struct {
		name      string
		status    int
		body      string
		want      Reason
		transient bool
	}{
		{
			name:      "rate limited",
			status:    http.StatusTooManyRequests,
			body:      `{"error":{"message":"Rate limit reached","type":"requests","code":"rate_limit_exceeded"}}`,
			want:      ReasonRateLimit,
			transient: true,
		},
		{
			name:   "bad request",
			status: http.StatusBadRequest,
			body:   `{"error":{"message":"context length exceeded","type":"invalid_request_error"}}`,
			want:   ReasonInvalidRequest,
		},
		{
			name:   "server error",
			status: http.StatusInternalServerError,
			body:   `{"error":{"message":"internal","type":"server_error"}}`,
			want:   ReasonServerError,
		},
		{
			name:   "unauthorized",
			status: http.StatusUnauthorized,
			body:   `{"error":{"message":"bad key","type":"invalid_request_error"}}`,
			want:   ReasonAuth,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			}))
			defer server.Close()

			chat := NewOpenAIChat(OpenAIConfig{APIKey: "k", BaseURL: server.URL, Model: "m"})
			_, err := chat.Complete(context.Background(), []Message{User("q")}, CompleteOptions{})

			var pe *ProviderError
			if !errors.As(err, &pe) {
				t.Fatalf("expected ProviderError, got %v", err)
			}
			if pe.Reason != tt.want {
				t.Errorf("expected reason %s, got %s (%v)", tt.want, pe.Reason, err)
			}
			if pe.Transient() != tt.transient {
				t.Errorf("expected transient=%v", tt.transient)
			}
			if pe.Status != tt.status {
				t.Errorf("expected status %d, got %d", tt.status, pe.Status)
			}
		})
	}
}

func TestOpenAIChat_ConnectionFailureIsTransient(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := server.URL
	server.Close()

	chat := NewOpenAIChat(OpenAIConfig{APIKey: "k", BaseURL: url, Model: "m"})
	_, err := chat.Complete(context.Background(), []Message{User("q")}, CompleteOptions{})

	var pe *ProviderError
	if !errors.As(err, &pe) {
		t.Fatalf("expected ProviderError, got %v", err)
	}
	if pe.Reason != ReasonConnection {
		t.Errorf("expected connection reason, got %s (%v)", pe.Reason, err)
	}
}
