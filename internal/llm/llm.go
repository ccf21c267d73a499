// Package llm provides the chat model abstraction used by the evaluator and
// its provider clients.
//
// Provider clients (OpenAI, Azure OpenAI, Ollama) translate failures into
// *ProviderError so that callers can tell transient failures from permanent
// ones. RetryingChatModel, RateLimitedChatModel and InstrumentedChatModel are
// decorators over any ChatModel and are stacked in cmd/scout.
package llm

import (
	"context"
)

// Role is the author of a chat message.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message is a single chat message.
type Message struct {
	Role    Role
	Content string
}

// System returns a system message.
func System(content string) Message { return Message{Role: RoleSystem, Content: content} }

// User returns a user message.
func User(content string) Message { return Message{Role: RoleUser, Content: content} }

// CompleteOptions configures a chat completion request.
type CompleteOptions struct {
	// Model overrides the client's default model or deployment name.
	Model string

	// Temperature controls randomness (0.0 = deterministic).
	Temperature float32

	// MaxTokens limits the response length; 0 means provider default.
	MaxTokens int
}

// ChatModel is the single operation the evaluation pipeline needs from a
// language model. Implementations return *ProviderError for classified
// provider failures.
type ChatModel interface {
	Complete(ctx context.Context, messages []Message, opts CompleteOptions) (string, error)
}
