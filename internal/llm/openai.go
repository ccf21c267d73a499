package llm

import (
	"context"
	"errors"
	"math"
	"net/http"

	"github.com/sashabaranov/go-openai"
)

// OpenAIConfig configures an OpenAI or Azure OpenAI chat client.
type OpenAIConfig struct {
	APIKey string

	// BaseURL overrides the API endpoint. For Azure it is the resource endpoint.
	BaseURL string

	// Azure switches to Azure OpenAI; Model is then the deployment name.
	Azure      bool
	APIVersion string

	Model      string
	HTTPClient *http.Client
}

// OpenAIChat implements ChatModel with the OpenAI chat completions API.
type OpenAIChat struct {
	client   *openai.Client
	model    string
	provider string
}

// NewOpenAIChat creates a chat client for OpenAI or Azure OpenAI.
func NewOpenAIChat(cfg OpenAIConfig) *OpenAIChat {
	var oc openai.ClientConfig
	provider := "openai"
	if cfg.Azure {
		provider = "azure"
		oc = openai.DefaultAzureConfig(cfg.APIKey, cfg.BaseURL)
		if cfg.APIVersion != "" {
			oc.APIVersion = cfg.APIVersion
		}
		// deployment names are used verbatim
		oc.AzureModelMapperFunc = func(model string) string { return model }
	} else {
		oc = openai.DefaultConfig(cfg.APIKey)
		if cfg.BaseURL != "" {
			oc.BaseURL = cfg.BaseURL
		}
	}
	if cfg.HTTPClient != nil {
		oc.HTTPClient = cfg.HTTPClient
	}

	return &OpenAIChat{
		client:   openai.NewClientWithConfig(oc),
		model:    cfg.Model,
		provider: provider,
	}
}

// Complete sends the messages and returns the first choice's content.
func (c *OpenAIChat) Complete(ctx context.Context, messages []Message, opts CompleteOptions) (string, error) {
	model := opts.Model
	if model == "" {
		model = c.model
	}

	msgs := make([]openai.ChatCompletionMessage, 0, len(messages))
	for _, m := range messages {
		msgs = append(msgs, openai.ChatCompletionMessage{Role: string(m.Role), Content: m.Content})
	}

	resp, err := c.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:       model,
		Messages:    msgs,
		Temperature: wireTemperature(opts.Temperature),
		MaxTokens:   opts.MaxTokens,
	})
	if err != nil {
		return "", c.classify(model, err)
	}
	if len(resp.Choices) == 0 {
		return "", &ProviderError{
			Reason:   ReasonEmptyResponse,
			Provider: c.provider,
			Model:    model,
			Message:  "no choices in response",
		}
	}
	if resp.Choices[0].FinishReason == openai.FinishReasonContentFilter {
		return "", &ProviderError{
			Reason:   ReasonContentFilter,
			Provider: c.provider,
			Model:    model,
			Message:  "response blocked by content filter",
		}
	}
	return resp.Choices[0].Message.Content, nil
}

// Provider returns "openai" or "azure".
func (c *OpenAIChat) Provider() string { return c.provider }

func (c *OpenAIChat) classify(model string, err error) error {
	pe := NewProviderError(c.provider, model, err)

	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		if apiErr.HTTPStatusCode != 0 {
			pe.WithStatus(apiErr.HTTPStatusCode)
		}
		if code, ok := apiErr.Code.(string); ok && code == "content_filter" {
			pe.Reason = ReasonContentFilter
		}
		return pe.WithMessage(apiErr.Message)
	}

	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) && reqErr.HTTPStatusCode != 0 {
		pe.WithStatus(reqErr.HTTPStatusCode)
		if len(reqErr.Body) > 0 {
			pe.WithMessage(string(reqErr.Body))
		}
	}
	return pe
}

// wireTemperature maps 0 to the smallest positive float32: go-openai omits a
// zero temperature from the request, and the API then defaults to 1.
func wireTemperature(t float32) float32 {
	if t == 0 {
		return math.SmallestNonzeroFloat32
	}
	return t
}

var _ ChatModel = (*OpenAIChat)(nil)
