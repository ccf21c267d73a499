package llm

import (
	"context"
	"log/slog"
	"time"

	"github.com/knoguchi/scout/internal/metrics"
)

// InstrumentedChatModel records per-request metrics and debug logs.
type InstrumentedChatModel struct {
	next     ChatModel
	provider string
	model    string
	logger   *slog.Logger
}

// NewInstrumentedChatModel wraps next. model is the label used when a request
// does not override it.
func NewInstrumentedChatModel(next ChatModel, provider, model string, logger *slog.Logger) *InstrumentedChatModel {
	if logger == nil {
		logger = slog.Default()
	}
	return &InstrumentedChatModel{next: next, provider: provider, model: model, logger: logger}
}

// Complete delegates and observes duration and outcome.
func (m *InstrumentedChatModel) Complete(ctx context.Context, messages []Message, opts CompleteOptions) (string, error) {
	model := opts.Model
	if model == "" {
		model = m.model
	}

	start := time.Now()
	out, err := m.next.Complete(ctx, messages, opts)
	duration := time.Since(start)

	metrics.LLMRequestDuration.WithLabelValues(m.provider, model).Observe(duration.Seconds())
	status := "ok"
	if err != nil {
		status = string(AsProviderError(err).Reason)
	}
	metrics.LLMRequestsTotal.WithLabelValues(m.provider, model, status).Inc()

	m.logger.Debug("chat completion",
		"provider", m.provider,
		"model", model,
		"messages", len(messages),
		"temperature", opts.Temperature,
		"duration", duration,
		"status", status,
	)
	return out, err
}
