package llm

import (
	"context"
	"fmt"

	"golang.org/x/time/rate"
)

// RateLimitedChatModel spaces requests to a provider with a token bucket.
type RateLimitedChatModel struct {
	next    ChatModel
	limiter *rate.Limiter
}

// NewRateLimitedChatModel limits next to rps requests per second with the
// given burst. rps <= 0 returns next unchanged.
func NewRateLimitedChatModel(next ChatModel, rps float64, burst int) ChatModel {
	if rps <= 0 {
		return next
	}
	if burst < 1 {
		burst = 1
	}
	return &RateLimitedChatModel{next: next, limiter: rate.NewLimiter(rate.Limit(rps), burst)}
}

// Complete waits for a token, then delegates. A wait that cannot finish
// before ctx ends returns an error wrapping the context error, never a
// provider failure.
func (m *RateLimitedChatModel) Complete(ctx context.Context, messages []Message, opts CompleteOptions) (string, error) {
	if err := m.limiter.Wait(ctx); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return "", fmt.Errorf("waiting for request slot: %w", ctxErr)
		}
		// the limiter gives up early when the deadline is already out of reach
		return "", fmt.Errorf("waiting for request slot: %w (%v)", context.DeadlineExceeded, err)
	}
	return m.next.Complete(ctx, messages, opts)
}
