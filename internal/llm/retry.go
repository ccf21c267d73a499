package llm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/knoguchi/scout/internal/metrics"
)

// RetryPolicy bounds how often and how long a transient failure is retried.
//
// The wait after failed attempt n is Multiplier * 2^(n-1), clamped to
// [MinWait, MaxWait].
type RetryPolicy struct {
	MaxAttempts int
	Multiplier  time.Duration
	MinWait     time.Duration
	MaxWait     time.Duration
}

// DefaultRetryPolicy allows 10 attempts with waits between 4s and 10s.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: 10,
		Multiplier:  time.Second,
		MinWait:     4 * time.Second,
		MaxWait:     10 * time.Second,
	}
}

// Wait returns the sleep that follows failed attempt n (1-based).
func (p RetryPolicy) Wait(n int) time.Duration {
	if n < 1 {
		n = 1
	}
	d := p.Multiplier
	for i := 1; i < n && d < p.MaxWait; i++ {
		d *= 2
	}
	if d > p.MaxWait {
		d = p.MaxWait
	}
	if d < p.MinWait {
		d = p.MinWait
	}
	return d
}

// schedule adapts RetryPolicy to backoff.BackOff.
type schedule struct {
	policy RetryPolicy
	failed int
}

func (s *schedule) NextBackOff() time.Duration {
	s.failed++
	return s.policy.Wait(s.failed)
}

func (s *schedule) Reset() { s.failed = 0 }

// The attempt budget is the only stop condition.
const unboundedElapsed = time.Duration(math.MaxInt64)

// RetryingChatModel retries transient provider failures with backoff.
type RetryingChatModel struct {
	next   ChatModel
	policy RetryPolicy
	logger *slog.Logger
}

// NewRetryingChatModel wraps next with policy. A nil logger uses slog.Default().
func NewRetryingChatModel(next ChatModel, policy RetryPolicy, logger *slog.Logger) *RetryingChatModel {
	if logger == nil {
		logger = slog.Default()
	}
	if policy.MaxAttempts < 1 {
		policy.MaxAttempts = 1
	}
	return &RetryingChatModel{next: next, policy: policy, logger: logger}
}

// Complete calls the wrapped model until it succeeds, fails permanently or the
// attempt budget runs out. Only rate-limit and connection failures are retried;
// anything else is returned at once as a *ProviderError. Exhaustion returns an
// error matching ErrRetryExhausted that wraps the last failure.
func (r *RetryingChatModel) Complete(ctx context.Context, messages []Message, opts CompleteOptions) (string, error) {
	attempt := 0
	operation := func() (string, error) {
		attempt++
		out, err := r.next.Complete(ctx, messages, opts)
		if err == nil {
			return out, nil
		}
		if ctx.Err() != nil {
			return "", backoff.Permanent(err)
		}
		pe := AsProviderError(err)
		if !pe.Transient() {
			return "", backoff.Permanent(pe)
		}
		return "", pe
	}

	out, err := backoff.Retry(ctx, operation,
		backoff.WithBackOff(&schedule{policy: r.policy}),
		backoff.WithMaxTries(uint(r.policy.MaxAttempts)),
		backoff.WithMaxElapsedTime(unboundedElapsed),
		backoff.WithNotify(func(err error, wait time.Duration) {
			reason := AsProviderError(err).Reason
			metrics.LLMRetriesTotal.WithLabelValues(string(reason)).Inc()
			r.logger.Warn("retrying LLM call",
				"attempt", attempt,
				"max_attempts", r.policy.MaxAttempts,
				"reason", reason,
				"sleep", wait,
				"error", err,
			)
		}),
	)
	if err == nil {
		return out, nil
	}

	var perm *backoff.PermanentError
	if errors.As(err, &perm) {
		err = perm.Unwrap()
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return "", fmt.Errorf("llm call interrupted after %d attempts: %w", attempt, err)
	}

	var pe *ProviderError
	if errors.As(err, &pe) && pe.Transient() {
		r.logger.Error("LLM retries exhausted", "attempts", attempt, "reason", pe.Reason, "error", pe)
		return "", fmt.Errorf("%w after %d attempts: %w", ErrRetryExhausted, attempt, pe)
	}
	return "", err
}

var _ ChatModel = (*RetryingChatModel)(nil)
