package llm

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"strings"
	"testing"
	"time"
)

// scriptedChat returns errs in order, then reply.
type scriptedChat struct {
	errs  []error
	reply string
	calls int
}

func (s *scriptedChat) Complete(ctx context.Context, messages []Message, opts CompleteOptions) (string, error) {
	s.calls++
	if s.calls <= len(s.errs) {
		return "", s.errs[s.calls-1]
	}
	return s.reply, nil
}

func fastPolicy(attempts int) RetryPolicy {
	return RetryPolicy{
		MaxAttempts: attempts,
		Multiplier:  time.Millisecond,
		MinWait:     time.Millisecond,
		MaxWait:     2 * time.Millisecond,
	}
}

func captureLogger() (*slog.Logger, *bytes.Buffer) {
	var buf bytes.Buffer
	return slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug})), &buf
}

func rateLimited() error {
	return &ProviderError{Reason: ReasonRateLimit, Provider: "test", Status: 429}
}

func TestRetryPolicyWait(t *testing.T) {
	p := DefaultRetryPolicy()
	want := []time.Duration{
		4 * time.Second, 4 * time.Second, 4 * time.Second,
		8 * time.Second, 10 * time.Second, 10 * time.Second, 10 * time.Second,
	}
	for i, w := range want {
		if got := p.Wait(i + 1); got != w {
			t.Errorf("Wait(%d) = %s, want %s", i+1, got, w)
		}
	}
	if got := p.Wait(100); got != 10*time.Second {
		t.Errorf("Wait(100) = %s, want 10s", got)
	}
}

func TestRetryingChatModel_TransientThenSuccess(t *testing.T) {
	inner := &scriptedChat{
		errs:  []error{rateLimited(), &ProviderError{Reason: ReasonConnection}},
		reply: "ok",
	}
	logger, buf := captureLogger()
	m := NewRetryingChatModel(inner, fastPolicy(10), logger)

	got, err := m.Complete(context.Background(), []Message{User("hi")}, CompleteOptions{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != "ok" {
		t.Errorf("expected ok, got %q", got)
	}
	if inner.calls != 3 {
		t.Errorf("expected 3 calls, got %d", inner.calls)
	}
	if n := strings.Count(buf.String(), "retrying LLM call"); n != 2 {
		t.Errorf("expected 2 retry log lines, got %d\n%s", n, buf.String())
	}
	if !strings.Contains(buf.String(), "sleep=") {
		t.Errorf("expected sleep duration in retry log, got %s", buf.String())
	}
}

func TestRetryingChatModel_PermanentFailsImmediately(t *testing.T) {
	permanent := &ProviderError{Reason: ReasonInvalidRequest, Status: 400, Message: "bad request"}
	inner := &scriptedChat{errs: []error{permanent}, reply: "unreachable"}
	logger, buf := captureLogger()
	m := NewRetryingChatModel(inner, fastPolicy(10), logger)

	_, err := m.Complete(context.Background(), nil, CompleteOptions{})
	if err == nil {
		t.Fatal("expected error")
	}
	if inner.calls != 1 {
		t.Errorf("expected exactly 1 call, got %d", inner.calls)
	}
	if strings.Contains(buf.String(), "retrying LLM call") {
		t.Errorf("expected no retry logs, got %s", buf.String())
	}
	if !errors.Is(err, ErrProvider) {
		t.Errorf("expected ErrProvider, got %v", err)
	}
	if errors.Is(err, ErrRetryExhausted) {
		t.Errorf("permanent error must not be reported as exhausted")
	}
	var pe *ProviderError
	if !errors.As(err, &pe) || pe.Reason != ReasonInvalidRequest {
		t.Errorf("expected invalid_request ProviderError, got %v", err)
	}
}

func TestRetryingChatModel_UnclassifiedErrorIsPermanent(t *testing.T) {
	inner := &scriptedChat{errs: []error{errors.New("model refused")}}
	m := NewRetryingChatModel(inner, fastPolicy(5), slog.New(slog.NewTextHandler(&bytes.Buffer{}, nil)))

	_, err := m.Complete(context.Background(), nil, CompleteOptions{})
	if inner.calls != 1 {
		t.Errorf("expected 1 call, got %d", inner.calls)
	}
	if !errors.Is(err, ErrProvider) {
		t.Errorf("expected ErrProvider, got %v", err)
	}
}

func TestRetryingChatModel_Exhausted(t *testing.T) {
	errs := make([]error, 10)
	for i := range errs {
		errs[i] = rateLimited()
	}
	inner := &scriptedChat{errs: errs}
	logger, buf := captureLogger()
	m := NewRetryingChatModel(inner, fastPolicy(4), logger)

	_, err := m.Complete(context.Background(), nil, CompleteOptions{})
	if !errors.Is(err, ErrRetryExhausted) {
		t.Fatalf("expected ErrRetryExhausted, got %v", err)
	}
	if inner.calls != 4 {
		t.Errorf("expected 4 calls, got %d", inner.calls)
	}
	if n := strings.Count(buf.String(), "retrying LLM call"); n != 3 {
		t.Errorf("expected 3 retry logs, got %d", n)
	}
	var pe *ProviderError
	if !errors.As(err, &pe) || pe.Reason != ReasonRateLimit {
		t.Errorf("expected last rate_limit error to be wrapped, got %v", err)
	}
}

func TestRetryingChatModel_ContextCancelled(t *testing.T) {
	errs := make([]error, 10)
	for i := range errs {
		errs[i] = rateLimited()
	}
	inner := &scriptedChat{errs: errs}
	policy := RetryPolicy{MaxAttempts: 10, Multiplier: time.Hour, MinWait: time.Hour, MaxWait: time.Hour}
	m := NewRetryingChatModel(inner, policy, slog.New(slog.NewTextHandler(&bytes.Buffer{}, nil)))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err := m.Complete(ctx, nil, CompleteOptions{})
	if err == nil {
		t.Fatal("expected error")
	}
	if time.Since(start) > 5*time.Second {
		t.Errorf("expected wait to be interrupted by context")
	}
	if errors.Is(err, ErrRetryExhausted) {
		t.Errorf("cancellation must not be reported as exhaustion: %v", err)
	}
}
