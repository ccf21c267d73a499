package llm

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"syscall"
)

var (
	// ErrProvider matches every *ProviderError.
	ErrProvider = errors.New("llm provider error")

	// ErrRetryExhausted is returned when a transient failure survives every attempt.
	ErrRetryExhausted = errors.New("llm retries exhausted")
)

// Reason categorizes why a provider request failed.
type Reason string

const (
	ReasonRateLimit      Reason = "rate_limit"
	ReasonConnection     Reason = "connection"
	ReasonAuth           Reason = "auth"
	ReasonInvalidRequest Reason = "invalid_request"
	ReasonServerError    Reason = "server_error"
	ReasonContentFilter  Reason = "content_filter"
	ReasonEmptyResponse  Reason = "empty_response"
	ReasonUnknown        Reason = "unknown"
)

// Transient reports whether a retry may succeed. Only rate limiting and
// connection failures qualify.
func (r Reason) Transient() bool {
	return r == ReasonRateLimit || r == ReasonConnection
}

// ProviderError is a classified failure from a chat provider.
type ProviderError struct {
	Reason   Reason
	Provider string
	Model    string
	Status   int
	Message  string
	Cause    error
}

func (e *ProviderError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "[%s]", e.Reason)
	if e.Provider != "" {
		b.WriteString(" " + e.Provider)
	}
	if e.Model != "" {
		b.WriteString(" model=" + e.Model)
	}
	if e.Status != 0 {
		fmt.Fprintf(&b, " status=%d", e.Status)
	}
	switch {
	case e.Message != "":
		b.WriteString(" " + e.Message)
	case e.Cause != nil:
		b.WriteString(" " + e.Cause.Error())
	}
	return b.String()
}

// Unwrap returns the underlying error.
func (e *ProviderError) Unwrap() error { return e.Cause }

// Is makes errors.Is(err, ErrProvider) true for any ProviderError.
func (e *ProviderError) Is(target error) bool { return target == ErrProvider }

// Transient reports whether the failure is worth retrying.
func (e *ProviderError) Transient() bool { return e.Reason.Transient() }

// NewProviderError wraps cause and classifies it.
func NewProviderError(provider, model string, cause error) *ProviderError {
	return &ProviderError{
		Reason:   classifyError(cause),
		Provider: provider,
		Model:    model,
		Cause:    cause,
	}
}

// WithStatus records the HTTP status and reclassifies from it.
func (e *ProviderError) WithStatus(status int) *ProviderError {
	e.Status = status
	e.Reason = classifyStatusCode(status)
	return e
}

// WithMessage sets the error message.
func (e *ProviderError) WithMessage(msg string) *ProviderError {
	e.Message = msg
	return e
}

// AsProviderError returns err as a *ProviderError, classifying unknown errors.
func AsProviderError(err error) *ProviderError {
	var pe *ProviderError
	if errors.As(err, &pe) {
		return pe
	}
	return NewProviderError("", "", err)
}

func classifyStatusCode(status int) Reason {
	switch {
	case status == http.StatusTooManyRequests:
		return ReasonRateLimit
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return ReasonAuth
	case status >= 500:
		return ReasonServerError
	case status >= 400:
		return ReasonInvalidRequest
	default:
		return ReasonUnknown
	}
}

func classifyError(err error) Reason {
	if err == nil {
		return ReasonUnknown
	}
	var pe *ProviderError
	if errors.As(err, &pe) {
		return pe.Reason
	}
	// context.DeadlineExceeded also satisfies net.Error with Timeout() true,
	// so it must be caught before the connection checks.
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return ReasonUnknown
	}

	var opErr *net.OpError
	var dnsErr *net.DNSError
	if errors.As(err, &opErr) || errors.As(err, &dnsErr) {
		return ReasonConnection
	}
	if errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.EPIPE) || errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.EOF) {
		return ReasonConnection
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return ReasonConnection
	}

	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "rate limit") || strings.Contains(msg, "rate_limit") ||
		strings.Contains(msg, "too many requests"):
		return ReasonRateLimit
	case strings.Contains(msg, "connection refused") || strings.Contains(msg, "connection reset") ||
		strings.Contains(msg, "broken pipe") || strings.Contains(msg, "no such host") ||
		strings.Contains(msg, "i/o timeout") || strings.Contains(msg, "tls handshake timeout"):
		return ReasonConnection
	case strings.Contains(msg, "content_filter") || strings.Contains(msg, "content management policy"):
		return ReasonContentFilter
	}
	return ReasonUnknown
}
