// ABOUTME: Provider error taxonomy with retriable classification.
// ABOUTME: Adapters map SDK/HTTP failures into these types; retry middleware keys off IsRetryable.

package llm

import (
	"errors"
	"fmt"
	"time"
)

// RetryableError is implemented by errors that may succeed on retry.
type RetryableError interface {
	error
	IsRetryable() bool
}

// ProviderError is the base error for provider failures.
type ProviderError struct {
	Provider   string
	StatusCode int
	Code       string
	Message    string
	Retryable  bool
	// RetryAfter carries the provider's requested wait, when sent.
	RetryAfter time.Duration
	Cause      error
}

func (e *ProviderError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("%s: %s (status %d)", e.Provider, e.Message, e.StatusCode)
	}
	return fmt.Sprintf("%s: %s", e.Provider, e.Message)
}

func (e *ProviderError) Unwrap() error { return e.Cause }

// IsRetryable reports whether the call may succeed on retry.
func (e *ProviderError) IsRetryable() bool { return e.Retryable }

// AuthenticationError indicates a bad or missing API key.
type AuthenticationError struct{ ProviderError }

// RateLimitError indicates the provider throttled the request.
type RateLimitError struct{ ProviderError }

// ServerError indicates a 5xx-class provider failure.
type ServerError struct{ ProviderError }

// InvalidRequestError indicates the request was rejected as malformed.
type InvalidRequestError struct{ ProviderError }

// ContextLengthError indicates the prompt exceeded the model's window.
type ContextLengthError struct{ ProviderError }

// RequestTimeoutError indicates the provider did not answer in time.
type RequestTimeoutError struct{ ProviderError }

// NetworkError indicates a transport-level failure before any response.
type NetworkError struct{ ProviderError }

// NewAuthenticationError builds a non-retryable auth failure.
func NewAuthenticationError(provider, message string) *AuthenticationError {
	return &AuthenticationError{ProviderError{Provider: provider, Message: message, StatusCode: 401}}
}

// NewRateLimitError builds a retryable throttle failure.
func NewRateLimitError(provider, message string, retryAfter time.Duration) *RateLimitError {
	return &RateLimitError{ProviderError{
		Provider: provider, Message: message, StatusCode: 429,
		Retryable: true, RetryAfter: retryAfter,
	}}
}

// NewServerError builds a retryable provider-side failure.
func NewServerError(provider string, status int, message string) *ServerError {
	return &ServerError{ProviderError{Provider: provider, Message: message, StatusCode: status, Retryable: true}}
}

// NewInvalidRequestError builds a non-retryable rejection.
func NewInvalidRequestError(provider, message string) *InvalidRequestError {
	return &InvalidRequestError{ProviderError{Provider: provider, Message: message, StatusCode: 400}}
}

// NewContextLengthError builds a non-retryable window overflow.
func NewContextLengthError(provider, message string) *ContextLengthError {
	return &ContextLengthError{ProviderError{Provider: provider, Message: message, StatusCode: 400, Code: "context_length_exceeded"}}
}

// NewRequestTimeoutError builds a retryable timeout.
func NewRequestTimeoutError(provider, message string) *RequestTimeoutError {
	return &RequestTimeoutError{ProviderError{Provider: provider, Message: message, StatusCode: 408, Retryable: true}}
}

// NewNetworkError builds a retryable transport failure wrapping its cause.
func NewNetworkError(provider string, cause error) *NetworkError {
	msg := "network error"
	if cause != nil {
		msg = cause.Error()
	}
	return &NetworkError{ProviderError{Provider: provider, Message: msg, Retryable: true, Cause: cause}}
}

// ErrorFromStatusCode maps an HTTP status to the matching error type.
func ErrorFromStatusCode(provider string, status int, message string) error {
	switch {
	case status == 401 || status == 403:
		e := NewAuthenticationError(provider, message)
		e.StatusCode = status
		return e
	case status == 404:
		return NewInvalidRequestError(provider, message)
	case status == 408:
		return NewRequestTimeoutError(provider, message)
	case status == 429:
		return NewRateLimitError(provider, message, 0)
	case status >= 500:
		return NewServerError(provider, status, message)
	case status >= 400:
		return NewInvalidRequestError(provider, message)
	default:
		return &ProviderError{Provider: provider, StatusCode: status, Message: message}
	}
}

// IsRetryable reports whether err (anywhere in its chain) is marked
// retryable.
func IsRetryable(err error) bool {
	var r RetryableError
	if errors.As(err, &r) {
		return r.IsRetryable()
	}
	return false
}

// RetryAfterHint extracts a provider-requested wait from the error chain,
// or zero.
func RetryAfterHint(err error) time.Duration {
	var p *ProviderError
	if errors.As(err, &p) {
		return p.RetryAfter
	}
	var rl *RateLimitError
	if errors.As(err, &rl) {
		return rl.RetryAfter
	}
	return 0
}
