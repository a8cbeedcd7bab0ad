// ABOUTME: Tests for provider error classification and retryability.
// ABOUTME: Covers status code mapping, error chain inspection, and retry-after hints.

package llm

import (
	"errors"
	"fmt"
	"testing"
	"time"
)

func TestErrorFromStatusCode(t *testing.T) {
	tests := []struct {
		name      string
		status    int
		retryable bool
		wantType  string
	}{
		{name: "unauthorized", status: 401, retryable: false, wantType: "*llm.AuthenticationError"},
		{name: "forbidden", status: 403, retryable: false, wantType: "*llm.AuthenticationError"},
		{name: "not found", status: 404, retryable: false, wantType: "*llm.InvalidRequestError"},
		{name: "timeout", status: 408, retryable: true, wantType: "*llm.RequestTimeoutError"},
		{name: "throttled", status: 429, retryable: true, wantType: "*llm.RateLimitError"},
		{name: "bad request", status: 400, retryable: false, wantType: "*llm.InvalidRequestError"},
		{name: "server error", status: 500, retryable: true, wantType: "*llm.ServerError"},
		{name: "bad gateway", status: 502, retryable: true, wantType: "*llm.ServerError"},
		{name: "overloaded", status: 529, retryable: true, wantType: "*llm.ServerError"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ErrorFromStatusCode("test", tt.status, "boom")
			if got := fmt.Sprintf("%T", err); got != tt.wantType {
				t.Errorf("type = %s, want %s", got, tt.wantType)
			}
			if got := IsRetryable(err); got != tt.retryable {
				t.Errorf("IsRetryable = %v, want %v", got, tt.retryable)
			}
		})
	}
}

func TestIsRetryableThroughWrapping(t *testing.T) {
	base := NewServerError("test", 500, "boom")
	wrapped := fmt.Errorf("calling provider: %w", base)

	if !IsRetryable(wrapped) {
		t.Error("wrapped server error should be retryable")
	}
	if IsRetryable(errors.New("plain")) {
		t.Error("plain error should not be retryable")
	}
	if IsRetryable(nil) {
		t.Error("nil should not be retryable")
	}
}

func TestRetryAfterHint(t *testing.T) {
	err := NewRateLimitError("test", "slow down", 5*time.Second)
	wrapped := fmt.Errorf("attempt failed: %w", err)

	if got := RetryAfterHint(wrapped); got != 5*time.Second {
		t.Errorf("RetryAfterHint = %v, want 5s", got)
	}
	if got := RetryAfterHint(NewServerError("test", 500, "boom")); got != 0 {
		t.Errorf("RetryAfterHint on server error = %v, want 0", got)
	}
	if got := RetryAfterHint(nil); got != 0 {
		t.Errorf("RetryAfterHint(nil) = %v, want 0", got)
	}
}

func TestProviderErrorMessage(t *testing.T) {
	err := NewServerError("openai", 503, "service unavailable")
	want := "openai: service unavailable (status 503)"
	if err.Error() != want {
		t.Errorf("Error() = %q, want %q", err.Error(), want)
	}

	netErr := NewNetworkError("anthropic", errors.New("connection refused"))
	if got := netErr.Error(); got != "anthropic: connection refused" {
		t.Errorf("Error() = %q", got)
	}
	if !errors.Is(netErr, netErr.Cause) && netErr.Unwrap() == nil {
		t.Error("network error should unwrap to its cause")
	}
}
