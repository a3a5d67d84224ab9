// ABOUTME: Tests for the provider error taxonomy and status code mapping.
// ABOUTME: Covers retryability, errors.As unwrapping, and Retry-After propagation.
package llm

import (
	"errors"
	"fmt"
	"testing"
	"time"
)

func TestErrorFromStatusCode(t *testing.T) {
	tests := []struct {
		status    int
		retryable bool
		check     func(error) bool
	}{
		{401, false, func(err error) bool { var e *AuthenticationError; return errors.As(err, &e) }},
		{403, false, func(err error) bool { var e *AccessDeniedError; return errors.As(err, &e) }},
		{404, false, func(err error) bool { var e *NotFoundError; return errors.As(err, &e) }},
		{400, false, func(err error) bool { var e *InvalidRequestError; return errors.As(err, &e) }},
		{422, false, func(err error) bool { var e *InvalidRequestError; return errors.As(err, &e) }},
		{408, true, func(err error) bool { var e *RequestTimeoutError; return errors.As(err, &e) }},
		{429, true, func(err error) bool { var e *RateLimitError; return errors.As(err, &e) }},
		{500, true, func(err error) bool { var e *ServerError; return errors.As(err, &e) }},
		{503, true, func(err error) bool { var e *ServerError; return errors.As(err, &e) }},
		{418, false, func(err error) bool { var e *ProviderError; return errors.As(err, &e) }},
	}

	for _, tt := range tests {
		t.Run(fmt.Sprintf("status_%d", tt.status), func(t *testing.T) {
			err := ErrorFromStatusCode(tt.status, "msg", "openai", "", nil, nil)
			if !tt.check(err) {
				t.Errorf("wrong type for status %d: %T", tt.status, err)
			}
			if IsRetryable(err) != tt.retryable {
				t.Errorf("retryable = %v, want %v", IsRetryable(err), tt.retryable)
			}
		})
	}
}

func TestAsProviderError(t *testing.T) {
	retryAfter := 7 * time.Second
	err := ErrorFromStatusCode(429, "slow down", "anthropic", "rate_limit_error", nil, &retryAfter)
	wrapped := fmt.Errorf("chat: %w", err)

	pe, ok := AsProviderError(wrapped)
	if !ok {
		t.Fatal("expected ProviderError")
	}
	if pe.StatusCode != 429 || pe.Provider != "anthropic" {
		t.Errorf("got %+v", pe)
	}
	if pe.RetryAfter == nil || *pe.RetryAfter != retryAfter {
		t.Errorf("retry-after not carried: %v", pe.RetryAfter)
	}
}

func TestNetworkErrorRetryable(t *testing.T) {
	err := NewNetworkError("local", errors.New("connection refused"))
	if !IsRetryable(err) {
		t.Error("network errors should be retryable")
	}
	if IsRetryable(NewStreamError("local", errors.New("truncated"))) {
		t.Error("stream errors should not be retryable")
	}
	if IsRetryable(errors.New("plain")) {
		t.Error("plain errors should not be retryable")
	}
}
