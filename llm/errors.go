// ABOUTME: Typed error taxonomy for model provider failures.
// ABOUTME: Maps HTTP status codes to error kinds and marks which failures are safe to retry.
package llm

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// ProviderError is the base error for failures reported by a model backend.
// Retryable failures (rate limits, 5xx) may be resubmitted by RetryPolicy.
type ProviderError struct {
	Provider   string
	StatusCode int
	ErrorCode  string
	Message    string
	Retryable  bool
	RetryAfter *time.Duration
	Raw        json.RawMessage
}

func (e *ProviderError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("%s: HTTP %d: %s", e.Provider, e.StatusCode, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Provider, e.Message)
}

// IsRetryable reports whether resubmitting the same request may succeed.
func (e *ProviderError) IsRetryable() bool { return e.Retryable }

// AuthenticationError indicates a rejected or missing API key (401).
type AuthenticationError struct{ ProviderError }

// AccessDeniedError indicates the key lacks permission for the resource (403).
type AccessDeniedError struct{ ProviderError }

// NotFoundError indicates an unknown model or endpoint (404).
type NotFoundError struct{ ProviderError }

// InvalidRequestError indicates a malformed request the backend rejected (400, 422).
type InvalidRequestError struct{ ProviderError }

// RateLimitError indicates throttling (429); retryable, may carry Retry-After.
type RateLimitError struct{ ProviderError }

// ServerError indicates a backend-side failure (5xx); retryable.
type ServerError struct{ ProviderError }

// RequestTimeoutError indicates the request exceeded the backend's deadline (408).
type RequestTimeoutError struct{ ProviderError }

// NetworkError indicates a transport-level failure before any HTTP status
// was received; retryable.
type NetworkError struct{ ProviderError }

// StreamError indicates a failure while reading an in-progress event stream.
type StreamError struct{ ProviderError }

// ConfigurationError indicates a local misconfiguration (missing key, bad base URL).
type ConfigurationError struct{ ProviderError }

// AsProviderError unwraps err to the embedded ProviderError when present.
func AsProviderError(err error) (*ProviderError, bool) {
	var auth *AuthenticationError
	if errors.As(err, &auth) {
		return &auth.ProviderError, true
	}
	var denied *AccessDeniedError
	if errors.As(err, &denied) {
		return &denied.ProviderError, true
	}
	var nf *NotFoundError
	if errors.As(err, &nf) {
		return &nf.ProviderError, true
	}
	var inv *InvalidRequestError
	if errors.As(err, &inv) {
		return &inv.ProviderError, true
	}
	var rl *RateLimitError
	if errors.As(err, &rl) {
		return &rl.ProviderError, true
	}
	var srv *ServerError
	if errors.As(err, &srv) {
		return &srv.ProviderError, true
	}
	var to *RequestTimeoutError
	if errors.As(err, &to) {
		return &to.ProviderError, true
	}
	var net *NetworkError
	if errors.As(err, &net) {
		return &net.ProviderError, true
	}
	var st *StreamError
	if errors.As(err, &st) {
		return &st.ProviderError, true
	}
	var cfg *ConfigurationError
	if errors.As(err, &cfg) {
		return &cfg.ProviderError, true
	}
	var pe *ProviderError
	if errors.As(err, &pe) {
		return pe, true
	}
	return nil, false
}

// IsRetryable reports whether err (or anything it wraps) is marked retryable.
func IsRetryable(err error) bool {
	var r interface{ IsRetryable() bool }
	if errors.As(err, &r) {
		return r.IsRetryable()
	}
	return false
}

// ErrorFromStatusCode maps an HTTP status to the matching typed error.
func ErrorFromStatusCode(statusCode int, message, provider, errorCode string, raw json.RawMessage, retryAfter *time.Duration) error {
	base := ProviderError{
		Provider:   provider,
		StatusCode: statusCode,
		ErrorCode:  errorCode,
		Message:    message,
		Raw:        raw,
		RetryAfter: retryAfter,
	}

	switch {
	case statusCode == 401:
		return &AuthenticationError{base}
	case statusCode == 403:
		return &AccessDeniedError{base}
	case statusCode == 404:
		return &NotFoundError{base}
	case statusCode == 408:
		base.Retryable = true
		return &RequestTimeoutError{base}
	case statusCode == 429:
		base.Retryable = true
		return &RateLimitError{base}
	case statusCode == 400 || statusCode == 422:
		return &InvalidRequestError{base}
	case statusCode >= 500:
		base.Retryable = true
		return &ServerError{base}
	default:
		return &base
	}
}

// NewNetworkError wraps a transport failure as a retryable NetworkError.
func NewNetworkError(provider string, cause error) error {
	return &NetworkError{ProviderError{
		Provider:  provider,
		Message:   cause.Error(),
		Retryable: true,
	}}
}

// NewStreamError wraps a mid-stream read failure.
func NewStreamError(provider string, cause error) error {
	return &StreamError{ProviderError{
		Provider: provider,
		Message:  cause.Error(),
	}}
}

// NewConfigurationError reports a local setup problem.
func NewConfigurationError(provider, message string) error {
	return &ConfigurationError{ProviderError{
		Provider: provider,
		Message:  message,
	}}
}
