package llm

import (
	"errors"
	"fmt"
	"net"
	"strings"
)

// APIError is a non-2xx response from a provider.
type APIError struct {
	Provider string
	Status   int
	Body     string
}

// Error implements the error interface.
func (e *APIError) Error() string {
	return fmt.Sprintf("%s API error %d: %s", e.Provider, e.Status, e.Body)
}

// IsRetryable reports whether err is a transient provider error worth
// retrying in place: rate limits, server-side 5xx, or network failures.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}

	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Status == 429 || apiErr.Status >= 500
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}

	// Wrapped transport errors that don't implement net.Error.
	msg := err.Error()
	return strings.Contains(msg, "connection refused") ||
		strings.Contains(msg, "connection reset")
}

// IsContextTooLarge reports whether err indicates the request exceeded
// the model's context window. This is non-retryable as-is; the caller
// should compact history once and try again, then give up.
func IsContextTooLarge(err error) bool {
	if err == nil {
		return false
	}

	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		return false
	}
	if apiErr.Status != 400 && apiErr.Status != 413 {
		return false
	}

	body := strings.ToLower(apiErr.Body)
	return strings.Contains(body, "context") && strings.Contains(body, "too long") ||
		strings.Contains(body, "context_length_exceeded") ||
		strings.Contains(body, "maximum context length") ||
		strings.Contains(body, "prompt is too long")
}
