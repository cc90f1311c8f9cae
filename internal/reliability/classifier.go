package reliability

import (
	"context"
	"errors"
	"fmt"
	"net"
)

// StatusError reports a non-2xx reply from an HTTP backend.
type StatusError struct {
	Backend    string
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("%s http status %d", e.Backend, e.StatusCode)
	}
	return fmt.Sprintf("%s http status %d: %s", e.Backend, e.StatusCode, e.Body)
}

// IsRetryableHTTPStatus classifies retryable HTTP status codes.
func IsRetryableHTTPStatus(code int) bool {
	switch code {
	case 429, 500, 502, 503, 504:
		return true
	default:
		return false
	}
}

// IsRetryable reports whether a caller could reasonably try the same request again.
// The service itself never retries; this only feeds error payloads and metrics.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var statusErr *StatusError
	if errors.As(err, &statusErr) {
		return IsRetryableHTTPStatus(statusErr.StatusCode)
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	return false
}

// Code maps an error to a short label for metrics.
func Code(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	case errors.Is(err, context.Canceled):
		return "canceled"
	}
	var statusErr *StatusError
	if errors.As(err, &statusErr) {
		return fmt.Sprintf("http_%d", statusErr.StatusCode)
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return "unreachable"
	}
	return "error"
}
