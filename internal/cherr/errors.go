// Package cherr provides structured error types for the chat connectivity core.
package cherr

import (
	"errors"
	"fmt"
)

// Sentinel errors for the failure modes of the connectivity core.
var (
	// ErrTransportUnavailable means no connected channel existed at send time.
	// Recoverable: the delivery layer escalates to the HTTP fallback.
	ErrTransportUnavailable = errors.New("no connected transport")

	// ErrSendFailed means both the realtime and HTTP send attempts failed.
	// Recoverable via explicit user retry.
	ErrSendFailed = errors.New("send failed on all transports")

	// ErrReconnectExhausted means the reconnect attempt cap was reached.
	ErrReconnectExhausted = errors.New("reconnect attempts exhausted")

	// ErrPollFailed means a single poll tick failed. Fully recovered by the
	// next tick; never surfaced to the user.
	ErrPollFailed = errors.New("poll tick failed")

	// ErrInitTimeout means the initial realtime handshake exceeded its
	// timeout. Silently downgrades to the raw socket.
	ErrInitTimeout = errors.New("realtime init timed out")

	// ErrClosed means the component was torn down.
	ErrClosed = errors.New("client closed")
)

// APIError represents an error from the chat backend's REST API.
type APIError struct {
	Endpoint   string
	StatusCode int
	Message    string
	Err        error
}

func (e *APIError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("chat API error (status %d) on %s: %s: %v", e.StatusCode, e.Endpoint, e.Message, e.Err)
	}
	return fmt.Sprintf("chat API error (status %d) on %s: %s", e.StatusCode, e.Endpoint, e.Message)
}

func (e *APIError) Unwrap() error { return e.Err }

// NewAPIError creates a new API error.
func NewAPIError(endpoint string, statusCode int, message string) *APIError {
	return &APIError{Endpoint: endpoint, StatusCode: statusCode, Message: message}
}

// IsRetryable returns true if the error is likely transient and worth retrying.
func IsRetryable(err error) bool {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		switch apiErr.StatusCode {
		case 408, 429, 500, 502, 503, 504:
			return true
		}
		return false
	}
	return errors.Is(err, ErrTransportUnavailable) ||
		errors.Is(err, ErrPollFailed) ||
		errors.Is(err, ErrInitTimeout)
}
