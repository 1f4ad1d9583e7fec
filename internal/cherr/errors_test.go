package cherr

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestAPIError_Error(t *testing.T) {
	e := NewAPIError("/conversations", 503, "upstream unavailable")
	assert.Contains(t, e.Error(), "status 503")
	assert.Contains(t, e.Error(), "/conversations")
}

func TestAPIError_Unwrap(t *testing.T) {
	inner := errors.New("connection refused")
	e := &APIError{Endpoint: "/conversations", StatusCode: 502, Message: "bad gateway", Err: inner}
	assert.True(t, errors.Is(e, inner))
}

func TestIsRetryable_StatusCodes(t *testing.T) {
	for _, code := range []int{408, 429, 500, 502, 503, 504} {
		assert.True(t, IsRetryable(NewAPIError("/x", code, "boom")), "status %d", code)
	}
	for _, code := range []int{400, 401, 403, 404, 409, 422} {
		assert.False(t, IsRetryable(NewAPIError("/x", code, "boom")), "status %d", code)
	}
}

func TestIsRetryable_Sentinels(t *testing.T) {
	assert.True(t, IsRetryable(ErrTransportUnavailable))
	assert.True(t, IsRetryable(ErrPollFailed))
	assert.True(t, IsRetryable(ErrInitTimeout))
	assert.False(t, IsRetryable(ErrSendFailed))
	assert.False(t, IsRetryable(ErrReconnectExhausted))
	assert.False(t, IsRetryable(ErrClosed))
}

func TestIsRetryable_Wrapped(t *testing.T) {
	err := fmt.Errorf("sending: %w", ErrTransportUnavailable)
	assert.True(t, IsRetryable(err))
}
