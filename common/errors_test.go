package common

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestError_Error tests message formatting with and without a cause
func TestError_Error(t *testing.T) {
	e := E(KindNotFound, "document 42 not found")
	assert.Equal(t, "NOT_FOUND: document 42 not found", e.Error())

	wrapped := Wrap(KindIndexWriteFailed, "bulk upsert", errors.New("connection refused"))
	assert.Equal(t, "INDEX_WRITE_FAILED: bulk upsert: connection refused", wrapped.Error())
}

// TestWrap_NilCause tests that wrapping nil stays nil
func TestWrap_NilCause(t *testing.T) {
	assert.NoError(t, Wrap(KindLLMFailed, "generate", nil))
}

// TestKindOf tests kind extraction through wrapped chains
func TestKindOf(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		expected Kind
	}{
		{
			name:     "Direct",
			err:      E(KindQuotaExceededTokens, "daily token budget exhausted"),
			expected: KindQuotaExceededTokens,
		},
		{
			name:     "WrappedWithFmt",
			err:      fmt.Errorf("handling request: %w", E(KindAuthForbidden, "viewer cannot upload")),
			expected: KindAuthForbidden,
		},
		{
			name:     "Unclassified",
			err:      errors.New("plain"),
			expected: Kind(""),
		},
		{
			name:     "Nil",
			err:      nil,
			expected: Kind(""),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, KindOf(tt.err))
		})
	}
}

// TestIsKind tests kind matching across nested classified errors
func TestIsKind(t *testing.T) {
	inner := E(KindLLMRateLimited, "provider 429")
	outer := Wrap(KindLLMFailed, "generate answer", inner)

	assert.True(t, IsKind(outer, KindLLMFailed))
	assert.True(t, IsKind(outer, KindLLMRateLimited))
	assert.False(t, IsKind(outer, KindNotFound))
	assert.False(t, IsKind(nil, KindNotFound))
}

// TestHTTPStatus tests the full kind to status mapping
func TestHTTPStatus(t *testing.T) {
	tests := []struct {
		kind   Kind
		status int
	}{
		{KindAuthInvalid, http.StatusUnauthorized},
		{KindAuthForbidden, http.StatusForbidden},
		{KindNotFound, http.StatusNotFound},
		{KindConflictState, http.StatusConflict},
		{KindQuotaExceededRequests, http.StatusTooManyRequests},
		{KindQuotaExceededTokens, http.StatusTooManyRequests},
		{KindLLMRateLimited, http.StatusTooManyRequests},
		{KindUnsupportedFormat, http.StatusUnsupportedMediaType},
		{KindParseFailed, http.StatusUnprocessableEntity},
		{KindEmbedFailed, http.StatusBadGateway},
		{KindIndexWriteFailed, http.StatusBadGateway},
		{KindIndexReadFailed, http.StatusBadGateway},
		{KindLLMFailed, http.StatusBadGateway},
		{KindRerankUnavailable, http.StatusServiceUnavailable},
		{KindQueueUnavailable, http.StatusServiceUnavailable},
		{KindInterrupted, http.StatusInternalServerError},
		{Kind(""), http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(string(tt.kind), func(t *testing.T) {
			assert.Equal(t, tt.status, HTTPStatus(tt.kind))
		})
	}
}

// TestTruncate tests the persisted-message bound
func TestTruncate(t *testing.T) {
	long := strings.Repeat("x", 600)
	require.Len(t, Truncate(long, 500), 500)
	assert.Equal(t, "short", Truncate("short", 500))
	assert.Equal(t, "", Truncate("", 500))
}

// TestErrorsAs tests that Error participates in the errors.As protocol
func TestErrorsAs(t *testing.T) {
	err := fmt.Errorf("outer: %w", Ef(KindParseFailed, "page %d unreadable", 3))

	var e *Error
	require.True(t, errors.As(err, &e))
	assert.Equal(t, KindParseFailed, e.Kind)
	assert.Equal(t, "page 3 unreadable", e.Message)
}
