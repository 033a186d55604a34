package common

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies an error for transport mapping and retry decisions. Kinds
// are stable strings: they appear in API error envelopes and in persisted
// failure messages, so renaming one is a breaking change.
type Kind string

const (
	KindAuthInvalid           Kind = "AUTH_INVALID"
	KindAuthForbidden         Kind = "AUTH_FORBIDDEN"
	KindNotFound              Kind = "NOT_FOUND"
	KindConflictState         Kind = "CONFLICT_STATE"
	KindQuotaExceededRequests Kind = "QUOTA_EXCEEDED_REQUESTS"
	KindQuotaExceededTokens   Kind = "QUOTA_EXCEEDED_TOKENS"
	KindUnsupportedFormat     Kind = "UNSUPPORTED_FORMAT"
	KindParseFailed           Kind = "PARSE_FAILED"
	KindEmbedFailed           Kind = "EMBED_FAILED"
	KindIndexWriteFailed      Kind = "INDEX_WRITE_FAILED"
	KindIndexReadFailed       Kind = "INDEX_READ_FAILED"
	KindRerankUnavailable     Kind = "RERANK_UNAVAILABLE"
	KindLLMFailed             Kind = "LLM_FAILED"
	KindLLMRateLimited        Kind = "LLM_RATE_LIMITED"
	KindQueueUnavailable      Kind = "QUEUE_UNAVAILABLE"
	KindInterrupted           Kind = "INTERRUPTED"
)

// Error carries a Kind alongside a human-readable message and an optional
// wrapped cause.
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// E builds a classified error without a cause.
func E(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Ef builds a classified error with a formatted message.
func Ef(kind Kind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap builds a classified error around a cause. A nil cause yields nil so
// call sites can wrap return values unconditionally.
func Wrap(kind Kind, message string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Message: message, Err: err}
}

// KindOf walks the error chain and returns the outermost Kind, or "" when
// the error is unclassified.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// IsKind reports whether err carries the given kind anywhere in its chain.
func IsKind(err error, kind Kind) bool {
	for err != nil {
		var e *Error
		if !errors.As(err, &e) {
			return false
		}
		if e.Kind == kind {
			return true
		}
		err = e.Err
	}
	return false
}

// HTTPStatus maps a kind to its HTTP status code. Unclassified errors map
// to 500.
func HTTPStatus(kind Kind) int {
	switch kind {
	case KindAuthInvalid:
		return http.StatusUnauthorized
	case KindAuthForbidden:
		return http.StatusForbidden
	case KindNotFound:
		return http.StatusNotFound
	case KindConflictState:
		return http.StatusConflict
	case KindQuotaExceededRequests, KindQuotaExceededTokens, KindLLMRateLimited:
		return http.StatusTooManyRequests
	case KindUnsupportedFormat:
		return http.StatusUnsupportedMediaType
	case KindParseFailed:
		return http.StatusUnprocessableEntity
	case KindEmbedFailed, KindIndexWriteFailed, KindIndexReadFailed, KindLLMFailed:
		return http.StatusBadGateway
	case KindRerankUnavailable, KindQueueUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// Truncate caps s at max bytes. Persisted failure messages are bounded so a
// pathological upstream error cannot bloat a status row.
func Truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max]
}
