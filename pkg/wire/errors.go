package wire

import "fmt"

// Error codes for an Error carried in an Envelope in place of a successful
// payload. The Link implementations in this repository do not send them.
const (
	ErrCodeNotFound      uint16 = 404
	ErrCodeMalformed     uint16 = 400
	ErrCodeNotAuthorized uint16 = 403
	ErrCodeHashMismatch  uint16 = 409
	ErrCodeInternal      uint16 = 500
)

// Error is a protocol-level error returned in place of a successful
// response body.
type Error struct {
	Code       uint16  `cbor:"code"`
	Reason     string  `cbor:"reason"`
	RetryAfter *uint32 `cbor:"retry_after,omitempty"`
}

// NewError creates a new protocol error.
func NewError(code uint16, reason string) *Error {
	return &Error{Code: code, Reason: reason}
}

// NewErrorWithRetry creates a protocol error carrying a retry-after hint,
// in seconds.
func NewErrorWithRetry(code uint16, reason string, retryAfter uint32) *Error {
	return &Error{Code: code, Reason: reason, RetryAfter: &retryAfter}
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.RetryAfter != nil {
		return fmt.Sprintf("wire error %d: %s (retry after %ds)", e.Code, e.Reason, *e.RetryAfter)
	}
	return fmt.Sprintf("wire error %d: %s", e.Code, e.Reason)
}

// IsRetryable reports whether the error suggests the caller should retry.
func (e *Error) IsRetryable() bool {
	return e.RetryAfter != nil
}

// ErrorCodeName returns a human-readable name for a wire error code.
func ErrorCodeName(code uint16) string {
	switch code {
	case ErrCodeNotFound:
		return "NOT_FOUND"
	case ErrCodeMalformed:
		return "MALFORMED"
	case ErrCodeNotAuthorized:
		return "NOT_AUTHORIZED"
	case ErrCodeHashMismatch:
		return "HASH_MISMATCH"
	case ErrCodeInternal:
		return "INTERNAL"
	default:
		return fmt.Sprintf("UNKNOWN_%d", code)
	}
}

// ErrNotFound creates a not-found error for the given hash.
func ErrNotFound(hash string) *Error {
	return NewError(ErrCodeNotFound, fmt.Sprintf("no node for hash %s", hash))
}

// ErrMalformed creates a malformed-request error.
func ErrMalformed(reason string) *Error {
	return NewError(ErrCodeMalformed, reason)
}

// ErrNotAuthorized creates a not-authorized error.
func ErrNotAuthorized(reason string) *Error {
	return NewError(ErrCodeNotAuthorized, reason)
}

// ErrHashMismatch creates a hash-mismatch error for content that failed
// integrity verification.
func ErrHashMismatch(hash string) *Error {
	return NewError(ErrCodeHashMismatch, fmt.Sprintf("data does not hash to %s", hash))
}
