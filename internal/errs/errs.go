// Package errs defines the closed set of error kinds the stress engine core
// surfaces, per the error handling taxonomy.
package errs

import (
	"errors"
	"fmt"
)

// Kind categorizes an Error for recovery/propagation decisions.
type Kind int

const (
	// KindTransport covers connection refused, DNS failures, TCP resets.
	KindTransport Kind = iota
	// KindTimeout covers read or connect deadline exceeded.
	KindTimeout
	// KindHTTPStatus covers a non-200 response.
	KindHTTPStatus
	// KindStreamFormat covers non-JSON where JSON is required, or an
	// unparseable SSE record.
	KindStreamFormat
	// KindResponseError covers a parsed JSON body carrying an error
	// indicator (negative code, non-empty error field, object/event =
	// "error", nested error.type/error.message).
	KindResponseError
	// KindInvalidRequestPayload covers a non-JSON template or an
	// auto-synthesis that is impossible.
	KindInvalidRequestPayload
	// KindInvalidDataset covers an unreadable dataset or one that yields
	// zero valid lines.
	KindInvalidDataset
	// KindSupervision covers a worker group that cannot be spawned, or a
	// worker that cannot be killed.
	KindSupervision
	// KindStore covers a task store disconnect or transaction error.
	KindStore
)

func (k Kind) String() string {
	switch k {
	case KindTransport:
		return "TransportError"
	case KindTimeout:
		return "Timeout"
	case KindHTTPStatus:
		return "HttpStatus"
	case KindStreamFormat:
		return "StreamFormat"
	case KindResponseError:
		return "ResponseError"
	case KindInvalidRequestPayload:
		return "InvalidRequestPayload"
	case KindInvalidDataset:
		return "InvalidDataset"
	case KindSupervision:
		return "SupervisionError"
	case KindStore:
		return "StoreError"
	default:
		return "UnknownError"
	}
}

// Error is the typed error returned by every core component so that
// callers can branch on Kind without string-matching.
type Error struct {
	Kind    Kind
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// New builds an *Error with no wrapped cause.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Wrap builds an *Error wrapping cause.
func Wrap(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, Cause: cause}
}

// As extracts an *Error from err, if any.
func As(err error) *Error {
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	return nil
}

// Is reports whether err is (or wraps) an *Error of the given kind.
func Is(err error, kind Kind) bool {
	e := As(err)
	return e != nil && e.Kind == kind
}

// Recoverable reports whether the kind is locally recovered by the virtual
// user loop (never surfaced to the task) per the error handling design.
func Recoverable(kind Kind) bool {
	switch kind {
	case KindTransport, KindTimeout, KindHTTPStatus, KindStreamFormat, KindResponseError, KindInvalidRequestPayload:
		return true
	default:
		return false
	}
}

// TruncateTail truncates s to maxLen characters, appending a tail marker
// when truncation occurs. User-visible error fields are capped at 65000
// characters.
func TruncateTail(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	const marker = "...[truncated]"
	if maxLen <= len(marker) {
		return s[:maxLen]
	}
	return s[:maxLen-len(marker)] + marker
}
