// Package apperr provides the structured error type used throughout
// Lightopedia. Errors carry a kind for propagation decisions (retry, abort,
// degrade) and are never exposed verbatim to end users.
package apperr

import (
	"errors"
	"fmt"
)

// Kind classifies an error for propagation policy decisions.
type Kind string

const (
	// KindValidation covers disallowed paths and malformed input.
	KindValidation Kind = "validation"

	// KindAuth covers upstream credential rejections.
	KindAuth Kind = "auth"

	// KindNotFound covers missing repos, refs, and blobs.
	KindNotFound Kind = "not_found"

	// KindUpstreamTimeout covers external calls that exceeded their budget.
	KindUpstreamTimeout Kind = "upstream_timeout"

	// KindUpstreamFailure covers non-success responses from external services.
	KindUpstreamFailure Kind = "upstream_failure"

	// KindParse covers malformed JSON or payloads from external services.
	KindParse Kind = "parse"

	// KindPolicyViolation covers citation-gate and forbidden-phrase findings.
	KindPolicyViolation Kind = "policy_violation"

	// KindInternal is the fallback for everything else.
	KindInternal Kind = "internal"
)

// Error is the structured error type for Lightopedia.
type Error struct {
	// Kind classifies the error for handling decisions.
	Kind Kind

	// Message is the human-readable message (internal audiences only).
	Message string

	// Details contains additional context as key-value pairs.
	Details map[string]string

	// Cause is the underlying error, if any.
	Cause error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s] %s", e.Kind, e.Message)
}

// Unwrap returns the underlying cause for error chain support.
func (e *Error) Unwrap() error {
	return e.Cause
}

// Is matches errors by kind, enabling errors.Is with sentinel kinds.
func (e *Error) Is(target error) bool {
	if t, ok := target.(*Error); ok {
		return e.Kind == t.Kind
	}
	return false
}

// WithDetail adds a key-value detail. Returns the error for chaining.
func (e *Error) WithDetail(key, value string) *Error {
	if e.Details == nil {
		e.Details = make(map[string]string)
	}
	e.Details[key] = value
	return e
}

// New creates an Error with the given kind and message.
func New(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, Cause: cause}
}

// Newf creates an Error with a formatted message and no cause.
func Newf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Validation creates a validation error.
func Validation(message string) *Error {
	return New(KindValidation, message, nil)
}

// Auth creates an upstream-credential error.
func Auth(message string, cause error) *Error {
	return New(KindAuth, message, cause)
}

// NotFound creates a missing-resource error.
func NotFound(message string) *Error {
	return New(KindNotFound, message, nil)
}

// Timeout creates an upstream-timeout error.
func Timeout(message string, cause error) *Error {
	return New(KindUpstreamTimeout, message, cause)
}

// Upstream creates an upstream-failure error.
func Upstream(message string, cause error) *Error {
	return New(KindUpstreamFailure, message, cause)
}

// Parse creates a malformed-payload error.
func Parse(message string, cause error) *Error {
	return New(KindParse, message, cause)
}

// Internal creates an internal error.
func Internal(message string, cause error) *Error {
	return New(KindInternal, message, cause)
}

// KindOf extracts the kind from an error chain.
// Returns KindInternal for plain errors and nil-safe "" for nil.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// IsRetryable reports whether the operation that produced err is worth
// retrying. Timeouts and upstream failures are; everything else is not.
func IsRetryable(err error) bool {
	switch KindOf(err) {
	case KindUpstreamTimeout, KindUpstreamFailure:
		return true
	default:
		return false
	}
}
