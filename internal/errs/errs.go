// Package errs defines the closed error taxonomy shared by every component.
//
// Each failure surfaced to a caller, a session, or the HTTP API carries one of
// the Kind values below. Kinds drive retry decisions (a TOOL_DENIED never
// retries, a MODEL_RATE_LIMIT may) and HTTP status mapping.
package errs

import (
	"errors"
	"fmt"
)

// Kind classifies an error into the platform's closed taxonomy.
type Kind string

const (
	KindConfigInvalid    Kind = "CONFIG_INVALID"
	KindModelAuthFailed  Kind = "MODEL_AUTH_FAILED"
	KindModelRateLimit   Kind = "MODEL_RATE_LIMIT"
	KindToolDenied       Kind = "TOOL_DENIED"
	KindPathNotAllowed   Kind = "PATH_NOT_ALLOWED"
	KindBudgetExceeded   Kind = "BUDGET_EXCEEDED"
	KindSkillParseFailed Kind = "SKILL_PARSE_FAILED"
	KindIO               Kind = "IO_ERROR"
	KindTimeout          Kind = "TIMEOUT"
	KindCancelled        Kind = "CANCELLED"
	KindMissingChatID    Kind = "MISSING_CHAT_ID"
	KindProtocol         Kind = "PROTOCOL_ERROR"
)

// Error is a kinded error with an operator-readable message.
type Error struct {
	Kind Kind
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	switch {
	case e.Msg != "" && e.Err != nil:
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Msg, e.Err)
	case e.Msg != "":
		return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	default:
		return string(e.Kind)
	}
}

func (e *Error) Unwrap() error { return e.Err }

// New creates a kinded error with a formatted message.
func New(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

// Wrap attaches a kind to an underlying error. Returns nil if err is nil.
func Wrap(kind Kind, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Err: err}
}

// Wrapf attaches a kind and message to an underlying error.
func Wrapf(kind Kind, err error, format string, args ...any) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...), Err: err}
}

// KindOf extracts the Kind from an error chain. Unclassified errors report
// KindProtocol for wire surfaces and are never retried.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindProtocol
}

// Is reports whether the error chain carries the given kind.
func Is(err error, kind Kind) bool {
	var e *Error
	return errors.As(err, &e) && e.Kind == kind
}

// Retryable reports whether a node failure with this error may be retried.
// Policy denials, path violations, budget stops, cancellation, and config
// errors are final; everything else is worth another attempt.
func Retryable(err error) bool {
	switch KindOf(err) {
	case KindToolDenied, KindPathNotAllowed, KindBudgetExceeded,
		KindCancelled, KindConfigInvalid, KindMissingChatID, KindModelAuthFailed,
		KindProtocol:
		return false
	}
	return true
}
