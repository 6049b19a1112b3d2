package memerr

import (
	"errors"
	"fmt"
)

// Kind classifies a failure so callers can pattern-match instead of
// inspecting error strings.
type Kind int

const (
	KindUnknown Kind = iota
	KindInvalidInput
	KindNotFound
	KindConflict
	KindTransientBackend
	KindExtraction
	KindRateLimited
	KindFatal
)

func (k Kind) String() string {
	switch k {
	case KindInvalidInput:
		return "invalid_input"
	case KindNotFound:
		return "not_found"
	case KindConflict:
		return "conflict"
	case KindTransientBackend:
		return "transient_backend"
	case KindExtraction:
		return "extraction_error"
	case KindRateLimited:
		return "rate_limited"
	case KindFatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// Error is the typed error carried across component boundaries. Op names the
// failing operation ("segment.detect", "store.mark_status").
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// New wraps err with a kind and operation name.
func New(kind Kind, op string, err error) error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// Newf builds a typed error from a format string.
func Newf(kind Kind, op string, format string, args ...any) error {
	return &Error{Kind: kind, Op: op, Err: fmt.Errorf(format, args...)}
}

func InvalidInput(op string, format string, args ...any) error {
	return Newf(KindInvalidInput, op, format, args...)
}

func NotFound(op string, format string, args ...any) error {
	return Newf(KindNotFound, op, format, args...)
}

func Conflict(op string, format string, args ...any) error {
	return Newf(KindConflict, op, format, args...)
}

func Transient(op string, err error) error {
	return New(KindTransientBackend, op, err)
}

func Extraction(op string, err error) error {
	return New(KindExtraction, op, err)
}

func RateLimited(op string, err error) error {
	return New(KindRateLimited, op, err)
}

func Fatal(op string, format string, args ...any) error {
	return Newf(KindFatal, op, format, args...)
}

// KindOf returns the kind of err, or KindUnknown for untyped errors.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

// IsRetryable reports whether the worker may retry the task once after a
// backoff. ExtractionError and Fatal require caller intervention.
func IsRetryable(err error) bool {
	switch KindOf(err) {
	case KindTransientBackend, KindRateLimited:
		return true
	default:
		return false
	}
}
