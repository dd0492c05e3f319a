package common

import (
	"context"
	"errors"
	"fmt"
)

// Kind classifies every failure the processing core can surface. Provider
// adapters must map their wire-level failures onto one of these before the
// error crosses the adapter boundary; the executor's retry policy keys on it.
type Kind string

const (
	KindNotFound          Kind = "NOT_FOUND"
	KindUnsupportedFormat Kind = "UNSUPPORTED_FORMAT"
	KindCorruptFile       Kind = "CORRUPT_FILE"
	KindInvalidRequest    Kind = "INVALID_REQUEST"
	KindRateLimited       Kind = "RATE_LIMIT_EXCEEDED"
	KindTimeout           Kind = "TIMEOUT"
	KindTransient         Kind = "TRANSIENT_FAILURE"
	KindModelUnavailable  Kind = "MODEL_UNAVAILABLE"
	KindValidation        Kind = "VALIDATION_ERROR"
	KindCanceled          Kind = "CANCELED"
	KindFatal             Kind = "FATAL"
)

// ProcError is the application error type carried across package boundaries.
type ProcError struct {
	Kind    Kind
	Message string
	Cause   error
}

func (e *ProcError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *ProcError) Unwrap() error {
	return e.Cause
}

// E builds a ProcError.
func E(kind Kind, message string, cause error) *ProcError {
	return &ProcError{Kind: kind, Message: message, Cause: cause}
}

// Errorf builds a ProcError with a formatted message and no cause.
func Errorf(kind Kind, format string, args ...any) *ProcError {
	return &ProcError{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// KindOf extracts the classification from err. Context errors map to their
// taxonomy kinds; anything unclassified is treated as fatal so that unknown
// failures are never retried by accident.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var pe *ProcError
	if errors.As(err, &pe) {
		return pe.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout
	}
	if errors.Is(err, context.Canceled) {
		return KindCanceled
	}
	return KindFatal
}

// IsRetryable reports whether a failure kind is transient enough to retry.
func IsRetryable(kind Kind) bool {
	switch kind {
	case KindTimeout, KindRateLimited, KindTransient:
		return true
	}
	return false
}

func WrapError(err error, message string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", message, err)
}
