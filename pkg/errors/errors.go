package errors

import (
	"errors"
	"fmt"
)

// Kind classifies a pipeline failure. The scheduler's propagation policy is
// driven by kind, not by concrete error types.
type Kind string

const (
	KindConfigInvalid        Kind = "ConfigInvalid"
	KindUnknownProject       Kind = "UnknownProject"
	KindNotFound             Kind = "NotFound"
	KindTransferTimeout      Kind = "TransferTimeout"
	KindCacheUnstable        Kind = "CacheUnstable"
	KindSkipInstance         Kind = "SkipInstance"
	KindAnonymisationFailure Kind = "AnonymisationFailure"
	KindValidationFailure    Kind = "ValidationFailure"
	KindUploadFailure        Kind = "UploadFailure"
	KindSecretUnavailable    Kind = "SecretUnavailable"
	KindLedgerConflict       Kind = "LedgerConflict"
	KindCircuitOpen          Kind = "CircuitOpen"
)

// RetryableError marks errors worth another local attempt with backoff.
type RetryableError interface {
	error
	IsRetryable() bool
}

// FatalError marks errors that must not be retried.
type FatalError interface {
	error
	IsFatal() bool
}

type Error struct {
	Kind      Kind
	Message   string
	Cause     error
	Details   map[string]interface{}
	retryable *bool
}

func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

func Newf(kind Kind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

func Wrap(kind Kind, message string, cause error) *Error {
	if cause == nil {
		return nil
	}
	return &Error{Kind: kind, Message: message, Cause: cause}
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

func (e *Error) WithDetail(key string, value interface{}) *Error {
	err := *e
	if err.Details == nil {
		err.Details = make(map[string]interface{})
	}
	err.Details[key] = value
	return &err
}

// AsRetryable returns a copy forced retryable regardless of kind.
func (e *Error) AsRetryable() *Error {
	err := *e
	retryable := true
	err.retryable = &retryable
	return &err
}

// AsFatal returns a copy forced terminal regardless of kind.
func (e *Error) AsFatal() *Error {
	err := *e
	retryable := false
	err.retryable = &retryable
	return &err
}

// IsRetryable reports whether a local backoff retry is worthwhile. Transfer
// timeouts, transient upload/secret failures and open circuits are retried;
// everything else surfaces immediately.
func (e *Error) IsRetryable() bool {
	if e.retryable != nil {
		return *e.retryable
	}
	switch e.Kind {
	case KindTransferTimeout, KindUploadFailure, KindSecretUnavailable, KindCircuitOpen:
		return true
	default:
		return false
	}
}

func (e *Error) IsFatal() bool {
	if e.retryable != nil {
		return !*e.retryable
	}
	return !e.IsRetryable()
}

// KindOf extracts the pipeline kind from an error chain; empty if none.
func KindOf(err error) Kind {
	var appErr *Error
	if errors.As(err, &appErr) {
		return appErr.Kind
	}
	return ""
}

func Is(err error, kind Kind) bool {
	return KindOf(err) == kind
}

// IsSkip reports whether the error is the non-error skip signal raised by
// the anonymiser for filtered instances.
func IsSkip(err error) bool {
	return Is(err, KindSkipInstance)
}

// DeadLetter reports whether the message should be dead-lettered rather
// than retried or failed in the ledger.
func DeadLetter(err error) bool {
	return Is(err, KindUnknownProject)
}
