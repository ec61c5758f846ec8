package core

import (
	"errors"
	"fmt"
	"time"
)

// ErrorKind classifies failures so each layer can decide whether to retry,
// contain or surface them.
type ErrorKind string

const (
	KindValidation       ErrorKind = "validation"
	KindUnauthenticated  ErrorKind = "unauthenticated"
	KindForbidden        ErrorKind = "forbidden"
	KindRateLimited      ErrorKind = "rate_limited"
	KindPayloadTooLarge  ErrorKind = "payload_too_large"
	KindNotFound         ErrorKind = "not_found"
	KindRuleEvaluation   ErrorKind = "rule_evaluation"
	KindTransientStorage ErrorKind = "transient_storage"
	KindPermanentStorage ErrorKind = "permanent_storage"
	KindTransientNotify  ErrorKind = "transient_notify"
	KindInternal         ErrorKind = "internal"
)

// FieldError describes one invalid input field.
type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// Error is the single error type of the taxonomy. Message is safe to show to
// callers; Err carries internal detail and is only ever logged.
type Error struct {
	Kind       ErrorKind
	Message    string
	RetryAfter time.Duration
	Fields     []FieldError
	Err        error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches another *Error by kind, so errors.Is(err, &Error{Kind: k}) works.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind && t.Message == "" && t.Err == nil
}

// KindOf returns the kind of the first *Error in err's chain, or KindInternal.
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// AsError returns the first *Error in err's chain.
func AsError(err error) (*Error, bool) {
	var e *Error
	ok := errors.As(err, &e)
	return e, ok
}

// IsTransient reports whether a retry may succeed.
func IsTransient(err error) bool {
	switch KindOf(err) {
	case KindTransientStorage, KindTransientNotify:
		return true
	}
	return false
}

func NewValidationError(msg string, fields ...FieldError) *Error {
	return &Error{Kind: KindValidation, Message: msg, Fields: fields}
}

// NewUnauthenticated never includes the reason in the message; err is kept for logs.
func NewUnauthenticated(err error) *Error {
	return &Error{Kind: KindUnauthenticated, Message: "authentication required", Err: err}
}

func NewForbidden(msg string) *Error {
	return &Error{Kind: KindForbidden, Message: msg}
}

func NewRateLimited(retryAfter time.Duration) *Error {
	return &Error{Kind: KindRateLimited, Message: "rate limit exceeded", RetryAfter: retryAfter}
}

func NewPayloadTooLarge(limit int64) *Error {
	return &Error{Kind: KindPayloadTooLarge, Message: fmt.Sprintf("request body exceeds %d bytes", limit)}
}

func NewNotFound(what string) *Error {
	return &Error{Kind: KindNotFound, Message: what + " not found"}
}

func NewRuleEvaluationError(ruleID string, index int, err error) *Error {
	return &Error{Kind: KindRuleEvaluation, Message: fmt.Sprintf("rule %s condition %d", ruleID, index), Err: err}
}

func NewTransientStorageError(op string, err error) *Error {
	return &Error{Kind: KindTransientStorage, Message: op + " temporarily unavailable", Err: err}
}

func NewPermanentStorageError(op string, err error) *Error {
	return &Error{Kind: KindPermanentStorage, Message: op + " failed", Err: err}
}

func NewTransientNotifyError(channel string, err error) *Error {
	return &Error{Kind: KindTransientNotify, Message: "notification via " + channel + " failed", Err: err}
}

func NewInternalError(err error) *Error {
	return &Error{Kind: KindInternal, Message: "internal server error", Err: err}
}
