// Package errors provides the coded error type shared by the loan approval
// service. Every error that crosses a package boundary carries a Code so that
// transport layers can map it without inspecting message text.
package errors

import (
	"fmt"

	gerrors "github.com/go-faster/errors"
)

// Code classifies an error for callers.
type Code string

const (
	ErrCodeInvalidInput         Code = "INVALID_INPUT"
	ErrCodeNotFound             Code = "NOT_FOUND"
	ErrCodeConflict             Code = "CONFLICT"
	ErrCodeInternal             Code = "INTERNAL"
	ErrCodeConfiguration        Code = "CONFIGURATION"
	ErrCodeNoMatchingTier       Code = "NO_MATCHING_TIER"
	ErrCodeNoPendingAssignment  Code = "NO_PENDING_ASSIGNMENT"
	ErrCodeAlreadyDecided       Code = "ALREADY_DECIDED"
	ErrCodeNotCommitteeMember   Code = "NOT_COMMITTEE_MEMBER"
	ErrCodeNotAuthorized        Code = "NOT_AUTHORIZED"
	ErrCodeVotingClosed         Code = "VOTING_CLOSED"
	ErrCodeDecisionStillPending Code = "DECISION_STILL_PENDING"
	ErrCodeStorage              Code = "STORAGE"
	ErrCodeInvalidRecord        Code = "INVALID_RECORD"
)

// Error is a coded error. Details carries structured context (for example the
// current committee tally) that callers may render alongside the message.
type Error struct {
	Code    Code
	Message string
	Field   string
	Details map[string]any
	err     error
}

func (e *Error) Error() string {
	if e.err == nil {
		return fmt.Sprintf("%s: %s", e.Code, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.err.Error())
}

func (e *Error) Unwrap() error {
	return e.err
}

// WithDetails returns e with key set in its details map.
func (e *Error) WithDetails(key string, value any) *Error {
	if e.Details == nil {
		e.Details = make(map[string]any)
	}
	e.Details[key] = value
	return e
}

// New creates a coded error.
func New(code Code, message string) *Error {
	return &Error{Code: code, Message: message, err: gerrors.New(message)}
}

// Newf creates a coded error with a formatted message.
func Newf(code Code, format string, args ...any) *Error {
	return New(code, fmt.Sprintf(format, args...))
}

// Wrap annotates err with a code and message. A nil err yields nil.
func Wrap(err error, code Code, message string) error {
	if err == nil {
		return nil
	}
	return &Error{Code: code, Message: message, err: gerrors.Wrap(err, message)}
}

// NotFound reports a missing resource.
func NotFound(resource, id string) *Error {
	return New(ErrCodeNotFound, fmt.Sprintf("%s not found: %s", resource, id)).
		WithDetails("resource", resource).
		WithDetails("id", id)
}

// InvalidInput reports a rejected input field.
func InvalidInput(field, message string) *Error {
	e := New(ErrCodeInvalidInput, fmt.Sprintf("%s: %s", field, message))
	e.Field = field
	return e
}

// Storage wraps an infrastructure failure. Storage errors are safe to retry.
func Storage(err error, message string) error {
	if err == nil {
		return nil
	}
	var coded *Error
	if gerrors.As(err, &coded) {
		return err
	}
	return Wrap(err, ErrCodeStorage, message)
}

// CodeOf returns the code of the first coded error in err's chain, or
// ErrCodeInternal when there is none.
func CodeOf(err error) Code {
	if err == nil {
		return ""
	}
	var coded *Error
	if gerrors.As(err, &coded) {
		return coded.Code
	}
	return ErrCodeInternal
}

// Is reports whether err carries the given code.
func Is(err error, code Code) bool {
	return err != nil && CodeOf(err) == code
}

// As exposes the coded error in err's chain.
func As(err error) (*Error, bool) {
	var coded *Error
	if gerrors.As(err, &coded) {
		return coded, true
	}
	return nil, false
}

// Retryable reports whether a caller may safely retry the failed operation.
func Retryable(err error) bool {
	switch CodeOf(err) {
	case ErrCodeStorage, ErrCodeNoPendingAssignment, ErrCodeAlreadyDecided:
		return true
	}
	return false
}
