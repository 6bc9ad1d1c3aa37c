// Package apperr defines the error taxonomy shared by the lifecycle engine.
// Every domain failure carries a stable Code that the HTTP layer and clients
// can switch on; the Message is human readable and may change.
package apperr

import (
	"errors"
	"fmt"
)

// Code is a stable, client-visible error identifier.
type Code string

const (
	CodeInvalidStateTransition Code = "INVALID_STATE_TRANSITION"
	CodeConcurrentModification Code = "CONCURRENT_MODIFICATION"
	CodeConservationViolated   Code = "CONSERVATION_INVARIANT_VIOLATED"
	CodeInsufficientEvidence   Code = "INSUFFICIENT_EVIDENCE"
	CodeInvalidRating          Code = "INVALID_RATING"
	CodeDisputeWindowClosed    Code = "DISPUTE_WINDOW_CLOSED"
	CodeDisputeAlreadyResolved Code = "DISPUTE_ALREADY_RESOLVED"
	CodeScheduleOverallocated  Code = "SCHEDULE_OVERALLOCATED"
	CodeChangeNotFound         Code = "CHANGE_NOT_FOUND"
	CodeChangeAlreadyResolved  Code = "CHANGE_ALREADY_RESOLVED"
	CodeExternalPaymentFailure Code = "EXTERNAL_PAYMENT_FAILURE"
	CodeInsufficientFunds      Code = "INSUFFICIENT_ESCROW_FUNDS"
	CodeNotFound               Code = "NOT_FOUND"
	CodeInvalidArgument        Code = "INVALID_ARGUMENT"
	CodeForbidden              Code = "FORBIDDEN"
	CodeRateLimited            Code = "RATE_LIMITED"
	CodeInternal               Code = "INTERNAL"
)

// Error is a coded domain error. Two Errors match under errors.Is when the
// target is a bare sentinel (no message) with the same code.
type Error struct {
	Code    Code
	Message string
	Err     error
}

func (e *Error) Error() string {
	switch {
	case e.Message == "" && e.Err == nil:
		return string(e.Code)
	case e.Err == nil:
		return e.Message
	case e.Message == "":
		return fmt.Sprintf("%s: %v", e.Code, e.Err)
	default:
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
}

func (e *Error) Unwrap() error { return e.Err }

func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Message == "" && t.Err == nil && t.Code == e.Code
}

// Sentinels for errors.Is checks.
var (
	ErrInvalidStateTransition = &Error{Code: CodeInvalidStateTransition}
	ErrConcurrentModification = &Error{Code: CodeConcurrentModification}
	ErrConservationViolated   = &Error{Code: CodeConservationViolated}
	ErrInsufficientEvidence   = &Error{Code: CodeInsufficientEvidence}
	ErrInvalidRating          = &Error{Code: CodeInvalidRating}
	ErrDisputeWindowClosed    = &Error{Code: CodeDisputeWindowClosed}
	ErrDisputeAlreadyResolved = &Error{Code: CodeDisputeAlreadyResolved}
	ErrScheduleOverallocated  = &Error{Code: CodeScheduleOverallocated}
	ErrChangeNotFound         = &Error{Code: CodeChangeNotFound}
	ErrChangeAlreadyResolved  = &Error{Code: CodeChangeAlreadyResolved}
	ErrExternalPaymentFailure = &Error{Code: CodeExternalPaymentFailure}
	ErrInsufficientFunds      = &Error{Code: CodeInsufficientFunds}
	ErrNotFound               = &Error{Code: CodeNotFound}
	ErrInvalidArgument        = &Error{Code: CodeInvalidArgument}
	ErrForbidden              = &Error{Code: CodeForbidden}
	ErrRateLimited            = &Error{Code: CodeRateLimited}
)

// New builds a coded error with a formatted message.
func New(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap attaches a code and message to an underlying cause.
func Wrap(code Code, err error, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...), Err: err}
}

// CodeOf returns the code of the first *Error in err's chain, or
// CodeInternal when there is none.
func CodeOf(err error) Code {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return CodeInternal
}

// MessageOf returns the outermost coded message, falling back to err.Error().
func MessageOf(err error) string {
	var e *Error
	if errors.As(err, &e) && e.Message != "" {
		return e.Message
	}
	if err == nil {
		return ""
	}
	return err.Error()
}

// Retryable reports whether the caller may retry the same request.
func Retryable(err error) bool {
	switch CodeOf(err) {
	case CodeConcurrentModification, CodeExternalPaymentFailure, CodeRateLimited:
		return true
	default:
		return false
	}
}
