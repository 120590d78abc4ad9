package ocsync

import (
	"errors"
	"fmt"
)

// ErrorCode classifies a cache database failure. Codes are stable across
// releases; messages are not.
type ErrorCode int

const (
	ErrCodeNone ErrorCode = iota
	ErrCodeNotOpen
	ErrCodeCreate
	ErrCodeOpen
	ErrCodeAlreadyOpen
	ErrCodeConfiguration
	ErrCodeIntegrityCheck
	ErrCodeUpgrade
	ErrCodeProcessMutex
	ErrCodeVersionQuery
	ErrCodeVersionMismatch
	ErrCodeTransaction
	ErrCodeTransactionLock
	ErrCodePrepareQuery
	ErrCodeQuery
	ErrCodeInvalidArgument
)

// String returns the symbolic name of the code.
func (c ErrorCode) String() string {
	switch c {
	case ErrCodeNotOpen:
		return "not open"
	case ErrCodeCreate:
		return "create"
	case ErrCodeOpen:
		return "open"
	case ErrCodeAlreadyOpen:
		return "already open"
	case ErrCodeConfiguration:
		return "configuration"
	case ErrCodeIntegrityCheck:
		return "integrity check"
	case ErrCodeUpgrade:
		return "upgrade"
	case ErrCodeProcessMutex:
		return "process mutex"
	case ErrCodeVersionQuery:
		return "version query"
	case ErrCodeVersionMismatch:
		return "version mismatch"
	case ErrCodeTransaction:
		return "transaction"
	case ErrCodeTransactionLock:
		return "transaction lock"
	case ErrCodePrepareQuery:
		return "prepare query"
	case ErrCodeQuery:
		return "query"
	case ErrCodeInvalidArgument:
		return "invalid argument"
	default:
		return "unknown"
	}
}

// Error is the structured error reported by all database operations.
// It carries a stable code plus a human-readable message and optionally
// wraps an underlying cause.
type Error struct {
	Code    ErrorCode
	Message string
	Cause   error
}

// Errorf returns a new Error with a formatted message. If the final
// formatting argument is an error it is retained as the cause.
func Errorf(code ErrorCode, format string, args ...any) *Error {
	e := &Error{Code: code, Message: fmt.Sprintf(format, args...)}
	if len(args) > 0 {
		if cause, ok := args[len(args)-1].(error); ok {
			e.Cause = cause
		}
	}
	return e
}

// Error implements the error interface.
func (e *Error) Error() string {
	return fmt.Sprintf("ocsync: %s error: %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause, if any.
func (e *Error) Unwrap() error { return e.Cause }

// Is reports whether target is an *Error with the same code. This lets
// callers match against a bare &Error{Code: ...} sentinel.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return e.Code == t.Code
}

// ErrorCodeOf returns the code carried by err, or ErrCodeNone when err is
// not an *Error.
func ErrorCodeOf(err error) ErrorCode {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ErrCodeNone
}
