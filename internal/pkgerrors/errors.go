// Package pkgerrors defines the closed error taxonomy shared by every
// layer of the core and surfaced numerically at the FFI boundary. It
// unifies what the previous implementation scattered across per-package error structs
// (storage.ErrNotFound, pkg/engine.ErrInvalidType, pkg/engine.ErrDeleted
//) into one Code enum with a single wrapping Error type, the
// way the FFI's closed numeric error codes require.
package pkgerrors

import "fmt"

// Code is one of the closed set of error kinds.
type Code int

const (
	Internal Code = iota
	BadPassword
	Locked
	UnknownType
	Validation
	NotFound
	Corruption
	Transport
	Conflict
)

func (c Code) String() string {
	switch c {
	case BadPassword:
		return "BadPassword"
	case Locked:
		return "Locked"
	case UnknownType:
		return "UnknownType"
	case Validation:
		return "Validation"
	case NotFound:
		return "NotFound"
	case Corruption:
		return "Corruption"
	case Transport:
		return "Transport"
	case Conflict:
		return "Conflict"
	default:
		return "Internal"
	}
}

// Error wraps a Code with a human-readable message and an optional cause.
type Error struct {
	Code    Code
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// New builds an Error with no wrapped cause.
func New(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Wrap builds an Error that carries cause for %w-style chains.
func Wrap(code Code, message string, cause error) *Error {
	return &Error{Code: code, Message: message, Cause: cause}
}

// Is reports whether err is a *Error of the given code, unwrapping as
// needed.
func Is(err error, code Code) bool {
	for err != nil {
		if e, ok := err.(*Error); ok {
			return e.Code == code
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}
