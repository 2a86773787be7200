package engine

import "github.com/privstack/core/internal/pkgerrors"

// ErrorCode is the closed numeric taxonomy surfaced across the FFI
// boundary, covering every internal/pkgerrors.Code.
type ErrorCode int

const (
	ErrNone ErrorCode = iota
	ErrInternal
	ErrBadPassword
	ErrLocked
	ErrUnknownType
	ErrValidation
	ErrNotFound
	ErrCorruption
	ErrTransport
	ErrConflict
)

// errorCodeFor maps a pkgerrors.Code to its FFI-facing numeric code.
func errorCodeFor(code pkgerrors.Code) ErrorCode {
	switch code {
	case pkgerrors.BadPassword:
		return ErrBadPassword
	case pkgerrors.Locked:
		return ErrLocked
	case pkgerrors.UnknownType:
		return ErrUnknownType
	case pkgerrors.Validation:
		return ErrValidation
	case pkgerrors.NotFound:
		return ErrNotFound
	case pkgerrors.Corruption:
		return ErrCorruption
	case pkgerrors.Transport:
		return ErrTransport
	case pkgerrors.Conflict:
		return ErrConflict
	default:
		return ErrInternal
	}
}

// classify extracts the (code, message) pair Execute reports for err, the
// FFI taxonomy's closed contract: every error that crosses the boundary
// carries exactly one of these codes, never a raw Go error string alone.
func classify(err error) (ErrorCode, string) {
	if pe, ok := err.(*pkgerrors.Error); ok {
		return errorCodeFor(pe.Code), pe.Error()
	}
	return ErrInternal, err.Error()
}
