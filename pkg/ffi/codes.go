package ffi

import (
	"github.com/privstack/core/internal/pkgerrors"
	"github.com/privstack/core/pkg/engine"
)

// Code is the closed numeric taxonomy every cgo export returns (spec.md
// §7). It is an alias of engine.ErrorCode; the Code* constants below
// re-export engine's values so callers can name them through pkg/ffi.
type Code = engine.ErrorCode

const (
	CodeOK          = engine.ErrNone
	CodeInternal    = engine.ErrInternal
	CodeBadPassword = engine.ErrBadPassword
	CodeLocked      = engine.ErrLocked
	CodeUnknownType = engine.ErrUnknownType
	CodeValidation  = engine.ErrValidation
	CodeNotFound    = engine.ErrNotFound
	CodeCorruption  = engine.ErrCorruption
	CodeTransport   = engine.ErrTransport
	CodeConflict    = engine.ErrConflict
)

// ClassifyError maps a Go error from an engine.Handle call to its
// FFI-facing numeric code, mirroring engine.classify (unexported) since
// that mapping is internal to the engine package's Execute JSON
// responses but every other cgo export needs the same taxonomy for its
// direct Go-error return path.
func ClassifyError(err error) Code {
	if err == nil {
		return CodeOK
	}
	if pe, ok := err.(*pkgerrors.Error); ok {
		switch pe.Code {
		case pkgerrors.BadPassword:
			return CodeBadPassword
		case pkgerrors.Locked:
			return CodeLocked
		case pkgerrors.UnknownType:
			return CodeUnknownType
		case pkgerrors.Validation:
			return CodeValidation
		case pkgerrors.NotFound:
			return CodeNotFound
		case pkgerrors.Corruption:
			return CodeCorruption
		case pkgerrors.Transport:
			return CodeTransport
		case pkgerrors.Conflict:
			return CodeConflict
		}
	}
	return CodeInternal
}
