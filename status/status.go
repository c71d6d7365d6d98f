// Package status enumerates the outcomes of core MXL operations.
//
// Core operations never log or panic on expected conditions; they return a
// Code (optionally wrapped in an Error carrying the underlying cause) and let
// the caller decide policy, per the contract/transient/environment/lifecycle
// taxonomy described alongside this package.
package status

import "fmt"

// Code identifies the outcome of an operation.
type Code uint32

const (
	OK Code = iota
	ErrUnknown
	ErrTimeout
	ErrNotReady
	ErrStale
	ErrUnderWrite
	ErrIncompatible
	ErrFlowBusy
	ErrSchemaMismatch
	ErrReaderGone
	ErrNoSuchFlow
	ErrBadArg
	ErrIO
)

func (c Code) String() string {
	switch c {
	case OK:
		return "OK"
	case ErrUnknown:
		return "ERR_UNKNOWN"
	case ErrTimeout:
		return "ERR_TIMEOUT"
	case ErrNotReady:
		return "ERR_NOT_READY"
	case ErrStale:
		return "ERR_STALE"
	case ErrUnderWrite:
		return "ERR_UNDER_WRITE"
	case ErrIncompatible:
		return "ERR_INCOMPATIBLE"
	case ErrFlowBusy:
		return "ERR_FLOW_BUSY"
	case ErrSchemaMismatch:
		return "ERR_SCHEMA_MISMATCH"
	case ErrReaderGone:
		return "ERR_READER_GONE"
	case ErrNoSuchFlow:
		return "ERR_NO_SUCH_FLOW"
	case ErrBadArg:
		return "ERR_BAD_ARG"
	case ErrIO:
		return "ERR_IO"
	default:
		return fmt.Sprintf("ERR_CODE(%d)", uint32(c))
	}
}

// Error wraps a Code with an optional underlying cause.
type Error struct {
	Code  Code
	Cause error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s", e.Code, e.Cause)
	}
	return e.Code.String()
}

func (e *Error) Unwrap() error { return e.Cause }

// Is allows errors.Is(err, status.Timeout) (or any other *Error sentinel
// below) to match a *Error of the same code, whatever its Cause.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Code == t.Code
}

// New builds an *Error for code, with no underlying cause.
func New(code Code) *Error { return &Error{Code: code} }

// Wrap builds an *Error for code, wrapping cause for diagnostics.
func Wrap(code Code, cause error) *Error {
	if cause == nil {
		return New(code)
	}
	return &Error{Code: code, Cause: cause}
}

// Sentinel values usable with errors.Is.
var (
	Timeout         = New(ErrTimeout)
	NotReady        = New(ErrNotReady)
	Stale           = New(ErrStale)
	UnderWrite      = New(ErrUnderWrite)
	Incompatible    = New(ErrIncompatible)
	FlowBusy        = New(ErrFlowBusy)
	SchemaMismatch  = New(ErrSchemaMismatch)
	ReaderGone      = New(ErrReaderGone)
	NoSuchFlow      = New(ErrNoSuchFlow)
	BadArg          = New(ErrBadArg)
	IO              = New(ErrIO)
)

// CodeOf extracts the Code from err, if it (or something it wraps) is a
// *Error; otherwise returns ErrUnknown.
func CodeOf(err error) Code {
	if err == nil {
		return OK
	}
	var se *Error
	for {
		if e, ok := err.(*Error); ok {
			se = e
			break
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			break
		}
		err = u.Unwrap()
		if err == nil {
			break
		}
	}
	if se != nil {
		return se.Code
	}
	return ErrUnknown
}
