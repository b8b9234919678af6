// Package apperrors defines the error kinds surfaced by the work-state
// service. Every domain failure carries a stable Kind that transports map
// onto client-visible rejections.
package apperrors

import (
	"errors"
	"fmt"
)

type Kind string

const (
	Unknown            Kind = "unknown"
	Conflict           Kind = "conflict"
	FatalInconsistency Kind = "fatal_inconsistency"
	InvalidState       Kind = "invalid_state"
	StoreUnavailable   Kind = "store_unavailable"
	Validation         Kind = "validation"
	NotFound           Kind = "not_found"
)

// Error is a domain error with a stable kind and a human readable message.
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches any *Error of the same kind, so callers can compare against
// the sentinel values below with errors.Is.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind && (t.Message == "" || t.Message == e.Message)
}

// Sentinels for errors.Is.
var (
	ErrConflict           = &Error{Kind: Conflict}
	ErrFatalInconsistency = &Error{Kind: FatalInconsistency}
	ErrInvalidState       = &Error{Kind: InvalidState}
	ErrStoreUnavailable   = &Error{Kind: StoreUnavailable}
	ErrValidation         = &Error{Kind: Validation}
	ErrNotFound           = &Error{Kind: NotFound}
)

func New(kind Kind, msg string) *Error {
	return &Error{Kind: kind, Message: msg}
}

func Wrap(kind Kind, msg string, err error) *Error {
	return &Error{Kind: kind, Message: msg, Err: err}
}

func NewConflict(msg string) *Error           { return New(Conflict, msg) }
func NewFatalInconsistency(msg string) *Error { return New(FatalInconsistency, msg) }
func NewInvalidState(msg string) *Error       { return New(InvalidState, msg) }
func NewValidation(msg string) *Error         { return New(Validation, msg) }
func NewNotFound(msg string) *Error           { return New(NotFound, msg) }

func NewStoreUnavailable(op string, err error) *Error {
	return Wrap(StoreUnavailable, op, err)
}

// KindOf returns the kind of the first *Error in err's chain, or Unknown.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return Unknown
}

// MessageOf returns the domain message when err carries one.
func MessageOf(err error) string {
	var e *Error
	if errors.As(err, &e) && e.Message != "" {
		return e.Message
	}
	return err.Error()
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind Kind) bool {
	return KindOf(err) == kind
}
