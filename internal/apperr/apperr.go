// Package apperr holds the error kinds services return and the HTTP status
// each one maps to at the boundary.
package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind is the category of an error.
type Kind int

const (
	KindInternal Kind = iota
	// KindValidation is a missing or malformed required field.
	KindValidation
	// KindUnauthorized is a failed shared-secret check.
	KindUnauthorized
	KindNotFound
	// KindConflict is a distinct second finalization of a terminal record.
	KindConflict
	// KindStore is a persistence failure.
	KindStore
	// KindDispatch is a worker front door that was unreachable or answered non-2xx.
	KindDispatch
)

func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindUnauthorized:
		return "unauthorized"
	case KindNotFound:
		return "not_found"
	case KindConflict:
		return "conflict"
	case KindStore:
		return "store"
	case KindDispatch:
		return "dispatch"
	default:
		return "internal"
	}
}

// Error is a typed error carrying an HTTP-facing message.
type Error struct {
	Kind    Kind
	Message string
	Op      string
	Err     error
}

func (e *Error) Error() string {
	msg := e.Message
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// HTTPStatus maps the kind to a response status.
func (e *Error) HTTPStatus() int {
	switch e.Kind {
	case KindValidation:
		return http.StatusBadRequest
	case KindUnauthorized:
		return http.StatusUnauthorized
	case KindNotFound:
		return http.StatusNotFound
	case KindConflict:
		return http.StatusConflict
	case KindDispatch:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// WithOp sets the failing operation.
func (e *Error) WithOp(op string) *Error {
	e.Op = op
	return e
}

func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

func Wrap(kind Kind, message string, err error) *Error {
	return &Error{Kind: kind, Message: message, Err: err}
}

func Validation(message string) *Error   { return New(KindValidation, message) }
func Unauthorized(message string) *Error { return New(KindUnauthorized, message) }
func NotFound(message string) *Error     { return New(KindNotFound, message) }
func Conflict(message string) *Error     { return New(KindConflict, message) }

func Store(message string, err error) *Error    { return Wrap(KindStore, message, err) }
func Dispatch(message string, err error) *Error { return Wrap(KindDispatch, message, err) }

// As returns the *Error in err's chain, if any.
func As(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

// Is reports whether err carries the given kind.
func Is(err error, kind Kind) bool {
	e, ok := As(err)
	return ok && e.Kind == kind
}
