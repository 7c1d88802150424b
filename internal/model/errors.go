package model

import (
	"errors"
	"fmt"
)

// ErrorKind classifies a domain error so callers can react to the
// category without parsing messages.
type ErrorKind string

const (
	KindNotFound        ErrorKind = "not_found"
	KindConflict        ErrorKind = "conflict"
	KindNotAllowed      ErrorKind = "not_allowed"
	KindInvalidData     ErrorKind = "invalid_data"
	KindInvalidArgument ErrorKind = "invalid_argument"
)

// Error is a typed domain error. Repositories wrap driver errors with
// fmt.Errorf instead; Error is reserved for conditions callers are
// expected to branch on (missing record, lock contention, illegal
// transition, bad input).
type Error struct {
	Kind    ErrorKind
	Message string
}

func (e *Error) Error() string {
	return e.Message
}

// NewError builds a typed error with a formatted message.
func NewError(kind ErrorKind, format string, args ...interface{}) *Error {
	return &Error{
		Kind:    kind,
		Message: fmt.Sprintf(format, args...),
	}
}

// IsKind reports whether err (or anything it wraps) is a domain error
// of the given kind.
func IsKind(err error, kind ErrorKind) bool {
	var domainErr *Error
	if errors.As(err, &domainErr) {
		return domainErr.Kind == kind
	}
	return false
}
